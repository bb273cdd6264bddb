package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/cockroachdb/pebble"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	archivePrefix  = "archive:"
	ledgerPrefix   = "ledger:"
	expiryPrefix   = "ledger_exp:"
	settingsKey    = "settings"
	prefixUpperEnd = ";" // ':' + 1
)

// Pebble keeps every record type in one embedded pebble database.
//
//	archive:<key>                          -> ArchiveEntry
//	ledger:<chat>:<msg>                    -> DeliveryRecord
//	ledger_exp:<%020d expires>:<chat>:<msg> -> empty, range-read by PollExpired
//	settings                               -> Settings
type Pebble struct {
	db *pebble.DB

	// mu serializes the insert-if-absent and index maintenance sequences.
	mu sync.Mutex
}

func OpenPebble(path string) (*Pebble, error) {
	if path == "" {
		return nil, fmt.Errorf("store: open pebble, empty path")
	}
	slog.Info("store#pebble_open", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble, %w (%s)", err, path)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

func (p *Pebble) PutEntry(_ context.Context, entry *ArchiveEntry) error {
	if err := validEntry(entry); err != nil {
		return err
	}
	key := []byte(archivePrefix + entry.Key)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshal entry, %w (%s)", err, entry.Key)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.get(key); err == nil {
		return fmt.Errorf("%w (%s)", ErrKeyExists, entry.Key)
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("store: put entry, %w (%s)", err, entry.Key)
	}
	if err := p.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("store: put entry, %w (%s)", err, entry.Key)
	}
	return nil
}

func (p *Pebble) GetEntry(_ context.Context, key string) (*ArchiveEntry, error) {
	data, err := p.get([]byte(archivePrefix + key))
	if err != nil {
		return nil, err
	}
	var entry ArchiveEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("store: unmarshal entry, %w (%s)", err, key)
	}
	return &entry, nil
}

func (p *Pebble) Schedule(_ context.Context, rec DeliveryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record, %w (%d:%d)", err, rec.ChatId, rec.MessageId)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.db.NewBatch()
	defer batch.Close()

	if prev, err := p.record(rec.ChatId, rec.MessageId); err == nil {
		if err := batch.Delete(expiryKey(prev), nil); err != nil {
			return fmt.Errorf("store: schedule, %w", err)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("store: schedule, %w (%d:%d)", err, rec.ChatId, rec.MessageId)
	}
	if err := batch.Set(ledgerKey(rec.ChatId, rec.MessageId), data, nil); err != nil {
		return fmt.Errorf("store: schedule, %w", err)
	}
	if err := batch.Set(expiryKey(rec), nil, nil); err != nil {
		return fmt.Errorf("store: schedule, %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: schedule, %w (%d:%d)", err, rec.ChatId, rec.MessageId)
	}
	return nil
}

func (p *Pebble) PollExpired(_ context.Context, now time.Time, limit int) ([]DeliveryRecord, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(expiryPrefix),
		UpperBound: []byte(fmt.Sprintf("%s%020d", expiryPrefix, now.Unix())),
	})
	if err != nil {
		return nil, fmt.Errorf("store: poll expired, %w", err)
	}
	defer iter.Close()

	result := make([]DeliveryRecord, 0)
	for iter.First(); iter.Valid() && (limit <= 0 || len(result) < limit); iter.Next() {
		rec, err := parseExpiryKey(string(iter.Key()))
		if err != nil {
			slog.Warn("store#pebble_bad_expiry_key", "key", string(iter.Key()), "err", err)
			continue
		}
		result = append(result, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: poll expired, %w", err)
	}
	return result, nil
}

func (p *Pebble) Remove(_ context.Context, chatId int64, messageId int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.record(chatId, messageId)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: remove, %w (%d:%d)", err, chatId, messageId)
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(ledgerKey(chatId, messageId), nil); err != nil {
		return fmt.Errorf("store: remove, %w", err)
	}
	if err := batch.Delete(expiryKey(rec), nil); err != nil {
		return fmt.Errorf("store: remove, %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: remove, %w (%d:%d)", err, chatId, messageId)
	}
	return nil
}

func (p *Pebble) Pending(_ context.Context) (int, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(ledgerPrefix),
		UpperBound: []byte(strings.TrimSuffix(ledgerPrefix, ":") + prefixUpperEnd),
	})
	if err != nil {
		return 0, fmt.Errorf("store: pending, %w", err)
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}

func (p *Pebble) LoadSettings(_ context.Context, defaults Settings) (Settings, error) {
	data, err := p.get([]byte(settingsKey))
	if errors.Is(err, ErrNotFound) {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("store: load settings, %w", err)
	}
	settings := defaults
	if err := json.Unmarshal(data, &settings); err != nil {
		return defaults, fmt.Errorf("store: unmarshal settings, %w", err)
	}
	return settings, nil
}

func (p *Pebble) SaveSettings(_ context.Context, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("store: marshal settings, %w", err)
	}
	if err := p.db.Set([]byte(settingsKey), data, pebble.Sync); err != nil {
		return fmt.Errorf("store: save settings, %w", err)
	}
	return nil
}

func (p *Pebble) get(key []byte) ([]byte, error) {
	value, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (p *Pebble) record(chatId int64, messageId int64) (DeliveryRecord, error) {
	var rec DeliveryRecord
	data, err := p.get(ledgerKey(chatId, messageId))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("store: unmarshal record, %w", err)
	}
	return rec, nil
}

func ledgerKey(chatId int64, messageId int64) []byte {
	return []byte(fmt.Sprintf("%s%d:%d", ledgerPrefix, chatId, messageId))
}

func expiryKey(rec DeliveryRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d:%d:%d", expiryPrefix, rec.ExpiresAt, rec.ChatId, rec.MessageId))
}

func parseExpiryKey(key string) (DeliveryRecord, error) {
	var rec DeliveryRecord
	parts := strings.Split(strings.TrimPrefix(key, expiryPrefix), ":")
	if len(parts) != 3 {
		return rec, fmt.Errorf("expected 3 parts, got %d", len(parts))
	}
	values := make([]int64, len(parts))
	for i, part := range parts {
		value, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return rec, err
		}
		values[i] = value
	}
	rec.ExpiresAt, rec.ChatId, rec.MessageId = values[0], values[1], values[2]
	return rec, nil
}
