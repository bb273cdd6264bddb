package store

import (
	"cmp"
	"context"
	"fmt"
	"github.com/goccy/go-yaml"
	"github.com/kittenbark/nanodb"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"sync"
	"time"
)

// Nanodb keeps each record type in its own yaml file under one directory. Suited for small
// single-operator deployments where an operator wants to read the files by hand.
type Nanodb struct {
	mu       sync.Mutex
	entries  *nanodb.DBCache[*ArchiveEntry, *yaml.Encoder, *yaml.Decoder]
	ledger   *nanodb.DBCache[*DeliveryRecord, *yaml.Encoder, *yaml.Decoder]
	settings *nanodb.DBCache[*Settings, *yaml.Encoder, *yaml.Decoder]
}

func OpenNanodb(dir string) (*Nanodb, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: open nanodb, empty path")
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("store: mkdir nanodb, %w (%s)", err, dir)
	}

	entries, err := nanodb.Fromf[*ArchiveEntry](path.Join(dir, "archive.yaml"), yamlNewEncoder, yamlNewDecoder)
	if err != nil {
		return nil, fmt.Errorf("store: open archive, %w", err)
	}
	ledger, err := nanodb.Fromf[*DeliveryRecord](path.Join(dir, "ledger.yaml"), yamlNewEncoder, yamlNewDecoder)
	if err != nil {
		return nil, fmt.Errorf("store: open ledger, %w", err)
	}
	settings, err := nanodb.Fromf[*Settings](path.Join(dir, "settings.yaml"), yamlNewEncoder, yamlNewDecoder)
	if err != nil {
		return nil, fmt.Errorf("store: open settings, %w", err)
	}
	slog.Info("store#nanodb_open", "path", dir)
	return &Nanodb{entries: entries, ledger: ledger, settings: settings}, nil
}

func (n *Nanodb) Close() error {
	return nil
}

func (n *Nanodb) PutEntry(_ context.Context, entry *ArchiveEntry) error {
	if err := validEntry(entry); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	keys, err := n.entries.KeysSnapshot()
	if err != nil {
		return fmt.Errorf("store: put entry, keys snapshot, %w", err)
	}
	if slices.Contains(keys, entry.Key) {
		return fmt.Errorf("%w (%s)", ErrKeyExists, entry.Key)
	}
	if err := n.entries.Add(entry.Key, entry); err != nil {
		return fmt.Errorf("store: put entry, %w (%s)", err, entry.Key)
	}
	return nil
}

func (n *Nanodb) GetEntry(_ context.Context, key string) (*ArchiveEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	keys, err := n.entries.KeysSnapshot()
	if err != nil {
		return nil, fmt.Errorf("store: get entry, keys snapshot, %w", err)
	}
	if !slices.Contains(keys, key) {
		return nil, ErrNotFound
	}
	entry, err := n.entries.Get(key)
	if err != nil {
		return nil, fmt.Errorf("store: get entry, %w (%s)", err, key)
	}
	return entry, nil
}

func (n *Nanodb) Schedule(_ context.Context, rec DeliveryRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ledger.Add(nanodbLedgerKey(rec.ChatId, rec.MessageId), &rec); err != nil {
		return fmt.Errorf("store: schedule, %w (%d:%d)", err, rec.ChatId, rec.MessageId)
	}
	return nil
}

func (n *Nanodb) PollExpired(_ context.Context, now time.Time, limit int) ([]DeliveryRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	keys, err := n.ledger.KeysSnapshot()
	if err != nil {
		return nil, fmt.Errorf("store: poll expired, keys snapshot, %w", err)
	}
	result := make([]DeliveryRecord, 0)
	for _, key := range keys {
		rec, err := n.ledger.Get(key)
		if err != nil {
			return nil, fmt.Errorf("store: poll expired, %w (%s)", err, key)
		}
		if rec.Expired(now) {
			result = append(result, *rec)
		}
	}

	slices.SortFunc(result, func(left, right DeliveryRecord) int {
		return cmp.Compare(left.ExpiresAt, right.ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (n *Nanodb) Remove(_ context.Context, chatId int64, messageId int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := nanodbLedgerKey(chatId, messageId)
	keys, err := n.ledger.KeysSnapshot()
	if err != nil {
		return fmt.Errorf("store: remove, keys snapshot, %w", err)
	}
	if !slices.Contains(keys, key) {
		return nil
	}
	if err := n.ledger.Del(key); err != nil {
		return fmt.Errorf("store: remove, %w (%s)", err, key)
	}
	return nil
}

func (n *Nanodb) Pending(_ context.Context) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	keys, err := n.ledger.KeysSnapshot()
	if err != nil {
		return 0, fmt.Errorf("store: pending, keys snapshot, %w", err)
	}
	return len(keys), nil
}

func (n *Nanodb) LoadSettings(_ context.Context, defaults Settings) (Settings, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	keys, err := n.settings.KeysSnapshot()
	if err != nil {
		return defaults, fmt.Errorf("store: load settings, keys snapshot, %w", err)
	}
	if !slices.Contains(keys, settingsKey) {
		return defaults, nil
	}
	settings, err := n.settings.Get(settingsKey)
	if err != nil {
		return defaults, fmt.Errorf("store: load settings, %w", err)
	}
	return *settings, nil
}

func (n *Nanodb) SaveSettings(_ context.Context, settings Settings) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.settings.Add(settingsKey, &settings); err != nil {
		return fmt.Errorf("store: save settings, %w", err)
	}
	return nil
}

func nanodbLedgerKey(chatId int64, messageId int64) string {
	return fmt.Sprintf("%d:%d", chatId, messageId)
}

func yamlNewEncoder(w io.Writer) *yaml.Encoder {
	return yaml.NewEncoder(w)
}

func yamlNewDecoder(r io.Reader) *yaml.Decoder {
	return yaml.NewDecoder(r)
}
