// Package store persists the archive index, the delivery ledger and the operator settings.
//
// Three drivers share the same contract: pebble (embedded, default), mongo (document store)
// and nanodb (yaml files). Every operation is a single-key write, a point lookup or a
// bounded range read, so callers never need their own locking.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrKeyExists = errors.New("store: key already exists")
)

// ArchiveEntry maps an internal key to the messages kept in the archive channel.
type ArchiveEntry struct {
	Key        string    `json:"key" yaml:"key" bson:"unique_id"`
	MessageIds []int64   `json:"message_ids" yaml:"message_ids" bson:"message_ids"`
	IsBatch    bool      `json:"is_batch" yaml:"is_batch" bson:"is_batch"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at" bson:"created_at"`
}

// DeliveryRecord is a message delivered to a user chat that has to be removed at ExpiresAt.
type DeliveryRecord struct {
	ChatId    int64 `json:"chat_id" yaml:"chat_id" bson:"chat_id"`
	MessageId int64 `json:"message_id" yaml:"message_id" bson:"message_id"`
	ExpiresAt int64 `json:"expires_at" yaml:"expires_at" bson:"delete_at"`
}

func (rec DeliveryRecord) Expired(now time.Time) bool {
	return rec.ExpiresAt < now.Unix()
}

// Settings are the operator-mutable knobs, read on every retrieval.
type Settings struct {
	DeleteDelaySeconds int    `json:"delete_delay_seconds" yaml:"delete_delay_seconds" bson:"delete_delay_seconds"`
	AlertTemplate      string `json:"alert_template" yaml:"alert_template" bson:"alert_template"`
	ThumbnailRef       string `json:"thumbnail_ref,omitempty" yaml:"thumbnail_ref,omitempty" bson:"thumbnail_ref,omitempty"`
}

type ArchiveIndex interface {
	PutEntry(ctx context.Context, entry *ArchiveEntry) error
	GetEntry(ctx context.Context, key string) (*ArchiveEntry, error)
}

type Ledger interface {
	Schedule(ctx context.Context, rec DeliveryRecord) error
	PollExpired(ctx context.Context, now time.Time, limit int) ([]DeliveryRecord, error)
	Remove(ctx context.Context, chatId int64, messageId int64) error
	Pending(ctx context.Context) (int, error)
}

type SettingsStore interface {
	LoadSettings(ctx context.Context, defaults Settings) (Settings, error)
	SaveSettings(ctx context.Context, settings Settings) error
}

type Store interface {
	ArchiveIndex
	Ledger
	SettingsStore
	Close() error
}

const (
	DriverPebble = "pebble"
	DriverMongo  = "mongo"
	DriverNanodb = "nanodb"
)

type Options struct {
	Driver        string `yaml:"driver" env:"DRIVER"`
	Path          string `yaml:"path" env:"PATH"`
	MongoURL      string `yaml:"mongo_url" env:"MONGO_URL"`
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`
}

// Open connects the configured driver, failing fast when the backend is unreachable.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverPebble, "":
		return OpenPebble(opts.Path)
	case DriverMongo:
		return OpenMongo(ctx, opts.MongoURL, opts.MongoDatabase)
	case DriverNanodb:
		return OpenNanodb(opts.Path)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}

func validEntry(entry *ArchiveEntry) error {
	if entry == nil || entry.Key == "" {
		return fmt.Errorf("store: put entry, empty key")
	}
	if len(entry.MessageIds) == 0 {
		return fmt.Errorf("store: put entry, no message ids (%s)", entry.Key)
	}
	return nil
}
