package archive

import (
	"context"
	"errors"
	"fmt"
	"github.com/kittenbark/tg-filestore/internal/store"
	"github.com/kittenbark/tg-filestore/internal/token"
	"log/slog"
)

var (
	ErrNoBatch    = errors.New("archive: no open batch")
	ErrEmptyBatch = errors.New("archive: batch is empty")
)

type Stored struct {
	// Entry is nil while the file only joined an open batch.
	Entry     *store.ArchiveEntry
	Link      string
	Forwarded *ForwardedMessage
	BatchSize int
}

// StoreFile forwards an operator message into the archive channel. Outside a batch the
// file gets its own permanent entry and link, inside one it is only collected.
func (arch *Archive) StoreFile(ctx context.Context, operatorId int64, chatId int64, messageId int64) (*Stored, error) {
	arch.batchMu.Lock()
	defer arch.batchMu.Unlock()

	forwarded, err := arch.transport.ForwardMessage(ctx, arch.cfg.Channel, chatId, messageId)
	if err != nil {
		return nil, fmt.Errorf("archive: forward to channel, %w (%d)", err, messageId)
	}
	slog.Debug("archive#forwarded", "operator", operatorId, "archive_message", forwarded.MessageId, "file", forwarded.Filename)

	item := BatchItem{SourceId: messageId, MessageId: forwarded.MessageId, Filename: forwarded.Filename}
	if size, ok := arch.batches.Append(operatorId, item); ok {
		return &Stored{Forwarded: forwarded, BatchSize: size}, nil
	}

	entry := &store.ArchiveEntry{
		Key:        token.FileKey(forwarded.MessageId),
		MessageIds: []int64{forwarded.MessageId},
		CreatedAt:  arch.now().UTC(),
	}
	if err := arch.put(ctx, entry); err != nil {
		return nil, err
	}
	return &Stored{Entry: entry, Link: arch.Link(entry), Forwarded: forwarded}, nil
}

func (arch *Archive) StartBatch(operatorId int64) {
	arch.batchMu.Lock()
	defer arch.batchMu.Unlock()
	arch.batches.Start(operatorId)
}

func (arch *Archive) CancelBatch(operatorId int64) (int, bool) {
	arch.batchMu.Lock()
	defer arch.batchMu.Unlock()
	items, ok := arch.batches.Take(operatorId)
	return len(items), ok
}

// CloseBatch stores the collected files as one entry, ordered the way the operator sent
// them or by filename. It waits for a file that is still being forwarded.
func (arch *Archive) CloseBatch(ctx context.Context, operatorId int64, byName bool) (*Stored, error) {
	arch.batchMu.Lock()
	defer arch.batchMu.Unlock()

	items, ok := arch.batches.Take(operatorId)
	if !ok {
		return nil, ErrNoBatch
	}
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}

	now := arch.now().UTC()
	entry := &store.ArchiveEntry{
		Key:        token.BatchKey(now, operatorId),
		MessageIds: SortBatch(items, byName),
		IsBatch:    true,
		CreatedAt:  now,
	}
	if err := arch.put(ctx, entry); err != nil {
		return nil, err
	}
	return &Stored{Entry: entry, Link: arch.Link(entry), BatchSize: len(items)}, nil
}

func (arch *Archive) Link(entry *store.ArchiveEntry) string {
	return token.Link(arch.username, token.Encode(entry.Key))
}

func (arch *Archive) put(ctx context.Context, entry *store.ArchiveEntry) error {
	if err := arch.store.PutEntry(ctx, entry); err != nil {
		return fmt.Errorf("archive: store entry, %w (%s)", err, entry.Key)
	}
	kind := "file"
	if entry.IsBatch {
		kind = "batch"
	}
	arch.metrics.stored.WithLabelValues(kind).Inc()
	slog.Info("archive#stored", "key", entry.Key, "kind", kind, "messages", len(entry.MessageIds))
	return nil
}
