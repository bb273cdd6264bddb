package archive

import (
	"context"
	"errors"
	"fmt"
	"github.com/kittenbark/tg-filestore/internal/store"
	"github.com/kittenbark/tg-filestore/internal/token"
	"golang.org/x/time/rate"
	"log/slog"
	"strconv"
	"strings"
)

// ErrEntryNotFound means the token decoded fine but the archive has no such entry.
var ErrEntryNotFound = errors.New("archive: entry not found")

// DeliveryError is a single archive message that could not be copied to the requester.
type DeliveryError struct {
	ArchiveMessageId int64
	Err              error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver archive message %d: %v", e.ArchiveMessageId, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type Retrieval struct {
	Entry     *store.ArchiveEntry
	ExpiresAt int64
	Delivered []int64
	Notice    int64
	Failures  []*DeliveryError
}

// Retrieve delivers the entry behind payload to chatId and schedules every delivered
// message, the notice included, for deletion. Per-item copy failures are collected in the
// result; a ledger failure stops the retrieval and is returned along with what was already
// delivered.
func (arch *Archive) Retrieve(ctx context.Context, chatId int64, payload string) (*Retrieval, error) {
	key, err := token.Decode(payload)
	if err != nil {
		arch.metrics.retrievals.WithLabelValues("invalid").Inc()
		return nil, err
	}
	entry, err := arch.store.GetEntry(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		arch.metrics.retrievals.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w (%s)", ErrEntryNotFound, key)
	}
	if err != nil {
		arch.metrics.retrievals.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("archive: retrieve, %w (%s)", err, key)
	}

	settings, err := arch.Settings(ctx)
	if err != nil {
		arch.metrics.retrievals.WithLabelValues("error").Inc()
		return nil, err
	}

	res := &Retrieval{
		Entry:     entry,
		ExpiresAt: arch.now().Unix() + int64(settings.DeleteDelaySeconds),
		Delivered: make([]int64, 0, len(entry.MessageIds)),
	}
	opts := CopyOptions{Caption: DeliveredCaption}
	if entry.IsBatch {
		opts = CopyOptions{Silent: true}
	}

	limiter := rate.NewLimiter(rate.Every(arch.cfg.DeliveryDelay()), 1)
	for _, archiveId := range entry.MessageIds {
		if err := limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("archive: retrieve, %w (%s)", err, key)
		}

		delivered, err := arch.transport.CopyMessage(ctx, chatId, arch.cfg.Channel, archiveId, opts)
		if err != nil {
			arch.metrics.deliveryErr.Inc()
			slog.Warn("archive#delivery_failed", "chat", chatId, "key", key, "archive_message", archiveId, "err", err)
			res.Failures = append(res.Failures, &DeliveryError{ArchiveMessageId: archiveId, Err: err})
			continue
		}
		arch.metrics.deliveries.Inc()
		res.Delivered = append(res.Delivered, delivered)

		if err := arch.schedule(ctx, chatId, delivered, res.ExpiresAt); err != nil {
			arch.metrics.retrievals.WithLabelValues("error").Inc()
			return res, err
		}
	}

	if len(res.Delivered) == 0 {
		arch.metrics.retrievals.WithLabelValues("failed").Inc()
		return res, nil
	}

	notice, err := arch.transport.SendText(ctx, chatId, RenderAlert(settings.AlertTemplate, settings.DeleteDelaySeconds))
	if err != nil {
		arch.metrics.retrievals.WithLabelValues("error").Inc()
		return res, fmt.Errorf("archive: send notice, %w (%d)", err, chatId)
	}
	res.Notice = notice
	if err := arch.schedule(ctx, chatId, notice, res.ExpiresAt); err != nil {
		arch.metrics.retrievals.WithLabelValues("error").Inc()
		return res, err
	}

	arch.metrics.retrievals.WithLabelValues("delivered").Inc()
	slog.Debug("archive#retrieved", "chat", chatId, "key", key, "delivered", len(res.Delivered), "failed", len(res.Failures))
	return res, nil
}

func (arch *Archive) schedule(ctx context.Context, chatId int64, messageId int64, expiresAt int64) error {
	rec := store.DeliveryRecord{ChatId: chatId, MessageId: messageId, ExpiresAt: expiresAt}
	if err := arch.store.Schedule(ctx, rec); err != nil {
		return fmt.Errorf("archive: schedule, %w (%d:%d)", err, chatId, messageId)
	}
	return nil
}

// RenderAlert substitutes {time} with the retention in whole minutes.
func RenderAlert(template string, deleteDelaySeconds int) string {
	return strings.ReplaceAll(template, "{time}", strconv.Itoa(deleteDelaySeconds/60))
}

// IsExpiredLink reports whether err means the link cannot resolve. Malformed tokens and
// missing entries get the same reply.
func IsExpiredLink(err error) bool {
	return errors.Is(err, token.ErrInvalidToken) || errors.Is(err, ErrEntryNotFound)
}
