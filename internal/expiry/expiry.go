// Package expiry drains the delivery ledger: every interval it polls the records whose
// expiry has passed, deletes the delivered messages from the user chats and removes the
// records, whatever the remote delete said.
package expiry

import (
	"context"
	"fmt"
	"github.com/kittenbark/tg-filestore/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"log/slog"
	"time"
)

const (
	DefaultInterval = time.Minute
	DefaultLimit    = 100
)

// Deleter removes a delivered message from a chat.
type Deleter interface {
	DeleteMessage(ctx context.Context, chatId int64, messageId int64) error
}

type Options struct {
	Interval time.Duration
	Limit    int
	Now      func() time.Time
	// Registerer receives the scheduler counters, nil keeps them unregistered.
	Registerer prometheus.Registerer
}

// Outcome is what a single tick did.
type Outcome struct {
	Polled       int
	Deleted      int
	DeleteFailed int
	Removed      int
	RemoveFailed int
	Interrupted  bool
}

type Scheduler struct {
	ledger   store.Ledger
	deleter  Deleter
	interval time.Duration
	limit    int
	now      func() time.Time
	metrics  *metrics
}

func New(ledger store.Ledger, deleter Deleter, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		ledger:   ledger,
		deleter:  deleter,
		interval: opts.Interval,
		limit:    opts.Limit,
		now:      opts.Now,
		metrics:  newMetrics(opts.Registerer),
	}
}

// Run ticks immediately and then once per interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("expiry#start", "interval", s.interval, "limit", s.limit)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		outcome, err := s.Tick(ctx)
		if err != nil {
			slog.Error("expiry#tick", "err", err)
		} else if outcome.Polled > 0 {
			slog.Info("expiry#tick",
				"polled", outcome.Polled,
				"deleted", outcome.Deleted,
				"delete_failed", outcome.DeleteFailed,
				"removed", outcome.Removed,
				"remove_failed", outcome.RemoveFailed,
				"elapsed", time.Since(start),
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("expiry#stop")
			return
		case <-ticker.C:
		}
	}
}

// Tick polls one bounded batch of expired records and settles each of them on its own.
// Only a failing poll is returned as an error; per-record failures end up in the outcome.
func (s *Scheduler) Tick(ctx context.Context) (Outcome, error) {
	var outcome Outcome
	s.metrics.ticks.Inc()

	records, err := s.ledger.PollExpired(ctx, s.now(), s.limit)
	if err != nil {
		s.metrics.tickErrors.Inc()
		return outcome, fmt.Errorf("expiry: poll, %w", err)
	}
	outcome.Polled = len(records)
	s.metrics.polled.Add(float64(len(records)))

	for _, rec := range records {
		// a cancelled delete must not drop the record, the next run retries it
		if ctx.Err() != nil {
			outcome.Interrupted = true
			break
		}

		if err := s.deleter.DeleteMessage(ctx, rec.ChatId, rec.MessageId); err != nil {
			outcome.DeleteFailed++
			s.metrics.deleteFailures.Inc()
			slog.Debug("expiry#delete_failed", "chat", rec.ChatId, "message", rec.MessageId, "err", err)
		} else {
			outcome.Deleted++
		}

		if err := s.ledger.Remove(ctx, rec.ChatId, rec.MessageId); err != nil {
			outcome.RemoveFailed++
			s.metrics.removeFailures.Inc()
			slog.Warn("expiry#remove_failed", "chat", rec.ChatId, "message", rec.MessageId, "err", err)
			continue
		}
		outcome.Removed++
		s.metrics.removed.Inc()
	}
	return outcome, nil
}

type metrics struct {
	ticks          prometheus.Counter
	tickErrors     prometheus.Counter
	polled         prometheus.Counter
	deleteFailures prometheus.Counter
	removed        prometheus.Counter
	removeFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	counter := func(name string, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filestore",
			Subsystem: "expiry",
			Name:      name,
			Help:      help,
		})
	}
	m := &metrics{
		ticks:          counter("ticks_total", "Scheduler ticks."),
		tickErrors:     counter("tick_errors_total", "Ticks aborted because the ledger could not be polled."),
		polled:         counter("polled_total", "Expired records returned by the ledger."),
		deleteFailures: counter("remote_delete_failures_total", "Delivered messages the transport could not delete."),
		removed:        counter("removed_total", "Records removed from the ledger."),
		removeFailures: counter("remove_failures_total", "Records the ledger failed to remove."),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.ticks, m.tickErrors, m.polled, m.deleteFailures, m.removed, m.removeFailures} {
			if err := reg.Register(c); err != nil {
				slog.Warn("expiry#metrics_register", "err", err)
			}
		}
	}
	return m
}
