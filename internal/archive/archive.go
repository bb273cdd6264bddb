package archive

import (
	"context"
	"fmt"
	"github.com/kittenbark/tg"
	"github.com/kittenbark/tg-filestore/internal/expiry"
	"github.com/kittenbark/tg-filestore/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"log/slog"
	"sync"
	"time"
)

type Archive struct {
	cfg       *Config
	tg        *tg.Bot
	transport Transport
	store     store.Store
	batches   Batches
	expiry    *expiry.Scheduler
	metrics   *metrics
	now       func() time.Time
	username  string
	runBot    func()
	stopBot   func()

	// batchMu orders file ingest against batch open and close, updates arrive on
	// separate goroutines.
	batchMu    sync.Mutex
	settingsMu sync.Mutex
}

// NewBot creates the bot API client and checks the token.
func NewBot(cfg *Config) (*tg.Bot, string, error) {
	bot := tg.New(&tg.Config{Token: cfg.Token, ApiURL: cfg.TelegramURL, TimeoutHandle: -1})
	me, err := tg.GetMe(bot.Context())
	if err != nil {
		return nil, "", fmt.Errorf("get me: %w", err)
	}
	return bot, me.Username, nil
}

type Option func(arch *Archive)

func WithClock(now func() time.Time) Option {
	return func(arch *Archive) { arch.now = now }
}

func WithBatches(batches Batches) Option {
	return func(arch *Archive) { arch.batches = batches }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(arch *Archive) { arch.metrics = newMetrics(reg) }
}

// New wires the file store. bot may be nil when only the core operations are used.
func New(cfg *Config, bot *tg.Bot, username string, transport Transport, st store.Store, opts ...Option) *Archive {
	arch := &Archive{
		cfg:       cfg,
		tg:        bot,
		transport: transport,
		store:     st,
		batches:   NewMemoryBatches(),
		now:       time.Now,
		username:  username,
	}
	if bot != nil {
		arch.runBot, arch.stopBot = arch.StartBot, bot.Stop
	}
	for _, opt := range opts {
		opt(arch)
	}
	if arch.metrics == nil {
		arch.metrics = newMetrics(nil)
	}
	arch.expiry = expiry.New(st, transport, expiry.Options{
		Interval:   cfg.PollInterval(),
		Limit:      cfg.PollLimit,
		Now:        arch.now,
		Registerer: arch.metrics.reg,
	})
	return arch
}

// Start runs the bot and blocks in the expiry loop until ctx is cancelled, then stops the
// bot.
func (arch *Archive) Start(ctx context.Context) {
	if arch.runBot != nil {
		go arch.runBot()
	}

	slog.Info("archive#start", "channel", arch.cfg.Channel, "bot", arch.username, "driver", arch.cfg.Store.Driver)
	arch.expiry.Run(ctx)
	if arch.stopBot != nil {
		arch.stopBot()
	}
	slog.Info("archive#done")
}

func (arch *Archive) Settings(ctx context.Context) (store.Settings, error) {
	settings, err := arch.store.LoadSettings(ctx, arch.cfg.DefaultSettings())
	if err != nil {
		return settings, fmt.Errorf("archive: settings, %w", err)
	}
	return settings, nil
}

type metrics struct {
	reg         prometheus.Registerer
	retrievals  *prometheus.CounterVec
	deliveries  prometheus.Counter
	deliveryErr prometheus.Counter
	stored      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		reg: reg,
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filestore",
			Name:      "retrievals_total",
			Help:      "Retrieval requests by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filestore",
			Name:      "deliveries_total",
			Help:      "Archive messages copied to user chats.",
		}),
		deliveryErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filestore",
			Name:      "delivery_failures_total",
			Help:      "Archive messages that could not be copied.",
		}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filestore",
			Name:      "stored_total",
			Help:      "Archive entries created by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.retrievals, m.deliveries, m.deliveryErr, m.stored} {
			if err := reg.Register(c); err != nil {
				slog.Warn("archive#metrics_register", "err", err)
			}
		}
	}
	return m
}
