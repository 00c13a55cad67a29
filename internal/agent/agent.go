// Package agent wires the workstation agent together: the local queue and
// mirror, endpoint failover, the sync engine and the local HTTP API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iudanet/benchkeeper/internal/broker/kafka"
	"github.com/iudanet/benchkeeper/internal/client/inventory"
	"github.com/iudanet/benchkeeper/internal/client/storage/boltdb"
	clientsync "github.com/iudanet/benchkeeper/internal/client/sync"
	"github.com/iudanet/benchkeeper/internal/config"
	"github.com/iudanet/benchkeeper/internal/failover"
	"github.com/iudanet/benchkeeper/internal/lookup"
	"github.com/iudanet/benchkeeper/internal/lookup/cmdb"
	"github.com/iudanet/benchkeeper/internal/lookup/rediscache"
	"github.com/iudanet/benchkeeper/internal/metrics"
	"github.com/iudanet/benchkeeper/internal/server"
	"github.com/iudanet/benchkeeper/internal/server/handlers"
	"github.com/iudanet/benchkeeper/internal/server/jwt"
	"github.com/iudanet/benchkeeper/internal/server/middleware"
)

// Ограничение записей на техника: защита от двойного срабатывания сканера
const (
	WriteRateLimit  = 10
	WriteRateWindow = time.Second
)

// BuildInfo версия сборки для health и логов
type BuildInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	GitCommit string `json:"git_commit"`
}

// Agent is one running workstation agent
type Agent struct {
	cfg        *config.Config
	logger     *slog.Logger
	local      *boltdb.Storage
	selector   *failover.Selector
	engine     *clientsync.Engine
	server     *server.Server
	limiter    *middleware.RateLimiter
	endpoints  map[string]openEndpoint
	closers    []io.Closer
	passphrase string
	mu         sync.Mutex
}

// NewLogger builds the agent logger for a level name
func NewLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// New opens local storage and every configured endpoint and assembles the agent.
// passphrase opens sealed secrets and may be empty when nothing is sealed.
func New(ctx context.Context, cfg *config.Config, passphrase string, build BuildInfo, logger *slog.Logger) (*Agent, error) {
	a := &Agent{
		cfg:        cfg,
		logger:     logger,
		passphrase: passphrase,
	}

	secret, err := cfg.TokenSecret(passphrase)
	if err != nil {
		return nil, err
	}
	tokens, err := jwt.NewService(secret, cfg.Auth.TokenTTL, nil)
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}

	local, err := boltdb.New(ctx, cfg.Agent.DBPath, boltdb.WithInFlightTimeout(cfg.Sync.InFlightTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}
	a.local = local

	endpoints, opened, err := buildEndpoints(ctx, cfg, passphrase, nil)
	if err != nil {
		_ = local.Close()
		return nil, err
	}
	a.endpoints = opened

	m := metrics.New()
	a.selector = failover.New(endpoints,
		failover.WithLogger(logger.With("component", "failover")),
		failover.WithProbeInterval(cfg.Failover.ProbeInterval),
		failover.WithProbeTimeout(cfg.Failover.ProbeTimeout),
		failover.WithFailureThreshold(cfg.Failover.FailureThreshold),
		failover.WithCloseGrace(cfg.Failover.CloseGrace),
		failover.WithObserver(m),
	)

	engineOpts := []clientsync.Option{
		clientsync.WithMetrics(m),
		clientsync.WithConfig(clientsync.Config{
			DeliveryTimeout: cfg.Sync.DeliveryTimeout,
			BackoffBase:     cfg.Sync.BackoffBase,
			BackoffMax:      cfg.Sync.BackoffMax,
			RefreshInterval: cfg.Sync.RefreshInterval,
			CursorOverlap:   cfg.Sync.CursorOverlap,
			ArchiveAfter:    cfg.Sync.ArchiveAfter,
			AlertThreshold:  cfg.Sync.AlertThreshold,
		}),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, producer)
		engineOpts = append(engineOpts, clientsync.WithPublisher(producer))
		logger.Info("Publishing acknowledged events", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}
	a.engine = clientsync.NewEngine(local, a.selector, logger.With("component", "sync"), engineOpts...)

	inv := inventory.NewService(local, a.engine, logger.With("component", "inventory"),
		inventory.WithLookup(a.newLookup(logger)),
		inventory.WithTagPrefix(cfg.Agent.TagPrefix),
		inventory.WithDefaultSite(cfg.Agent.Site),
	)

	a.limiter = middleware.NewRateLimiter(WriteRateLimit, WriteRateWindow, logger, nil)

	router := server.NewRouter(server.RouterConfig{
		Logger: logger,
		API:    handlers.NewHandler(logger, inv, a.engine),
		Health: handlers.NewHealthHandler(logger, build.Version, build.BuildDate, func(ctx context.Context) error {
			_, err := local.QueueDepth(ctx)
			return err
		}),
		Tokens:  tokens,
		Metrics: m,
		Limiter: a.limiter,
	})
	a.server = server.New(cfg.Agent.Listen, router, logger)

	return a, nil
}

func (a *Agent) newLookup(logger *slog.Logger) lookup.Lookup {
	lc := a.cfg.Lookup
	if lc.CMDBURL == "" {
		return lookup.None
	}

	var l lookup.Lookup = cmdb.NewClient(lc.CMDBURL, lc.CMDBToken, lc.Timeout)
	if lc.RedisAddr != "" {
		cache := rediscache.New(lc.RedisAddr, l, lc.CacheTTL, logger.With("component", "lookup"))
		a.closers = append(a.closers, cache)
		l = cache
	}
	return l
}

// Run runs the selector, the sync engine and the HTTP API until ctx is done
// or one of them fails. When configPath is set, endpoint changes in the
// descriptor are applied without restart.
func (a *Agent) Run(ctx context.Context, configPath string) error {
	a.logger.Info("Agent started",
		"listen", a.cfg.Agent.Listen,
		"site", a.cfg.Agent.Site,
		"endpoints", len(a.cfg.AllEndpoints()),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.selector.Run(ctx)
	})
	g.Go(func() error {
		return a.engine.Run(ctx)
	})
	g.Go(func() error {
		return a.server.Run(ctx)
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, a.logger, func(cfg *config.Config) {
				if err := a.Reload(ctx, cfg); err != nil {
					a.logger.Error("Failed to apply reloaded config", "error", err)
				}
			})
		})
	}

	return g.Wait()
}

// Reload swaps the endpoint set. Other sections take effect on restart.
func (a *Agent) Reload(ctx context.Context, cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	endpoints, opened, err := buildEndpoints(ctx, cfg, a.passphrase, a.endpoints)
	if err != nil {
		return err
	}
	a.selector.Reload(endpoints)
	a.endpoints = opened

	if cfg.Sync != a.cfg.Sync || cfg.Agent != a.cfg.Agent || cfg.Failover != a.cfg.Failover {
		a.logger.Warn("Only endpoint changes are applied without restart")
	}
	return nil
}

// Close releases every store and client
func (a *Agent) Close() error {
	a.limiter.Stop()

	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.selector.Close(), a.local.Close())
	return errors.Join(errs...)
}
