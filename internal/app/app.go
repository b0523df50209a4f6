// Package app wires the indexer components from configuration. The server,
// the standalone indexer and the operator tools share it.
package app

import (
	"context"
	"fmt"

	"github.com/campaign-indexer/internal/adapter"
	"github.com/campaign-indexer/internal/config"
	"github.com/campaign-indexer/internal/events"
	"github.com/campaign-indexer/internal/finality"
	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/metrics"
	"github.com/campaign-indexer/internal/projector"
	"github.com/campaign-indexer/internal/retry"
	"github.com/campaign-indexer/internal/service"
	"github.com/campaign-indexer/internal/storage"
	"github.com/campaign-indexer/internal/worker"
)

// Components are the long-lived pieces of one process
type Components struct {
	Config    *config.Config
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Store     storage.Store
	Cache     *storage.CampaignCache // nil when Redis is disabled
	Reader    adapter.LedgerReader
	Decoder   *events.Decoder
	Projector *projector.Projector
	Finality  *finality.Handler

	redis  *storage.RedisCache
	closer func()
}

// Build connects to the store, the cache and the ledger. Store and cache
// connections are retried with backoff since they often start alongside us.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Components, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	c := &Components{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}
	ctx = logging.WithLogger(ctx, logger)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.Store = store

	if cfg.Database.Redis.Enabled {
		var redis *storage.RedisCache
		err := retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
			var err error
			redis, err = storage.NewRedisCache(&cfg.Database.Redis)
			return err
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		c.redis = redis
		c.Cache = storage.NewCampaignCache(redis, cfg.Cache.TTL)
	}

	reader, err := adapter.NewEthereumReader(&adapter.EthereumReaderConfig{
		RPCURL:    cfg.Chain.RPCURL,
		ChainID:   cfg.Chain.ChainID,
		RateLimit: cfg.Chain.RPCRateLimit,
		Logger:    logger,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create ledger reader: %w", err)
	}
	c.Reader = reader
	c.closer = reader.Close

	if c.Decoder, err = events.NewDecoder(cfg.Chain.ChainID); err != nil {
		c.Close()
		return nil, err
	}

	var invalidator projector.Invalidator
	if c.Cache != nil {
		invalidator = c.Cache
	}
	if c.Projector, err = projector.New(&projector.Config{
		Store:   c.Store,
		Cache:   invalidator,
		Metrics: c.Metrics,
		Logger:  logger,
	}); err != nil {
		c.Close()
		return nil, err
	}
	if c.Finality, err = finality.New(&finality.Config{
		Store:         c.Store,
		Confirmations: cfg.Chain.Confirmations,
		Cache:         invalidator,
		Metrics:       c.Metrics,
		Logger:        logger,
	}); err != nil {
		c.Close()
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"driver":        cfg.Database.Driver,
		"cache":         c.Cache != nil,
		"chainId":       cfg.Chain.ChainID,
		"confirmations": cfg.Chain.Confirmations,
	}).Info("Components initialized")
	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Driver {
	case config.StoreDriverMemory:
		return storage.NewMemoryStore(), nil
	case config.StoreDriverPostgres:
		var db *storage.PostgresDB
		err := retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
			var err error
			db, err = storage.NewPostgresDB(&cfg.Database.Postgres)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		return storage.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Database.Driver)
	}
}

// NewScheduler creates the backfill and poll scheduler
func (c *Components) NewScheduler() (*worker.Scheduler, error) {
	return worker.NewScheduler(&worker.SchedulerConfig{
		Reader:              c.Reader,
		Decoder:             c.Decoder,
		Store:               c.Store,
		Projector:           c.Projector,
		Finality:            c.Finality,
		Metrics:             c.Metrics,
		Logger:              c.Logger,
		FactoryAddress:      c.Config.Chain.FactoryAddress,
		StartBlock:          c.Config.Chain.StartBlock,
		PollInterval:        c.Config.Indexer.PollInterval,
		BackfillWindow:      c.Config.Indexer.BackfillWindow,
		BackfillDelay:       c.Config.Indexer.BackfillDelay,
		TrackPlainTransfers: c.Config.Indexer.TrackPlainTransfers,
		MaxBlocksBehind:     c.Config.Health.MaxBlocksBehind,
	})
}

// NewStatusReporter creates the health reporter. scheduler may be nil.
func (c *Components) NewStatusReporter(scheduler *worker.Scheduler) *worker.StatusReporter {
	return worker.NewStatusReporter(c.Store, c.Reader, scheduler, c.Config.Health.MaxBlocksBehind)
}

// NewCampaignService creates the read API service
func (c *Components) NewCampaignService() (*service.CampaignService, error) {
	cfg := &service.CampaignServiceConfig{
		Store:    c.Store,
		Recorder: c.Projector,
		Metrics:  c.Metrics,
		Logger:   c.Logger,
		ChainID:  c.Config.Chain.ChainID,

		Confirmations: c.Config.Chain.Confirmations,
	}
	if c.Cache != nil {
		cfg.Cache = c.Cache
	}
	return service.NewCampaignService(cfg)
}

// Close releases every connection
func (c *Components) Close() {
	if c.closer != nil {
		c.closer()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.Store != nil {
		c.Store.Close()
	}
}
