package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/bus"
	"github.com/dgnsrekt/feedrelay/internal/config"
	"github.com/dgnsrekt/feedrelay/internal/data"
	"github.com/dgnsrekt/feedrelay/internal/session"
	"github.com/dgnsrekt/feedrelay/internal/storage/sqlite"
	"github.com/dgnsrekt/feedrelay/internal/timeline"
	"github.com/dgnsrekt/feedrelay/internal/zset"
)

// dependencies are the external resources the server runs on.
type dependencies struct {
	store     data.Store
	sortedSet timeline.SortedSet
	bus       bus.Bus
	closers   []func() error
	logger    *zap.Logger
}

func (d *dependencies) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Close releases resources in reverse order of opening.
func (d *dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close error", zap.Error(err))
		}
	}
	d.closers = nil
}

func openDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *dependencies, err error) {
	deps := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			deps.Close()
		}
	}()

	if deps.store, err = openStore(ctx, cfg.Store, deps, logger); err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Cache.Backend == config.CacheRedis || cfg.Bus.Transport == config.BusRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		deps.onClose(rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			// the read path falls back to the store; keep starting
			logger.Warn("redis not reachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
	}

	switch cfg.Cache.Backend {
	case config.CacheRedis:
		deps.sortedSet = zset.NewRedis(rdb)
	case config.CachePebble:
		set, err := zset.OpenPebble(zset.PebbleOptions{Dir: cfg.Cache.PebbleDir})
		if err != nil {
			return nil, fmt.Errorf("open pebble cache: %w", err)
		}
		deps.onClose(set.Close)
		deps.sortedSet = set
	case config.CacheNone:
		logger.Info("timeline cache disabled, serving from the store")
	}

	codec, err := bus.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("create bus codec: %w", err)
	}
	origin := cfg.Server.InstanceID

	switch cfg.Bus.Transport {
	case config.BusMemory:
		// single instance: nothing else is on the broker
		deps.bus = bus.NewMemory(bus.NewBroker(), origin, codec, logger)
	case config.BusRedis:
		deps.bus = bus.NewRedis(rdb, cfg.Bus.Channel, origin, codec, logger)
	case config.BusZMQ:
		z, err := bus.NewZMQ(cfg.Bus.ZMQPubAddr, cfg.Bus.ZMQSubAddr, origin, codec, logger)
		if err != nil {
			return nil, fmt.Errorf("open zmq bus: %w", err)
		}
		deps.bus = z
	default:
		return nil, fmt.Errorf("unknown bus transport %q", cfg.Bus.Transport)
	}
	deps.onClose(deps.bus.Close)

	return deps, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, deps *dependencies, logger *zap.Logger) (data.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		logger.Warn("using an empty in-memory store")
		return data.NewMemoryStore(logger), nil

	case config.StoreJSONL:
		store, err := data.NewMemoryStoreFromJSONL(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("load posts from %s: %w", cfg.Path, err)
		}
		return store, nil

	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		deps.onClose(store.Close)
		if _, err := store.PostsBefore(ctx, nil, 1); err != nil {
			return nil, fmt.Errorf("probe sqlite store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newResolver(cfg config.SessionConfig) (session.Resolver, error) {
	if cfg.Secret == "" {
		return session.Anonymous{}, nil
	}
	r, err := session.NewJWTResolver(cfg.Secret, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	return r, nil
}
