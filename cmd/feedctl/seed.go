package main

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/config"
	"github.com/dgnsrekt/feedrelay/internal/data"
	"github.com/dgnsrekt/feedrelay/internal/storage/sqlite"
	"github.com/dgnsrekt/feedrelay/internal/timeline"
	"github.com/dgnsrekt/feedrelay/internal/zset"
)

func seedCmd() *cobra.Command {
	var (
		dbPath string
		warm   bool
	)

	cmd := &cobra.Command{
		Use:   "seed <posts.jsonl>",
		Short: "Load posts from a JSONL file into the SQLite store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if dbPath == "" {
				dbPath = cfg.Store.Path
			}
			if dbPath == "" {
				return fmt.Errorf("no database path: pass --db or set STORE_PATH")
			}

			posts, err := data.LoadJSONL(args[0])
			if err != nil {
				return err
			}

			store, err := sqlite.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			created, skipped := 0, 0
			for _, p := range posts {
				err := store.CreatePost(ctx, p)
				switch {
				case errors.Is(err, data.ErrAlreadyExists):
					skipped++
				case err != nil:
					return fmt.Errorf("post %s: %w", p.ID, err)
				default:
					created++
				}
			}
			logger.Info("seed complete",
				zap.String("db", dbPath),
				zap.Int("created", created),
				zap.Int("skipped", skipped),
			)

			if !warm {
				return nil
			}
			return warmCache(cmd, store)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default: store.path from config)")
	cmd.Flags().BoolVar(&warm, "warm", false, "load the newest posts into the configured timeline cache afterwards")

	return cmd
}

// warmCache fills the configured cache backend from store.
func warmCache(cmd *cobra.Command, store data.Store) error {
	var set timeline.SortedSet
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		set = zset.NewRedis(rdb)
	case config.CachePebble:
		p, err := zset.OpenPebble(zset.PebbleOptions{Dir: cfg.Cache.PebbleDir})
		if err != nil {
			return err
		}
		defer p.Close()
		set = p
	default:
		logger.Info("no cache backend configured, nothing to warm")
		return nil
	}

	cache := timeline.NewCache(set, timeline.CacheOptions{
		Window:          cfg.Cache.Window,
		OverfetchFactor: cfg.Cache.OverfetchFactor,
		OverfetchCap:    cfg.Cache.OverfetchCap,
	}, logger)
	n, err := timeline.NewWarmer(cache, store, 0, logger).WarmOnce(cmd.Context())
	if err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}
	logger.Info("cache warmed", zap.String("backend", string(cfg.Cache.Backend)), zap.Int("posts", n))
	return nil
}
