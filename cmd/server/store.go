package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stream-registry/internal/platform/config"
	"stream-registry/internal/registry"
	"stream-registry/internal/registry/redisstore"
	"stream-registry/internal/registry/sqlstore"
)

// openStore builds the configured Store. The returned close func releases
// its connections.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (registry.Store, func() error, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		st, err := sqlstore.OpenStore(cfg.Store.SQLitePath, sqlstore.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		log.Info("using sqlite store", slog.String("path", cfg.Store.SQLitePath))
		return st, st.Close, nil

	case config.BackendRedis:
		client := redisstore.NewClient(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
		st := redisstore.New(client, redisstore.Options{Prefix: cfg.Store.Redis.Prefix, Log: log})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("redis %s unreachable: %w", cfg.Store.Redis.Addr, err)
		}
		log.Info("using redis store", slog.String("addr", cfg.Store.Redis.Addr))
		return st, st.Close, nil

	default:
		log.Info("using in-memory store")
		return registry.NewMemoryStore(), func() error { return nil }, nil
	}
}
