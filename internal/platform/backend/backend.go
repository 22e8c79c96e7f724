// Package backend opens the key/value store selected by configuration. The
// server and the user management CLI share it so both see the same data.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/castqueue/internal/config"
	"github.com/phrazzld/castqueue/internal/platform/memory"
	"github.com/phrazzld/castqueue/internal/platform/postgres"
	"github.com/phrazzld/castqueue/internal/platform/redis"
	"github.com/phrazzld/castqueue/internal/store"
)

// Supported store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Open connects to the backend named by cfg.Driver. The returned close
// function releases the connection and is never nil.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.KV, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case DriverMemory:
		logger.Warn("using in-memory store, jobs and users are lost on exit")
		return memory.NewKV(), noop, nil

	case DriverRedis:
		client, err := redis.Open(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return redis.NewKV(client), client.Close, nil

	case DriverPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := postgres.Migrate(ctx, db, logger); err != nil {
			_ = db.Close()
			return nil, noop, fmt.Errorf("failed to migrate database: %w", err)
		}
		return postgres.NewKV(db), db.Close, nil

	default:
		return nil, noop, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
