// Package main implements manage-users, a command line tool for administering
// castqueue accounts directly against the configured store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/phrazzld/castqueue/internal/config"
	"github.com/phrazzld/castqueue/internal/platform/backend"
	"github.com/phrazzld/castqueue/internal/service"
	"github.com/phrazzld/castqueue/internal/service/auth"
	"github.com/phrazzld/castqueue/internal/store"
)

func main() {
	if err := newRootCmd(openUserService).Execute(); err != nil {
		os.Exit(1)
	}
}

// openUserService loads the server configuration and builds a UserService
// over the same store the server uses. Log output goes to stderr so command
// output stays clean.
func openUserService(ctx context.Context) (userAdmin, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := slog.LevelWarn
	if cfg.Server.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	kv, closeFn, err := backend.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}

	users, err := service.NewUserService(
		store.NewUserStore(kv, cfg.Store.UserPrefix),
		auth.NewBcryptHasher(bcrypt.DefaultCost),
		nil,
		nil,
		logger,
	)
	if err != nil {
		_ = closeFn()
		return nil, nil, fmt.Errorf("failed to create user service: %w", err)
	}
	return users, closeFn, nil
}
