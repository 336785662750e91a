package storage

import (
	"context"
	"fmt"
	"strings"

	"dispatchbot/internal/apperr"
	"dispatchbot/pkg/logx"
)

// Open initializes the configured store and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	var (
		st  *sqlStore
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "postgres", "pgx":
		st, err = openPostgres(ctx, cfg, log)
	case "memory":
		log.Warn("using in-memory storage; audience is lost on restart")
		return NewMemory(), nil
	default:
		return nil, apperr.Config("storage.open", fmt.Sprintf("unknown storage driver %q", cfg.Driver))
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}
