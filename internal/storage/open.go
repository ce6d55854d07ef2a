package storage

import (
	"context"
	"fmt"

	"streamchat/internal/chat"
)

type Config struct {
	Driver      string
	DSN         string
	AutoMigrate bool
	// KeyPrefix namespaces redis keys.
	KeyPrefix string
}

// OpenStore opens the backend named by cfg.Driver. For redis the DSN is a
// redis URL, for bolt it is a file path.
func OpenStore(ctx context.Context, cfg Config, opts Options) (chat.Store, error) {
	switch d := normalizeDriver(cfg.Driver); d {
	case DriverSQLite, DriverPostgres:
		return OpenSQL(ctx, d, cfg.DSN, cfg.AutoMigrate, opts)
	case DriverRedis:
		return OpenRedis(ctx, cfg.DSN, cfg.KeyPrefix, opts)
	case DriverBolt:
		return OpenBolt(cfg.DSN, opts)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
