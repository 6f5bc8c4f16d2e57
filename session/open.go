package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
)

// Config selects and configures a backend for Open.
type Config struct {
	// Driver is one of memory, sqlite, mysql or redis. Empty means memory.
	Driver string
	// DSN is the SQLite path or MySQL data source name.
	DSN string

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	TTL           time.Duration
}

// Open builds the configured store. The returned closer is a no-op for the
// in-memory store.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (core.SessionStore, io.Closer, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	switch cfg.Driver {
	case "", "memory":
		return NewInMemoryStore(), nopCloser{}, nil
	case "sqlite":
		s, err := NewSQLiteStore(ctx, cfg.DSN, func(o *SQLOptions) { o.Logger = logger })
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "mysql":
		s, err := NewMySQLStore(ctx, cfg.DSN, func(o *SQLOptions) { o.Logger = logger })
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "redis":
		s, err := NewRedisStore(ctx, func(o *RedisOptions) {
			o.Address = cfg.RedisAddress
			o.Password = cfg.RedisPassword
			o.DB = cfg.RedisDB
			if cfg.KeyPrefix != "" {
				o.KeyPrefix = cfg.KeyPrefix
			}
			o.TTL = cfg.TTL
			o.Logger = logger
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store driver %q", cfg.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
