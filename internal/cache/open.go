package cache

import (
	"log/slog"
	"time"
)

// Options select and configure a backend
type Options struct {
	RedisURL    string
	RedisPrefix string
	BadgerPath  string
	Logger      *slog.Logger
}

// Open picks Redis when a URL is configured, then Badger when a path is
// configured, else memory. An unreachable Redis falls back to memory.
// The returned name is "redis", "badger" or "memory" for health reporting.
func Open(opts Options) (Backend, string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.RedisURL != "" {
		prefix := opts.RedisPrefix
		if prefix == "" {
			prefix = "signer:"
		}
		logger.Info("initializing Redis store")
		rc, err := NewRedisCache(opts.RedisURL, prefix)
		if err == nil {
			return rc, "redis", nil
		}
		logger.Warn("Redis connection failed, using memory store", "error", err)
		return newDefaultMemory(), "memory", nil
	}

	if opts.BadgerPath != "" {
		bc, err := NewBadgerCache(opts.BadgerPath, logger)
		if err != nil {
			return nil, "", err
		}
		return bc, "badger", nil
	}

	logger.Info("initializing in-memory store")
	return newDefaultMemory(), "memory", nil
}

func newDefaultMemory() *MemoryCache {
	return NewMemoryCache(10000, 2*time.Minute)
}
