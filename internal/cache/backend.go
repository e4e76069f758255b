// Package cache provides the key/value backends behind the persistent
// stores: in-memory, Redis and Badger.
package cache

import (
	"context"
	"time"
)

// Backend defines the interface for key/value storage with expiry
type Backend interface {
	// Get retrieves a value
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value; a zero TTL never expires
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Keys lists the live keys starting with prefix
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the backend
	Close() error
}
