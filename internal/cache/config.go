package cache

import "time"

// Config holds TTLs for the records the signer persists
type Config struct {
	ConnectionTTL time.Duration
	PreferenceTTL time.Duration
	DeviceTTL     time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ConnectionTTL: 7 * 24 * time.Hour,  // remote signer sessions
		PreferenceTTL: 90 * 24 * time.Hour, // refreshed on every use
		DeviceTTL:     0,                   // device identity never expires
	}
}
