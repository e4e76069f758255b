package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestLoadSignerConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadSignerConfig(filepath.Join(t.TempDir(), "absent.json"), env(nil))
	assert.Equal(t, getDefaultSignerConfig(), cfg)
	limit, _ := cfg.SignRateLimit()
	assert.Equal(t, rate.Inf, limit)
}

func TestLoadSignerConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"relays": ["wss://relay.example.com"],
		"choice": "relay-remote",
		"requestTimeoutSeconds": 80,
		"connectionTtlHours": 24,
		"strictReplies": true,
		"signRatePerMinute": 30
	}`), 0o644))

	cfg := LoadSignerConfig(path, env(nil))
	assert.Equal(t, []string{"wss://relay.example.com"}, cfg.Relays)
	assert.Equal(t, "relay-remote", cfg.Choice)
	assert.Equal(t, 80*time.Second, cfg.RequestTimeoutDuration())
	assert.Equal(t, 24*time.Hour, cfg.ConnectionTTL())
	assert.True(t, cfg.StrictReplies)
	limit, burst := cfg.SignRateLimit()
	assert.Equal(t, rate.Every(2*time.Second), limit)
	assert.Equal(t, 30, burst)
	// untouched fields keep their defaults
	assert.Equal(t, "nostrsigner", cfg.IntentScheme)
	assert.Equal(t, "8080", cfg.Port)
}

func TestLoadSignerConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"relays": [`), 0o644))

	cfg := LoadSignerConfig(path, env(nil))
	assert.Equal(t, getDefaultSignerConfig().Relays, cfg.Relays)
}

func TestEnvOverrides(t *testing.T) {
	cfg := LoadSignerConfig(filepath.Join(t.TempDir(), "absent.json"), env(map[string]string{
		"REDIS_URL":              "redis://localhost:6379/0",
		"BADGER_PATH":            "/var/lib/signer",
		"SIGNER_RELAYS":          "wss://a.example.com, wss://b.example.com",
		"SIGNER_PLATFORM":        "ios",
		"NOSTR_SECRET_KEY":       "nsec1xyz",
		"SIGNER_CHOICE":          "intent",
		"SIGNER_USER":            "abcd",
		"SIGNER_CALLBACK_URL":    "https://app.example.com/cb",
		"SIGNER_DESKTOP_INTENTS": "true",
		"PORT":                   "9000",
	}))

	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "/var/lib/signer", cfg.BadgerPath)
	assert.Equal(t, []string{"wss://a.example.com", "wss://b.example.com"}, cfg.Relays)
	assert.Equal(t, "ios", cfg.Platform)
	assert.Equal(t, "nsec1xyz", cfg.SecretKey)
	assert.Equal(t, "intent", cfg.Choice)
	assert.Equal(t, "abcd", cfg.User)
	assert.Equal(t, "https://app.example.com/cb", cfg.CallbackURL)
	assert.True(t, cfg.DesktopIntents)
	assert.Equal(t, "9000", cfg.Port)
}

func TestInvalidBoolOverrideIgnored(t *testing.T) {
	cfg := LoadSignerConfig(filepath.Join(t.TempDir(), "absent.json"), env(map[string]string{
		"SIGNER_DESKTOP_INTENTS": "maybe",
	}))
	assert.False(t, cfg.DesktopIntents)
}

func TestGetSignerConfigLoadsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"relays": ["wss://once.example.com"]}`), 0o644))
	t.Setenv("SIGNER_CONFIG", path)

	first := GetSignerConfig()
	assert.Equal(t, []string{"wss://once.example.com"}, first.Relays)
	assert.Same(t, first, GetSignerConfig())
}
