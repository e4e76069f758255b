package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SignerConfig is the signer.json configuration plus environment overrides
type SignerConfig struct {
	// Relays used for nostrconnect:// sessions the client initiates
	Relays []string `json:"relays"`
	// Platform overrides detection: android, ios or desktop
	Platform       string `json:"platform"`
	DesktopIntents bool   `json:"desktopIntents"`
	IntentScheme   string `json:"intentScheme"`
	CallbackURL    string `json:"callbackUrl"`

	// Choice is the explicit backend: in-process, intent or relay-remote
	Choice    string `json:"choice"`
	User      string `json:"user"`
	SecretKey string `json:"-"` // env only

	ClientName     string   `json:"clientName"`
	Perms          []string `json:"perms"`
	RequestTimeout int      `json:"requestTimeoutSeconds"`
	StrictReplies  bool     `json:"strictReplies"`
	// SignRatePerMinute caps remote sign requests; zero is unlimited
	SignRatePerMinute int `json:"signRatePerMinute"`

	RedisURL   string `json:"redisUrl"`
	BadgerPath string `json:"badgerPath"`

	ConnectionTTLHours int    `json:"connectionTtlHours"`
	Port               string `json:"port"`
}

// RequestTimeoutDuration returns the remote signer timeout, zero for the default
func (c *SignerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// SignRateLimit returns the remote sign limit and burst; rate.Inf when unset
func (c *SignerConfig) SignRateLimit() (rate.Limit, int) {
	if c.SignRatePerMinute <= 0 {
		return rate.Inf, 0
	}
	return rate.Every(time.Minute / time.Duration(c.SignRatePerMinute)), c.SignRatePerMinute
}

// ConnectionTTL returns how long stored sessions live, zero for the default
func (c *SignerConfig) ConnectionTTL() time.Duration {
	return time.Duration(c.ConnectionTTLHours) * time.Hour
}

var (
	signerConfig     *SignerConfig
	signerConfigOnce sync.Once
)

// GetSignerConfig loads the configuration named by SIGNER_CONFIG on first use
func GetSignerConfig() *SignerConfig {
	signerConfigOnce.Do(func() {
		signerConfig = LoadSignerConfig(configPath(), os.Getenv)
	})
	return signerConfig
}

func configPath() string {
	return getEnvOrDefault("SIGNER_CONFIG", "config/signer.json")
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// LoadSignerConfig reads path, falling back to defaults when it is missing or
// malformed, then applies overrides from getenv
func LoadSignerConfig(path string, getenv func(string) string) *SignerConfig {
	cfg := loadSignerConfigFromFile(path)
	applyEnv(cfg, getenv)
	return cfg
}

func loadSignerConfigFromFile(path string) *SignerConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("signer config file not found, using defaults", "path", path)
		} else {
			slog.Warn("could not read signer config, using defaults", "path", path, "error", err)
		}
		return getDefaultSignerConfig()
	}

	cfg := getDefaultSignerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		slog.Error("invalid JSON in signer config, using defaults", "path", path, "error", err)
		return getDefaultSignerConfig()
	}
	if len(cfg.Relays) == 0 {
		cfg.Relays = getDefaultSignerConfig().Relays
	}
	slog.Info("loaded signer configuration", "path", path, "relays", len(cfg.Relays), "choice", cfg.Choice)
	return cfg
}

func applyEnv(cfg *SignerConfig, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("REDIS_URL", &cfg.RedisURL)
	str("BADGER_PATH", &cfg.BadgerPath)
	str("SIGNER_PLATFORM", &cfg.Platform)
	str("NOSTR_SECRET_KEY", &cfg.SecretKey)
	str("SIGNER_CHOICE", &cfg.Choice)
	str("SIGNER_USER", &cfg.User)
	str("SIGNER_CALLBACK_URL", &cfg.CallbackURL)
	str("PORT", &cfg.Port)

	if v := getenv("SIGNER_RELAYS"); v != "" {
		relays := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
		if len(relays) > 0 {
			cfg.Relays = relays
		}
	}
	if v := getenv("SIGNER_DESKTOP_INTENTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DesktopIntents = b
		} else {
			slog.Warn("ignoring invalid SIGNER_DESKTOP_INTENTS", "value", v)
		}
	}
}

// getDefaultSignerConfig returns the built-in configuration
func getDefaultSignerConfig() *SignerConfig {
	return &SignerConfig{
		Relays: []string{
			"wss://relay.nsec.app",
			"wss://relay.damus.io",
			"wss://nos.lol",
		},
		IntentScheme: "nostrsigner",
		CallbackURL:  "http://localhost:8080/intent/callback",
		ClientName:   "nostr-signer",
		Perms:        []string{"sign_event", "get_public_key"},
		Port:         "8080",
	}
}
