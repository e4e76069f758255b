package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"nostr-signer/internal/cache"
	"nostr-signer/internal/signer"
)

// anyUser keys the device-wide preference used before the user is known
const anyUser = "_"

// Preference is the backend last used successfully by a user on a device
type Preference struct {
	Kind      signer.Kind `json:"kind"`
	UpdatedAt int64       `json:"updated_at"`
}

// PreferenceStore maps (user, device) to a backend kind
type PreferenceStore struct {
	backend cache.Backend
	ttl     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

func NewPreferenceStore(backend cache.Backend, ttl time.Duration, opts ...Option) *PreferenceStore {
	o := buildOptions(opts)
	return &PreferenceStore{backend: backend, ttl: ttl, clock: o.clock, logger: o.logger}
}

func preferenceKey(user, device string) string {
	if user == "" {
		user = anyUser
	}
	return "pref:" + user + ":" + device
}

// Get returns the remembered kind; an empty user reads the device-wide entry
func (s *PreferenceStore) Get(ctx context.Context, user, device string) (signer.Kind, bool, error) {
	data, found, err := s.backend.Get(ctx, preferenceKey(user, device))
	if err != nil {
		return 0, false, fmt.Errorf("load preference: %w", err)
	}
	if !found {
		return 0, false, nil
	}
	var pref Preference
	if err := json.Unmarshal(data, &pref); err != nil || !pref.Kind.Valid() {
		s.logger.Warn("ignoring unreadable signer preference", "device", device)
		return 0, false, nil
	}
	return pref.Kind, true, nil
}

// Set records kind for the user and as the device-wide default
func (s *PreferenceStore) Set(ctx context.Context, user, device string, kind signer.Kind) error {
	data, err := json.Marshal(Preference{Kind: kind, UpdatedAt: s.clock.Now().Unix()})
	if err != nil {
		return err
	}
	keys := []string{preferenceKey("", device)}
	if user != "" {
		keys = append(keys, preferenceKey(user, device))
	}
	for _, k := range keys {
		if err := s.backend.Set(ctx, k, data, s.ttl); err != nil {
			return fmt.Errorf("save preference: %w", err)
		}
	}
	return nil
}

// Clear forgets the preference for user on device
func (s *PreferenceStore) Clear(ctx context.Context, user, device string) error {
	return s.backend.Delete(ctx, preferenceKey(user, device))
}
