// Package store persists remote signer sessions, backend preferences and
// the device identity on top of a cache.Backend.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"nostr-signer/internal/cache"
	"nostr-signer/internal/nostr"
	"nostr-signer/internal/signer"
)

const (
	connPrefix  = "conn:"
	lastConnKey = "conn:last"
)

// ConnectionRecord is the persisted form of a remote signer session,
// keyed by the user's (remote) public key
type ConnectionRecord struct {
	TransportEndpoint string   `json:"transport_endpoint"`
	Relays            []string `json:"relays"`
	AuthToken         string   `json:"auth_token,omitempty"`
	RemotePubkey      string   `json:"remote_pubkey"`
	SignerPubkey      string   `json:"signer_pubkey,omitempty"` // transport counterpart, may differ from RemotePubkey
	ClientSecret      string   `json:"client_secret,omitempty"` // hex; lets a resumed session skip the handshake
	ConnectedAt       int64    `json:"connected_at,omitempty"`
	ExpiresAt         int64    `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now
func (r *ConnectionRecord) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// ConnectionStore persists remote signer sessions
type ConnectionStore interface {
	Save(ctx context.Context, rec *ConnectionRecord) error
	// Load returns the record for userPubkey, or the most recent one when
	// userPubkey is empty. (nil, nil) means nothing usable is stored.
	Load(ctx context.Context, userPubkey string) (*ConnectionRecord, error)
	Delete(ctx context.Context, remotePubkey string) error
}

// ErrInvalidRecord is returned when saving a record that cannot be resumed
var ErrInvalidRecord = errors.New("connection record needs a remote pubkey")

// Option configures a store
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *slog.Logger
}

// WithClock replaces the wall clock used for expiry
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the store logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// KVConnectionStore implements ConnectionStore over a cache.Backend
type KVConnectionStore struct {
	backend cache.Backend
	ttl     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

var _ ConnectionStore = (*KVConnectionStore)(nil)

// NewConnectionStore creates a store whose records expire after ttl
func NewConnectionStore(backend cache.Backend, ttl time.Duration, opts ...Option) *KVConnectionStore {
	o := buildOptions(opts)
	if ttl <= 0 {
		ttl = cache.DefaultConfig().ConnectionTTL
	}
	return &KVConnectionStore{backend: backend, ttl: ttl, clock: o.clock, logger: o.logger}
}

func (s *KVConnectionStore) Save(ctx context.Context, rec *ConnectionRecord) error {
	if rec == nil || !nostr.IsPubKeyHex(rec.RemotePubkey) {
		return ErrInvalidRecord
	}

	now := s.clock.Now()
	if rec.ConnectedAt == 0 {
		rec.ConnectedAt = now.Unix()
	}
	if rec.ExpiresAt == 0 {
		rec.ExpiresAt = now.Add(s.ttl).Unix()
	}
	ttl := time.Unix(rec.ExpiresAt, 0).Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("connection record for %s already expired", nostr.ShortID(rec.RemotePubkey))
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, connPrefix+rec.RemotePubkey, data, ttl); err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	if err := s.backend.Set(ctx, lastConnKey, []byte(rec.RemotePubkey), ttl); err != nil {
		return fmt.Errorf("save connection pointer: %w", err)
	}
	s.logger.Debug("connection saved", "remote_pubkey", nostr.ShortID(rec.RemotePubkey), "expires_at", rec.ExpiresAt)
	return nil
}

func (s *KVConnectionStore) get(ctx context.Context, pubkey string) (*ConnectionRecord, error) {
	data, found, err := s.backend.Get(ctx, connPrefix+pubkey)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	if !found {
		return nil, nil
	}
	var rec ConnectionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("discarding unreadable connection record", "remote_pubkey", nostr.ShortID(pubkey), "error", err)
		_ = s.backend.Delete(ctx, connPrefix+pubkey)
		return nil, nil
	}
	return &rec, nil
}

func (s *KVConnectionStore) lastPubkey(ctx context.Context) (string, error) {
	data, found, err := s.backend.Get(ctx, lastConnKey)
	if err != nil {
		return "", fmt.Errorf("load connection pointer: %w", err)
	}
	if !found {
		return "", nil
	}
	return string(data), nil
}

func (s *KVConnectionStore) Load(ctx context.Context, userPubkey string) (*ConnectionRecord, error) {
	explicit := userPubkey != ""
	if !explicit {
		last, err := s.lastPubkey(ctx)
		if err != nil || last == "" {
			return nil, err
		}
		userPubkey = last
	}

	rec, err := s.get(ctx, userPubkey)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		if rec.Expired(s.clock.Now()) {
			s.logger.Info("pruning expired connection", "remote_pubkey", nostr.ShortID(userPubkey))
			return nil, s.Delete(ctx, userPubkey)
		}
		return rec, nil
	}
	if !explicit {
		return nil, nil
	}

	// A session left behind by another identity is discarded, never reused
	last, err := s.lastPubkey(ctx)
	if err != nil || last == "" || last == userPubkey {
		return nil, err
	}
	if err := s.Delete(ctx, last); err != nil {
		return nil, err
	}
	s.logger.Warn("discarded connection for another identity",
		"stored_pubkey", nostr.ShortID(last), "user_pubkey", nostr.ShortID(userPubkey))
	return nil, signer.Errorf(signer.IdentityMismatch, "store.load",
		"stored session belongs to %s, not %s", nostr.ShortID(last), nostr.ShortID(userPubkey))
}

func (s *KVConnectionStore) Delete(ctx context.Context, remotePubkey string) error {
	if err := s.backend.Delete(ctx, connPrefix+remotePubkey); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	last, err := s.lastPubkey(ctx)
	if err != nil {
		return err
	}
	if last == remotePubkey {
		return s.backend.Delete(ctx, lastConnKey)
	}
	return nil
}

// List returns every unexpired record
func (s *KVConnectionStore) List(ctx context.Context) ([]*ConnectionRecord, error) {
	keys, err := s.backend.Keys(ctx, connPrefix)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var out []*ConnectionRecord
	for _, k := range keys {
		if k == lastConnKey {
			continue
		}
		rec, err := s.get(ctx, k[len(connPrefix):])
		if err != nil {
			return nil, err
		}
		if rec != nil && !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}
