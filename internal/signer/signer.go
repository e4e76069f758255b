// Package signer defines the signing contract shared by every backend:
// the Signer interface, the in-process signer, reply normalisation,
// the pending-request table and the error taxonomy.
package signer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"nostr-signer/internal/nostr"
	"nostr-signer/internal/types"
)

// Signer obtains a public key and signatures for arbitrary events
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, tmpl types.UnsignedEvent) (*types.Event, error)
	IsConnected() bool
	Disconnect()
}

// LocalSigner signs synchronously with a secret key held by this process
type LocalSigner struct {
	mu     sync.RWMutex
	secret []byte
	pubkey string
}

// NewLocalSigner accepts a hex secret or an nsec
func NewLocalSigner(secret string) (*LocalSigner, error) {
	raw, err := nostr.ParseSecretKey(secret)
	if err != nil {
		return nil, err
	}
	return NewLocalSignerFromBytes(raw)
}

// NewLocalSignerFromBytes wraps a raw 32-byte secret
func NewLocalSignerFromBytes(secret []byte) (*LocalSigner, error) {
	pubkey, err := nostr.GetPublicKeyHex(secret)
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &LocalSigner{secret: key, pubkey: pubkey}, nil
}

func (s *LocalSigner) GetPublicKey(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secret == nil {
		return "", Errorf(NoSignerAvailable, "local.get_public_key", "local signer disconnected")
	}
	return s.pubkey, nil
}

func (s *LocalSigner) SignEvent(ctx context.Context, tmpl types.UnsignedEvent) (*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secret == nil {
		return nil, Errorf(NoSignerAvailable, "local.sign_event", "local signer disconnected")
	}
	return nostr.FinalizeEvent(s.secret, tmpl)
}

func (s *LocalSigner) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secret != nil
}

// Disconnect wipes the key; the signer is unusable afterwards
func (s *LocalSigner) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.secret {
		s.secret[i] = 0
	}
	s.secret = nil
}

// ProbeFunc detects an in-process signing capability.
// It returns (nil, nil) when none is present.
type ProbeFunc func(ctx context.Context) (Signer, error)

// Probe runs a ProbeFunc at most once, and only when asked
type Probe struct {
	fn     ProbeFunc
	once   sync.Once
	probed atomic.Bool
	signer Signer
	err    error
}

func NewProbe(fn ProbeFunc) *Probe {
	return &Probe{fn: fn}
}

// Resolve runs detection on first call and caches the outcome
func (p *Probe) Resolve(ctx context.Context) (Signer, bool) {
	if p == nil || p.fn == nil {
		return nil, false
	}
	p.once.Do(func() {
		p.probed.Store(true)
		p.signer, p.err = p.fn(ctx)
		if p.err != nil {
			slog.Warn("in-process signer probe failed", "error", p.err)
		}
	})
	if p.err != nil || p.signer == nil || !p.signer.IsConnected() {
		return nil, false
	}
	return p.signer, true
}

// Probed reports whether detection has run
func (p *Probe) Probed() bool {
	return p != nil && p.probed.Load()
}

// SecretKeyProbe detects a configured secret key; empty means no in-process signer
func SecretKeyProbe(secret string) ProbeFunc {
	return func(ctx context.Context) (Signer, error) {
		if secret == "" {
			return nil, nil
		}
		return NewLocalSigner(secret)
	}
}
