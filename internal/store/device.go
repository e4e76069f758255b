package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"nostr-signer/internal/cache"
	"nostr-signer/internal/nostr"
)

const deviceKey = "device:identity"

// DeviceIdentity is a long-lived local keypair used to address a remote
// signer before its own key is known
type DeviceIdentity struct {
	ID        string `json:"id"`
	SecretKey string `json:"secret_key"` // hex
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
}

// Secret returns the raw secret key
func (d *DeviceIdentity) Secret() ([]byte, error) {
	return hex.DecodeString(d.SecretKey)
}

// DeviceStore generates the device identity once and reuses it
type DeviceStore struct {
	backend cache.Backend
	clock   clock.Clock

	mu     sync.Mutex
	cached *DeviceIdentity
}

func NewDeviceStore(backend cache.Backend, opts ...Option) *DeviceStore {
	o := buildOptions(opts)
	return &DeviceStore{backend: backend, clock: o.clock}
}

// LoadOrCreate returns the persisted identity, creating it on first use
func (s *DeviceStore) LoadOrCreate(ctx context.Context) (*DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, nil
	}

	data, found, err := s.backend.Get(ctx, deviceKey)
	if err != nil {
		return nil, fmt.Errorf("load device identity: %w", err)
	}
	if found {
		var id DeviceIdentity
		if err := json.Unmarshal(data, &id); err == nil && nostr.IsPubKeyHex(id.PubKey) {
			s.cached = &id
			return s.cached, nil
		}
	}

	secret, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	pubkey, err := nostr.GetPublicKeyHex(secret)
	if err != nil {
		return nil, err
	}
	id := &DeviceIdentity{
		ID:        uuid.NewString(),
		SecretKey: hex.EncodeToString(secret),
		PubKey:    pubkey,
		CreatedAt: s.clock.Now().Unix(),
	}
	data, err = json.Marshal(id)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Set(ctx, deviceKey, data, 0); err != nil {
		return nil, fmt.Errorf("save device identity: %w", err)
	}
	s.cached = id
	return id, nil
}
