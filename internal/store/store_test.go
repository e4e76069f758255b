package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-signer/internal/cache"
	"nostr-signer/internal/signer"
)

var (
	userA = strings.Repeat("a", 64)
	userB = strings.Repeat("b", 64)
)

func newBackend(t *testing.T) cache.Backend {
	mc := cache.NewMemoryCache(100, time.Hour)
	t.Cleanup(func() { _ = mc.Close() })
	return mc
}

func TestConnectionStoreRoundTrip(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	s := NewConnectionStore(newBackend(t), 0, WithClock(mock))
	ctx := context.Background()

	rec := &ConnectionRecord{
		TransportEndpoint: "bunker://" + userA + "?relay=wss://relay.example.com",
		Relays:            []string{"wss://relay.example.com"},
		AuthToken:         "token",
		RemotePubkey:      userA,
	}
	require.NoError(t, s.Save(ctx, rec))
	assert.Equal(t, int64(1700000000), rec.ConnectedAt)
	assert.Equal(t, int64(1700000000+7*24*3600), rec.ExpiresAt)

	got, err := s.Load(ctx, userA)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.TransportEndpoint, got.TransportEndpoint)
	assert.Equal(t, "token", got.AuthToken)

	last, err := s.Load(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, userA, last.RemotePubkey)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, userA))
	got, err = s.Load(ctx, userA)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = s.Load(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConnectionStoreRejectsRecordWithoutRemoteKey(t *testing.T) {
	s := NewConnectionStore(newBackend(t), time.Hour)
	err := s.Save(context.Background(), &ConnectionRecord{TransportEndpoint: "wss://relay.example.com"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestConnectionStorePrunesExpired(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	s := NewConnectionStore(newBackend(t), 7*24*time.Hour, WithClock(mock))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &ConnectionRecord{RemotePubkey: userA}))
	mock.Add(8 * 24 * time.Hour)

	got, err := s.Load(ctx, userA)
	require.NoError(t, err)
	assert.Nil(t, got)

	mock.Set(time.Unix(1700000000, 0))
	got, err = s.Load(ctx, userA)
	require.NoError(t, err)
	assert.Nil(t, got, "expired record is deleted, not just hidden")
}

func TestConnectionStoreIdentityMismatch(t *testing.T) {
	s := NewConnectionStore(newBackend(t), time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &ConnectionRecord{RemotePubkey: userA, AuthToken: "a-secret"}))

	got, err := s.Load(ctx, userB)
	assert.Nil(t, got)
	require.Error(t, err)
	assert.True(t, errors.Is(err, signer.ErrIdentityMismatch))

	// A's record is gone, not merely skipped
	got, err = s.Load(ctx, userA)
	require.NoError(t, err)
	assert.Nil(t, got)

	// nothing left to mismatch against
	got, err = s.Load(ctx, userB)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConnectionStoreLastWriteWins(t *testing.T) {
	s := NewConnectionStore(newBackend(t), time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &ConnectionRecord{RemotePubkey: userA, AuthToken: "first"}))
	require.NoError(t, s.Save(ctx, &ConnectionRecord{RemotePubkey: userA, AuthToken: "second"}))

	got, err := s.Load(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, "second", got.AuthToken)
}

func TestPreferenceStore(t *testing.T) {
	s := NewPreferenceStore(newBackend(t), 0)
	ctx := context.Background()

	_, found, err := s.Get(ctx, userA, "dev1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, userA, "dev1", signer.RelayRemote))

	kind, found, err := s.Get(ctx, userA, "dev1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, signer.RelayRemote, kind)

	// device-wide default is updated too
	kind, found, err = s.Get(ctx, "", "dev1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, signer.RelayRemote, kind)

	_, found, err = s.Get(ctx, userB, "dev1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Clear(ctx, userA, "dev1"))
	_, found, _ = s.Get(ctx, userA, "dev1")
	assert.False(t, found)
}

func TestDeviceStoreReusesIdentity(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	first, err := NewDeviceStore(backend).LoadOrCreate(ctx)
	require.NoError(t, err)
	assert.Len(t, first.PubKey, 64)
	assert.NotEmpty(t, first.ID)

	second, err := NewDeviceStore(backend).LoadOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.SecretKey, second.SecretKey)

	secret, err := second.Secret()
	require.NoError(t, err)
	assert.Len(t, secret, 32)
}
