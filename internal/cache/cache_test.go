package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseBackend runs the behaviour every backend must share
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, found, err := b.Get(ctx, "conn:missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.Set(ctx, "conn:a", []byte(`{"a":1}`), time.Hour))
	require.NoError(t, b.Set(ctx, "conn:b", []byte(`{"b":2}`), 0))
	require.NoError(t, b.Set(ctx, "pref:x", []byte("relay_remote"), 0))

	val, found, err := b.Get(ctx, "conn:a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"a":1}`, string(val))

	keys, err := b.Keys(ctx, "conn:")
	require.NoError(t, err)
	assert.Equal(t, []string{"conn:a", "conn:b"}, keys)

	require.NoError(t, b.Delete(ctx, "conn:a"))
	require.NoError(t, b.Delete(ctx, "conn:a"))
	_, found, err = b.Get(ctx, "conn:a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	exerciseBackend(t, mc)
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "short", []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, found, err := mc.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)

	keys, err := mc.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryCacheCleanupKeepsPermanentEntries(t *testing.T) {
	mc := NewMemoryCache(1, time.Hour)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "device:identity", []byte("keep"), 0))
	require.NoError(t, mc.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, mc.Set(ctx, "b", []byte("2"), 2*time.Hour))
	mc.cleanup()

	_, found, _ := mc.Get(ctx, "device:identity")
	assert.True(t, found)
	_, found, _ = mc.Get(ctx, "a")
	assert.False(t, found, "earliest expiring entry is evicted first")
	_, found, _ = mc.Get(ctx, "b")
	assert.True(t, found)
}

func TestBadgerCache(t *testing.T) {
	bc, err := NewBadgerCache(t.TempDir(), nil)
	require.NoError(t, err)
	defer func() { _ = bc.Close() }()
	exerciseBackend(t, bc)
}

func TestBadgerCachePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	bc, err := NewBadgerCache(dir, nil)
	require.NoError(t, err)
	require.NoError(t, bc.Set(ctx, "conn:p", []byte("session"), time.Hour))
	require.NoError(t, bc.Close())

	_, _, err = bc.Get(ctx, "conn:p")
	assert.ErrorIs(t, err, ErrClosed)

	reopened, err := NewBadgerCache(dir, nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	val, found, err := reopened.Get(ctx, "conn:p")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "session", string(val))
}

func TestBadgerCacheTTL(t *testing.T) {
	bc, err := NewBadgerCache(t.TempDir(), nil)
	require.NoError(t, err)
	defer func() { _ = bc.Close() }()
	ctx := context.Background()

	// badger TTLs have one second resolution
	require.NoError(t, bc.Set(ctx, "soon", []byte("x"), time.Second))
	time.Sleep(2100 * time.Millisecond)
	_, found, err := bc.Get(ctx, "soon")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}
	rc, err := NewRedisCache(redisURL, "signer-test:"+time.Now().Format("150405.000000")+":")
	require.NoError(t, err)
	defer rc.Close()
	exerciseBackend(t, rc)

	ctx := context.Background()
	for _, k := range []string{"conn:b", "pref:x"} {
		_ = rc.Delete(ctx, k)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	b, name, err := Open(Options{})
	require.NoError(t, err)
	assert.Equal(t, "memory", name)
	_ = b.Close()

	b, name, err = Open(Options{BadgerPath: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "badger", name)
	_ = b.Close()

	// unreachable redis falls back to memory
	b, name, err = Open(Options{RedisURL: "redis://127.0.0.1:1/0"})
	require.NoError(t, err)
	assert.Equal(t, "memory", name)
	_ = b.Close()
}
