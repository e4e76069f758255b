package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-signer/internal/nostr"
	"nostr-signer/internal/types"
)

// testRelay is a minimal NIP-01 relay: it acknowledges every EVENT and
// forwards it to matching live subscriptions
type testRelay struct {
	server *httptest.Server
	reject string

	mu   sync.Mutex
	subs map[*websocket.Conn]map[string][]types.Filter
	wmu  map[*websocket.Conn]*sync.Mutex
	reqs atomic.Int32
}

func newTestRelay(t *testing.T) *testRelay {
	r := &testRelay{
		subs: make(map[*websocket.Conn]map[string][]types.Filter),
		wmu:  make(map[*websocket.Conn]*sync.Mutex),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.serve(conn)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *testRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *testRelay) write(conn *websocket.Conn, v interface{}) {
	r.mu.Lock()
	m := r.wmu[conn]
	r.mu.Unlock()
	m.Lock()
	defer m.Unlock()
	_ = conn.WriteJSON(v)
}

func (r *testRelay) serve(conn *websocket.Conn) {
	r.mu.Lock()
	r.subs[conn] = make(map[string][]types.Filter)
	r.wmu[conn] = &sync.Mutex{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.subs, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg []interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg[0] {
		case "REQ":
			r.reqs.Add(1)
			subID := msg[1].(string)
			var filters []types.Filter
			for _, raw := range msg[2:] {
				filters = append(filters, parseFilter(raw))
			}
			r.mu.Lock()
			r.subs[conn][subID] = filters
			r.mu.Unlock()
			r.write(conn, []interface{}{"EOSE", subID})
		case "CLOSE":
			r.mu.Lock()
			delete(r.subs[conn], msg[1].(string))
			r.mu.Unlock()
		case "EVENT":
			evt, _ := nostr.ParseEventFromInterface(msg[1])
			if r.reject != "" {
				r.write(conn, []interface{}{"OK", evt.ID, false, r.reject})
				continue
			}
			r.write(conn, []interface{}{"OK", evt.ID, true, ""})
			r.broadcast(evt)
		}
	}
}

func (r *testRelay) broadcast(evt types.Event) {
	type target struct {
		conn  *websocket.Conn
		subID string
	}
	var targets []target
	r.mu.Lock()
	for conn, subs := range r.subs {
		for id, filters := range subs {
			if matchesAny(filters, evt) {
				targets = append(targets, target{conn, id})
			}
		}
	}
	r.mu.Unlock()
	for _, tg := range targets {
		r.write(tg.conn, []interface{}{"EVENT", tg.subID, evt})
	}
}

func parseFilter(raw interface{}) types.Filter {
	m, _ := raw.(map[string]interface{})
	var f types.Filter
	f.Kinds = toInts(m["kinds"])
	f.PTags = toStrings(m["#p"])
	f.Authors = toStrings(m["authors"])
	return f
}

func toStrings(v interface{}) []string {
	arr, _ := v.([]interface{})
	var out []string
	for _, x := range arr {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInts(v interface{}) []int {
	arr, _ := v.([]interface{})
	var out []int
	for _, x := range arr {
		if f, ok := x.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}

func signedEvent(t *testing.T, kind int, content string, tags [][]string) types.Event {
	t.Helper()
	priv, err := nostr.GeneratePrivateKey()
	require.NoError(t, err)
	evt, err := nostr.FinalizeEvent(priv, types.UnsignedEvent{
		Kind:      kind,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
		Content:   content,
	})
	require.NoError(t, err)
	return *evt
}

func TestPoolPublishAndSubscribe(t *testing.T) {
	relay := newTestRelay(t)
	pool := NewPool(WithPublishTimeout(2 * time.Second))
	defer pool.DisconnectAll()

	ctx := context.Background()
	require.NoError(t, pool.Connect(ctx, relay.URL(), types.RelayPerms{Read: true, Write: true}))

	got := make(chan types.Event, 4)
	unsub, err := pool.Subscribe(ctx, []types.Filter{{Kinds: []int{24133}, PTags: []string{"abc"}}}, func(evt types.Event) {
		got <- evt
	})
	require.NoError(t, err)
	defer unsub()
	require.Eventually(t, func() bool { return relay.reqs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	evt := signedEvent(t, 24133, "hello", [][]string{{"p", "abc"}})
	results := pool.Publish(ctx, evt)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.NoError(t, PublishError(results))

	// not tagged to the subscriber
	other := signedEvent(t, 24133, "other", [][]string{{"p", "def"}})
	pool.Publish(ctx, other)

	select {
	case received := <-got:
		assert.Equal(t, evt.ID, received.ID)
		assert.Equal(t, relay.URL(), received.Relay)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case extra := <-got:
		t.Fatalf("unexpected event %s", extra.Content)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPoolPublishRejected(t *testing.T) {
	relay := newTestRelay(t)
	relay.reject = "blocked: spam"
	pool := NewPool(WithPublishTimeout(2 * time.Second))
	defer pool.DisconnectAll()

	require.NoError(t, pool.Connect(context.Background(), relay.URL(), types.RelayPerms{Write: true}))
	results := pool.Publish(context.Background(), signedEvent(t, 1, "x", nil))
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, "blocked: spam", results[0].Message)

	err := PublishError(results)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked: spam")
}

func TestPoolRejectsUnsafeRelay(t *testing.T) {
	pool := NewPool()
	err := pool.Connect(context.Background(), "https://relay.example.com", types.RelayPerms{Read: true})
	assert.Error(t, err)
	err = pool.Connect(context.Background(), "wss://printer.local", types.RelayPerms{Read: true})
	assert.Error(t, err)
}

func TestPoolSubscribeWithoutRelays(t *testing.T) {
	_, err := NewPool().Subscribe(context.Background(), nil, func(types.Event) {})
	assert.True(t, errors.Is(err, ErrNoRelays))
}

func TestMemoryTransportDeduplicatesAcrossRelays(t *testing.T) {
	a, b := NewHub("memory://a"), NewHub("memory://b")
	tr := NewMemoryTransport(a, b)
	ctx := context.Background()
	for _, h := range []*Hub{a, b} {
		require.NoError(t, tr.Connect(ctx, h.URL(), types.RelayPerms{Read: true, Write: true}))
	}

	var count atomic.Int32
	unsub, err := tr.Subscribe(ctx, []types.Filter{{Kinds: []int{1}}}, func(types.Event) { count.Add(1) })
	require.NoError(t, err)
	defer unsub()

	evt := signedEvent(t, 1, "twice", nil)
	results := tr.Publish(ctx, evt)
	assert.Len(t, results, 2)

	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestMemoryHubEphemeralNotStored(t *testing.T) {
	h := NewHub("memory://h")
	tr := NewMemoryTransport(h)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx, h.URL(), types.RelayPerms{Read: true, Write: true}))

	tr.Publish(ctx, signedEvent(t, 24133, "ephemeral", nil))
	tr.Publish(ctx, signedEvent(t, 1, "stored", nil))
	events := h.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "stored", events[0].Content)

	// stored events are replayed to new subscribers
	got := make(chan types.Event, 1)
	unsub, err := tr.Subscribe(ctx, []types.Filter{{Kinds: []int{1}}}, func(evt types.Event) { got <- evt })
	require.NoError(t, err)
	defer unsub()
	select {
	case evt := <-got:
		assert.Equal(t, "stored", evt.Content)
	case <-time.After(time.Second):
		t.Fatal("backlog not replayed")
	}
}

func TestMemoryHubOffline(t *testing.T) {
	h := NewHub("memory://down")
	tr := NewMemoryTransport(h)
	require.NoError(t, tr.Connect(context.Background(), h.URL(), types.RelayPerms{Write: true}))
	h.SetOffline(true)

	err := PublishError(tr.Publish(context.Background(), signedEvent(t, 1, "x", nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay offline")

	assert.Error(t, tr.Connect(context.Background(), "memory://missing", types.RelayPerms{}))
}

func TestPublishErrorAggregates(t *testing.T) {
	assert.True(t, errors.Is(PublishError(nil), ErrNoRelays))

	err := PublishError([]types.PublishResult{
		{Relay: "wss://a", Err: errors.New("dial failed")},
		{Relay: "wss://b", Message: "rate-limited"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wss://a: dial failed")
	assert.Contains(t, err.Error(), "wss://b: rejected: rate-limited")

	assert.NoError(t, PublishError([]types.PublishResult{
		{Relay: "wss://a", Err: errors.New("dial failed")},
		{Relay: "wss://b", OK: true},
	}))
}
