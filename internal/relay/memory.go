package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"nostr-signer/internal/types"
)

// Hub is an in-process relay. Ephemeral kinds (20000-29999) are only
// forwarded to live subscribers, everything else is also stored.
type Hub struct {
	url string

	mu      sync.Mutex
	stored  []types.Event
	subs    map[uint64]*hubSub
	nextSub uint64
	offline bool
	reject  string
}

type hubSub struct {
	filters []types.Filter
	sub     *subscription
	queue   chan types.Event
}

// NewHub creates a relay reachable by MemoryTransport at url
func NewHub(url string) *Hub {
	return &Hub{url: url, subs: make(map[uint64]*hubSub)}
}

// URL returns the address transports connect to
func (h *Hub) URL() string {
	return h.url
}

// SetOffline makes every publish to the hub fail as unreachable
func (h *Hub) SetOffline(offline bool) {
	h.mu.Lock()
	h.offline = offline
	h.mu.Unlock()
}

// SetReject makes the hub refuse events with reason; empty accepts again
func (h *Hub) SetReject(reason string) {
	h.mu.Lock()
	h.reject = reason
	h.mu.Unlock()
}

// Events returns a copy of the stored events
func (h *Hub) Events() []types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Event(nil), h.stored...)
}

func isEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

func matchesAny(filters []types.Filter, evt types.Event) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

func (h *Hub) publish(evt types.Event) types.PublishResult {
	result := types.PublishResult{Relay: h.url}

	h.mu.Lock()
	if h.offline {
		h.mu.Unlock()
		result.Err = errors.New("relay offline")
		return result
	}
	if h.reject != "" {
		result.Message = h.reject
		h.mu.Unlock()
		return result
	}
	if !isEphemeral(evt.Kind) {
		h.stored = append(h.stored, evt)
	}
	var targets []*hubSub
	for _, s := range h.subs {
		if matchesAny(s.filters, evt) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	evt.Relay = h.url
	for _, s := range targets {
		select {
		case s.queue <- evt:
		case <-s.sub.done:
		}
	}
	result.OK = true
	return result
}

func (h *Hub) subscribe(filters []types.Filter, sub *subscription) func() {
	hs := &hubSub{filters: filters, sub: sub, queue: make(chan types.Event, 256)}

	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.subs[id] = hs
	var backlog []types.Event
	for _, evt := range h.stored {
		if matchesAny(filters, evt) {
			backlog = append(backlog, evt)
		}
	}
	h.mu.Unlock()

	go func() {
		for _, evt := range backlog {
			evt.Relay = h.url
			sub.deliver(evt)
		}
		for {
			select {
			case evt := <-hs.queue:
				sub.deliver(evt)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// MemoryTransport is a Transport over one or more Hubs
type MemoryTransport struct {
	hubs   map[string]*Hub
	subSeq atomic.Uint64

	mu    sync.Mutex
	perms map[string]types.RelayPerms
	subs  map[*subscription][]func()
}

var _ Transport = (*MemoryTransport)(nil)

// NewMemoryTransport creates a transport that can reach the given hubs
func NewMemoryTransport(hubs ...*Hub) *MemoryTransport {
	t := &MemoryTransport{
		hubs:  make(map[string]*Hub, len(hubs)),
		perms: make(map[string]types.RelayPerms),
		subs:  make(map[*subscription][]func()),
	}
	for _, h := range hubs {
		t.hubs[h.url] = h
	}
	return t
}

func (t *MemoryTransport) Connect(ctx context.Context, url string, perms types.RelayPerms) error {
	if _, ok := t.hubs[url]; !ok {
		return fmt.Errorf("dial %s: no such relay", url)
	}
	t.mu.Lock()
	t.perms[url] = perms
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) relaysWith(want func(types.RelayPerms) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var urls []string
	for u, perms := range t.perms {
		if want(perms) {
			urls = append(urls, u)
		}
	}
	return urls
}

func (t *MemoryTransport) Publish(ctx context.Context, evt types.Event) []types.PublishResult {
	var results []types.PublishResult
	for _, u := range t.relaysWith(func(p types.RelayPerms) bool { return p.Write }) {
		results = append(results, t.hubs[u].publish(evt))
	}
	return results
}

func (t *MemoryTransport) Subscribe(ctx context.Context, filters []types.Filter, onEvent func(types.Event), relays ...string) (Unsubscribe, error) {
	if len(relays) == 0 {
		relays = t.relaysWith(func(p types.RelayPerms) bool { return p.Read })
	}
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	seen, err := lru.New[string, struct{}](dedupeCacheSize)
	if err != nil {
		return nil, err
	}
	sub := &subscription{
		id:      subscriptionID("mem", t.subSeq.Add(1)),
		filters: filters,
		onEvent: onEvent,
		seen:    seen,
		relays:  relays,
		done:    make(chan struct{}),
	}

	var cancels []func()
	for _, u := range relays {
		h, ok := t.hubs[u]
		if !ok {
			continue
		}
		cancels = append(cancels, h.subscribe(filters, sub))
	}
	if len(cancels) == 0 {
		return nil, fmt.Errorf("subscribe: %w", ErrNoRelays)
	}

	t.mu.Lock()
	t.subs[sub] = cancels
	t.mu.Unlock()

	return func() { t.unsubscribe(sub) }, nil
}

func (t *MemoryTransport) unsubscribe(sub *subscription) {
	t.mu.Lock()
	cancels := t.subs[sub]
	delete(t.subs, sub)
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	sub.close()
}

func (t *MemoryTransport) DisconnectAll() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*subscription][]func())
	t.perms = make(map[string]types.RelayPerms)
	t.mu.Unlock()
	for sub, cancels := range subs {
		for _, cancel := range cancels {
			cancel()
		}
		sub.close()
	}
}
