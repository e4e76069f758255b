package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"nostr-signer/internal/nostr"
	"nostr-signer/internal/types"
)

const (
	defaultPublishTimeout = 10 * time.Second
	writeTimeout          = 10 * time.Second
	dedupeCacheSize       = 4096
)

// checkRelayURL validates that a relay URL is safe to connect to.
// Loopback is allowed for development, other private ranges are not.
func checkRelayURL(relayURL string) error {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("relay URL blocked: scheme %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return errors.New("relay URL blocked: missing host")
	}
	if nostr.IsLoopbackHost(host) {
		return nil
	}
	if nostr.IsInternalHost(host) {
		return errors.New("relay URL blocked: internal host")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable here may still be reachable through a proxy
		return nil
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return errors.New("relay URL blocked: unsafe destination")
		}
	}
	return nil
}

// isRelayIPSafe allows loopback but blocks other private ranges
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	return true
}

type okResult struct {
	accepted bool
	message  string
}

// subscription is shared by every relay it was opened on so that an event
// delivered by several relays reaches the listener once
type subscription struct {
	id      string
	filters []types.Filter
	onEvent func(types.Event)
	seen    *lru.Cache[string, struct{}]
	relays  []string
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) deliver(evt types.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	if seen, _ := s.seen.ContainsOrAdd(evt.ID, struct{}{}); seen {
		return
	}
	s.onEvent(evt)
}

// relayConn manages a single websocket connection with multiple subscriptions
type relayConn struct {
	conn     *websocket.Conn
	relayURL string
	logger   *slog.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	subs      map[string]*subscription
	okWaiters map[string]chan okResult
	closed    bool
}

func (rc *relayConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteJSON(v)
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// readLoop reads frames and routes them until the connection drops
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		var msg []interface{}
		if err := rc.conn.ReadJSON(&msg); err != nil {
			if !rc.isClosed() {
				rc.logger.Debug("relay read failed", "relay", rc.relayURL, "error", err)
			}
			return
		}
		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, _ := msg[1].(string)
			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}
			evt.Relay = rc.relayURL

			rc.mu.Lock()
			sub := rc.subs[subID]
			rc.mu.Unlock()
			if sub != nil {
				sub.deliver(evt)
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			eventID, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			var message string
			if len(msg) >= 4 {
				message, _ = msg[3].(string)
			}
			rc.mu.Lock()
			waiter := rc.okWaiters[eventID]
			delete(rc.okWaiters, eventID)
			rc.mu.Unlock()
			if waiter != nil {
				waiter <- okResult{accepted: accepted, message: message}
			}

		case "CLOSED":
			subID, _ := msg[1].(string)
			rc.mu.Lock()
			sub := rc.subs[subID]
			delete(rc.subs, subID)
			rc.mu.Unlock()
			if sub != nil {
				reason := ""
				if len(msg) >= 3 {
					reason, _ = msg[2].(string)
				}
				rc.logger.Info("relay closed subscription", "relay", rc.relayURL, "sub_id", subID, "reason", reason)
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			rc.logger.Info("relay notice", "relay", rc.relayURL, "notice", notice)

		case "EOSE":
			// live subscriptions only; stored events need no end marker
		}
	}
}

// markClosed marks the connection as closed and fails outstanding publishes
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()

	for id, waiter := range rc.okWaiters {
		waiter <- okResult{message: "connection closed"}
		delete(rc.okWaiters, id)
	}
	rc.subs = make(map[string]*subscription)
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithLogger sets the pool logger
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// WithPublishTimeout bounds how long a publish waits for each relay's OK
func WithPublishTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.publishTimeout = d }
}

// WithDialer replaces the websocket dialer
func WithDialer(d *websocket.Dialer) PoolOption {
	return func(p *Pool) { p.dialer = d }
}

// Pool is a websocket Transport with one connection per relay
type Pool struct {
	dialer         *websocket.Dialer
	logger         *slog.Logger
	publishTimeout time.Duration
	subSeq         atomic.Uint64

	mu    sync.RWMutex
	conns map[string]*relayConn
	perms map[string]types.RelayPerms
	subs  map[string]*subscription
}

var _ Transport = (*Pool)(nil)

// NewPool creates an empty pool
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		dialer:         websocket.DefaultDialer,
		logger:         slog.Default(),
		publishTimeout: defaultPublishTimeout,
		conns:          make(map[string]*relayConn),
		perms:          make(map[string]types.RelayPerms),
		subs:           make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials a relay (if needed) and records how it may be used
func (p *Pool) Connect(ctx context.Context, relayURL string, perms types.RelayPerms) error {
	if _, err := p.getOrCreateConn(ctx, relayURL); err != nil {
		return err
	}
	p.mu.Lock()
	p.perms[relayURL] = perms
	p.mu.Unlock()
	return nil
}

// getOrCreateConn gets an existing connection or dials a new one
func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if err := checkRelayURL(relayURL); err != nil {
		return nil, err
	}

	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	rc = p.conns[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.logger.Debug("dialing relay", "relay", relayURL)
	conn, _, err := p.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", relayURL, err)
	}

	rc = &relayConn{
		conn:      conn,
		relayURL:  relayURL,
		logger:    p.logger,
		subs:      make(map[string]*subscription),
		okWaiters: make(map[string]chan okResult),
	}
	p.conns[relayURL] = rc

	// Reopen live subscriptions that include this relay (reconnect after a drop)
	for _, sub := range p.subs {
		for _, r := range sub.relays {
			if r == relayURL {
				rc.subs[sub.id] = sub
				if err := rc.writeJSON(reqFrame(sub.id, sub.filters)); err != nil {
					p.logger.Warn("resubscribe failed", "relay", relayURL, "sub_id", sub.id, "error", err)
				}
			}
		}
	}

	go rc.readLoop()
	return rc, nil
}

func reqFrame(subID string, filters []types.Filter) []interface{} {
	frame := []interface{}{"REQ", subID}
	for _, f := range filters {
		frame = append(frame, f)
	}
	return frame
}

func (p *Pool) relaysWith(want func(types.RelayPerms) bool) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var urls []string
	for u, perms := range p.perms {
		if want(perms) {
			urls = append(urls, u)
		}
	}
	return urls
}

// Publish sends evt to every write relay and waits for each OK
func (p *Pool) Publish(ctx context.Context, evt types.Event) []types.PublishResult {
	relays := p.relaysWith(func(perms types.RelayPerms) bool { return perms.Write })
	results := make([]types.PublishResult, len(relays))

	var g errgroup.Group
	for i, relayURL := range relays {
		g.Go(func() error {
			results[i] = p.publishOne(ctx, relayURL, evt)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pool) publishOne(ctx context.Context, relayURL string, evt types.Event) types.PublishResult {
	result := types.PublishResult{Relay: relayURL}

	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		result.Err = err
		return result
	}

	waiter := make(chan okResult, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		result.Err = errors.New("connection closed")
		return result
	}
	rc.okWaiters[evt.ID] = waiter
	rc.mu.Unlock()

	cleanup := func() {
		rc.mu.Lock()
		delete(rc.okWaiters, evt.ID)
		rc.mu.Unlock()
	}

	if err := rc.writeJSON([]interface{}{"EVENT", evt}); err != nil {
		cleanup()
		rc.markClosed()
		result.Err = err
		return result
	}

	timer := time.NewTimer(p.publishTimeout)
	defer timer.Stop()

	select {
	case ok := <-waiter:
		result.OK = ok.accepted
		result.Message = ok.message
	case <-timer.C:
		cleanup()
		result.Err = fmt.Errorf("no OK within %s", p.publishTimeout)
	case <-ctx.Done():
		cleanup()
		result.Err = ctx.Err()
	}
	return result
}

// Subscribe opens one subscription id across relays (all read relays when none given)
func (p *Pool) Subscribe(ctx context.Context, filters []types.Filter, onEvent func(types.Event), relays ...string) (Unsubscribe, error) {
	if len(relays) == 0 {
		relays = p.relaysWith(func(perms types.RelayPerms) bool { return perms.Read })
	}
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	seen, err := lru.New[string, struct{}](dedupeCacheSize)
	if err != nil {
		return nil, err
	}
	sub := &subscription{
		id:      subscriptionID("sub", p.subSeq.Add(1)),
		filters: filters,
		onEvent: onEvent,
		seen:    seen,
		relays:  relays,
		done:    make(chan struct{}),
	}

	var opened int
	var lastErr error
	for _, relayURL := range relays {
		rc, err := p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			lastErr = err
			p.logger.Warn("subscribe failed", "relay", relayURL, "error", err)
			continue
		}
		rc.mu.Lock()
		rc.subs[sub.id] = sub
		rc.mu.Unlock()
		if err := rc.writeJSON(reqFrame(sub.id, filters)); err != nil {
			lastErr = err
			rc.markClosed()
			continue
		}
		opened++
	}
	if opened == 0 {
		return nil, fmt.Errorf("subscribe on %d relays: %w", len(relays), lastErr)
	}

	p.mu.Lock()
	p.subs[sub.id] = sub
	p.mu.Unlock()

	return func() { p.unsubscribe(sub) }, nil
}

func (p *Pool) unsubscribe(sub *subscription) {
	p.mu.Lock()
	delete(p.subs, sub.id)
	conns := make([]*relayConn, 0, len(sub.relays))
	for _, relayURL := range sub.relays {
		if rc := p.conns[relayURL]; rc != nil {
			conns = append(conns, rc)
		}
	}
	p.mu.Unlock()

	for _, rc := range conns {
		rc.mu.Lock()
		_, exists := rc.subs[sub.id]
		delete(rc.subs, sub.id)
		shouldSendClose := exists && !rc.closed
		rc.mu.Unlock()
		if shouldSendClose {
			// best effort, connection may be closing
			_ = rc.writeJSON([]interface{}{"CLOSE", sub.id})
		}
	}
	sub.close()
}

// DisconnectAll closes every connection and forgets every subscription
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	conns := p.conns
	subs := p.subs
	p.conns = make(map[string]*relayConn)
	p.perms = make(map[string]types.RelayPerms)
	p.subs = make(map[string]*subscription)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	for _, rc := range conns {
		rc.markClosed()
	}
}
