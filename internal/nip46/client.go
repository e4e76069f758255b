package nip46

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"nostr-signer/internal/nip44"
	"nostr-signer/internal/nostr"
	"nostr-signer/internal/relay"
	"nostr-signer/internal/signer"
	"nostr-signer/internal/types"
)

// Request timeouts for relay round trips
const (
	DefaultRequestTimeout = 75 * time.Second
	MinRequestTimeout     = 60 * time.Second
	MaxRequestTimeout     = 90 * time.Second
)

// sinceSkew is how far back the reply subscription reaches
const sinceSkew = 10 * time.Second

const seenCacheSize = 1024

// Config tunes a Client. The zero value is usable.
type Config struct {
	RequestTimeout time.Duration // clamped to [MinRequestTimeout, MaxRequestTimeout]
	Strict         bool          // drop replies not p-tagged to the client key
	SkipVerify     bool          // accept signatures without BIP-340 verification
	SignLimit      rate.Limit    // sign requests per second; zero is unlimited
	SignBurst      int           // defaults to one second's worth, at least 1
	ClientName     string
	Perms          []string
	ClientSecret   []byte // reuse a client keypair; generated when empty
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Session is the runtime view of a remote signer connection
type Session struct {
	TransportEndpoint string
	Relays            []string
	AuthToken         string
	RemotePubkey      string // the user identity
	SignerPubkey      string // the key the signer answers with
	Connected         bool
	ConnectedAt       time.Time
}

// Usable reports whether requests can be signed without a handshake
func (s Session) Usable() bool {
	return s.Connected && s.RemotePubkey != ""
}

// Client talks to a remote signer through relays
type Client struct {
	transport relay.Transport
	cfg       Config
	log       *slog.Logger
	clock     clock.Clock

	clientSecret []byte
	clientPubkey string

	pending *signer.Pending[json.RawMessage]
	limiter *rate.Limiter
	seen    *lru.Cache[string, struct{}]

	mu        sync.Mutex
	session   Session
	legacy    bool // the signer answered with NIP-04
	ciphers   map[string]*nip44.Cipher
	unsub     relay.Unsubscribe
	ready     chan struct{}
	readyOnce *sync.Once
}

var _ signer.Signer = (*Client)(nil)

// New creates a client that owns transport
func New(transport relay.Transport, cfg Config) (*Client, error) {
	switch {
	case cfg.RequestTimeout == 0:
		cfg.RequestTimeout = DefaultRequestTimeout
	case cfg.RequestTimeout < MinRequestTimeout:
		cfg.RequestTimeout = MinRequestTimeout
	case cfg.RequestTimeout > MaxRequestTimeout:
		cfg.RequestTimeout = MaxRequestTimeout
	}
	if cfg.SignLimit == 0 {
		cfg.SignLimit = rate.Inf
	}
	if cfg.SignBurst == 0 {
		cfg.SignBurst = 1
		if cfg.SignLimit != rate.Inf && cfg.SignLimit > 1 {
			cfg.SignBurst = int(math.Ceil(float64(cfg.SignLimit)))
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	secret := cfg.ClientSecret
	if len(secret) == 0 {
		var err error
		if secret, err = nostr.GeneratePrivateKey(); err != nil {
			return nil, err
		}
	}
	pubkey, err := nostr.GetPublicKeyHex(secret)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}

	return &Client{
		transport:    transport,
		cfg:          cfg,
		log:          cfg.Logger.With("component", "nip46", "client", nostr.ShortID(pubkey)),
		clock:        cfg.Clock,
		clientSecret: secret,
		clientPubkey: pubkey,
		pending:      signer.NewPending[json.RawMessage]("nip46", cfg.Clock),
		limiter:      rate.NewLimiter(cfg.SignLimit, cfg.SignBurst),
		seen:         seen,
		ciphers:      make(map[string]*nip44.Cipher),
		ready:        make(chan struct{}),
		readyOnce:    &sync.Once{},
	}, nil
}

// ClientPubkey returns the disposable client identity
func (c *Client) ClientPubkey() string {
	return c.clientPubkey
}

// ClientSecretHex returns the client key for persisting a resumable session
func (c *Client) ClientSecretHex() string {
	return hex.EncodeToString(c.clientSecret)
}

// Session returns a copy of the current session
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.Relays = slices.Clone(s.Relays)
	return s
}

// Connect opens the relays of endpoint and starts listening for replies.
// A non-empty token overrides the secret carried by a bunker URL.
// No request is sent until Authenticate.
func (c *Client) Connect(ctx context.Context, endpoint, token string) error {
	params, err := ParseEndpoint(endpoint)
	if err != nil {
		return signer.E(signer.ProtocolViolation, "nip46.connect", err)
	}
	if token != "" {
		params.Secret = token
	}
	if params.Rendezvous() && params.Secret == "" {
		params.Secret = randomHex(16)
	}
	return c.open(ctx, endpoint, params, Session{})
}

// Resume reattaches to a persisted session without a handshake. The client
// must have been created with the session's ClientSecret.
func (c *Client) Resume(ctx context.Context, s Session) error {
	if s.SignerPubkey == "" || s.RemotePubkey == "" || len(s.Relays) == 0 {
		return signer.Errorf(signer.ProtocolViolation, "nip46.resume", "session is missing keys or relays")
	}
	params := &ConnectionParams{SignerPubkey: s.SignerPubkey, Relays: s.Relays, Secret: s.AuthToken}
	s.Connected = true
	return c.open(ctx, s.TransportEndpoint, params, s)
}

func (c *Client) open(ctx context.Context, endpoint string, params *ConnectionParams, resumed Session) error {
	c.closeSubscription()

	var connected []string
	var dialErr error
	for _, u := range params.Relays {
		if err := c.transport.Connect(ctx, u, types.RelayPerms{Read: true, Write: true}); err != nil {
			dialErr = multierr.Append(dialErr, err)
			c.log.Warn("relay connect failed", "relay", u, "error", err)
			continue
		}
		connected = append(connected, u)
	}
	if len(connected) == 0 {
		if dialErr == nil {
			dialErr = relay.ErrNoRelays
		}
		return signer.E(signer.TransportUnreachable, "nip46.connect", dialErr)
	}

	since := c.clock.Now().Add(-sinceSkew).Unix()
	filters := []types.Filter{{
		Kinds: []int{KindNostrConnect},
		PTags: []string{c.clientPubkey},
		Since: &since,
	}}
	if !c.cfg.Strict && params.SignerPubkey != "" {
		filters = append(filters, types.Filter{
			Kinds:   []int{KindNostrConnect},
			Authors: []string{params.SignerPubkey},
			Since:   &since,
		})
	}

	c.mu.Lock()
	c.session = resumed
	c.session.TransportEndpoint = endpoint
	c.session.Relays = connected
	c.session.AuthToken = params.Secret
	c.session.SignerPubkey = params.SignerPubkey
	if c.session.Connected && c.session.ConnectedAt.IsZero() {
		c.session.ConnectedAt = c.clock.Now()
	}
	c.ready = make(chan struct{})
	c.readyOnce = &sync.Once{}
	if c.session.Connected {
		c.readyOnce.Do(func() { close(c.ready) })
	}
	c.mu.Unlock()

	unsub, err := c.transport.Subscribe(ctx, filters, c.handleEvent, connected...)
	if err != nil {
		return signer.E(signer.TransportUnreachable, "nip46.subscribe", err)
	}
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()

	c.log.Info("listening for signer",
		"relays", len(connected),
		"signer", nostr.ShortID(params.SignerPubkey),
		"resumed", resumed.Connected)
	return nil
}

// NostrConnectURI returns the rendezvous URI for the current connection
func (c *Client) NostrConnectURI() NostrConnectURI {
	s := c.Session()
	return NostrConnectURI{
		ClientPubkey: c.clientPubkey,
		Relays:       s.Relays,
		Secret:       s.AuthToken,
		Name:         c.cfg.ClientName,
		Perms:        c.cfg.Perms,
	}
}

// Authenticate completes the handshake and returns the user's public key.
// With a known signer a connect request is sent; otherwise the client waits
// for the signer to initiate contact.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	s := c.Session()
	if s.Usable() {
		return s.RemotePubkey, nil
	}
	if len(s.Relays) == 0 {
		return "", signer.Errorf(signer.NoSignerAvailable, "nip46.authenticate", "not connected")
	}

	if s.SignerPubkey != "" && !s.Connected {
		params := []string{s.SignerPubkey, s.AuthToken}
		if len(c.cfg.Perms) > 0 {
			params = append(params, strings.Join(c.cfg.Perms, ","))
		}
		raw, err := c.request(ctx, MethodConnect, params, nil)
		if err != nil {
			return "", err
		}
		result := replyString(raw)
		if result != "ack" && (s.AuthToken == "" || result != s.AuthToken) {
			return "", signer.Errorf(signer.ProtocolViolation, "nip46.connect", "unexpected connect reply %q", result)
		}
		c.markConnected(s.SignerPubkey)
	} else if err := c.waitReady(ctx); err != nil {
		return "", err
	}

	return c.GetPublicKey(ctx)
}

func (c *Client) waitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	timer := c.clock.Timer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return signer.Errorf(signer.Timeout, "nip46.authenticate", "signer did not connect within %s", c.cfg.RequestTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return signer.E(signer.Timeout, "nip46.authenticate", ctx.Err())
		}
		return signer.E(signer.ConnectionClosed, "nip46.authenticate", ctx.Err())
	}
}

// GetPublicKey returns the user's key, asking the signer only when unknown
func (c *Client) GetPublicKey(ctx context.Context) (string, error) {
	if pk := c.Session().RemotePubkey; pk != "" {
		return pk, nil
	}
	raw, err := c.request(ctx, MethodGetPublicKey, []string{}, nil)
	if err != nil {
		return "", err
	}
	pk, err := nostr.ParsePublicKey(replyString(raw))
	if err != nil {
		return "", signer.E(signer.ProtocolViolation, "nip46.get_public_key", err)
	}
	c.setRemotePubkey(pk)
	return pk, nil
}

// SignEvent asks the remote signer to sign tmpl
func (c *Client) SignEvent(ctx context.Context, tmpl types.UnsignedEvent) (*types.Event, error) {
	if !c.limiter.Allow() {
		return nil, signer.Errorf(signer.RateLimited, "nip46.sign_event", "sign rate limit of %g per second exceeded", float64(c.limiter.Limit()))
	}
	if tmpl.Tags == nil {
		tmpl.Tags = [][]string{}
	}
	pubkey, err := c.GetPublicKey(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(tmpl)
	if err != nil {
		return nil, signer.E(signer.ProtocolViolation, "nip46.sign_event", err)
	}
	raw, err := c.request(ctx, MethodSignEvent, []string{string(body)}, tmpl)
	if err != nil {
		return nil, err
	}

	var reply interface{}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, signer.E(signer.ProtocolViolation, "nip46.sign_event", err)
	}
	if evt, ok := signer.SignedEventFromReply(reply); ok {
		if evt.PubKey != pubkey {
			return nil, signer.Errorf(signer.ProtocolViolation, "nip46.sign_event",
				"signer returned event for %s, expected %s", nostr.ShortID(evt.PubKey), nostr.ShortID(pubkey))
		}
		assembled, err := signer.AssembleSignedEvent(tmpl, pubkey, evt.Sig, !c.cfg.SkipVerify)
		if err != nil {
			return nil, err
		}
		if assembled.ID != evt.ID {
			return nil, signer.Errorf(signer.ProtocolViolation, "nip46.sign_event", "signer altered the event (id %s)", nostr.ShortID(evt.ID))
		}
		return assembled, nil
	}

	sig, err := signer.NormalizeSignatureValue(reply)
	if err != nil {
		return nil, err
	}
	return signer.AssembleSignedEvent(tmpl, pubkey, sig, !c.cfg.SkipVerify)
}

// Ping checks the signer is answering
func (c *Client) Ping(ctx context.Context) error {
	raw, err := c.request(ctx, MethodPing, []string{}, nil)
	if err != nil {
		return err
	}
	if r := replyString(raw); r != "pong" {
		return signer.Errorf(signer.ProtocolViolation, "nip46.ping", "unexpected ping reply %q", r)
	}
	return nil
}

// IsConnected reports whether the session can sign
func (c *Client) IsConnected() bool {
	return c.Session().Usable()
}

// Pending returns the number of outstanding requests
func (c *Client) Pending() int {
	return c.pending.Len()
}

// Disconnect stops listening and fails every outstanding request
func (c *Client) Disconnect() {
	c.closeSubscription()
	if n := c.pending.RejectAll(signer.Errorf(signer.ConnectionClosed, "nip46.disconnect", "client disconnected")); n > 0 {
		c.log.Info("rejected pending requests on disconnect", "count", n)
	}
	c.transport.DisconnectAll()

	c.mu.Lock()
	c.session.Connected = false
	c.mu.Unlock()
}

func (c *Client) closeSubscription() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// request sends method to the signer and waits for the correlated reply
func (c *Client) request(ctx context.Context, method string, params []string, meta interface{}) (json.RawMessage, error) {
	op := "nip46." + method
	id := randomHex(8)

	req, err := c.pending.Register(id, signer.WaitOptions{
		Method:  method,
		Timeout: c.cfg.RequestTimeout,
		Meta:    meta,
	})
	if err != nil {
		return nil, signer.E(signer.ProtocolViolation, op, err)
	}

	body, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		c.pending.Reject(id, err)
		return nil, signer.E(signer.ProtocolViolation, op, err)
	}

	c.mu.Lock()
	target := c.session.SignerPubkey
	legacy := c.legacy
	c.mu.Unlock()
	if target == "" {
		// placeholder until the signer introduces itself
		target = c.clientPubkey
	}

	evt, err := c.seal(target, string(body), legacy)
	if err != nil {
		c.pending.Reject(id, err)
		return nil, signer.E(signer.ProtocolViolation, op, err)
	}

	if err := relay.PublishError(c.transport.Publish(ctx, *evt)); err != nil {
		c.pending.Reject(id, signer.E(signer.TransportUnreachable, op, err))
	} else {
		c.log.Debug("request sent", "method", method, "request_id", id, "signer", nostr.ShortID(target))
	}
	return req.Wait(ctx)
}

func (c *Client) seal(recipient, plaintext string, legacy bool) (*types.Event, error) {
	cipher, err := c.cipherFor(recipient)
	if err != nil {
		return nil, err
	}
	content, err := cipher.Encrypt(plaintext, legacy)
	if err != nil {
		return nil, err
	}
	return nostr.FinalizeEvent(c.clientSecret, types.UnsignedEvent{
		Kind:      KindNostrConnect,
		CreatedAt: c.clock.Now().Unix(),
		Tags:      [][]string{{"p", recipient}},
		Content:   content,
	})
}

func (c *Client) cipherFor(pubkey string) (*nip44.Cipher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cph, ok := c.ciphers[pubkey]; ok {
		return cph, nil
	}
	pub, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, err
	}
	cph, err := nip44.NewCipher(c.clientSecret, pub)
	if err != nil {
		return nil, err
	}
	c.ciphers[pubkey] = cph
	return cph, nil
}

// handleEvent processes one inbound kind 24133 event
func (c *Client) handleEvent(evt types.Event) {
	if seen, _ := c.seen.ContainsOrAdd(evt.ID, struct{}{}); seen {
		return
	}
	if evt.PubKey == c.clientPubkey {
		return
	}

	connectionOnly := false
	if !slices.Contains(evt.TagValues("p"), c.clientPubkey) {
		if c.cfg.Strict {
			c.log.Debug("dropping untagged event", "event_id", nostr.ShortID(evt.ID))
			return
		}
		connectionOnly = true
	}

	s := c.Session()
	if s.SignerPubkey != "" && evt.PubKey != s.SignerPubkey {
		c.log.Debug("dropping event from unexpected author", "author", nostr.ShortID(evt.PubKey))
		return
	}

	plaintext := evt.Content
	if cipher, err := c.cipherFor(evt.PubKey); err == nil {
		if pt, legacy, err := cipher.Decrypt(evt.Content); err == nil {
			plaintext = pt
			if legacy {
				c.mu.Lock()
				c.legacy = true
				c.mu.Unlock()
			}
		}
	}

	in := classify(plaintext)
	switch in.kind {
	case contentHeartbeat:
		c.log.Debug("heartbeat", "author", nostr.ShortID(evt.PubKey))

	case contentEnvelope:
		c.handleEnvelope(evt, in.resp, s, connectionOnly)

	case contentToken:
		c.handleToken(evt, in, s, connectionOnly)

	default:
		c.log.Debug("dropping unrecognised content", "event_id", nostr.ShortID(evt.ID))
	}
}

func (c *Client) handleEnvelope(evt types.Event, resp *Response, s Session, connectionOnly bool) {
	if !connectionOnly && c.pending.Has(resp.ID) {
		if s.SignerPubkey == "" {
			c.markConnected(evt.PubKey)
		}
		method, _ := c.pending.Method(resp.ID)
		op := "nip46." + method
		switch {
		case resp.Error != nil:
			c.pending.Reject(resp.ID, signer.E(signer.Rejected, op, resp.Error))
		case len(resp.Result) == 0 || string(resp.Result) == "null":
			c.pending.Reject(resp.ID, signer.E(signer.ProtocolViolation, op, errEmptyResult))
		default:
			c.pending.Resolve(resp.ID, resp.Result)
		}
		return
	}

	if s.SignerPubkey == "" && resp.Error == nil {
		result := replyString(resp.Result)
		if result == "ack" || (s.AuthToken != "" && result == s.AuthToken) {
			c.markConnected(evt.PubKey)
			return
		}
	}
	c.log.Debug("dropping unmatched reply", "request_id", resp.ID, "author", nostr.ShortID(evt.PubKey))
}

func (c *Client) handleToken(evt types.Event, in inbound, s Session, connectionOnly bool) {
	if s.SignerPubkey == "" && c.cfg.Strict {
		// strict rendezvous needs the secret echoed in an envelope first
		c.log.Debug("dropping token from unauthenticated author", "author", nostr.ShortID(evt.PubKey))
		return
	}
	if in.token != "" && len(in.token) == 64 && s.RemotePubkey == "" {
		pk, err := nostr.ParsePublicKey(in.token)
		if err != nil {
			c.log.Debug("dropping token that is not a public key", "error", err)
			return
		}
		if s.SignerPubkey == "" {
			c.markConnected(evt.PubKey)
		}
		c.setRemotePubkey(pk)
		if id, ok := c.pending.Oldest(MethodGetPublicKey); ok {
			c.pending.Resolve(id, in.raw)
		}
		return
	}
	if connectionOnly {
		return
	}
	if id, ok := c.pending.Oldest(MethodSignEvent); ok {
		c.pending.Resolve(id, in.raw)
		return
	}
	c.log.Debug("dropping signature with no pending sign request", "author", nostr.ShortID(evt.PubKey))
}

// markConnected records the signer key and wakes Authenticate
func (c *Client) markConnected(signerPubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.SignerPubkey == "" {
		c.session.SignerPubkey = signerPubkey
		c.log.Info("signer connected", "signer", nostr.ShortID(signerPubkey))
	}
	c.session.Connected = true
	if c.session.ConnectedAt.IsZero() {
		c.session.ConnectedAt = c.clock.Now()
	}
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Client) setRemotePubkey(pk string) {
	c.mu.Lock()
	c.session.RemotePubkey = pk
	c.session.Connected = true
	if c.session.ConnectedAt.IsZero() {
		c.session.ConnectedAt = c.clock.Now()
	}
	c.mu.Unlock()
}

// replyString returns a JSON string result, or the raw text otherwise
func replyString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
