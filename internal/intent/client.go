package intent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"nostr-signer/internal/nostr"
	"nostr-signer/internal/signer"
	"nostr-signer/internal/types"
)

// Timeout ladder for a request waiting on the companion app
const (
	DefaultWarnAfter = 30 * time.Second
	DefaultTimeout   = 90 * time.Second
)

// Config tunes a Client
type Config struct {
	Scheme         string // defaults to DefaultScheme
	CallbackURL    string // where the companion app redirects back to
	Platform       Platform
	DesktopEnabled bool
	WarnAfter      time.Duration
	Timeout        time.Duration
	SkipVerify     bool
	// DevicePubkey addresses requests before the user's key is known
	DevicePubkey string
	OnWarning    func(requestID, method string)
	Launcher     Launcher
	Clock        clock.Clock
	Logger       *slog.Logger
}

// pendingMeta is kept with each request so a first reply carrying only a
// pubkey and a signature can be assembled into a full event
type pendingMeta struct {
	tmpl *types.UnsignedEvent
}

// Client signs through a companion app
type Client struct {
	cfg     Config
	log     *slog.Logger
	pending *signer.Pending[Callback]

	mu        sync.Mutex
	pubkey    string
	connected bool
}

var _ signer.Signer = (*Client)(nil)

// New creates a client
func New(cfg Config) (*Client, error) {
	if cfg.CallbackURL == "" {
		return nil, errors.New("intent: callback URL is required")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = DefaultScheme
	}
	if cfg.Platform == "" {
		cfg.Platform = DetectPlatform()
	}
	if cfg.WarnAfter == 0 {
		cfg.WarnAfter = DefaultWarnAfter
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Launcher == nil {
		cfg.Launcher = DefaultLauncher(cfg.Platform)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "intent", "platform", string(cfg.Platform)),
		pending: signer.NewPending[Callback]("intent", cfg.Clock),
	}, nil
}

// Supported reports whether the platform can host intents
func (c *Client) Supported() bool {
	return c.cfg.Platform.SupportsIntents(c.cfg.DesktopEnabled)
}

// Platform returns the configured platform
func (c *Client) Platform() Platform {
	return c.cfg.Platform
}

// GetPublicKey returns the user's key, asking the companion app when unknown
func (c *Client) GetPublicKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	pk := c.pubkey
	c.mu.Unlock()
	if pk != "" {
		return pk, nil
	}

	params := []string{}
	if c.cfg.DevicePubkey != "" {
		params = append(params, c.cfg.DevicePubkey)
	}
	cb, err := c.dispatch(ctx, TypeGetPublicKey, params, nil)
	if err != nil {
		return "", err
	}
	raw := cb.Pubkey
	if raw == "" {
		raw = cb.Signature
	}
	pk, err = nostr.ParsePublicKey(raw)
	if err != nil {
		return "", signer.E(signer.ProtocolViolation, "intent.get_public_key", err)
	}
	c.setPubkey(pk)
	return pk, nil
}

// SignEvent asks the companion app to sign tmpl. The first reply may carry
// the pubkey alongside the signature.
func (c *Client) SignEvent(ctx context.Context, tmpl types.UnsignedEvent) (*types.Event, error) {
	const op = "intent.sign_event"
	if tmpl.Tags == nil {
		tmpl.Tags = [][]string{}
	}

	c.mu.Lock()
	known := c.pubkey
	c.mu.Unlock()
	author := known
	if author == "" {
		author = c.cfg.DevicePubkey
	}

	body, err := json.Marshal(struct {
		types.UnsignedEvent
		PubKey string `json:"pubkey,omitempty"`
	}{tmpl, author})
	if err != nil {
		return nil, signer.E(signer.ProtocolViolation, op, err)
	}

	cb, err := c.dispatch(ctx, TypeSignEvent, []string{string(body)}, &pendingMeta{tmpl: &tmpl})
	if err != nil {
		return nil, err
	}

	sig, err := signer.NormalizeSignatureValue(cb.Signature)
	if err != nil {
		return nil, err
	}

	pubkey := known
	if cb.Pubkey != "" {
		reported, err := nostr.ParsePublicKey(cb.Pubkey)
		if err != nil {
			return nil, signer.E(signer.ProtocolViolation, op, err)
		}
		if known != "" && reported != known {
			return nil, signer.Errorf(signer.ProtocolViolation, op,
				"signer answered as %s, expected %s", nostr.ShortID(reported), nostr.ShortID(known))
		}
		pubkey = reported
	}
	if pubkey == "" {
		return nil, signer.Errorf(signer.ProtocolViolation, op, "first signature arrived without a pubkey")
	}

	evt, err := signer.AssembleSignedEvent(tmpl, pubkey, sig, !c.cfg.SkipVerify)
	if err != nil {
		return nil, err
	}
	if known == "" {
		c.setPubkey(pubkey)
	}
	return evt, nil
}

func (c *Client) setPubkey(pk string) {
	c.mu.Lock()
	c.pubkey = pk
	c.connected = true
	c.mu.Unlock()
	c.log.Info("companion signer connected", "pubkey", nostr.ShortID(pk))
}

// dispatch fires one intent and waits for its callback
func (c *Client) dispatch(ctx context.Context, method string, params []string, meta *pendingMeta) (Callback, error) {
	op := "intent." + method
	if !c.Supported() {
		return Callback{}, signer.Errorf(signer.UnsupportedPlatform, op, "%s cannot open %s: intents", c.cfg.Platform, c.cfg.Scheme)
	}

	id := uuid.NewString()
	target, err := BuildRequestURL(c.cfg.Scheme, c.cfg.CallbackURL, Envelope{ID: id, Method: method, Params: params})
	if err != nil {
		return Callback{}, signer.E(signer.ProtocolViolation, op, err)
	}

	req, err := c.pending.Register(id, signer.WaitOptions{
		Method:    method,
		Timeout:   c.cfg.Timeout,
		WarnAfter: c.cfg.WarnAfter,
		OnWarning: c.warn,
		Meta:      meta,
	})
	if err != nil {
		return Callback{}, signer.E(signer.ProtocolViolation, op, err)
	}

	if err := c.cfg.Launcher.Launch(ctx, target); err != nil {
		c.pending.Reject(id, signer.E(signer.TransportUnreachable, op, err))
	} else {
		c.log.Debug("intent launched", "method", method, "request_id", id)
	}

	cb, err := req.Wait(ctx)
	if err != nil {
		return Callback{}, err
	}
	if cb.Error != "" {
		return Callback{}, signer.Errorf(signer.Rejected, op, "companion app: %s", cb.Error)
	}
	return cb, nil
}

func (c *Client) warn(id string) {
	method, _ := c.pending.Method(id)
	attrs := []any{"request_id", id, "method", method, "after", c.cfg.WarnAfter}
	if meta, ok := c.pending.Meta(id); ok {
		if m, _ := meta.(*pendingMeta); m != nil && m.tmpl != nil {
			attrs = append(attrs, "event_kind", m.tmpl.Kind)
		}
	}
	c.log.Warn("still waiting for companion app", attrs...)
	if c.cfg.OnWarning != nil {
		c.cfg.OnWarning(id, method)
	}
}

// HandleCallback completes the request cb answers. It returns false when no
// such request is pending, so repeated deliveries are harmless.
func (c *Client) HandleCallback(cb Callback) bool {
	if cb.RequestID == "" {
		return false
	}
	handled := c.pending.Resolve(cb.RequestID, cb)
	if !handled {
		c.log.Debug("ignoring callback for unknown request", "request_id", cb.RequestID)
	}
	return handled
}

// HandleCallbackURL parses raw and hands it to HandleCallback
func (c *Client) HandleCallbackURL(raw string) bool {
	cb, err := ParseCallbackURL(raw)
	if err != nil {
		c.log.Debug("invalid callback URL", "error", err)
		return false
	}
	return c.HandleCallback(cb)
}

// ServeHTTP receives callbacks redirected to the registered callback path
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid callback", http.StatusBadRequest)
		return
	}
	cb := ParseCallbackValues(r.Form)
	if cb.RequestID == "" {
		http.Error(w, "missing requestId", http.StatusBadRequest)
		return
	}
	if !c.HandleCallback(cb) {
		http.Error(w, "unknown or completed request", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("signer reply received, you can return to the app\n"))
}

// IsConnected reports whether the user's key is known this session
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.pubkey != ""
}

// Pending returns the number of outstanding intents
func (c *Client) Pending() int {
	return c.pending.Len()
}

// Disconnect forgets the session and fails every outstanding intent
func (c *Client) Disconnect() {
	if n := c.pending.RejectAll(signer.Errorf(signer.ConnectionClosed, "intent.disconnect", "client disconnected")); n > 0 {
		c.log.Info("rejected pending intents on disconnect", "count", n)
	}
	c.mu.Lock()
	c.connected = false
	c.pubkey = ""
	c.mu.Unlock()
}
