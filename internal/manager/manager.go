// Package manager selects one signing backend out of an in-process key, a
// companion app reached through intents and a remote signer reached through
// relays, and presents them behind a single signer surface.
package manager

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"nostr-signer/internal/intent"
	"nostr-signer/internal/nip46"
	"nostr-signer/internal/nostr"
	"nostr-signer/internal/signer"
	"nostr-signer/internal/store"
	"nostr-signer/internal/types"
)

// ErrRequiresInteractiveReconnect is reported when the chosen backend is the
// companion app, which is never restored without the user
var ErrRequiresInteractiveReconnect = errors.New("intent signer requires interactive reconnect")

// ErrNoConnectionFound is reported when a remote signer was chosen but no
// session is stored for the current user
var ErrNoConnectionFound = errors.New("no connection found")

const defaultDevice = "default"

// RelayClientFactory builds a remote signer client; clientSecret is nil for
// a fresh session
type RelayClientFactory func(clientSecret []byte) (*nip46.Client, error)

// IntentClientFactory builds a companion app client addressed from devicePubkey
type IntentClientFactory func(devicePubkey string) (*intent.Client, error)

// Config wires a Manager
type Config struct {
	User        string      // current identity, may be empty
	Choice      signer.Kind // explicit login choice, zero for none
	Connections store.ConnectionStore
	Preferences *store.PreferenceStore
	Devices     *store.DeviceStore
	Probe       *signer.Probe
	NewRelay    RelayClientFactory
	NewIntent   IntentClientFactory
	// OnSign observes every sign attempt routed through the manager
	OnSign func(kind signer.Kind, err error)
	Logger *slog.Logger
}

// Manager owns the active backend
type Manager struct {
	cfg   Config
	log   *slog.Logger
	group singleflight.Group

	mu      sync.Mutex
	user    string
	choice  signer.Kind
	active  signer.Kind
	local   signer.Signer
	relay   *nip46.Client
	intent  *intent.Client
	device  *store.DeviceIdentity
	initErr error
}

// New creates a manager; call Initialize before use
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "signer_manager"),
		user:   cfg.User,
		choice: cfg.Choice,
	}
}

// Initialize runs backend selection. Concurrent calls share one run.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err, shared := m.group.Do("init", func() (interface{}, error) {
		err := m.initialize(ctx)
		m.mu.Lock()
		m.initErr = err
		m.mu.Unlock()
		return nil, err
	})
	if shared {
		m.log.Debug("joined in-flight initialization")
	}
	return err
}

// Reinitialize reruns selection, keeping live clients
func (m *Manager) Reinitialize(ctx context.Context) error {
	return m.Initialize(ctx)
}

func (m *Manager) initialize(ctx context.Context) error {
	m.mu.Lock()
	user, choice := m.user, m.choice
	m.mu.Unlock()

	explicit := choice.Valid()
	if !explicit {
		choice = m.rememberedChoice(ctx, user)
	}
	m.log.Info("selecting signer", "user", nostr.ShortID(user), "choice", choice.String(), "explicit", explicit)

	switch choice {
	case signer.RelayRemote:
		ok, err := m.restoreRelay(ctx)
		if ok {
			m.activate(ctx, signer.RelayRemote)
			return nil
		}
		if err != nil {
			m.log.Warn("remote signer session not restored", "error", err)
		}
		if explicit {
			// a remote choice never probes the in-process signer
			if m.activateFirst(ctx, false, signer.RelayRemote) {
				return nil
			}
			m.deactivate()
			if err == nil {
				return signer.E(signer.NoSignerAvailable, "manager.init", ErrNoConnectionFound)
			}
			return classify("manager.init", err)
		}

	case signer.InProcess:
		if s, ok := m.resolveLocal(ctx); ok {
			m.setLocal(s)
			m.activate(ctx, signer.InProcess)
			return nil
		}

	case signer.IntentCallback:
		if explicit {
			if c := m.intentClient(ctx); c != nil && c.IsConnected() {
				m.activate(ctx, signer.IntentCallback)
				return nil
			}
			if !m.intentSupported(ctx) {
				if ok, _ := m.restoreRelay(ctx); ok {
					m.log.Info("platform cannot host intents, using stored remote signer session")
					m.activate(ctx, signer.RelayRemote)
					return nil
				}
			}
			m.deactivate()
			return ErrRequiresInteractiveReconnect
		}
	}

	allowLocal := !(explicit && choice != signer.InProcess)
	if m.activateFirst(ctx, allowLocal, 0) {
		return nil
	}
	m.deactivate()
	m.log.Info("no signer available")
	return nil
}

// activateFirst walks the priority order and activates the first live
// backend, skipping skip and the in-process probe unless allowLocal
func (m *Manager) activateFirst(ctx context.Context, allowLocal bool, skip signer.Kind) bool {
	for _, kind := range signer.Priority {
		if kind == skip {
			continue
		}
		switch kind {
		case signer.InProcess:
			if !allowLocal {
				continue
			}
			if s, ok := m.resolveLocal(ctx); ok {
				m.setLocal(s)
				m.activate(ctx, kind)
				return true
			}
		case signer.IntentCallback:
			m.mu.Lock()
			c := m.intent
			m.mu.Unlock()
			if c != nil && c.IsConnected() {
				m.activate(ctx, kind)
				return true
			}
		case signer.RelayRemote:
			if ok, err := m.restoreRelay(ctx); ok {
				m.activate(ctx, kind)
				return true
			} else if err != nil {
				m.log.Debug("remote signer fallback unavailable", "error", err)
			}
		}
	}
	return false
}

func (m *Manager) rememberedChoice(ctx context.Context, user string) signer.Kind {
	if m.cfg.Preferences == nil {
		return 0
	}
	kind, ok, err := m.cfg.Preferences.Get(ctx, user, m.deviceID(ctx))
	if err != nil {
		m.log.Warn("failed to read signer preference", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	return kind
}

// restoreRelay reattaches the stored session of the current user
func (m *Manager) restoreRelay(ctx context.Context) (bool, error) {
	m.mu.Lock()
	live := m.relay
	user := m.user
	m.mu.Unlock()
	if live != nil && live.IsConnected() {
		return true, nil
	}
	if m.cfg.Connections == nil || m.cfg.NewRelay == nil {
		return false, nil
	}

	rec, err := m.cfg.Connections.Load(ctx, user)
	if err != nil || rec == nil {
		return false, err
	}

	var secret []byte
	if rec.ClientSecret != "" {
		if secret, err = hex.DecodeString(rec.ClientSecret); err != nil {
			return false, signer.E(signer.ProtocolViolation, "manager.restore", err)
		}
	}
	client, err := m.cfg.NewRelay(secret)
	if err != nil {
		return false, err
	}

	if secret != nil && rec.SignerPubkey != "" {
		err = client.Resume(ctx, nip46.Session{
			TransportEndpoint: rec.TransportEndpoint,
			Relays:            rec.Relays,
			AuthToken:         rec.AuthToken,
			RemotePubkey:      rec.RemotePubkey,
			SignerPubkey:      rec.SignerPubkey,
		})
	} else {
		err = client.Connect(ctx, rec.TransportEndpoint, rec.AuthToken)
		if err == nil {
			var pk string
			if pk, err = client.Authenticate(ctx); err == nil && pk != rec.RemotePubkey {
				err = signer.Errorf(signer.IdentityMismatch, "manager.restore",
					"signer answered as %s, session belongs to %s", nostr.ShortID(pk), nostr.ShortID(rec.RemotePubkey))
			}
		}
	}
	if err != nil {
		client.Disconnect()
		return false, err
	}

	m.mu.Lock()
	old := m.relay
	m.relay = client
	if m.user == "" {
		m.user = rec.RemotePubkey
	}
	m.mu.Unlock()
	if old != nil && old != client {
		old.Disconnect()
	}
	m.log.Info("remote signer session restored", "remote_pubkey", nostr.ShortID(rec.RemotePubkey))
	return true, nil
}

// resolveLocal probes the in-process signer and accepts it only when its key
// is the current user's
func (m *Manager) resolveLocal(ctx context.Context) (signer.Signer, bool) {
	s, ok := m.cfg.Probe.Resolve(ctx)
	if !ok {
		return nil, false
	}
	if user := m.User(); user != "" {
		pk, err := s.GetPublicKey(ctx)
		if err != nil || pk != user {
			m.log.Debug("in-process key belongs to another identity", "user", nostr.ShortID(user))
			return nil, false
		}
	}
	return s, true
}

func (m *Manager) setLocal(s signer.Signer) {
	m.mu.Lock()
	m.local = s
	m.mu.Unlock()
}

func (m *Manager) activate(ctx context.Context, kind signer.Kind) {
	m.mu.Lock()
	prev := m.active
	m.active = kind
	m.mu.Unlock()
	if prev != kind {
		m.log.Info("signer activated", "kind", kind.String(), "previous", prev.String())
	}
	if kind != signer.InProcess {
		m.rememberKind(ctx, kind)
	}
}

func (m *Manager) deactivate() {
	m.mu.Lock()
	m.active = 0
	m.mu.Unlock()
}

func (m *Manager) rememberKind(ctx context.Context, kind signer.Kind) {
	if m.cfg.Preferences == nil {
		return
	}
	m.mu.Lock()
	user := m.user
	m.mu.Unlock()
	if user == "" {
		return
	}
	if err := m.cfg.Preferences.Set(ctx, user, m.deviceID(ctx), kind); err != nil {
		m.log.Warn("failed to store signer preference", "error", err)
	}
}

func (m *Manager) deviceIdentity(ctx context.Context) *store.DeviceIdentity {
	m.mu.Lock()
	d := m.device
	m.mu.Unlock()
	if d != nil || m.cfg.Devices == nil {
		return d
	}
	d, err := m.cfg.Devices.LoadOrCreate(ctx)
	if err != nil {
		m.log.Warn("device identity unavailable", "error", err)
		return nil
	}
	m.mu.Lock()
	m.device = d
	m.mu.Unlock()
	return d
}

func (m *Manager) deviceID(ctx context.Context) string {
	if d := m.deviceIdentity(ctx); d != nil {
		return d.ID
	}
	return defaultDevice
}

// intentClient returns the companion app client, building it on first use
func (m *Manager) intentClient(ctx context.Context) *intent.Client {
	m.mu.Lock()
	c := m.intent
	m.mu.Unlock()
	if c != nil || m.cfg.NewIntent == nil {
		return c
	}
	var devicePubkey string
	if d := m.deviceIdentity(ctx); d != nil {
		devicePubkey = d.PubKey
	}
	c, err := m.cfg.NewIntent(devicePubkey)
	if err != nil {
		m.log.Warn("intent client unavailable", "error", err)
		return nil
	}
	m.mu.Lock()
	if m.intent == nil {
		m.intent = c
	}
	c = m.intent
	m.mu.Unlock()
	return c
}

func (m *Manager) intentSupported(ctx context.Context) bool {
	c := m.intentClient(ctx)
	return c != nil && c.Supported()
}

// current returns the active backend
func (m *Manager) current() (signer.Kind, signer.Signer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.active {
	case signer.InProcess:
		if m.local != nil {
			return m.active, m.local
		}
	case signer.RelayRemote:
		if m.relay != nil {
			return m.active, m.relay
		}
	case signer.IntentCallback:
		if m.intent != nil {
			return m.active, m.intent
		}
	}
	return 0, nil
}

// IsAvailable reports whether an active backend can sign
func (m *Manager) IsAvailable() bool {
	_, s := m.current()
	return s != nil && s.IsConnected()
}

// SignerKind returns the active backend
func (m *Manager) SignerKind() (signer.Kind, bool) {
	kind, s := m.current()
	return kind, s != nil
}

// LastError returns the outcome of the most recent initialization
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initErr
}

// User returns the current identity
func (m *Manager) User() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// Choice returns the explicit backend choice
func (m *Manager) Choice() signer.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.choice
}

// Session returns the remote signer session, if a client exists
func (m *Manager) Session() (nip46.Session, bool) {
	m.mu.Lock()
	c := m.relay
	m.mu.Unlock()
	if c == nil {
		return nip46.Session{}, false
	}
	return c.Session(), true
}

// IntentHandler returns the companion app client for callback routing
func (m *Manager) IntentHandler(ctx context.Context) *intent.Client {
	return m.intentClient(ctx)
}

// GetPublicKey returns the user's key from the active backend
func (m *Manager) GetPublicKey(ctx context.Context) (string, error) {
	const op = "manager.get_public_key"
	kind, s := m.current()
	if s == nil {
		return "", signer.Errorf(signer.NoSignerAvailable, op, "no signer available")
	}
	pk, err := s.GetPublicKey(ctx)
	if err != nil {
		return "", classify(op, err)
	}
	if kind != signer.InProcess {
		m.rememberKind(ctx, kind)
	}
	return pk, nil
}

// SignEvent signs tmpl with the active backend
func (m *Manager) SignEvent(ctx context.Context, tmpl types.UnsignedEvent) (*types.Event, error) {
	const op = "manager.sign_event"
	kind, s := m.current()
	if s == nil {
		err := signer.Errorf(signer.NoSignerAvailable, op, "no signer available")
		m.observe(0, err)
		return nil, err
	}
	evt, err := s.SignEvent(ctx, tmpl)
	if err != nil {
		err = classify(op, err)
		m.observe(kind, err)
		return nil, err
	}
	m.observe(kind, nil)
	if kind != signer.InProcess {
		m.rememberKind(ctx, kind)
	}
	return evt, nil
}

func (m *Manager) observe(kind signer.Kind, err error) {
	if m.cfg.OnSign != nil {
		m.cfg.OnSign(kind, err)
	}
}

// classify keeps taxonomy errors and files anything else as a transport failure
func classify(op string, err error) error {
	code := signer.CodeOf(err)
	if code == signer.CodeUnknown {
		code = signer.TransportUnreachable
	}
	return signer.E(code, op, err)
}

// PendingConnection is a remote signer handshake waiting to complete
type PendingConnection struct {
	m      *Manager
	client *nip46.Client
}

// URI returns the nostrconnect:// URI the signer app scans
func (p *PendingConnection) URI() nip46.NostrConnectURI {
	return p.client.NostrConnectURI()
}

// Complete waits for the handshake, persists the session and activates it
func (p *PendingConnection) Complete(ctx context.Context) (string, error) {
	const op = "manager.connect_relay_remote"
	m := p.m
	pk, err := p.client.Authenticate(ctx)
	if err != nil {
		p.client.Disconnect()
		return "", classify(op, err)
	}

	m.mu.Lock()
	user := m.user
	m.mu.Unlock()
	if user != "" && pk != user {
		p.client.Disconnect()
		return "", signer.Errorf(signer.IdentityMismatch, op,
			"signer answered as %s, logged in as %s", nostr.ShortID(pk), nostr.ShortID(user))
	}

	if m.cfg.Connections != nil {
		s := p.client.Session()
		rec := &store.ConnectionRecord{
			TransportEndpoint: s.TransportEndpoint,
			Relays:            s.Relays,
			AuthToken:         s.AuthToken,
			RemotePubkey:      pk,
			SignerPubkey:      s.SignerPubkey,
			ClientSecret:      p.client.ClientSecretHex(),
			ConnectedAt:       s.ConnectedAt.Unix(),
		}
		if err := m.cfg.Connections.Save(ctx, rec); err != nil {
			m.log.Warn("failed to persist remote signer session", "error", err)
		}
	}

	m.mu.Lock()
	m.user = pk
	m.choice = signer.RelayRemote
	m.mu.Unlock()
	m.SetRelayRemoteSigner(ctx, p.client)
	return pk, nil
}

// Cancel abandons the handshake
func (p *PendingConnection) Cancel() {
	p.client.Disconnect()
}

// BeginRelayRemote opens the relays of endpoint and returns the pending
// handshake. Relay-only endpoints wait for the signer to scan URI().
func (m *Manager) BeginRelayRemote(ctx context.Context, endpoint, token string) (*PendingConnection, error) {
	const op = "manager.connect_relay_remote"
	if m.cfg.NewRelay == nil {
		return nil, signer.Errorf(signer.NoSignerAvailable, op, "remote signing is not configured")
	}
	client, err := m.cfg.NewRelay(nil)
	if err != nil {
		return nil, classify(op, err)
	}
	if err := client.Connect(ctx, endpoint, token); err != nil {
		client.Disconnect()
		return nil, classify(op, err)
	}
	return &PendingConnection{m: m, client: client}, nil
}

// ConnectRelayRemote connects, authenticates and persists a remote signer session
func (m *Manager) ConnectRelayRemote(ctx context.Context, endpoint, token string) (string, error) {
	p, err := m.BeginRelayRemote(ctx, endpoint, token)
	if err != nil {
		return "", err
	}
	return p.Complete(ctx)
}

// ConnectIntentCallback asks the companion app for the user's key and
// activates it
func (m *Manager) ConnectIntentCallback(ctx context.Context) (string, error) {
	const op = "manager.connect_intent"
	c := m.intentClient(ctx)
	if c == nil {
		return "", signer.Errorf(signer.NoSignerAvailable, op, "intent signing is not configured")
	}
	if !c.Supported() {
		return "", signer.Errorf(signer.UnsupportedPlatform, op, "unsupported platform, use relay-remote instead")
	}
	pk, err := c.GetPublicKey(ctx)
	if err != nil {
		return "", classify(op, err)
	}

	m.mu.Lock()
	user := m.user
	m.mu.Unlock()
	if user != "" && pk != user {
		c.Disconnect()
		return "", signer.Errorf(signer.IdentityMismatch, op,
			"companion app answered as %s, logged in as %s", nostr.ShortID(pk), nostr.ShortID(user))
	}

	m.mu.Lock()
	m.user = pk
	m.choice = signer.IntentCallback
	m.mu.Unlock()
	m.SetIntentCallbackSigner(ctx, c)
	return pk, nil
}

// SetRelayRemoteSigner installs a connected remote signer client
func (m *Manager) SetRelayRemoteSigner(ctx context.Context, c *nip46.Client) {
	m.mu.Lock()
	old := m.relay
	m.relay = c
	m.mu.Unlock()
	if old != nil && old != c {
		old.Disconnect()
	}
	m.switchTo(ctx, signer.RelayRemote)
}

// SetIntentCallbackSigner installs a connected companion app client
func (m *Manager) SetIntentCallbackSigner(ctx context.Context, c *intent.Client) {
	m.mu.Lock()
	old := m.intent
	m.intent = c
	m.mu.Unlock()
	if old != nil && old != c {
		old.Disconnect()
	}
	m.switchTo(ctx, signer.IntentCallback)
}

// switchTo activates a newly available backend unless a live backend of
// higher priority is active and the user did not choose the new one
func (m *Manager) switchTo(ctx context.Context, kind signer.Kind) {
	m.mu.Lock()
	choice := m.choice
	m.mu.Unlock()

	current, s := m.current()
	if choice != kind && s != nil && s.IsConnected() && priorityOf(current) < priorityOf(kind) {
		m.log.Info("keeping active signer", "active", current.String(), "available", kind.String())
		return
	}
	m.activate(ctx, kind)
}

func priorityOf(kind signer.Kind) int {
	for i, k := range signer.Priority {
		if k == kind {
			return i
		}
	}
	return len(signer.Priority)
}

// Disconnect tears down one backend and falls back to the next available one.
// Disconnecting the remote signer also forgets its stored session.
func (m *Manager) Disconnect(ctx context.Context, kind signer.Kind) error {
	var err error
	m.mu.Lock()
	switch kind {
	case signer.RelayRemote:
		c := m.relay
		m.relay = nil
		m.mu.Unlock()
		if c != nil {
			remote := c.Session().RemotePubkey
			c.Disconnect()
			if remote != "" && m.cfg.Connections != nil {
				err = m.cfg.Connections.Delete(ctx, remote)
			}
		}
	case signer.IntentCallback:
		c := m.intent
		m.intent = nil
		m.mu.Unlock()
		if c != nil {
			c.Disconnect()
		}
	case signer.InProcess:
		s := m.local
		m.local = nil
		m.mu.Unlock()
		if s != nil {
			s.Disconnect()
		}
	default:
		m.mu.Unlock()
		return signer.Errorf(signer.NoSignerAvailable, "manager.disconnect", "unknown signer kind %d", kind)
	}

	m.mu.Lock()
	wasActive := m.active == kind
	choice := m.choice
	if wasActive {
		m.active = 0
	}
	m.mu.Unlock()
	m.log.Info("signer disconnected", "kind", kind.String())

	if wasActive {
		allowLocal := !(choice.Valid() && choice != signer.InProcess)
		if kind == signer.InProcess {
			allowLocal = false
		}
		if !m.activateFirst(ctx, allowLocal, kind) {
			m.log.Info("no fallback signer available")
		}
	}
	return err
}

// SetUser switches the current identity and reruns selection. Clients bound
// to another identity are closed; their stored sessions are kept until a
// load finds them stale.
func (m *Manager) SetUser(ctx context.Context, pubkey string) error {
	m.mu.Lock()
	if pubkey == m.user {
		m.mu.Unlock()
		return nil
	}
	m.user = pubkey
	m.active = 0
	relayClient := m.relay
	if relayClient != nil && relayClient.Session().RemotePubkey != pubkey {
		m.relay = nil
	} else {
		relayClient = nil
	}
	intentClient := m.intent
	m.intent = nil
	// the probed key is kept for a later switch back; selection rechecks it
	m.local = nil
	m.mu.Unlock()

	if relayClient != nil {
		relayClient.Disconnect()
	}
	if intentClient != nil {
		intentClient.Disconnect()
	}
	m.log.Info("user switched", "user", nostr.ShortID(pubkey))
	return m.Reinitialize(ctx)
}

// SetChoice records an explicit backend choice; zero clears it
func (m *Manager) SetChoice(kind signer.Kind) {
	m.mu.Lock()
	m.choice = kind
	m.mu.Unlock()
}

// Close disconnects every client and keeps stored sessions
func (m *Manager) Close() {
	m.mu.Lock()
	relayClient, intentClient, local := m.relay, m.intent, m.local
	m.relay, m.intent, m.local = nil, nil, nil
	m.active = 0
	m.mu.Unlock()

	if relayClient != nil {
		relayClient.Disconnect()
	}
	if intentClient != nil {
		intentClient.Disconnect()
	}
	if local != nil {
		local.Disconnect()
	}
}
