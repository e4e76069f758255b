package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"nostr-signer/internal/cache"
	"nostr-signer/internal/config"
	"nostr-signer/internal/intent"
	"nostr-signer/internal/manager"
	"nostr-signer/internal/nip46"
	"nostr-signer/internal/nostr"
	"nostr-signer/internal/relay"
	"nostr-signer/internal/signer"
	"nostr-signer/internal/store"
)

const devHubURL = "memory://dev"

// app holds the wiring shared by the server and the one-shot commands
type app struct {
	cfg         *config.SignerConfig
	log         *slog.Logger
	backend     cache.Backend
	backendName string
	connections *store.KVConnectionStore
	manager     *manager.Manager

	devHub    *relay.Hub
	devBunker *nip46.Bunker
}

type appOptions struct {
	DevBunker bool
	Choice    string // overrides the configured choice
	User      string // overrides the configured user
}

func newApp(ctx context.Context, cfg *config.SignerConfig, opts appOptions) (*app, error) {
	log := slog.Default()
	backend, name, err := cache.Open(cache.Options{
		RedisURL:   cfg.RedisURL,
		BadgerPath: cfg.BadgerPath,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	cacheBackendType = name

	a := &app{cfg: cfg, log: log, backend: backend, backendName: name}
	if opts.DevBunker {
		if err := a.startDevBunker(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	choiceName := cfg.Choice
	if opts.Choice != "" {
		choiceName = opts.Choice
	}
	var choice signer.Kind
	if choiceName != "" {
		if choice, err = signer.ParseKind(choiceName); err != nil {
			a.Close()
			return nil, err
		}
	}

	user := cfg.User
	if opts.User != "" {
		user = opts.User
	}
	if user != "" {
		if user, err = nostr.ParsePublicKey(user); err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid user: %w", err)
		}
	}

	defaults := cache.DefaultConfig()
	ttl := defaults.ConnectionTTL
	if d := cfg.ConnectionTTL(); d > 0 {
		ttl = d
	}
	a.connections = store.NewConnectionStore(backend, ttl, store.WithLogger(log))
	a.manager = manager.New(manager.Config{
		User:        user,
		Choice:      choice,
		Connections: a.connections,
		Preferences: store.NewPreferenceStore(backend, defaults.PreferenceTTL, store.WithLogger(log)),
		Devices:     store.NewDeviceStore(backend, store.WithLogger(log)),
		Probe:       signer.NewProbe(signer.SecretKeyProbe(cfg.SecretKey)),
		NewRelay:    a.newRelayClient,
		NewIntent:   a.newIntentClient,
		OnSign:      recordSign,
		Logger:      log,
	})
	return a, nil
}

// startDevBunker runs a remote signer on an in-process relay so the relay
// flow can be exercised without network access
func (a *app) startDevBunker(ctx context.Context) error {
	userSecret, err := nostr.ParseSecretKey(a.cfg.SecretKey)
	if err != nil {
		if userSecret, err = nostr.GeneratePrivateKey(); err != nil {
			return err
		}
		a.log.Warn("dev bunker signing with a throwaway key")
	}
	a.devHub = relay.NewHub(devHubURL)
	b, err := nip46.NewBunker(relay.NewMemoryTransport(a.devHub), userSecret, nip46.BunkerConfig{Logger: a.log})
	if err != nil {
		return err
	}
	if err := b.Start(ctx, []string{devHubURL}); err != nil {
		return err
	}
	a.devBunker = b
	a.log.Info("dev bunker running", "url", b.URL(), "user_pubkey", nostr.ShortID(b.UserPubkey()))
	return nil
}

// newTransport returns the relay transport for one client
func (a *app) newTransport() relay.Transport {
	if a.devHub != nil {
		return relay.NewMemoryTransport(a.devHub)
	}
	return relay.NewPool(relay.WithLogger(a.log))
}

func (a *app) newRelayClient(clientSecret []byte) (*nip46.Client, error) {
	limit, burst := a.cfg.SignRateLimit()
	return nip46.New(a.newTransport(), nip46.Config{
		RequestTimeout: a.cfg.RequestTimeoutDuration(),
		Strict:         a.cfg.StrictReplies,
		SignLimit:      limit,
		SignBurst:      burst,
		ClientName:     a.cfg.ClientName,
		Perms:          a.cfg.Perms,
		ClientSecret:   clientSecret,
		Logger:         a.log,
	})
}

func (a *app) newIntentClient(devicePubkey string) (*intent.Client, error) {
	platform, err := intent.ParsePlatform(a.cfg.Platform)
	if err != nil {
		return nil, err
	}
	return intent.New(intent.Config{
		Scheme:         a.cfg.IntentScheme,
		CallbackURL:    a.cfg.CallbackURL,
		Platform:       platform,
		DesktopEnabled: a.cfg.DesktopIntents,
		DevicePubkey:   devicePubkey,
		OnWarning: func(requestID, method string) {
			intentWarningsTotal.Add(1)
		},
		Logger: a.log,
	})
}

// rendezvousEndpoint is the relay list a nostrconnect:// session listens on
func (a *app) rendezvousEndpoint() string {
	if a.devHub != nil {
		return devHubURL
	}
	return strings.Join(a.cfg.Relays, ",")
}

func (a *app) Close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.devBunker != nil {
		a.devBunker.Stop()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.log.Warn("closing store failed", "error", err)
		}
	}
}
