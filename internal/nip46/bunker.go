package nip46

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"nostr-signer/internal/nip44"
	"nostr-signer/internal/nostr"
	"nostr-signer/internal/relay"
	"nostr-signer/internal/types"
)

// BunkerConfig configures a Bunker
type BunkerConfig struct {
	Secret       string // required in connect requests when set
	SignerSecret []byte // key the bunker answers with; defaults to the user key
	Logger       *slog.Logger
}

// Bunker is a minimal remote signer holding the user's key. It backs the
// development endpoint and exercises the client in tests.
type Bunker struct {
	transport    relay.Transport
	userSecret   []byte
	userPubkey   string
	signerSecret []byte
	signerPubkey string
	secret       string
	log          *slog.Logger
	seen         *lru.Cache[string, struct{}]

	mu         sync.Mutex
	relays     []string
	authorized map[string]bool
	legacy     map[string]bool
	ciphers    map[string]*nip44.Cipher
	unsub      relay.Unsubscribe

	// respond rewrites the reply plaintext; returning "" suppresses it
	respond func(req Request, plaintext string) string
}

// NewBunker creates a bunker signing with userSecret
func NewBunker(transport relay.Transport, userSecret []byte, cfg BunkerConfig) (*Bunker, error) {
	userPubkey, err := nostr.GetPublicKeyHex(userSecret)
	if err != nil {
		return nil, err
	}
	signerSecret := cfg.SignerSecret
	if len(signerSecret) == 0 {
		signerSecret = userSecret
	}
	signerPubkey, err := nostr.GetPublicKeyHex(signerSecret)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Bunker{
		transport:    transport,
		userSecret:   userSecret,
		userPubkey:   userPubkey,
		signerSecret: signerSecret,
		signerPubkey: signerPubkey,
		secret:       cfg.Secret,
		log:          cfg.Logger.With("component", "bunker", "signer", nostr.ShortID(signerPubkey)),
		seen:         seen,
		authorized:   make(map[string]bool),
		legacy:       make(map[string]bool),
		ciphers:      make(map[string]*nip44.Cipher),
	}, nil
}

// SignerPubkey returns the key the bunker answers with
func (b *Bunker) SignerPubkey() string {
	return b.signerPubkey
}

// UserPubkey returns the identity the bunker signs for
func (b *Bunker) UserPubkey() string {
	return b.userPubkey
}

// Start connects to relays and listens for requests
func (b *Bunker) Start(ctx context.Context, relays []string) error {
	for _, u := range relays {
		if err := b.transport.Connect(ctx, u, types.RelayPerms{Read: true, Write: true}); err != nil {
			return fmt.Errorf("bunker connect %s: %w", u, err)
		}
	}
	since := time.Now().Add(-sinceSkew).Unix()
	unsub, err := b.transport.Subscribe(ctx, []types.Filter{{
		Kinds: []int{KindNostrConnect},
		PTags: []string{b.signerPubkey},
		Since: &since,
	}}, b.handleEvent, relays...)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.relays = relays
	b.unsub = unsub
	b.mu.Unlock()
	b.log.Info("bunker listening", "relays", len(relays))
	return nil
}

// URL returns the bunker:// connection string
func (b *Bunker) URL() string {
	b.mu.Lock()
	relays := b.relays
	b.mu.Unlock()
	u := url.URL{Scheme: "bunker", Host: b.signerPubkey}
	q := u.Query()
	for _, r := range relays {
		q.Add("relay", r)
	}
	if b.secret != "" {
		q.Set("secret", b.secret)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// AcceptNostrConnect answers a client-initiated nostrconnect:// URI
func (b *Bunker) AcceptNostrConnect(ctx context.Context, raw string) error {
	uri, err := ParseNostrConnectURI(raw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	started := b.unsub != nil
	b.mu.Unlock()
	if !started {
		if err := b.Start(ctx, uri.Relays); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.authorized[uri.ClientPubkey] = true
	b.mu.Unlock()

	result, _ := json.Marshal(uri.Secret)
	body, _ := json.Marshal(Response{ID: randomHex(8), Result: result})
	return b.send(ctx, uri.ClientPubkey, string(body), [][]string{{"p", uri.ClientPubkey}})
}

func (b *Bunker) setRespond(fn func(req Request, plaintext string) string) {
	b.mu.Lock()
	b.respond = fn
	b.mu.Unlock()
}

// Stop unsubscribes
func (b *Bunker) Stop() {
	b.mu.Lock()
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (b *Bunker) cipherFor(pubkey string) (*nip44.Cipher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.ciphers[pubkey]; ok {
		return c, nil
	}
	pub, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, err
	}
	c, err := nip44.NewCipher(b.signerSecret, pub)
	if err != nil {
		return nil, err
	}
	b.ciphers[pubkey] = c
	return c, nil
}

// send encrypts plaintext to recipient and publishes it with tags
func (b *Bunker) send(ctx context.Context, recipient, plaintext string, tags [][]string) error {
	cipher, err := b.cipherFor(recipient)
	if err != nil {
		return err
	}
	b.mu.Lock()
	legacy := b.legacy[recipient]
	b.mu.Unlock()
	content, err := cipher.Encrypt(plaintext, legacy)
	if err != nil {
		return err
	}
	evt, err := nostr.FinalizeEvent(b.signerSecret, types.UnsignedEvent{
		Kind:      KindNostrConnect,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
		Content:   content,
	})
	if err != nil {
		return err
	}
	return relay.PublishError(b.transport.Publish(ctx, *evt))
}

func (b *Bunker) handleEvent(evt types.Event) {
	if seen, _ := b.seen.ContainsOrAdd(evt.ID, struct{}{}); seen || evt.PubKey == b.signerPubkey {
		return
	}
	cipher, err := b.cipherFor(evt.PubKey)
	if err != nil {
		return
	}
	plaintext, legacy, err := cipher.Decrypt(evt.Content)
	if err != nil {
		b.log.Debug("undecryptable request", "client", nostr.ShortID(evt.PubKey), "error", err)
		return
	}
	var req Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil || req.ID == "" {
		return
	}
	b.mu.Lock()
	b.legacy[evt.PubKey] = legacy
	b.mu.Unlock()

	resp := b.dispatch(evt.PubKey, req)
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	out := string(body)
	b.mu.Lock()
	respond := b.respond
	b.mu.Unlock()
	if respond != nil {
		if out = respond(req, out); out == "" {
			return
		}
	}
	if err := b.send(context.Background(), evt.PubKey, out, [][]string{{"p", evt.PubKey}}); err != nil {
		b.log.Warn("reply failed", "method", req.Method, "error", err)
	}
}

func (b *Bunker) dispatch(client string, req Request) Response {
	resp := Response{ID: req.ID}
	result, err := b.handle(client, req)
	if err != nil {
		resp.Error = &ResponseError{Message: err.Error()}
		return resp
	}
	resp.Result, _ = json.Marshal(result)
	return resp
}

func (b *Bunker) handle(client string, req Request) (string, error) {
	b.mu.Lock()
	authorized := b.authorized[client]
	b.mu.Unlock()

	switch req.Method {
	case MethodConnect:
		if b.secret != "" && (len(req.Params) < 2 || req.Params[1] != b.secret) {
			return "", errors.New("invalid secret")
		}
		b.mu.Lock()
		b.authorized[client] = true
		b.mu.Unlock()
		b.log.Info("client authorized", "client", nostr.ShortID(client))
		return "ack", nil

	case MethodPing:
		return "pong", nil

	case MethodGetPublicKey:
		if !authorized {
			return "", errors.New("unauthorized")
		}
		return b.userPubkey, nil

	case MethodSignEvent:
		if !authorized {
			return "", errors.New("unauthorized")
		}
		if len(req.Params) == 0 {
			return "", errors.New("missing event")
		}
		var tmpl types.UnsignedEvent
		if err := json.Unmarshal([]byte(req.Params[0]), &tmpl); err != nil {
			return "", fmt.Errorf("invalid event: %w", err)
		}
		if tmpl.Tags == nil {
			tmpl.Tags = [][]string{}
		}
		evt, err := nostr.FinalizeEvent(b.userSecret, tmpl)
		if err != nil {
			return "", err
		}
		signed, err := json.Marshal(evt)
		if err != nil {
			return "", err
		}
		return string(signed), nil
	}
	return "", fmt.Errorf("unsupported method %s", req.Method)
}
