// Package nip46 implements a NIP-46 remote signer client over the relay
// transport, plus a minimal bunker used for development and tests.
package nip46

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"

	"nostr-signer/internal/nostr"
)

// ConnectionParams is a parsed connection endpoint
type ConnectionParams struct {
	SignerPubkey string // empty for a nostrconnect rendezvous
	Relays       []string
	Secret       string
}

// Rendezvous reports whether the signer must initiate contact
func (p *ConnectionParams) Rendezvous() bool {
	return p.SignerPubkey == ""
}

// Endpoint renders the params back into a canonical endpoint string
func (p *ConnectionParams) Endpoint() string {
	if p.Rendezvous() {
		return strings.Join(p.Relays, ",")
	}
	u := url.URL{Scheme: "bunker", Host: p.SignerPubkey}
	q := u.Query()
	for _, r := range p.Relays {
		q.Add("relay", r)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ParseEndpoint accepts a bunker:// URL or a comma separated list of relay URLs
func ParseEndpoint(endpoint string) (*ConnectionParams, error) {
	endpoint = strings.TrimSpace(endpoint)
	if strings.HasPrefix(endpoint, "bunker://") {
		return ParseBunkerURL(endpoint)
	}

	fields := strings.FieldsFunc(endpoint, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n'
	})
	var relays []string
	for _, f := range fields {
		if strings.HasPrefix(f, "memory://") {
			relays = append(relays, f)
			continue
		}
		if n := nostr.NormalizeRelayURL(f); n != "" {
			relays = append(relays, n)
		}
	}
	if len(relays) == 0 {
		return nil, errors.New("endpoint must be a bunker:// URL or at least one relay URL")
	}
	return &ConnectionParams{Relays: relays}, nil
}

// ParseBunkerURL parses bunker://<signer-pubkey|npub>?relay=<wss://...>&secret=<optional>
func ParseBunkerURL(bunkerURL string) (*ConnectionParams, error) {
	if !strings.HasPrefix(bunkerURL, "bunker://") {
		return nil, errors.New("invalid bunker URL: must start with bunker://")
	}

	u, err := url.Parse(bunkerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bunker URL: %w", err)
	}

	signerPubkey, err := nostr.ParsePublicKey(u.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid remote signer pubkey in bunker URL: %w", err)
	}

	var relays []string
	seen := make(map[string]bool)
	for _, r := range u.Query()["relay"] {
		n := r
		if !strings.HasPrefix(r, "memory://") {
			n = nostr.NormalizeRelayURL(r)
		}
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		relays = append(relays, n)
	}
	if len(relays) == 0 {
		return nil, errors.New("bunker URL must specify at least one relay")
	}

	return &ConnectionParams{
		SignerPubkey: signerPubkey,
		Relays:       relays,
		Secret:       u.Query().Get("secret"),
	}, nil
}

// NostrConnectURI is the client-initiated connection string a signer scans
type NostrConnectURI struct {
	ClientPubkey string
	Relays       []string
	Secret       string
	Name         string
	Perms        []string
}

// String renders nostrconnect://<client-pubkey>?relay=..&secret=..&name=..&perms=..
func (n NostrConnectURI) String() string {
	u := url.URL{Scheme: "nostrconnect", Host: n.ClientPubkey}
	q := u.Query()
	for _, relay := range n.Relays {
		q.Add("relay", relay)
	}
	q.Set("secret", n.Secret)
	if n.Name != "" {
		q.Set("name", n.Name)
	}
	if len(n.Perms) > 0 {
		q.Set("perms", strings.Join(n.Perms, ","))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// QRCode renders the URI as a PNG
func (n NostrConnectURI) QRCode(size int) ([]byte, error) {
	return qrcode.Encode(n.String(), qrcode.Medium, size)
}

// QRDataURL renders the URI as a PNG data URL for embedding in a page
func (n NostrConnectURI) QRDataURL(size int) (string, error) {
	png, err := n.QRCode(size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// ParseNostrConnectURI parses a nostrconnect:// URI
func ParseNostrConnectURI(raw string) (*NostrConnectURI, error) {
	if !strings.HasPrefix(raw, "nostrconnect://") {
		return nil, errors.New("invalid nostrconnect URI: must start with nostrconnect://")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid nostrconnect URI: %w", err)
	}
	clientPubkey, err := nostr.ParsePublicKey(u.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid client pubkey in nostrconnect URI: %w", err)
	}
	q := u.Query()
	if len(q["relay"]) == 0 {
		return nil, errors.New("nostrconnect URI must specify at least one relay")
	}
	if q.Get("secret") == "" {
		return nil, errors.New("nostrconnect URI must carry a secret")
	}
	var perms []string
	if p := q.Get("perms"); p != "" {
		perms = strings.Split(p, ",")
	}
	return &NostrConnectURI{
		ClientPubkey: clientPubkey,
		Relays:       q["relay"],
		Secret:       q.Get("secret"),
		Name:         q.Get("name"),
		Perms:        perms,
	}, nil
}

// randomHex returns n random bytes as hex
func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}
