package signer

import (
	"fmt"
	"strings"
)

// Kind identifies one of the signing backends
type Kind int

const (
	// InProcess signs synchronously with a key available to this process
	InProcess Kind = iota + 1
	// RelayRemote signs through a NIP-46 remote signer reached over relays
	RelayRemote
	// IntentCallback signs through a companion app reached by URL intent
	IntentCallback
)

func (k Kind) String() string {
	switch k {
	case InProcess:
		return "in_process"
	case RelayRemote:
		return "relay_remote"
	case IntentCallback:
		return "intent_callback"
	default:
		return "none"
	}
}

// Valid reports whether k names a backend
func (k Kind) Valid() bool {
	return k == InProcess || k == RelayRemote || k == IntentCallback
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid signer kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind accepts canonical names and the login-method names users pick from
func ParseKind(s string) (Kind, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "in_process", "inprocess", "local", "nip07", "extension":
		return InProcess, nil
	case "relay_remote", "relayremote", "bunker", "nip46", "nostrconnect":
		return RelayRemote, nil
	case "intent_callback", "intentcallback", "intent", "amber", "nip55":
		return IntentCallback, nil
	default:
		return 0, fmt.Errorf("unknown signer kind %q", s)
	}
}

// Priority is the probe order used when no explicit choice applies
var Priority = []Kind{InProcess, IntentCallback, RelayRemote}
