package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-signer/internal/types"
)

// SerializeEvent returns the NIP-01 commitment array [0,pubkey,created_at,kind,tags,content]
func SerializeEvent(pubkey string, tmpl types.UnsignedEvent) ([]byte, error) {
	tags := tmpl.Tags
	if tags == nil {
		tags = [][]string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// NIP-01 forbids < style escaping of <, > and &
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]interface{}{0, pubkey, tmpl.CreatedAt, tmpl.Kind, tags, tmpl.Content}); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CalculateEventID computes the sha256 id of an event as authored by pubkey
func CalculateEventID(pubkey string, tmpl types.UnsignedEvent) (string, error) {
	serialized, err := SerializeEvent(pubkey, tmpl)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(serialized)
	return hex.EncodeToString(hash[:]), nil
}

// SignEventID produces a BIP-340 signature over an event id
func SignEventID(privKeyBytes []byte, eventID string) (string, error) {
	if len(privKeyBytes) != 32 {
		return "", errors.New("invalid private key length")
	}
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)

	eventIDBytes, err := hex.DecodeString(eventID)
	if err != nil {
		return "", fmt.Errorf("invalid event ID hex: %w", err)
	}

	sig, err := schnorr.Sign(privKey, eventIDBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// FinalizeEvent fills pubkey, id and signature for a template using a local key
func FinalizeEvent(privKeyBytes []byte, tmpl types.UnsignedEvent) (*types.Event, error) {
	pubKey, err := GetPublicKey(privKeyBytes)
	if err != nil {
		return nil, err
	}
	pubHex := hex.EncodeToString(pubKey)

	id, err := CalculateEventID(pubHex, tmpl)
	if err != nil {
		return nil, err
	}
	sig, err := SignEventID(privKeyBytes, id)
	if err != nil {
		return nil, err
	}

	tags := tmpl.Tags
	if tags == nil {
		tags = [][]string{}
	}
	return &types.Event{
		ID:        id,
		PubKey:    pubHex,
		CreatedAt: tmpl.CreatedAt,
		Kind:      tmpl.Kind,
		Tags:      tags,
		Content:   tmpl.Content,
		Sig:       sig,
	}, nil
}

// ValidateEventSignature verifies Schnorr signature for a Nostr event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ValidateEventID checks that the id field matches the event content
func ValidateEventID(evt *types.Event) bool {
	id, err := CalculateEventID(evt.PubKey, evt.Template())
	if err != nil {
		return false
	}
	return id == evt.ID
}

// ParseEventFromInterface converts raw websocket data to Event (avoids JSON re-encoding)
func ParseEventFromInterface(data interface{}) (types.Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return types.Event{}, false
	}

	evt := types.Event{}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	return evt, evt.ID != ""
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
