package signer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nostr-signer/internal/nostr"
	"nostr-signer/internal/types"
)

// MinSignatureLength is the shortest hex string accepted as a signature
const MinSignatureLength = 64

const maxNormalizeDepth = 8

// signatureFields are checked in order on object replies
var signatureFields = []string{"result", "sig", "signature", "content"}

// NormalizeSignature reduces every reply shape signers are known to send
// to one lowercase hex signature.
//
// Precedence: a string is used as-is unless it holds JSON, in which case
// the decoded value is normalised; an array yields its first element; an
// object yields the first non-empty of result, sig, signature, content.
func NormalizeSignature(raw json.RawMessage) (string, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", Errorf(ProtocolViolation, "normalize", "reply is not JSON: %v", err)
	}
	return NormalizeSignatureValue(v)
}

// NormalizeSignatureValue is NormalizeSignature for an already decoded value
func NormalizeSignatureValue(v interface{}) (string, error) {
	sig, err := extractSignature(v, 0)
	if err != nil {
		return "", E(ProtocolViolation, "normalize", err)
	}
	if len(sig) < MinSignatureLength {
		return "", Errorf(ProtocolViolation, "normalize", "signature too short (%d chars)", len(sig))
	}
	if !nostr.IsHex(sig) {
		return "", Errorf(ProtocolViolation, "normalize", "signature is not hex")
	}
	return strings.ToLower(sig), nil
}

func extractSignature(v interface{}, depth int) (string, error) {
	if depth > maxNormalizeDepth {
		return "", errors.New("reply nested too deeply")
	}
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
			var inner interface{}
			if err := json.Unmarshal([]byte(s), &inner); err == nil {
				return extractSignature(inner, depth+1)
			}
		}
		if s == "" {
			return "", errors.New("empty signature")
		}
		return s, nil
	case []interface{}:
		if len(val) == 0 {
			return "", errors.New("empty reply array")
		}
		return extractSignature(val[0], depth+1)
	case map[string]interface{}:
		for _, field := range signatureFields {
			f, ok := val[field]
			if !ok || f == nil {
				continue
			}
			if s, isString := f.(string); isString && s == "" {
				continue
			}
			return extractSignature(f, depth+1)
		}
		return "", errors.New("reply object has no signature field")
	case nil:
		return "", errors.New("empty signature")
	default:
		return "", fmt.Errorf("unexpected reply type %T", v)
	}
}

// SignedEventFromReply returns the full event when a signer replies with
// one instead of a bare signature
func SignedEventFromReply(v interface{}) (*types.Event, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "{") {
			return nil, false
		}
		var inner interface{}
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return nil, false
		}
		v = inner
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	if _, hasSig := m["sig"]; !hasSig {
		return nil, false
	}
	if _, hasPub := m["pubkey"]; !hasPub {
		return nil, false
	}
	evt, ok := nostr.ParseEventFromInterface(m)
	if !ok {
		return nil, false
	}
	return &evt, true
}

// AssembleSignedEvent derives the id for pubkey and attaches sig.
// With verify set the BIP-340 signature is checked.
func AssembleSignedEvent(tmpl types.UnsignedEvent, pubkey, sig string, verify bool) (*types.Event, error) {
	if !nostr.IsPubKeyHex(pubkey) {
		return nil, Errorf(ProtocolViolation, "assemble", "invalid signer pubkey %q", pubkey)
	}
	pubkey = strings.ToLower(pubkey)
	id, err := nostr.CalculateEventID(pubkey, tmpl)
	if err != nil {
		return nil, E(ProtocolViolation, "assemble", err)
	}
	tags := tmpl.Tags
	if tags == nil {
		tags = [][]string{}
	}
	evt := &types.Event{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: tmpl.CreatedAt,
		Kind:      tmpl.Kind,
		Tags:      tags,
		Content:   tmpl.Content,
		Sig:       sig,
	}
	if verify && !nostr.ValidateEventSignature(evt) {
		return nil, Errorf(ProtocolViolation, "assemble", "signature does not verify for event %s", nostr.ShortID(id))
	}
	return evt, nil
}
