package nostr

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// GeneratePrivateKey generates a new random secp256k1 private key
func GeneratePrivateKey() ([]byte, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return privKey.Serialize(), nil
}

// GetPublicKey derives the public key from a private key (x-only, 32 bytes)
func GetPublicKey(privKeyBytes []byte) ([]byte, error) {
	if len(privKeyBytes) != 32 {
		return nil, errors.New("invalid private key length")
	}
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	// x-only pubkey (32 bytes) - BIP-340 format
	return schnorr.SerializePubKey(privKey.PubKey()), nil
}

// GetPublicKeyHex is GetPublicKey returning lowercase hex
func GetPublicKeyHex(privKeyBytes []byte) (string, error) {
	pub, err := GetPublicKey(privKeyBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

// IsHex reports whether s is non-empty lowercase or uppercase hex of even length
func IsHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// IsPubKeyHex reports whether s looks like a 32-byte hex key
func IsPubKeyHex(s string) bool {
	return len(s) == 64 && IsHex(s)
}

// ParsePublicKey accepts a 64-char hex pubkey or an npub and returns lowercase hex
func ParsePublicKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		return DecodePubkey(s)
	}
	if !IsPubKeyHex(s) {
		return "", errors.New("invalid public key: must be 64 hex characters or npub")
	}
	s = strings.ToLower(s)
	raw, _ := hex.DecodeString(s)
	if _, err := schnorr.ParsePubKey(raw); err != nil {
		return "", errors.New("invalid public key: not on curve")
	}
	return s, nil
}

// ParseSecretKey accepts a 64-char hex secret or an nsec and returns the raw bytes
func ParseSecretKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		return DecodeSecretKey(s)
	}
	if len(s) != 64 || !IsHex(s) {
		return nil, errors.New("invalid secret key: must be 64 hex characters or nsec")
	}
	return hex.DecodeString(s)
}
