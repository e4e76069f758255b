package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-signer/internal/types"
)

const (
	testPrivKeyHex = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"
	testPubKeyHex  = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"
)

func TestSerializeEvent(t *testing.T) {
	tmpl := types.UnsignedEvent{Kind: 1, CreatedAt: 1700000000, Content: "test"}

	serialized, err := SerializeEvent(testPubKeyHex, tmpl)
	require.NoError(t, err)
	assert.Equal(t, `[0,"bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",1700000000,1,[],"test"]`, string(serialized))
}

func TestSerializeEventWithTags(t *testing.T) {
	tmpl := types.UnsignedEvent{
		Kind:      1,
		CreatedAt: 1700000000,
		Tags:      [][]string{{"e", "abc123", "", "reply"}, {"p", "def456"}},
		Content:   "test reply",
	}

	serialized, err := SerializeEvent(testPubKeyHex, tmpl)
	require.NoError(t, err)
	assert.Equal(t, `[0,"bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",1700000000,1,[["e","abc123","","reply"],["p","def456"]],"test reply"]`, string(serialized))
}

func TestSerializeEventDoesNotEscapeHTML(t *testing.T) {
	tmpl := types.UnsignedEvent{Kind: 1, CreatedAt: 1, Content: "<a> & \"b\"\n"}

	serialized, err := SerializeEvent(testPubKeyHex, tmpl)
	require.NoError(t, err)
	assert.Contains(t, string(serialized), `"<a> & \"b\"\n"`)
}

func TestCalculateEventID(t *testing.T) {
	tmpl := types.UnsignedEvent{Kind: 1, CreatedAt: 1700000000, Content: "test"}

	id, err := CalculateEventID(testPubKeyHex, tmpl)
	require.NoError(t, err)

	hash := sha256.Sum256([]byte(`[0,"bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",1700000000,1,[],"test"]`))
	assert.Equal(t, hex.EncodeToString(hash[:]), id)
}

func TestGetPublicKeyMatchesKnownVector(t *testing.T) {
	priv, err := hex.DecodeString(testPrivKeyHex)
	require.NoError(t, err)

	pub, err := GetPublicKeyHex(priv)
	require.NoError(t, err)
	assert.Equal(t, testPubKeyHex, pub)
}

func TestFinalizeEventVerifies(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)

	evt, err := FinalizeEvent(priv, types.UnsignedEvent{
		Kind:      1,
		CreatedAt: 1700000000,
		Tags:      [][]string{{"t", "nostr"}},
		Content:   "hello",
	})
	require.NoError(t, err)

	assert.True(t, ValidateEventID(evt))
	assert.True(t, ValidateEventSignature(evt))

	evt.Content = "tampered"
	assert.False(t, ValidateEventID(evt))
}

func TestValidateEventSignatureRejectsWrongKey(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	evt, err := FinalizeEvent(priv, types.UnsignedEvent{Kind: 1, CreatedAt: 1, Content: "x"})
	require.NoError(t, err)

	evt.PubKey = testPubKeyHex
	assert.False(t, ValidateEventSignature(evt))
}

func TestParseEventFromInterface(t *testing.T) {
	raw := map[string]interface{}{
		"id":         "abc",
		"pubkey":     testPubKeyHex,
		"created_at": float64(10),
		"kind":       float64(24133),
		"tags":       []interface{}{[]interface{}{"p", "def"}},
		"content":    "payload",
	}

	evt, ok := ParseEventFromInterface(raw)
	require.True(t, ok)
	assert.Equal(t, 24133, evt.Kind)
	assert.Equal(t, []string{"def"}, evt.TagValues("p"))

	_, ok = ParseEventFromInterface("not an object")
	assert.False(t, ok)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "bbde6a0e8847", ShortID(testPubKeyHex))
	assert.Equal(t, "abc", ShortID("abc"))
}
