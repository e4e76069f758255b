package nip44

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-signer/internal/nostr"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestConversationKeyVector(t *testing.T) {
	sec1 := mustHex(t, "0000000000000000000000000000000000000000000000000000000000000001")
	sec2 := mustHex(t, "0000000000000000000000000000000000000000000000000000000000000002")
	pub2, err := nostr.GetPublicKey(sec2)
	require.NoError(t, err)

	key, err := ConversationKey(sec1, pub2)
	require.NoError(t, err)
	assert.Equal(t, "c41c775356fd92eadc63ff5a0dc1da211b268cbea22316767095b2871ea1412d", hex.EncodeToString(key))

	payload, err := EncryptWithNonce("a", key, mustHex(t, "0000000000000000000000000000000000000000000000000000000000000001"))
	require.NoError(t, err)
	assert.Equal(t, "AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABee0G5VSK0/9YypIObAtDKfYEAjD35uVkHyB0F4DwrcNaCXlCWZKaArsGrY6M9wnuTMxWfp1RTN9Xga8no+kF5Vsb", payload)
}

func keypair(t *testing.T) ([]byte, []byte) {
	t.Helper()
	priv, err := nostr.GeneratePrivateKey()
	require.NoError(t, err)
	pub, err := nostr.GetPublicKey(priv)
	require.NoError(t, err)
	return priv, pub
}

func TestConversationKeyIsSymmetric(t *testing.T) {
	privA, pubA := keypair(t)
	privB, pubB := keypair(t)

	ab, err := ConversationKey(privA, pubB)
	require.NoError(t, err)
	ba, err := ConversationKey(privB, pubA)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	privA, _ := keypair(t)
	_, pubB := keypair(t)
	key, err := ConversationKey(privA, pubB)
	require.NoError(t, err)

	for _, msg := range []string{"x", `{"id":"1","method":"ping","params":[]}`, strings.Repeat("long ", 500)} {
		payload, err := Encrypt(msg, key)
		require.NoError(t, err)

		plain, err := Decrypt(payload, key)
		require.NoError(t, err)
		assert.Equal(t, msg, plain)
	}
}

func TestDecryptRejectsTamperedPayload(t *testing.T) {
	privA, _ := keypair(t)
	_, pubB := keypair(t)
	key, err := ConversationKey(privA, pubB)
	require.NoError(t, err)

	payload, err := Encrypt("secret", key)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	raw[40] ^= 0xff
	_, err = Decrypt(base64.StdEncoding.EncodeToString(raw), key)
	assert.Error(t, err)

	_, err = Decrypt("#future", key)
	assert.Error(t, err)
	_, err = Encrypt("", key)
	assert.Error(t, err)
}

func TestCipherHandlesBothFormats(t *testing.T) {
	privA, pubA := keypair(t)
	privB, pubB := keypair(t)

	alice, err := NewCipher(privA, pubB)
	require.NoError(t, err)
	bob, err := NewCipher(privB, pubA)
	require.NoError(t, err)

	modern, err := alice.Encrypt("hello", false)
	require.NoError(t, err)
	plain, legacy, err := bob.Decrypt(modern)
	require.NoError(t, err)
	assert.False(t, legacy)
	assert.Equal(t, "hello", plain)

	old, err := alice.Encrypt("hello", true)
	require.NoError(t, err)
	assert.Contains(t, old, "?iv=")
	plain, legacy, err = bob.Decrypt(old)
	require.NoError(t, err)
	assert.True(t, legacy)
	assert.Equal(t, "hello", plain)
}
