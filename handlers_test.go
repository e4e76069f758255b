package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-signer/internal/config"
	"nostr-signer/internal/nostr"
	"nostr-signer/internal/signer"
	"nostr-signer/internal/types"
)

const testSecretHex = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"
const testPubHex = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

func newTestServer(t *testing.T, opts appOptions, secret string) (*app, *httptest.Server) {
	t.Helper()
	cfg := config.LoadSignerConfig(filepath.Join(t.TempDir(), "absent.json"), func(string) string { return "" })
	cfg.SecretKey = secret

	a, err := newApp(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := newServer(a)
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return a, ts
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	return resp
}

func template() types.UnsignedEvent {
	return types.UnsignedEvent{Kind: 1, CreatedAt: 1700000000, Content: "hello", Tags: [][]string{{"t", "nostr"}}}
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, appOptions{}, "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	decode(t, resp, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "memory", health["store"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body strings.Builder
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "nostr_signer_available 0")
	assert.Contains(t, body.String(), `nostr_signer_active{kind="relay_remote"} 0`)
}

func TestSignInProcess(t *testing.T) {
	_, ts := newTestServer(t, appOptions{}, testSecretHex)
	before := signRequestsTotal.Load()

	resp := postJSON(t, ts.URL+"/sign", template())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var evt types.Event
	decode(t, resp, &evt)
	assert.Equal(t, testPubHex, evt.PubKey)
	assert.Equal(t, "hello", evt.Content)
	assert.True(t, nostr.ValidateEventSignature(&evt))
	assert.Greater(t, signRequestsTotal.Load(), before)

	resp, err := http.Get(ts.URL + "/pubkey")
	require.NoError(t, err)
	var pk map[string]string
	decode(t, resp, &pk)
	assert.Equal(t, testPubHex, pk["pubkey"])
	assert.True(t, strings.HasPrefix(pk["npub"], "npub1"))
}

func TestSignWithoutSigner(t *testing.T) {
	_, ts := newTestServer(t, appOptions{}, "")

	resp := postJSON(t, ts.URL+"/sign", template())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var e errorResponse
	decode(t, resp, &e)
	assert.Equal(t, "no_signer_available", e.Code)
	assert.False(t, e.Retry)
}

func TestSignRejectsInvalidTemplate(t *testing.T) {
	_, ts := newTestServer(t, appOptions{}, testSecretHex)
	resp, err := http.Post(ts.URL+"/sign", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/sign")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestExplicitRelayRemoteWithoutSessionOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, appOptions{Choice: "relay-remote", User: testPubHex}, testSecretHex)

	resp := postJSON(t, ts.URL+"/sign", template())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var e errorResponse
	decode(t, resp, &e)
	assert.Contains(t, e.Error, "no connection found")
}

func TestConnectSignDisconnectThroughDevBunker(t *testing.T) {
	a, ts := newTestServer(t, appOptions{DevBunker: true, Choice: "relay-remote"}, testSecretHex)

	resp := postJSON(t, ts.URL+"/connect", connectRequest{Endpoint: a.devBunker.URL()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var connected map[string]string
	decode(t, resp, &connected)
	assert.Equal(t, testPubHex, connected["pubkey"])

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	var st statusResponse
	decode(t, resp, &st)
	assert.True(t, st.Available)
	assert.Equal(t, "relay_remote", st.Kind)
	require.NotNil(t, st.Session)
	assert.True(t, st.Session.Connected)
	assert.Equal(t, a.devBunker.SignerPubkey(), st.Session.SignerPubkey)

	resp = postJSON(t, ts.URL+"/sign", template())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evt types.Event
	decode(t, resp, &evt)
	assert.Equal(t, testPubHex, evt.PubKey)

	resp, err = http.PostForm(ts.URL+"/disconnect", url.Values{"kind": {"relay-remote"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var after statusResponse
	decode(t, resp, &after)
	assert.False(t, after.Available)
	assert.Equal(t, "none", after.Kind)

	rec, err := a.connections.Load(context.Background(), testPubHex)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestConnectRequiresEndpoint(t *testing.T) {
	_, ts := newTestServer(t, appOptions{}, "")
	resp, err := http.PostForm(ts.URL+"/connect", url.Values{"token": {"x"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNostrConnectCompletesInBackground(t *testing.T) {
	a, ts := newTestServer(t, appOptions{DevBunker: true, Choice: "relay-remote"}, testSecretHex)

	resp, err := http.Get(ts.URL + "/nostrconnect")
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	decode(t, resp, &out)
	require.True(t, strings.HasPrefix(out["uri"], "nostrconnect://"), out["uri"])
	assert.True(t, strings.HasPrefix(out["qr"], "data:image/png;base64,"))

	require.NoError(t, a.devBunker.AcceptNostrConnect(context.Background(), out["uri"]))
	require.Eventually(t, func() bool {
		kind, ok := a.manager.SignerKind()
		return ok && kind == signer.RelayRemote && a.manager.IsAvailable()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, testPubHex, a.manager.User())
}

func TestIntentCallbackRoute(t *testing.T) {
	_, ts := newTestServer(t, appOptions{}, "")

	resp, err := http.Get(ts.URL + "/intent/callback")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/intent/callback?requestId=unknown&signature=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	for code, want := range map[signer.Code]int{
		signer.NoSignerAvailable:    http.StatusServiceUnavailable,
		signer.TransportUnreachable: http.StatusBadGateway,
		signer.Timeout:              http.StatusGatewayTimeout,
		signer.IdentityMismatch:     http.StatusConflict,
		signer.UnsupportedPlatform:  http.StatusNotImplemented,
		signer.RateLimited:          http.StatusTooManyRequests,
		signer.Rejected:             http.StatusForbidden,
		signer.CodeUnknown:          http.StatusInternalServerError,
	} {
		assert.Equal(t, want, statusFor(code), code.String())
	}
}

func TestParseTags(t *testing.T) {
	tags, err := parseTags([]string{"t=nostr", "p=abc,wss://relay.example.com"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"t", "nostr"}, {"p", "abc", "wss://relay.example.com"}}, tags)

	_, err = parseTags([]string{"novalue"})
	assert.Error(t, err)
}
