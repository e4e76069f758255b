package intent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-signer/internal/nostr"
	"nostr-signer/internal/signer"
	"nostr-signer/internal/types"
)

const testSecretHex = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"
const testPubHex = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

const callbackURL = "https://app.example.com/intent/callback"

// companion plays the signer app: it decodes the intent and answers through
// the client's callback
type companion struct {
	t      *testing.T
	client *Client
	omitPK bool
	fail   string
	silent bool

	mu       sync.Mutex
	launched []*Request
}

func (a *companion) Launch(ctx context.Context, raw string) error {
	req, err := ParseRequestURL(raw)
	require.NoError(a.t, err)
	a.mu.Lock()
	a.launched = append(a.launched, req)
	a.mu.Unlock()
	if a.silent {
		return nil
	}

	cbURL, err := url.Parse(req.CallbackURL)
	require.NoError(a.t, err)
	q := cbURL.Query()
	switch {
	case a.fail != "":
		q.Set("error", a.fail)
	case req.Method == TypeGetPublicKey:
		q.Set("signature", testPubHex)
	case req.Method == TypeSignEvent:
		var tmpl types.UnsignedEvent
		require.NoError(a.t, json.Unmarshal([]byte(req.Params[0]), &tmpl))
		priv, err := nostr.ParseSecretKey(testSecretHex)
		require.NoError(a.t, err)
		evt, err := nostr.FinalizeEvent(priv, tmpl)
		require.NoError(a.t, err)
		q.Set("signature", evt.Sig)
		if !a.omitPK {
			q.Set("pubkey", evt.PubKey)
		}
	}
	cbURL.RawQuery = q.Encode()
	go a.client.HandleCallbackURL(cbURL.String())
	return nil
}

func (a *companion) last() *Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.launched[len(a.launched)-1]
}

func (a *companion) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.launched)
}

func newTestClient(t *testing.T, cfg Config) (*Client, *companion) {
	t.Helper()
	app := &companion{t: t}
	cfg.CallbackURL = callbackURL
	if cfg.Platform == "" {
		cfg.Platform = PlatformAndroid
	}
	cfg.Launcher = app
	c, err := New(cfg)
	require.NoError(t, err)
	app.client = c
	t.Cleanup(c.Disconnect)
	return c, app
}

func note(content string) types.UnsignedEvent {
	return types.UnsignedEvent{Kind: 1, CreatedAt: 1700000000, Content: content}
}

func TestRequestURLRoundTrip(t *testing.T) {
	raw, err := BuildRequestURL(DefaultScheme, callbackURL+"?session=1", Envelope{
		ID:     "req-1",
		Method: TypeSignEvent,
		Params: []string{`{"kind":1,"content":"hi there"}`},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "nostrsigner:%7B"))
	assert.Contains(t, raw, "returnType=signature")
	assert.Contains(t, raw, "type=sign_event")

	req, err := ParseRequestURL(raw)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, `{"kind":1,"content":"hi there"}`, req.Params[0])
	assert.Equal(t, "signature", req.ReturnType)

	cb, err := url.Parse(req.CallbackURL)
	require.NoError(t, err)
	assert.Equal(t, "req-1", cb.Query().Get("requestId"))
	assert.Equal(t, "1", cb.Query().Get("session"))
}

func TestParseCallbackURLQueryAndFragment(t *testing.T) {
	cb, err := ParseCallbackURL(callbackURL + "?requestId=abc#signature=" + strings.Repeat("f", 128) + "&pubkey=" + testPubHex)
	require.NoError(t, err)
	assert.Equal(t, "abc", cb.RequestID)
	assert.Equal(t, strings.Repeat("f", 128), cb.Signature)
	assert.Equal(t, testPubHex, cb.Pubkey)

	cb, err = ParseCallbackURL(callbackURL + "#requestId=xyz&error=denied")
	require.NoError(t, err)
	assert.Equal(t, "xyz", cb.RequestID)
	assert.Equal(t, "denied", cb.Error)

	_, err = ParseCallbackURL(callbackURL + "?signature=abc")
	assert.Error(t, err)
}

func TestGetPublicKeyOnceThenCached(t *testing.T) {
	c, app := newTestClient(t, Config{DevicePubkey: strings.Repeat("d", 64)})

	pk, err := c.GetPublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testPubHex, pk)
	assert.True(t, c.IsConnected())

	pk, err = c.GetPublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testPubHex, pk)
	assert.Equal(t, 1, app.count())
	assert.Equal(t, []string{strings.Repeat("d", 64)}, app.last().Params)
}

func TestFirstSignAssemblesFromTemplate(t *testing.T) {
	c, app := newTestClient(t, Config{})

	evt, err := c.SignEvent(context.Background(), note("bootstrap"))
	require.NoError(t, err)
	assert.Equal(t, testPubHex, evt.PubKey)
	assert.Equal(t, "bootstrap", evt.Content)
	assert.True(t, nostr.ValidateEventSignature(evt))
	assert.True(t, c.IsConnected())

	// the pubkey is now known, later replies may omit it
	app.omitPK = true
	evt, err = c.SignEvent(context.Background(), note("second"))
	require.NoError(t, err)
	assert.True(t, nostr.ValidateEventSignature(evt))
}

func TestFirstSignWithoutPubkeyIsProtocolViolation(t *testing.T) {
	c, app := newTestClient(t, Config{})
	app.omitPK = true

	_, err := c.SignEvent(context.Background(), note("who am i"))
	assert.Equal(t, signer.ProtocolViolation, signer.CodeOf(err))
}

func TestDuplicateCallbackIsNoop(t *testing.T) {
	c, app := newTestClient(t, Config{})
	app.silent = true

	done := make(chan error, 1)
	go func() {
		_, err := c.GetPublicKey(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return app.count() == 1 }, time.Second, 5*time.Millisecond)

	id := app.last().ID
	cb := Callback{RequestID: id, Signature: testPubHex}
	assert.True(t, c.HandleCallback(cb))
	assert.False(t, c.HandleCallback(cb))
	assert.False(t, c.HandleCallbackURL(callbackURL+"#requestId="+id+"&signature="+testPubHex))

	require.NoError(t, <-done)
	assert.Equal(t, 0, c.Pending())
}

func TestWarningThenTimeout(t *testing.T) {
	mock := clock.NewMock()
	var warned atomic.Int32
	c, app := newTestClient(t, Config{
		Clock:     mock,
		OnWarning: func(id, method string) { warned.Add(1) },
	})
	app.silent = true

	done := make(chan error, 1)
	go func() {
		_, err := c.SignEvent(context.Background(), note("slow"))
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	mock.Add(DefaultWarnAfter + time.Second)
	require.Eventually(t, func() bool { return warned.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.Pending())

	mock.Add(DefaultTimeout)
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, signer.ErrTimeout), err)
	case <-time.After(2 * time.Second):
		t.Fatal("intent was not abandoned")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestDisconnectRejectsAndStopsTimers(t *testing.T) {
	mock := clock.NewMock()
	var warned atomic.Int32
	c, app := newTestClient(t, Config{
		Clock:     mock,
		OnWarning: func(string, string) { warned.Add(1) },
	})
	app.silent = true

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.SignEvent(context.Background(), note("pending"))
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Pending() == 2 }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	for i := 0; i < 2; i++ {
		assert.True(t, errors.Is(<-errs, signer.ErrConnectionClosed))
	}
	assert.Equal(t, 0, c.Pending())

	mock.Add(2 * DefaultTimeout)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), warned.Load())
}

func TestErrorCallbackIsRejected(t *testing.T) {
	c, app := newTestClient(t, Config{})
	app.fail = "user declined"

	_, err := c.GetPublicKey(context.Background())
	require.Error(t, err)
	assert.Equal(t, signer.Rejected, signer.CodeOf(err))
	assert.Contains(t, err.Error(), "user declined")
	assert.False(t, c.IsConnected())
}

func TestUnsupportedPlatform(t *testing.T) {
	c, app := newTestClient(t, Config{Platform: PlatformIOS})
	_, err := c.SignEvent(context.Background(), note("ios"))
	assert.True(t, errors.Is(err, signer.ErrUnsupportedPlatform))
	assert.Equal(t, 0, app.count())

	desktop, err := New(Config{CallbackURL: callbackURL, Platform: PlatformDesktop})
	require.NoError(t, err)
	assert.False(t, desktop.Supported())

	enabled, err := New(Config{CallbackURL: callbackURL, Platform: PlatformDesktop, DesktopEnabled: true})
	require.NoError(t, err)
	assert.True(t, enabled.Supported())
}

func TestLaunchFailureIsTransportUnreachable(t *testing.T) {
	c, err := New(Config{
		CallbackURL: callbackURL,
		Platform:    PlatformAndroid,
		Launcher: LauncherFunc(func(context.Context, string) error {
			return errors.New("no activity found")
		}),
	})
	require.NoError(t, err)

	_, err = c.GetPublicKey(context.Background())
	assert.Equal(t, signer.TransportUnreachable, signer.CodeOf(err))
	assert.Equal(t, 0, c.Pending())
}

func TestCallbackHandler(t *testing.T) {
	c, app := newTestClient(t, Config{})
	app.silent = true

	done := make(chan error, 1)
	go func() {
		_, err := c.GetPublicKey(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return app.count() == 1 }, time.Second, 5*time.Millisecond)
	id := app.last().ID

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/intent/callback?requestId="+id+"&signature="+testPubHex, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, <-done)

	rec = httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/intent/callback?requestId="+id+"&signature="+testPubHex, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/intent/callback", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("iPhone")
	require.NoError(t, err)
	assert.Equal(t, PlatformIOS, p)
	assert.False(t, p.SupportsIntents(true))
	assert.True(t, PlatformAndroid.SupportsIntents(false))

	_, err = ParsePlatform("toaster")
	assert.Error(t, err)
}
