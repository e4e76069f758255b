package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"nostr-signer/internal/manager"
	"nostr-signer/internal/nip46"
	"nostr-signer/internal/nostr"
	"nostr-signer/internal/signer"
	"nostr-signer/internal/types"
)

// Request body size limits
const (
	maxBodySize = 64 * 1024 // 64KB for POST requests
)

const qrSize = 256

// server exposes the signer manager over HTTP
type server struct {
	app *app

	mu            sync.Mutex
	pending       *manager.PendingConnection
	cancelPending context.CancelFunc
}

func newServer(a *app) *server {
	return &server{app: a}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /metrics", s.metricsHandler)
	mux.HandleFunc("GET /status", securityHeaders(s.statusHandler))
	mux.HandleFunc("GET /pubkey", securityHeaders(s.pubkeyHandler))
	mux.HandleFunc("POST /sign", securityHeaders(limitBody(s.signHandler, maxBodySize)))
	mux.HandleFunc("POST /connect", securityHeaders(limitBody(s.connectHandler, maxBodySize)))
	mux.HandleFunc("GET /nostrconnect", securityHeaders(s.nostrConnectHandler))
	mux.HandleFunc("POST /disconnect", securityHeaders(limitBody(s.disconnectHandler, maxBodySize)))
	mux.HandleFunc("/intent/callback", securityHeaders(limitBody(s.intentCallbackHandler, maxBodySize)))
	return RequestLoggingMiddleware(mux)
}

// limitBody wraps an HTTP handler to limit request body size
func limitBody(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// securityHeaders wraps an HTTP handler to add security headers
func securityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// JSON only; QR codes travel as data URLs
		w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src data:; frame-ancestors 'none'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Retry bool   `json:"retry"`
}

// statusFor maps the error taxonomy onto HTTP statuses
func statusFor(code signer.Code) int {
	switch code {
	case signer.NoSignerAvailable, signer.ConnectionClosed:
		return http.StatusServiceUnavailable
	case signer.TransportUnreachable, signer.ProtocolViolation:
		return http.StatusBadGateway
	case signer.Timeout:
		return http.StatusGatewayTimeout
	case signer.IdentityMismatch:
		return http.StatusConflict
	case signer.UnsupportedPlatform:
		return http.StatusNotImplemented
	case signer.RateLimited:
		return http.StatusTooManyRequests
	case signer.Rejected:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeSignerError(w http.ResponseWriter, r *http.Request, err error, retry bool) {
	code := signer.CodeOf(err)
	LoggerFromContext(r.Context()).Warn("signer request failed", "code", code.String(), "error", err)
	writeJSON(w, statusFor(code), errorResponse{Error: err.Error(), Code: code.String(), Retry: retry})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "bad_request"})
}

// ensureSigner makes sure a backend can sign, rerunning selection once
func (s *server) ensureSigner(w http.ResponseWriter, r *http.Request) bool {
	if s.app.manager.IsAvailable() {
		return true
	}
	res := s.app.manager.EnsureAvailable(r.Context())
	if !res.Success {
		writeSignerError(w, r, res.Err, res.Retry)
		return false
	}
	return true
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"store":            s.app.backendName,
		"signer_available": s.app.manager.IsAvailable(),
	})
}

type sessionInfo struct {
	Endpoint     string   `json:"endpoint"`
	Relays       []string `json:"relays"`
	RemotePubkey string   `json:"remote_pubkey,omitempty"`
	SignerPubkey string   `json:"signer_pubkey,omitempty"`
	Connected    bool     `json:"connected"`
	ConnectedAt  int64    `json:"connected_at,omitempty"`
}

type statusResponse struct {
	Available bool         `json:"available"`
	Kind      string       `json:"kind"`
	Choice    string       `json:"choice"`
	User      string       `json:"user,omitempty"`
	Session   *sessionInfo `json:"session,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

func statusOf(m *manager.Manager) statusResponse {
	resp := statusResponse{
		Available: m.IsAvailable(),
		Kind:      "none",
		Choice:    m.Choice().String(),
		User:      m.User(),
	}
	if kind, ok := m.SignerKind(); ok {
		resp.Kind = kind.String()
	}
	if sess, ok := m.Session(); ok {
		info := &sessionInfo{
			Endpoint:     sess.TransportEndpoint,
			Relays:       sess.Relays,
			RemotePubkey: sess.RemotePubkey,
			SignerPubkey: sess.SignerPubkey,
			Connected:    sess.Connected,
		}
		if !sess.ConnectedAt.IsZero() {
			info.ConnectedAt = sess.ConnectedAt.Unix()
		}
		resp.Session = info
	}
	if err := m.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	return resp
}

func (s *server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusOf(s.app.manager))
}

func (s *server) pubkeyHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ensureSigner(w, r) {
		return
	}
	pk, err := s.app.manager.GetPublicKey(r.Context())
	if err != nil {
		writeSignerError(w, r, err, signer.Retryable(err))
		return
	}
	npub, _ := nostr.EncodePubkey(pk)
	writeJSON(w, http.StatusOK, map[string]string{"pubkey": pk, "npub": npub})
}

func (s *server) signHandler(w http.ResponseWriter, r *http.Request) {
	var tmpl types.UnsignedEvent
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		badRequest(w, "invalid event template")
		return
	}
	if !s.ensureSigner(w, r) {
		return
	}
	evt, err := s.app.manager.SignEvent(r.Context(), tmpl)
	if err != nil {
		writeSignerError(w, r, err, signer.Retryable(err))
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

type connectRequest struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

func decodeConnect(r *http.Request) (connectRequest, error) {
	var req connectRequest
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}
	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.Endpoint = r.PostForm.Get("endpoint")
	req.Token = r.PostForm.Get("token")
	return req, nil
}

func (s *server) connectHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConnect(r)
	if err != nil {
		badRequest(w, "invalid connect request")
		return
	}
	if req.Endpoint == "" {
		badRequest(w, "endpoint is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nip46.MaxRequestTimeout)
	defer cancel()

	pk, err := s.app.manager.ConnectRelayRemote(ctx, req.Endpoint, req.Token)
	if err != nil {
		writeSignerError(w, r, err, signer.Retryable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pubkey": pk, "kind": signer.RelayRemote.String()})
}

// nostrConnectHandler starts a client-initiated session and returns the URI
// to scan; the handshake completes in the background
func (s *server) nostrConnectHandler(w http.ResponseWriter, r *http.Request) {
	// the session outlives this request
	p, err := s.app.manager.BeginRelayRemote(context.WithoutCancel(r.Context()), s.app.rendezvousEndpoint(), "")
	if err != nil {
		writeSignerError(w, r, err, signer.Retryable(err))
		return
	}
	uri := p.URI()
	qr, err := uri.QRDataURL(qrSize)
	if err != nil {
		p.Cancel()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "qr"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), nip46.MaxRequestTimeout)
	s.mu.Lock()
	if s.cancelPending != nil {
		s.cancelPending()
		s.pending.Cancel()
	}
	s.pending, s.cancelPending = p, cancel
	s.mu.Unlock()

	log := LoggerFromContext(r.Context())
	go func() {
		defer cancel()
		pk, err := p.Complete(ctx)
		s.mu.Lock()
		if s.pending == p {
			s.pending, s.cancelPending = nil, nil
		}
		s.mu.Unlock()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn("nostrconnect session not completed", "error", err)
			}
			return
		}
		log.Info("nostrconnect session completed", "pubkey", nostr.ShortID(pk))
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"uri": uri.String(), "qr": qr})
}

func (s *server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		badRequest(w, "invalid disconnect request")
		return
	}
	var kind signer.Kind
	if name := r.Form.Get("kind"); name != "" {
		parsed, err := signer.ParseKind(name)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		kind = parsed
	} else if active, ok := s.app.manager.SignerKind(); ok {
		kind = active
	} else {
		badRequest(w, "no active signer to disconnect")
		return
	}

	if err := s.app.manager.Disconnect(r.Context(), kind); err != nil {
		writeSignerError(w, r, err, false)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(s.app.manager))
}

func (s *server) intentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h := s.app.manager.IntentHandler(r.Context())
	if h == nil {
		http.Error(w, "intent signing is not configured", http.StatusNotFound)
		return
	}
	h.ServeHTTP(w, r)
}

// Close abandons a nostrconnect session still waiting for a scan
func (s *server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelPending != nil {
		s.cancelPending()
		s.pending.Cancel()
		s.pending, s.cancelPending = nil, nil
	}
}
