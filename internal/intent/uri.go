// Package intent implements a signer reached through URL-scheme intents:
// requests open a companion app and replies come back on a callback URL.
package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultScheme is the URL scheme companion signer apps register
const DefaultScheme = "nostrsigner"

// Request types
const (
	TypeGetPublicKey = "get_public_key"
	TypeSignEvent    = "sign_event"
)

// Envelope is the JSON payload carried in the request URL
type Envelope struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Request is a decoded intent URL
type Request struct {
	Envelope
	Scheme      string
	ReturnType  string
	CallbackURL string
}

// Callback is the reply the companion app redirects back with
type Callback struct {
	RequestID string
	Signature string
	Pubkey    string
	Error     string
}

// BuildRequestURL renders scheme:<json>?returnType=signature&type=..&callbackUrl=..
// The callback URL gets requestId appended.
func BuildRequestURL(scheme, callbackURL string, env Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	cb, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %w", err)
	}
	q := cb.Query()
	q.Set("requestId", env.ID)
	cb.RawQuery = q.Encode()

	params := url.Values{}
	params.Set("returnType", "signature")
	params.Set("type", env.Method)
	params.Set("callbackUrl", cb.String())
	return scheme + ":" + url.QueryEscape(string(body)) + "?" + params.Encode(), nil
}

// ParseRequestURL decodes a URL produced by BuildRequestURL
func ParseRequestURL(raw string) (*Request, error) {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || scheme == "" {
		return nil, errors.New("intent URL has no scheme")
	}
	payload, query, _ := strings.Cut(rest, "?")
	body, err := url.QueryUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid intent payload: %w", err)
	}
	req := &Request{Scheme: scheme}
	if err := json.Unmarshal([]byte(body), &req.Envelope); err != nil {
		return nil, fmt.Errorf("invalid intent payload: %w", err)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid intent query: %w", err)
	}
	req.ReturnType = values.Get("returnType")
	req.CallbackURL = values.Get("callbackUrl")
	if t := values.Get("type"); t != "" && t != req.Method {
		return nil, fmt.Errorf("intent type %q does not match method %q", t, req.Method)
	}
	return req, nil
}

// ParseCallbackValues reads a callback from query values
func ParseCallbackValues(v url.Values) Callback {
	return Callback{
		RequestID: v.Get("requestId"),
		Signature: v.Get("signature"),
		Pubkey:    v.Get("pubkey"),
		Error:     v.Get("error"),
	}
}

// ParseCallbackURL reads a callback from the query and the fragment of raw.
// Fragment values fill fields the query left empty.
func ParseCallbackURL(raw string) (Callback, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Callback{}, fmt.Errorf("invalid callback URL: %w", err)
	}
	cb := ParseCallbackValues(u.Query())
	if u.Fragment != "" {
		frag, err := url.ParseQuery(u.Fragment)
		if err != nil {
			return Callback{}, fmt.Errorf("invalid callback fragment: %w", err)
		}
		f := ParseCallbackValues(frag)
		if cb.RequestID == "" {
			cb.RequestID = f.RequestID
		}
		if cb.Signature == "" {
			cb.Signature = f.Signature
		}
		if cb.Pubkey == "" {
			cb.Pubkey = f.Pubkey
		}
		if cb.Error == "" {
			cb.Error = f.Error
		}
	}
	if cb.RequestID == "" {
		return cb, errors.New("callback has no requestId")
	}
	return cb, nil
}
