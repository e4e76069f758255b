package nip46

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nostr-signer/internal/nostr"
)

// KindNostrConnect is the event kind carrying NIP-46 messages
const KindNostrConnect = 24133

// Methods the client sends
const (
	MethodConnect      = "connect"
	MethodGetPublicKey = "get_public_key"
	MethodSignEvent    = "sign_event"
	MethodPing         = "ping"
)

// Request is a JSON-RPC style request to the remote signer
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// ResponseError accepts both the bare string form and {code, message}
type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote signer error %d: %s", e.Code, e.Message)
	}
	return "remote signer error: " + e.Message
}

func (e *ResponseError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		return nil
	}
	type plain ResponseError
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = ResponseError(p)
	return nil
}

// Response is a reply from the remote signer
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResultString returns the result when it is a JSON string
func (r *Response) ResultString() (string, bool) {
	var s string
	if len(r.Result) == 0 || json.Unmarshal(r.Result, &s) != nil {
		return "", false
	}
	return s, true
}

type contentKind int

const (
	contentUnknown contentKind = iota
	contentEnvelope
	contentToken
	contentHeartbeat
)

// inbound is a classified, decrypted message body
type inbound struct {
	kind  contentKind
	resp  *Response
	token string          // bare hex token
	raw   json.RawMessage // implicit reply payload for the normaliser
}

var heartbeats = map[string]bool{"": true, "ping": true, "pong": true, "heartbeat": true}

// classify sorts a plaintext body into envelope, bare token, heartbeat or unknown
func classify(plaintext string) inbound {
	s := strings.TrimSpace(plaintext)
	if heartbeats[strings.ToLower(s)] {
		return inbound{kind: contentHeartbeat}
	}

	switch {
	case strings.HasPrefix(s, "{"):
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(s), &fields); err != nil {
			return inbound{}
		}
		if _, isRequest := fields["method"]; isRequest {
			return inbound{}
		}
		_, hasPubkey := fields["pubkey"]
		_, hasKind := fields["kind"]
		_, hasEventSig := fields["sig"]
		if hasPubkey && hasKind && hasEventSig {
			// a bare signed event; its id is the event id
			return inbound{kind: contentToken, raw: json.RawMessage(s)}
		}
		_, hasResult := fields["result"]
		_, hasError := fields["error"]
		hasSig := false
		for _, f := range []string{"sig", "signature", "content"} {
			if _, ok := fields[f]; ok {
				hasSig = true
				break
			}
		}

		var id string
		if rawID, ok := fields["id"]; ok && json.Unmarshal(rawID, &id) == nil && id != "" {
			if !hasResult && !hasError && !hasSig {
				return inbound{}
			}
			var resp Response
			if err := json.Unmarshal([]byte(s), &resp); err != nil {
				return inbound{}
			}
			if resp.Error != nil && resp.Error.Message == "" && resp.Error.Code == 0 {
				resp.Error = nil
			}
			// a signature outside result: the whole object goes to the normaliser
			if hasSig && resp.Error == nil && (len(resp.Result) == 0 || string(resp.Result) == "null") {
				resp.Result = json.RawMessage(s)
			}
			return inbound{kind: contentEnvelope, resp: &resp}
		}

		// id-less object carrying a signature somewhere
		if hasSig || hasResult {
			return inbound{kind: contentToken, raw: json.RawMessage(s)}
		}
		return inbound{}

	case strings.HasPrefix(s, `"`):
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return inbound{}
		}
		return classify(inner)

	case len(s) >= 64 && nostr.IsHex(s):
		raw, _ := json.Marshal(strings.ToLower(s))
		return inbound{kind: contentToken, token: strings.ToLower(s), raw: raw}
	}
	return inbound{}
}

var errEmptyResult = errors.New("empty result")
