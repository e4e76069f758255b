// Package relay provides the relay transport used by the remote signer
// client: a websocket pool for real relays and an in-memory hub for tests
// and local development.
package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"nostr-signer/internal/types"
)

// Unsubscribe stops a subscription on every relay it was opened on
type Unsubscribe func()

// Transport is the minimal relay contract the signer clients depend on
type Transport interface {
	Connect(ctx context.Context, url string, perms types.RelayPerms) error
	Publish(ctx context.Context, evt types.Event) []types.PublishResult
	Subscribe(ctx context.Context, filters []types.Filter, onEvent func(types.Event), relays ...string) (Unsubscribe, error)
	DisconnectAll()
}

// ErrNoRelays is returned when an operation has no relay to use
var ErrNoRelays = errors.New("no relays connected")

// PublishError folds per-relay outcomes into one error.
// It is nil when at least one relay accepted the event.
func PublishError(results []types.PublishResult) error {
	if len(results) == 0 {
		return ErrNoRelays
	}
	var err error
	for _, r := range results {
		if r.OK {
			return nil
		}
		switch {
		case r.Err != nil:
			err = multierr.Append(err, fmt.Errorf("%s: %w", r.Relay, r.Err))
		case r.Message != "":
			err = multierr.Append(err, fmt.Errorf("%s: rejected: %s", r.Relay, r.Message))
		default:
			err = multierr.Append(err, fmt.Errorf("%s: rejected", r.Relay))
		}
	}
	return err
}

func subscriptionID(prefix string, n uint64) string {
	return fmt.Sprintf("%s-%d", prefix, n)
}
