package manager

import (
	"context"
	"errors"

	"nostr-signer/internal/signer"
)

// Result tells a caller whether signing can proceed and, if not, whether
// to offer a retry or a different backend
type Result struct {
	Success bool
	Err     error
	Kind    signer.Kind
	Retry   bool
}

func failure(kind signer.Kind, err error) Result {
	return Result{Err: err, Kind: kind, Retry: signer.Retryable(err)}
}

// EnsureAvailable reruns selection once and checks the chosen backend can
// really sign. It never returns an unclassified error.
func (m *Manager) EnsureAvailable(ctx context.Context) Result {
	const op = "manager.ensure_available"

	if kind, ok := m.SignerKind(); ok && kind != signer.RelayRemote && m.IsAvailable() {
		return Result{Success: true, Kind: kind}
	}

	initErr := m.Reinitialize(ctx)
	choice := m.Choice()

	kind, ok := m.SignerKind()
	if !ok {
		switch {
		case choice == signer.IntentCallback && !m.intentSupported(ctx):
			return Result{
				Err:  signer.Errorf(signer.UnsupportedPlatform, op, "unsupported platform, use relay-remote instead"),
				Kind: signer.IntentCallback,
			}
		case errors.Is(initErr, ErrRequiresInteractiveReconnect):
			return Result{Err: signer.E(signer.NoSignerAvailable, op, initErr), Kind: signer.IntentCallback, Retry: true}
		case errors.Is(initErr, ErrNoConnectionFound):
			return Result{Err: signer.E(signer.NoSignerAvailable, op, ErrNoConnectionFound), Kind: signer.RelayRemote}
		case initErr != nil:
			return failure(choice, classify(op, initErr))
		}
		return Result{Err: signer.Errorf(signer.NoSignerAvailable, op, "no signer available"), Kind: choice}
	}

	switch kind {
	case signer.RelayRemote:
		s, _ := m.Session()
		if !s.Connected {
			return failure(kind, signer.Errorf(signer.TransportUnreachable, op, "remote signer session is not connected"))
		}
		if s.RemotePubkey == "" {
			// connected but not yet usable: one more round trip
			if _, err := m.GetPublicKey(ctx); err != nil {
				return failure(kind, err)
			}
		}
	case signer.IntentCallback:
		if !m.intentSupported(ctx) {
			return Result{
				Err:  signer.Errorf(signer.UnsupportedPlatform, op, "unsupported platform, use relay-remote instead"),
				Kind: kind,
			}
		}
	}

	if !m.IsAvailable() {
		return failure(kind, signer.Errorf(signer.NoSignerAvailable, op, "%s signer is not connected", kind))
	}
	return Result{Success: true, Kind: kind}
}
