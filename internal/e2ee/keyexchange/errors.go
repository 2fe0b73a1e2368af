package keyexchange

import "errors"

// Protocol violations are logged and the offending message is discarded;
// none of these are retried. Only ErrKeyTimeout reaches callers as a
// user-visible failure.
var (
	ErrUnsignedMessage  = errors.New("keyexchange: message carries no signature")
	ErrInvalidSignature = errors.New("keyexchange: signature verification failed")
	ErrIdentityMismatch = errors.New("keyexchange: identity key mismatch")
	ErrNotHolder        = errors.New("keyexchange: channel key from a sender that is not the elected holder")
	ErrStaleEpoch       = errors.New("keyexchange: stale epoch")
	ErrNoKey            = errors.New("keyexchange: no channel key established")
	ErrKeyTimeout       = errors.New("keyexchange: channel key not established in time")
	ErrSessionClosed    = errors.New("keyexchange: session closed")
)
