package session

import "errors"

var (
	// ErrSessionClosed is returned once Close has been called or the
	// session has torn itself down.
	ErrSessionClosed = errors.New("session: closed")

	// ErrDesyncFatal is returned when desync recovery exhausted its
	// probe budget without an acknowledgment.
	ErrDesyncFatal = errors.New("session: desync recovery failed")

	// ErrPeerEpochSkew is returned when the peer advanced more than one
	// epoch beyond ours; the key chain cannot be rejoined.
	ErrPeerEpochSkew = errors.New("session: peer epoch unreachable")
)
