// Package transport abstracts the carrier underneath a fengni session:
// an ordered-or-unordered channel of discrete frames. Loss and
// reordering here are expected, not exceptional; the protocol engine
// above owns recovery.
package transport

import (
	"context"
	"errors"
	"net"
)

// MaxFrame bounds one carried frame, with slack for codec headers.
const MaxFrame = 64*1024 + 128

var (
	// ErrClosed is returned once the carrier is gone. Generally fatal
	// to the session.
	ErrClosed = errors.New("transport: connection closed")
	// ErrFrameTooLarge rejects frames over MaxFrame.
	ErrFrameTooLarge = errors.New("transport: frame exceeds carrier limit")
	// ErrBadLength means no live length mask yielded a plausible frame
	// length on a stream carrier.
	ErrBadLength = errors.New("transport: unreadable frame length word")
)

// FrameConn delivers whole frames in both directions.
type FrameConn interface {
	WriteFrame(ctx context.Context, frame []byte) error
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// LengthMasker supplies the salt-derived masks that obfuscate the
// frame length word on stream carriers. WriteMask is the sender's
// current mask; ReadMasks are the candidates a receiver tries, covering
// the epochs that may legitimately be in flight.
type LengthMasker interface {
	WriteMask() [4]byte
	ReadMasks() [][4]byte
}
