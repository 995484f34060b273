package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

const pipeDepth = 4096

// PipeAddr is the synthetic address of an in-process pipe endpoint.
type PipeAddr struct{ Name string }

func (a PipeAddr) Network() string { return "pipe" }
func (a PipeAddr) String() string  { return a.Name }

// DropFunc decides whether the nth frame written on an endpoint is
// silently discarded. Used to inject loss and reordering faults.
type DropFunc func(n uint64, frame []byte) bool

// PipeConn is one end of an in-process frame pipe. Frames are copied
// on write, so callers may reuse their buffers.
type PipeConn struct {
	name   string
	peer   string
	out    chan []byte
	in     chan []byte
	drop   DropFunc
	sent   atomic.Uint64
	lost   atomic.Uint64
	done   chan struct{}
	closed sync.Once
}

// Pipe returns a connected pair of in-process FrameConns. Frames
// written on one end arrive on the other unless its DropFunc fires.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan []byte, pipeDepth)
	ba := make(chan []byte, pipeDepth)
	a := &PipeConn{name: "pipe-a", peer: "pipe-b", out: ab, in: ba, done: make(chan struct{})}
	b := &PipeConn{name: "pipe-b", peer: "pipe-a", out: ba, in: ab, done: make(chan struct{})}
	return a, b
}

// SetDrop installs the loss policy for frames written on this end.
// Must be called before concurrent writes begin.
func (c *PipeConn) SetDrop(fn DropFunc) { c.drop = fn }

// Dropped reports how many written frames the loss policy discarded.
func (c *PipeConn) Dropped() uint64 { return c.lost.Load() }

func (c *PipeConn) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	n := c.sent.Add(1)
	if c.drop != nil && c.drop(n, frame) {
		c.lost.Add(1)
		return nil
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case c.out <- cp:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *PipeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.done:
		// Drain frames already in flight before reporting closure.
		select {
		case frame := <-c.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *PipeConn) Close() error {
	c.closed.Do(func() { close(c.done) })
	return nil
}

func (c *PipeConn) LocalAddr() net.Addr  { return PipeAddr{Name: c.name} }
func (c *PipeConn) RemoteAddr() net.Addr { return PipeAddr{Name: c.peer} }
