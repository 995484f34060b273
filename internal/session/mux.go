package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/xtaci/smux"
)

// netConn adapts a Session to net.Conn so stream multiplexers can run
// on top of the obfuscated link.
type netConn struct {
	s *Session

	readMu   sync.Mutex
	leftover []byte

	deadlineMu sync.Mutex
	readDL     time.Time
	writeDL    time.Time
}

// NetConn wraps the session as a net.Conn.
func (s *Session) NetConn() net.Conn { return &netConn{s: s} }

func (c *netConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	ctx, cancel := c.deadlineContext(c.readDeadline())
	defer cancel()

	payload, err := c.s.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, timeoutError{}
		}
		return 0, err
	}
	n := copy(p, payload)
	if n < len(payload) {
		c.leftover = payload[n:]
	}
	return n, nil
}

func (c *netConn) Write(p []byte) (int, error) {
	ctx, cancel := c.deadlineContext(c.writeDeadline())
	defer cancel()

	// Payloads above the frame ceiling are split into separate frames;
	// the carrier preserves their order.
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxDataPayload {
			chunk = chunk[:maxDataPayload]
		}
		if err := c.s.Send(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return written, timeoutError{}
			}
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// maxDataPayload leaves room for the frame header, tag and padding
// inside the carrier frame ceiling.
const maxDataPayload = 32 * 1024

func (c *netConn) Close() error         { return c.s.Close() }
func (c *netConn) LocalAddr() net.Addr  { return c.s.conn.LocalAddr() }
func (c *netConn) RemoteAddr() net.Addr { return c.s.conn.RemoteAddr() }

func (c *netConn) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDL, c.writeDL = t, t
	c.deadlineMu.Unlock()
	return nil
}

func (c *netConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDL = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *netConn) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.writeDL = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *netConn) readDeadline() time.Time {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	return c.readDL
}

func (c *netConn) writeDeadline() time.Time {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	return c.writeDL
}

func (c *netConn) deadlineContext(dl time.Time) (context.Context, context.CancelFunc) {
	if dl.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), dl)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "session: i/o deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// MuxConfig tunes the smux layer riding on a session.
func MuxConfig(keepAliveInterval, keepAliveTimeout time.Duration) *smux.Config {
	cfg := smux.DefaultConfig()
	cfg.Version = 2
	if keepAliveInterval > 0 {
		cfg.KeepAliveInterval = keepAliveInterval
	}
	if keepAliveTimeout > 0 {
		cfg.KeepAliveTimeout = keepAliveTimeout
	}
	cfg.MaxStreamBuffer = 1 << 20
	cfg.MaxReceiveBuffer = 4 << 20
	return cfg
}

// OpenMux starts a stream multiplexer over the session. The client
// side of the link runs the smux client.
func (s *Session) OpenMux(cfg *smux.Config) (*smux.Session, error) {
	if cfg == nil {
		cfg = MuxConfig(0, 0)
	}
	if s.params.Role == RoleClient {
		return smux.Client(s.NetConn(), cfg)
	}
	return smux.Server(s.NetConn(), cfg)
}
