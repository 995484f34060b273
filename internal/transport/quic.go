package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

const defaultALPN = "fengni/1"

// Config holds QUIC carrier configuration.
type Config struct {
	// Datagrams selects the unordered datagram channel instead of a
	// single ordered stream. Frames must then fit the path MTU.
	Datagrams        bool
	Enable0RTT       bool
	HandshakeTimeout time.Duration
	MaxIdleTimeout   time.Duration
	KeepAlivePeriod  time.Duration
}

// ApplyDefaults fills missing values.
func (c *Config) ApplyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 8 * time.Second
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = 45 * time.Second
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = 15 * time.Second
	}
}

func cloneConfig(cfg *Config) *Config {
	if cfg == nil {
		cfg = &Config{}
	}
	cp := *cfg
	cp.ApplyDefaults()
	return &cp
}

func (c *Config) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		EnableDatagrams:      c.Datagrams,
	}
}

// QUICCarrier is one accepted or dialed QUIC connection before it is
// bound to a session. Frames(masker) finishes the binding once the
// session's length masker exists.
type QUICCarrier struct {
	conn      *quic.Conn
	stream    *quic.Stream
	datagrams bool
}

// Frames wraps the carrier as a FrameConn. The masker is only used in
// stream mode; datagram boundaries need no length word.
func (c *QUICCarrier) Frames(masker LengthMasker) FrameConn {
	if c.datagrams {
		return &datagramConn{conn: c.conn}
	}
	return NewStreamConn(&quicStream{conn: c.conn, stream: c.stream}, masker,
		c.conn.LocalAddr(), c.conn.RemoteAddr())
}

// Close tears the QUIC connection down.
func (c *QUICCarrier) Close() error {
	return c.conn.CloseWithError(0, "")
}

// DialQUIC connects to a fengni peer over QUIC.
func DialQUIC(ctx context.Context, addr string, cfg *Config, tlsCfg *tls.Config) (*QUICCarrier, error) {
	if tlsCfg == nil {
		return nil, fmt.Errorf("transport: quic dial requires tls config")
	}
	cfg = cloneConfig(cfg)
	tlsConf := clientTLSConfig(tlsCfg, addr)

	var (
		conn *quic.Conn
		err  error
	)
	if cfg.Enable0RTT {
		conn, err = quic.DialAddrEarly(ctx, addr, tlsConf, cfg.quicConfig())
	} else {
		conn, err = quic.DialAddr(ctx, addr, tlsConf, cfg.quicConfig())
	}
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial: %w", err)
	}

	carrier := &QUICCarrier{conn: conn, datagrams: cfg.Datagrams}
	if !cfg.Datagrams {
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "open")
			return nil, fmt.Errorf("transport: quic open stream: %w", err)
		}
		carrier.stream = stream
	}
	return carrier, nil
}

// QUICListener accepts inbound fengni carriers.
type QUICListener struct {
	ln  *quic.Listener
	cfg *Config
}

// ListenQUIC opens a QUIC listener.
func ListenQUIC(addr string, cfg *Config, tlsCfg *tls.Config) (*QUICListener, error) {
	if tlsCfg == nil {
		return nil, fmt.Errorf("transport: quic listen requires tls config")
	}
	cfg = cloneConfig(cfg)
	tlsConf := tlsCfg.Clone()
	tlsConf.NextProtos = ensureALPN(tlsConf.NextProtos)
	ln, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen: %w", err)
	}
	return &QUICListener{ln: ln, cfg: cfg}, nil
}

// Accept waits for the next carrier.
func (l *QUICListener) Accept(ctx context.Context) (*QUICCarrier, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	carrier := &QUICCarrier{conn: conn, datagrams: l.cfg.Datagrams}
	if !l.cfg.Datagrams {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "accept")
			return nil, err
		}
		carrier.stream = stream
	}
	return carrier, nil
}

// Close stops the listener.
func (l *QUICListener) Close() error { return l.ln.Close() }

// Addr returns the listen address.
func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

// datagramConn carries frames as QUIC datagrams: unordered, droppable,
// one frame per datagram.
type datagramConn struct {
	conn *quic.Conn
}

func (c *datagramConn) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.SendDatagram(frame); err != nil {
		return fmt.Errorf("transport: send datagram: %w", err)
	}
	return nil
}

func (c *datagramConn) ReadFrame(ctx context.Context) ([]byte, error) {
	frame, err := c.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: receive datagram: %w", err)
	}
	return frame, nil
}

func (c *datagramConn) Close() error         { return c.conn.CloseWithError(0, "") }
func (c *datagramConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *datagramConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// quicStream adapts a QUIC stream to io.ReadWriteCloser; closing the
// stream closes the owning connection.
type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	_ = s.stream.Close()
	return s.conn.CloseWithError(0, "")
}

func clientTLSConfig(base *tls.Config, addr string) *tls.Config {
	tlsConf := base.Clone()
	tlsConf.NextProtos = ensureALPN(tlsConf.NextProtos)
	if tlsConf.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConf.ServerName = host
		}
	}
	return tlsConf
}

func ensureALPN(existing []string) []string {
	for _, p := range existing {
		if p == defaultALPN {
			return existing
		}
	}
	out := make([]string, 0, len(existing)+1)
	out = append(out, existing...)
	return append(out, defaultALPN)
}
