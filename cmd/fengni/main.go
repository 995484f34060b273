package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fengni/internal/config"
	"fengni/internal/metrics"
	"fengni/internal/session"
	"fengni/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	reloader, err := config.NewReloadable(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	defer reloader.Close()
	cfg := reloader.Get()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Listen); err != nil {
				log.Printf("metrics server failed: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	for {
		var err error
		switch cfg.Role {
		case "client":
			err = runClient(ctx, cfg)
		case "server":
			err = runServer(ctx, cfg)
		}
		if ctx.Err() != nil {
			return
		}
		log.Printf("%s failed: %v, restarting in 3s", cfg.Role, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
		cfg = reloader.Get()
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

func transportConfig(cfg *config.Config) *transport.Config {
	return &transport.Config{
		Datagrams:        cfg.Transport.Datagrams,
		Enable0RTT:       cfg.Transport.Enable0RTT,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		MaxIdleTimeout:   cfg.Transport.MaxIdleTimeout,
		KeepAlivePeriod:  cfg.Transport.KeepAlivePeriod,
	}
}

// runClient forwards each local TCP connection as one stream over the
// obfuscated link.
func runClient(ctx context.Context, cfg *config.Config) error {
	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return err
	}

	carrier, err := transport.DialQUIC(ctx, cfg.Connect, transportConfig(cfg), tlsCfg)
	if err != nil {
		return err
	}

	sess, err := session.New(session.ParamsFromConfig(session.RoleClient, []byte(cfg.Secret), cfg.Session))
	if err != nil {
		carrier.Close()
		return err
	}
	sess.Start(carrier.Frames(sess.Masker()))
	defer sess.Close()

	mux, err := sess.OpenMux(nil)
	if err != nil {
		return err
	}
	defer mux.Close()
	log.Printf("connected to %s, session up", cfg.Connect)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Printf("forwarding %s over the link", cfg.Listen)

	for {
		local, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || sess.Err() != nil {
				return sess.Err()
			}
			return err
		}
		go func() {
			defer local.Close()
			stream, err := mux.OpenStream()
			if err != nil {
				log.Printf("open stream: %v", err)
				return
			}
			defer stream.Close()
			relay(local, stream)
		}()
	}
}

// runServer terminates obfuscated links and forwards their streams to
// the upstream address.
func runServer(ctx context.Context, cfg *config.Config) error {
	tlsCfg, err := serverTLS(cfg)
	if err != nil {
		return err
	}

	ln, err := transport.ListenQUIC(cfg.Listen, transportConfig(cfg), tlsCfg)
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Printf("listening on %s", cfg.Listen)

	for {
		carrier, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go serveCarrier(ctx, cfg, carrier)
	}
}

func serveCarrier(ctx context.Context, cfg *config.Config, carrier *transport.QUICCarrier) {
	sess, err := session.New(session.ParamsFromConfig(session.RoleServer, []byte(cfg.Secret), cfg.Session))
	if err != nil {
		log.Printf("session setup: %v", err)
		carrier.Close()
		return
	}
	sess.Start(carrier.Frames(sess.Masker()))
	defer sess.Close()

	mux, err := sess.OpenMux(nil)
	if err != nil {
		log.Printf("mux setup: %v", err)
		return
	}
	defer mux.Close()

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			if ctx.Err() == nil && sess.Err() != nil {
				log.Printf("session ended: %v", sess.Err())
			}
			return
		}
		go func() {
			defer stream.Close()
			upstream, err := net.DialTimeout("tcp", cfg.Connect, 10*time.Second)
			if err != nil {
				log.Printf("upstream dial: %v", err)
				return
			}
			defer upstream.Close()
			relay(stream, upstream)
		}()
	}
}

func relay(a, b io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		_ = a.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		_ = b.Close()
	}()
	wg.Wait()
}

func clientTLS(cfg *config.Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS13,
	}
	if cfg.TLS.CA != "" {
		pem, err := os.ReadFile(cfg.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.TLS.CA)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func serverTLS(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
