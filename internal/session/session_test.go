package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fengni/internal/config"
	"fengni/internal/resync"
	"fengni/internal/transport"
)

var sessionSecret = []byte("session-test-shared-secret-here")

func testParams(role Role) Params {
	return Params{
		Role:              role,
		Secret:            sessionSecret,
		EpochLifetime:     time.Hour,
		EpochMaxBytes:     1 << 30,
		EpochGrace:        10 * time.Second,
		FECDataShards:     4,
		FECParityMin:      2,
		FECParityMax:      6,
		FECBlockDelay:     20 * time.Millisecond,
		FECBlockExpiry:    time.Second,
		HeartbeatInterval: time.Hour,
		TickInterval:      10 * time.Millisecond,
		Resync: resync.Config{
			EvidenceThreshold: 3,
			EvidenceWindow:    10 * time.Second,
			ProbeRetries:      10,
			ProbeTimeout:      50 * time.Millisecond,
		},
	}
}

func startPair(t *testing.T, clientParams, serverParams Params) (*Session, *Session, *transport.PipeConn, *transport.PipeConn) {
	t.Helper()
	client, err := New(clientParams)
	require.NoError(t, err)
	server, err := New(serverParams)
	require.NoError(t, err)

	cConn, sConn := transport.Pipe()
	client.Start(cConn)
	server.Start(sConn)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server, cConn, sConn
}

func TestSessionDelivery(t *testing.T) {
	client, server, _, _ := startPair(t, testParams(RoleClient), testParams(RoleServer))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, client.Send(ctx, []byte(fmt.Sprintf("payload %d", i))))
	}
	for i := 0; i < 10; i++ {
		got, err := server.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("payload %d", i), string(got))
	}

	// And the reverse direction.
	require.NoError(t, server.Send(ctx, []byte("response")))
	got, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "response", string(got))
}

// Sustained transfer with 5% frame loss and rotations mid-stream:
// everything delivered stays in order, the link stays synced, and no
// replay ever surfaces as data.
func TestSessionLossyTransferStaysOrdered(t *testing.T) {
	clientParams := testParams(RoleClient)
	// Rotate every ~32 KiB of wire traffic.
	clientParams.EpochMaxBytes = 32 << 10
	client, server, cConn, _ := startPair(t, clientParams, testParams(RoleServer))

	// Deterministic 5%: every 20th frame written by the client vanishes.
	cConn.SetDrop(func(n uint64, _ []byte) bool { return n%20 == 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const total = 1000
	go func() {
		payload := make([]byte, 80)
		for i := 0; i < total; i++ {
			binary.BigEndian.PutUint64(payload[:8], uint64(i))
			if err := client.Send(ctx, payload); err != nil {
				return
			}
		}
	}()

	received := 0
	last := -1
	deadline := time.After(20 * time.Second)
loop:
	for {
		recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
		payload, err := server.Receive(recvCtx)
		recvCancel()
		if err != nil {
			select {
			case <-deadline:
				t.Fatalf("stalled after %d payloads", received)
			default:
			}
			if received >= total*9/10 {
				break loop
			}
			continue
		}
		idx := int(binary.BigEndian.Uint64(payload[:8]))
		require.Greater(t, idx, last, "payload %d arrived out of order", idx)
		last = idx
		received++
		if idx == total-1 {
			break loop
		}
	}

	assert.GreaterOrEqual(t, received, total*9/10, "only the dropped frames may be missing")
	assert.Greater(t, client.CurrentEpoch(), uint64(0), "the byte budget must have forced rotations")
	assert.Equal(t, resync.StateSynced, client.ResyncState())
	assert.Equal(t, resync.StateSynced, server.ResyncState())
	assert.NoError(t, client.Err())
	assert.NoError(t, server.Err())

	require.Eventually(t, func() bool {
		return server.CurrentEpoch() == client.CurrentEpoch()
	}, 5*time.Second, 20*time.Millisecond, "the peer must follow every rotation")
}

// A rotation-advance block wiped out entirely: the peer drifts one
// epoch behind, accumulates desync evidence, probes, and rejoins via
// the ack without the session failing.
func TestSessionRecoversFromLostRotation(t *testing.T) {
	client, server, cConn, _ := startPair(t, testParams(RoleClient), testParams(RoleServer))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Prove the link first.
	require.NoError(t, client.Send(ctx, []byte("warmup")))
	_, err := server.Receive(ctx)
	require.NoError(t, err)

	// Swallow every client frame while the advance goes out.
	var blackhole atomic.Bool
	blackhole.Store(true)
	cConn.SetDrop(func(_ uint64, _ []byte) bool { return blackhole.Load() })

	client.initiateRotation()
	require.Equal(t, uint64(1), client.CurrentEpoch())
	require.Equal(t, uint64(0), server.CurrentEpoch(), "the advance must have been lost")
	blackhole.Store(false)

	// Epoch-1 traffic the server cannot read becomes desync evidence.
	go func() {
		for i := 0; i < 200; i++ {
			if client.Send(ctx, []byte("post-rotation")) != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool {
		return server.CurrentEpoch() == 1 && server.ResyncState() == resync.StateSynced
	}, 10*time.Second, 10*time.Millisecond, "probe/ack must rejoin the epoch chain")

	assert.NoError(t, client.Err())
	assert.NoError(t, server.Err())

	// The link carries data again.
	drainCtx, drainCancel := context.WithTimeout(ctx, 5*time.Second)
	defer drainCancel()
	_, err = server.Receive(drainCtx)
	assert.NoError(t, err)
}

// With the peer gone entirely, probing must exhaust its budget and
// surface a terminal error instead of spinning forever.
func TestSessionDesyncExhaustionIsFatal(t *testing.T) {
	serverParams := testParams(RoleServer)
	serverParams.Resync.ProbeRetries = 3
	client, server, cConn, sConn := startPair(t, testParams(RoleClient), serverParams)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Client rotates away and its peer never hears of it; the server's
	// probes vanish as well, so no ack can ever arrive.
	var blackhole atomic.Bool
	blackhole.Store(true)
	cConn.SetDrop(func(_ uint64, _ []byte) bool { return blackhole.Load() })
	client.initiateRotation()
	blackhole.Store(false)
	sConn.SetDrop(func(_ uint64, _ []byte) bool { return true })

	go func() {
		for i := 0; i < 500; i++ {
			if client.Send(ctx, []byte("unreadable")) != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool {
		return server.Err() != nil
	}, 10*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, server.Err(), ErrDesyncFatal)
}

func TestMuxOverSession(t *testing.T) {
	client, server, _, _ := startPair(t, testParams(RoleClient), testParams(RoleServer))

	serverMux, err := server.OpenMux(nil)
	require.NoError(t, err)
	clientMux, err := client.OpenMux(nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		stream, err := serverMux.AcceptStream()
		if err != nil {
			return
		}
		defer stream.Close()
		buf := make([]byte, 64)
		n, err := stream.Read(buf)
		if err != nil {
			return
		}
		_, _ = stream.Write(buf[:n])
	}()

	stream, err := clientMux.OpenStream()
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Write([]byte("echo me"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	require.NoError(t, stream.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "echo me", string(buf[:n]))
	<-done
}

func TestParamsFromConfigMapsSessionBlock(t *testing.T) {
	var cfg config.Config
	cfg.ApplyDefaults()
	p := ParamsFromConfig(RoleServer, []byte("0123456789abcdef"), cfg.Session)

	assert.Equal(t, RoleServer, p.Role)
	assert.Equal(t, cfg.Session.LayoutCount, p.Codec.LayoutCount)
	assert.Equal(t, uint64(cfg.Session.WindowSize), p.Codec.WindowSize)
	assert.Equal(t, cfg.Session.EpochLifetime, p.EpochLifetime)
	assert.Equal(t, cfg.Session.EpochMaxBytes, p.EpochMaxBytes)
	assert.Equal(t, cfg.Session.FECDataShards, p.FECDataShards)
	assert.Equal(t, cfg.Session.ResyncProbeRetries, p.Resync.ProbeRetries)
	assert.Equal(t, cfg.Session.HeartbeatInterval, p.HeartbeatInterval)
}
