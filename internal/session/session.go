package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fengni/internal/codec"
	"fengni/internal/config"
	"fengni/internal/entropy"
	"fengni/internal/fec"
	"fengni/internal/metrics"
	"fengni/internal/resync"
	"fengni/internal/transport"
)

// Role fixes which peer initiates scheduled rotations and which
// direction salt each side encodes under.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Direction labels keep the two frame shapes of a session disjoint.
const (
	labelClientToServer = "c2s"
	labelServerToClient = "s2c"
)

const (
	maxControlBatch = 16
	writeTimeout    = 10 * time.Second
	freshLen        = 32
)

// Params collects everything a session needs besides its carrier.
type Params struct {
	Role   Role
	Secret []byte

	Codec codec.Params

	EpochLifetime time.Duration
	EpochMaxBytes uint64
	EpochGrace    time.Duration

	FECDataShards  int
	FECParityMin   int
	FECParityMax   int
	FECBlockDelay  time.Duration
	FECBlockExpiry time.Duration

	Resync resync.Config

	HeartbeatInterval time.Duration
	TickInterval      time.Duration
}

func (p *Params) sanitize() {
	if p.EpochLifetime <= 0 {
		p.EpochLifetime = 5 * time.Minute
	}
	if p.EpochMaxBytes == 0 {
		p.EpochMaxBytes = 256 << 20
	}
	if p.EpochGrace <= 0 {
		p.EpochGrace = 10 * time.Second
	}
	if p.FECDataShards <= 0 {
		p.FECDataShards = 4
	}
	if p.FECParityMin <= 0 {
		p.FECParityMin = 2
	}
	if p.FECParityMax < p.FECParityMin {
		p.FECParityMax = p.FECParityMin + 4
	}
	if p.FECBlockDelay <= 0 {
		p.FECBlockDelay = 50 * time.Millisecond
	}
	if p.FECBlockExpiry <= 0 {
		p.FECBlockExpiry = 5 * time.Second
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = 5 * time.Second
	}
	if p.TickInterval <= 0 {
		p.TickInterval = 50 * time.Millisecond
	}
}

// ParamsFromConfig maps the YAML session block onto Params.
func ParamsFromConfig(role Role, secret []byte, sc config.Session) Params {
	return Params{
		Role:   role,
		Secret: secret,
		Codec: codec.Params{
			LayoutCount:   sc.LayoutCount,
			PaddingBound:  sc.PaddingBound,
			PaddingScheme: sc.PaddingScheme,
			Compress:      sc.Compress,
			WindowSize:    uint64(sc.WindowSize),
		},
		EpochLifetime:  sc.EpochLifetime,
		EpochMaxBytes:  sc.EpochMaxBytes,
		EpochGrace:     sc.EpochGrace,
		FECDataShards:  sc.FECDataShards,
		FECParityMin:   sc.FECParityMin,
		FECParityMax:   sc.FECParityMax,
		FECBlockDelay:  sc.FECBlockDelay,
		FECBlockExpiry: sc.FECBlockExpiry,
		Resync: resync.Config{
			EvidenceThreshold: sc.ResyncEvidenceThreshold,
			EvidenceWindow:    sc.ResyncEvidenceWindow,
			ProbeRetries:      sc.ResyncProbeRetries,
			ProbeTimeout:      sc.ResyncProbeTimeout,
		},
		HeartbeatInterval: sc.HeartbeatInterval,
	}
}

// Session coordinates one obfuscated link: epoch succession, the frame
// codec for both directions, the FEC control channel and desync
// recovery, multiplexed over a single FrameConn.
type Session struct {
	params Params

	engine  *entropy.Engine
	enc     *codec.Encoder
	dec     *codec.Decoder
	fecEnc  *fec.Encoder
	reasm   *fec.Reassembler
	ctrl    *fec.Controller
	machine *resync.Machine
	queue   *controlQueue

	outLabel string
	inLabel  string

	conn   transport.FrameConn
	sendMu sync.Mutex

	recvCh chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failOnce sync.Once
	failErr  error
	done     chan struct{}

	mu            sync.Mutex
	lastFresh     []byte
	rotatePending bool
	lastHeartbeat time.Time
	lastFlush     time.Time
	lastInSeq     uint64
	haveInSeq     bool
}

// New builds an unstarted session. Both peers must pass the same
// secret and compatible Params.
func New(params Params) (*Session, error) {
	params.sanitize()

	// The engine's hard expiry is a backstop; scheduled rotation fires
	// at EpochLifetime, well before.
	engine, err := entropy.Initialize(params.Secret, params.EpochGrace, 2*params.EpochLifetime)
	if err != nil {
		return nil, err
	}

	outLabel, inLabel := labelClientToServer, labelServerToClient
	if params.Role == RoleServer {
		outLabel, inLabel = inLabel, outLabel
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		params:   params,
		engine:   engine,
		enc:      codec.NewEncoder(outLabel, params.Codec),
		dec:      codec.NewDecoder(inLabel, params.Codec),
		fecEnc:   fec.NewEncoder(),
		reasm:    fec.NewReassembler(params.FECBlockExpiry),
		ctrl:     fec.NewController(params.FECDataShards, params.FECParityMin, params.FECParityMax),
		machine:  resync.NewMachine(params.Resync),
		queue:    newControlQueue(),
		outLabel: outLabel,
		inLabel:  inLabel,
		recvCh:   make(chan []byte, 256),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	return s, nil
}

// Masker exposes the carrier length masks for this session's epochs.
// Stream carriers need it before Start.
func (s *Session) Masker() transport.LengthMasker { return sessionMasker{s} }

type sessionMasker struct{ s *Session }

func (m sessionMasker) WriteMask() [4]byte {
	return codec.LengthMask(m.s.engine.Current(), m.s.outLabel)
}

// ReadMasks covers the previous, current and next epoch so a length
// word stays readable across a rotation the reader has not applied yet.
func (m sessionMasker) ReadMasks() [][4]byte {
	cur := m.s.engine.Current().Number()
	nums := []uint64{cur, cur + 1}
	if cur > 0 {
		nums = append(nums, cur-1)
	}
	masks := make([][4]byte, 0, len(nums))
	for _, n := range nums {
		masks = append(masks, codec.LengthMaskFromSalt(m.s.engine.DirectionSaltAt(n, m.s.inLabel)))
	}
	return masks
}

// Start binds the session to its carrier and launches the receive and
// housekeeping loops.
func (s *Session) Start(conn transport.FrameConn) {
	s.conn = conn
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
	metrics.IncSessionsOpened()
	s.wg.Add(2)
	go s.readLoop()
	go s.tickLoop()
}

// Send encodes payload as a data frame under the current epoch.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return s.failure()
	default:
	}

	s.sendMu.Lock()
	ep := s.engine.Current()
	raw, _, err := s.enc.Encode(ep, codec.TypeData, payload)
	if err != nil {
		s.sendMu.Unlock()
		return err
	}
	err = s.conn.WriteFrame(ctx, raw)
	s.sendMu.Unlock()
	if err != nil {
		return err
	}

	if s.engine.AddBytes(len(raw)) >= s.params.EpochMaxBytes && s.params.Role == RoleClient {
		s.initiateRotation()
	}
	return nil
}

// Receive returns the next in-order application payload.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-s.recvCh:
		return payload, nil
	case <-s.done:
		// Drain payloads delivered before teardown.
		select {
		case payload := <-s.recvCh:
			return payload, nil
		default:
			return nil, s.failure()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CurrentEpoch reports the encode-side epoch number.
func (s *Session) CurrentEpoch() uint64 { return s.engine.Current().Number() }

// ResyncState reports the desync recovery state.
func (s *Session) ResyncState() resync.State { return s.machine.State() }

// Err returns the terminal error, or nil while the session is live.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.failure()
	default:
		return nil
	}
}

// Close tears the session down and erases key material.
func (s *Session) Close() error {
	s.fail(ErrSessionClosed)
	s.wg.Wait()
	s.engine.Close()
	s.reasm.Abort()
	return nil
}

func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.failErr = err
		s.cancel()
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		metrics.DecSessionsActive()
	})
}

func (s *Session) failure() error {
	if s.failErr != nil {
		return s.failErr
	}
	return ErrSessionClosed
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.conn.ReadFrame(s.ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(fmt.Errorf("session: carrier read: %w", err))
			}
			return
		}
		s.handleRaw(raw)
	}
}

func (s *Session) handleRaw(raw []byte) {
	frame, err := s.dec.Decode(raw, s.engine.Current(), s.engine.Previous())
	switch {
	case err == nil:
		s.noteSeq(frame.Seq)
		s.dispatch(frame)
	case errors.Is(err, codec.ErrReplayDetected):
		// Counted by the decoder; dropping is the whole defense.
	case errors.Is(err, codec.ErrOutOfWindow):
		// Authenticated but far ahead of the window: the peer has
		// moved on without us.
		s.machine.RecordEvidence(time.Now())
	case errors.Is(err, codec.ErrDecodeFailure):
		s.machine.RecordEvidence(time.Now())
	}
}

// noteSeq feeds sequence gaps into the loss estimator. Gaps wider than
// the sample cap are desync artifacts, not loss.
func (s *Session) noteSeq(seq uint64) {
	const gapCap = 64
	s.mu.Lock()
	if s.haveInSeq && seq > s.lastInSeq+1 {
		gap := seq - s.lastInSeq - 1
		if gap <= gapCap {
			for i := uint64(0); i < gap; i++ {
				s.ctrl.RecordFrame(true)
			}
		}
	}
	if !s.haveInSeq || seq > s.lastInSeq {
		s.lastInSeq = seq
		s.haveInSeq = true
	}
	s.mu.Unlock()
	s.ctrl.RecordFrame(false)
}

func (s *Session) dispatch(frame *codec.Frame) {
	switch frame.Type {
	case codec.TypeData:
		select {
		case s.recvCh <- frame.Payload:
		case <-s.done:
		}
	case codec.TypeControl:
		msgs, err := s.reasm.Ingest(frame.Payload, time.Now())
		if err != nil {
			// Ingest counts its own drops; nothing here is fatal.
			return
		}
		for _, msg := range msgs {
			s.handleControl(msg)
		}
	case codec.TypePadding:
		// Cover traffic, nothing inside.
	}
}

func (s *Session) handleControl(msg *fec.Message) {
	cur := s.engine.Current().Number()
	switch msg.Type {
	case fec.MsgRotationAdvance:
		switch {
		case msg.Epoch == cur+1:
			if _, err := s.engine.RotateTo(msg.Epoch, msg.Fresh); err != nil {
				s.fail(err)
				return
			}
			s.rememberFresh(msg.Fresh)
			metrics.IncRotationAdvances()
		case msg.Epoch <= cur:
			// Duplicate delivery of an advance we already applied.
		default:
			s.fail(fmt.Errorf("%w: at %d, peer advancing to %d", ErrPeerEpochSkew, cur, msg.Epoch))
		}

	case fec.MsgResyncProbe:
		ack := &fec.Message{
			Type:     fec.MsgResyncAck,
			Priority: fec.PriorityUrgent,
			ProbeID:  msg.ProbeID,
			Epoch:    cur,
			Seq:      s.enc.NextSeq(),
		}
		if msg.Epoch+1 == cur {
			// The prober is one epoch behind: hand it the rotation
			// entropy it missed, sealed under the retiring epoch it can
			// still decode.
			s.mu.Lock()
			ack.Fresh = append([]byte(nil), s.lastFresh...)
			s.mu.Unlock()
			if prev := s.engine.Previous(); prev != nil {
				if err := s.sendControlBlockUnder(prev, []*fec.Message{ack}); err == nil {
					return
				}
			}
		}
		s.queue.Push(ack)
		s.flushControl()

	case fec.MsgResyncAck:
		if !s.machine.HandleAck(msg.ProbeID) {
			return
		}
		switch {
		case msg.Epoch == cur+1 && len(msg.Fresh) > 0:
			if _, err := s.engine.RotateTo(msg.Epoch, msg.Fresh); err != nil {
				s.fail(err)
				return
			}
			s.rememberFresh(msg.Fresh)
			metrics.IncRotationAdvances()
		case msg.Epoch > cur+1:
			s.fail(fmt.Errorf("%w: at %d, peer at %d", ErrPeerEpochSkew, cur, msg.Epoch))
			return
		}
		// Jump the replay window to the peer's stated position so the
		// frames it sends next land inside it.
		s.dec.ResetWindow(msg.Seq)
		s.mu.Lock()
		s.haveInSeq = false
		s.mu.Unlock()

	case fec.MsgHeartbeat:
		metrics.IncHeartbeats()
		s.ctrl.ObservePeerLoss(msg.LossPermille)
		if msg.Epoch > cur+1 {
			s.fail(fmt.Errorf("%w: at %d, peer heartbeat from %d", ErrPeerEpochSkew, cur, msg.Epoch))
		} else if msg.Epoch == cur+1 {
			s.machine.RecordEvidence(time.Now())
		}
	}
}

func (s *Session) rememberFresh(fresh []byte) {
	s.mu.Lock()
	s.lastFresh = append(s.lastFresh[:0], fresh...)
	s.mu.Unlock()
}

// initiateRotation proposes epoch n+1 to the peer and switches to it.
// The advance travels FEC-protected under epoch n before any frame of
// n+1 is emitted.
func (s *Session) initiateRotation() {
	s.mu.Lock()
	if s.rotatePending {
		s.mu.Unlock()
		return
	}
	s.rotatePending = true
	s.mu.Unlock()

	fresh := make([]byte, freshLen)
	if err := entropy.Fresh(fresh); err != nil {
		s.fail(err)
		return
	}
	cur := s.engine.Current().Number()
	advance := &fec.Message{
		Type:     fec.MsgRotationAdvance,
		Priority: fec.PriorityUrgent,
		Epoch:    cur + 1,
		Fresh:    fresh,
	}
	if err := s.sendControlBlock([]*fec.Message{advance}); err != nil {
		s.mu.Lock()
		s.rotatePending = false
		s.mu.Unlock()
		return
	}
	if _, err := s.engine.Rotate(fresh); err != nil {
		s.fail(err)
		return
	}
	s.rememberFresh(fresh)
	metrics.IncRotations()

	s.mu.Lock()
	s.rotatePending = false
	s.mu.Unlock()
}

// sendControlBlock shards msgs into one FEC block and sends every
// fragment as a control frame under the current epoch.
func (s *Session) sendControlBlock(msgs []*fec.Message) error {
	return s.sendControlBlockUnder(s.engine.Current(), msgs)
}

func (s *Session) sendControlBlockUnder(ep *entropy.Epoch, msgs []*fec.Message) error {
	k, r := s.ctrl.Shards()
	frags, _, err := s.fecEnc.EncodeBlock(msgs, k, r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for _, frag := range frags {
		raw, _, err := s.enc.Encode(ep, codec.TypeControl, frag.Marshal())
		if err != nil {
			return err
		}
		if err := s.conn.WriteFrame(ctx, raw); err != nil {
			return err
		}
		metrics.IncFECFragmentsSent()
	}
	return nil
}

func (s *Session) flushControl() {
	msgs := s.queue.PopBatch(maxControlBatch)
	if len(msgs) == 0 {
		return
	}
	if err := s.sendControlBlock(msgs); err != nil {
		select {
		case <-s.done:
		default:
			s.fail(fmt.Errorf("session: control send: %w", err))
		}
	}
	s.mu.Lock()
	s.lastFlush = time.Now()
	s.mu.Unlock()
}

func (s *Session) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.params.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Session) tick(now time.Time) {
	if err := s.engine.Tick(now); err != nil {
		s.fail(err)
		return
	}

	// Scheduled rotation is client-initiated so both sides never race
	// to propose the same epoch.
	if s.params.Role == RoleClient {
		cur := s.engine.Current()
		if now.Sub(cur.CreatedAt()) >= s.params.EpochLifetime {
			s.initiateRotation()
		}
	}

	probeID, send, err := s.machine.Tick(now)
	if err != nil {
		s.fail(ErrDesyncFatal)
		return
	}
	if send {
		s.queue.Push(&fec.Message{
			Type:     fec.MsgResyncProbe,
			Priority: fec.PriorityUrgent,
			ProbeID:  probeID,
			Epoch:    s.engine.Current().Number(),
			Seq:      s.enc.NextSeq(),
		})
	}

	s.mu.Lock()
	heartbeatDue := now.Sub(s.lastHeartbeat) >= s.params.HeartbeatInterval
	if heartbeatDue {
		s.lastHeartbeat = now
	}
	flushDue := now.Sub(s.lastFlush) >= s.params.FECBlockDelay
	s.mu.Unlock()

	if heartbeatDue {
		s.queue.Push(&fec.Message{
			Type:         fec.MsgHeartbeat,
			Priority:     fec.PriorityNormal,
			Epoch:        s.engine.Current().Number(),
			Timestamp:    now.UnixNano(),
			LossPermille: uint32(s.ctrl.LossRate() * 1000),
		})
	}

	for range s.reasm.Sweep(now) {
		s.ctrl.RecordFrame(true)
	}

	if s.queue.HasUrgent() || (s.queue.Len() > 0 && flushDue) {
		s.flushControl()
	}
}
