// Package fec carries control messages inside erasure-coded blocks so
// they survive loss without a retransmission round trip. A block of k
// data fragments and r parity fragments reconstructs from any k
// arrivals; each fragment rides in an ordinary obfuscated frame.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MsgType identifies a control message.
type MsgType byte

const (
	// MsgRotationAdvance announces the next epoch number and carries
	// the fresh entropy both peers mix into the rotation.
	MsgRotationAdvance MsgType = 1
	// MsgResyncProbe self-describes the sender's epoch and sequence
	// position during desync recovery.
	MsgResyncProbe MsgType = 2
	// MsgResyncAck confirms a mutually agreed epoch/sequence baseline.
	MsgResyncAck MsgType = 3
	// MsgHeartbeat carries liveness and the receiver's loss estimate.
	MsgHeartbeat MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case MsgRotationAdvance:
		return "rotation-advance"
	case MsgResyncProbe:
		return "resync-probe"
	case MsgResyncAck:
		return "resync-ack"
	case MsgHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("msg(%d)", byte(t))
	}
}

// Priority orders control messages in the outbound queue.
type Priority byte

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Message is a typed signaling payload. Control messages travel only
// inside FEC blocks, never as bare data frames.
type Message struct {
	Type     MsgType
	Priority Priority

	// Epoch is the rotation target (rotation-advance) or the sender's
	// current epoch (probe/ack).
	Epoch uint64
	// Seq is the sender's outbound sequence position (probe/ack).
	Seq uint64
	// ProbeID makes probes idempotent; acks echo it so stale acks are
	// ignored.
	ProbeID uint64
	// Fresh is rotation entropy (rotation-advance, and acks that let a
	// lagging peer catch up one epoch).
	Fresh []byte
	// Timestamp is unix nanoseconds (heartbeat).
	Timestamp int64
	// LossPermille is the observed inbound loss rate in 1/1000
	// (heartbeat).
	LossPermille uint32
}

var ErrMessageTruncated = errors.New("fec: truncated control message")

const maxFreshLen = 64

// Marshal encodes the message.
func (m *Message) Marshal() []byte {
	buf := make([]byte, 0, 48+len(m.Fresh))
	buf = append(buf, byte(m.Type), byte(m.Priority))
	buf = binary.AppendUvarint(buf, m.Epoch)
	buf = binary.AppendUvarint(buf, m.Seq)
	buf = binary.AppendUvarint(buf, m.ProbeID)
	buf = binary.AppendVarint(buf, m.Timestamp)
	buf = binary.AppendUvarint(buf, uint64(m.LossPermille))
	buf = binary.AppendUvarint(buf, uint64(len(m.Fresh)))
	buf = append(buf, m.Fresh...)
	return buf
}

// UnmarshalMessage decodes one message and returns the bytes consumed.
func UnmarshalMessage(buf []byte) (*Message, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrMessageTruncated
	}
	m := &Message{Type: MsgType(buf[0]), Priority: Priority(buf[1])}
	pos := 2

	next := func() (uint64, error) {
		v, n := binary.Uvarint(buf[pos:])
		if n <= 0 {
			return 0, ErrMessageTruncated
		}
		pos += n
		return v, nil
	}

	var err error
	if m.Epoch, err = next(); err != nil {
		return nil, 0, err
	}
	if m.Seq, err = next(); err != nil {
		return nil, 0, err
	}
	if m.ProbeID, err = next(); err != nil {
		return nil, 0, err
	}
	ts, n := binary.Varint(buf[pos:])
	if n <= 0 {
		return nil, 0, ErrMessageTruncated
	}
	m.Timestamp = ts
	pos += n
	loss, err := next()
	if err != nil {
		return nil, 0, err
	}
	m.LossPermille = uint32(loss)
	freshLen, err := next()
	if err != nil {
		return nil, 0, err
	}
	if freshLen > maxFreshLen || pos+int(freshLen) > len(buf) {
		return nil, 0, ErrMessageTruncated
	}
	if freshLen > 0 {
		m.Fresh = append([]byte(nil), buf[pos:pos+int(freshLen)]...)
		pos += int(freshLen)
	}
	return m, pos, nil
}

// marshalBatch concatenates length-prefixed messages into one block
// payload, itself prefixed with the total body length so zero padding
// from shard alignment is trimmed on reconstruction.
func marshalBatch(msgs []*Message) []byte {
	body := make([]byte, 0, 64*len(msgs))
	for _, m := range msgs {
		enc := m.Marshal()
		body = binary.AppendUvarint(body, uint64(len(enc)))
		body = append(body, enc...)
	}
	out := binary.AppendUvarint(nil, uint64(len(body)))
	return append(out, body...)
}

func unmarshalBatch(payload []byte) ([]*Message, error) {
	bodyLen, n := binary.Uvarint(payload)
	if n <= 0 || int(bodyLen) > len(payload)-n {
		return nil, ErrMessageTruncated
	}
	body := payload[n : n+int(bodyLen)]

	var msgs []*Message
	for len(body) > 0 {
		msgLen, n := binary.Uvarint(body)
		if n <= 0 || int(msgLen) > len(body)-n {
			return nil, ErrMessageTruncated
		}
		m, _, err := UnmarshalMessage(body[n : n+int(msgLen)])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
		body = body[n+int(msgLen):]
	}
	if len(msgs) == 0 {
		return nil, ErrMessageTruncated
	}
	return msgs, nil
}
