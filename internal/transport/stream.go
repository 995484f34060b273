package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// StreamConn runs frames over an ordered byte stream. Each frame is
// prefixed with a 4-byte big-endian length word XORed with a
// salt-derived mask, so the word never shows a fixed pattern on
// carriers that do not encrypt for us, plus a check byte binding the
// word to its mask. The reader tries every candidate mask; a length is
// accepted only when the check byte matches and the value is within
// carrier bounds, so a stale mask from a rotation window cannot
// mis-frame the stream on a chance in-range value.
type StreamConn struct {
	rwc    io.ReadWriteCloser
	masker LengthMasker
	local  net.Addr
	remote net.Addr

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewStreamConn wraps an ordered byte stream as a FrameConn.
func NewStreamConn(rwc io.ReadWriteCloser, masker LengthMasker, local, remote net.Addr) *StreamConn {
	return &StreamConn{rwc: rwc, masker: masker, local: local, remote: remote}
}

func (c *StreamConn) WriteFrame(ctx context.Context, frame []byte) error {
	if len(frame) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	mask := c.masker.WriteMask()
	var word [5]byte
	binary.BigEndian.PutUint32(word[:4], uint32(len(frame)))
	for i := 0; i < 4; i++ {
		word[i] ^= mask[i]
	}
	word[4] = maskCheck(mask) ^ word[0] ^ word[1] ^ word[2] ^ word[3]
	if _, err := c.rwc.Write(word[:]); err != nil {
		return fmt.Errorf("transport: write length: %w", err)
	}
	if _, err := c.rwc.Write(frame); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// maskCheck derives the check byte tied to one length mask. Distinct
// masks disagree on it with probability 255/256, which stacks with the
// length bound to make a wrong candidate's acceptance negligible.
func maskCheck(mask [4]byte) byte {
	sum := blake2b.Sum256(mask[:])
	return sum[0]
}

func (c *StreamConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	var word [5]byte
	if _, err := io.ReadFull(c.rwc, word[:]); err != nil {
		return nil, fmt.Errorf("transport: read length: %w", err)
	}

	n := -1
	folded := word[0] ^ word[1] ^ word[2] ^ word[3]
	for _, mask := range c.masker.ReadMasks() {
		if maskCheck(mask)^folded != word[4] {
			continue
		}
		v := binary.BigEndian.Uint32([]byte{
			word[0] ^ mask[0], word[1] ^ mask[1], word[2] ^ mask[2], word[3] ^ mask[3],
		})
		if v > 0 && v <= MaxFrame {
			n = int(v)
			break
		}
	}
	if n < 0 {
		return nil, ErrBadLength
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(c.rwc, frame); err != nil {
		return nil, fmt.Errorf("transport: read frame: %w", err)
	}
	return frame, nil
}

func (c *StreamConn) Close() error         { return c.rwc.Close() }
func (c *StreamConn) LocalAddr() net.Addr  { return c.local }
func (c *StreamConn) RemoteAddr() net.Addr { return c.remote }
