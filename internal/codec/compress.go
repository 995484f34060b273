package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// compressMinSize skips compression for payloads too small to benefit.
const compressMinSize = 64

// compress LZ4-packs src, prefixed with the original length. Returns
// ok=false when compression does not shrink the payload.
func compress(src []byte) ([]byte, bool) {
	if len(src) < compressMinSize {
		return nil, false
	}
	buf := make([]byte, binary.MaxVarintLen32+lz4.CompressBlockBound(len(src)))
	n := binary.PutUvarint(buf, uint64(len(src)))
	cn, err := lz4.CompressBlock(src, buf[n:], nil)
	if err != nil || cn <= 0 || n+cn >= len(src) {
		return nil, false
	}
	return buf[:n+cn], true
}

func decompress(src []byte) ([]byte, error) {
	origLen, n := binary.Uvarint(src)
	if n <= 0 || origLen > MaxFrameSize {
		return nil, fmt.Errorf("codec: invalid compressed payload length")
	}
	out := make([]byte, origLen)
	dn, err := lz4.UncompressBlock(src[n:], out)
	if err != nil {
		return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
	}
	return out[:dn], nil
}
