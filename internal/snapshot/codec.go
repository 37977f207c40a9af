package snapshot

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"quire/api/internal/wire"
)

// Encoded layout: magic, 32-byte BLAKE3 digest of the compressed body,
// then the zstd-compressed CBOR body.
var magic = []byte("QSNP\x01")

const digestSize = 32

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes snap for storage.
func Encode(snap Snapshot) ([]byte, error) {
	body, err := wire.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(body, nil)
	digest := blake3.Sum256(compressed)

	out := make([]byte, 0, len(magic)+digestSize+len(compressed))
	out = append(out, magic...)
	out = append(out, digest[:]...)
	return append(out, compressed...), nil
}

// Decode verifies and deserializes data produced by Encode.
func Decode(data []byte) (Snapshot, error) {
	if len(data) < len(magic)+digestSize || !bytes.Equal(data[:len(magic)], magic) {
		return Snapshot{}, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	digest := data[len(magic) : len(magic)+digestSize]
	compressed := data[len(magic)+digestSize:]
	if sum := blake3.Sum256(compressed); !bytes.Equal(sum[:], digest) {
		return Snapshot{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	body, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var snap Snapshot
	if err := wire.Unmarshal(body, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return snap, nil
}
