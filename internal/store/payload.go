package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("store: initializing zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("store: initializing zstd decoder: %v", err))
	}
}

// encodePayload compresses raw with zstd when its size exceeds threshold.
// It returns the stored bytes and whether they are compressed — the flag
// persisted alongside the row so reads can discriminate without
// re-sniffing the payload.
func encodePayload(raw []byte, threshold int) (stored []byte, compressed bool) {
	if len(raw) <= threshold {
		return raw, false
	}
	return zstdEncoder.EncodeAll(raw, nil), true
}

// decodePayload reverses encodePayload.
func decodePayload(stored []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return stored, nil
	}
	out, err := zstdDecoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decompressing payload: %w", err)
	}
	return out, nil
}

// contentHash computes the answer-row id: the content hash of the raw
// (uncompressed) answer payload, so identical upstream answers dedupe to
// one row regardless of the compression decision made at write time.
func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
