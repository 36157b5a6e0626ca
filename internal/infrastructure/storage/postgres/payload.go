package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// CompressionAlgo specifies how a stored payload is encoded.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultCompressThreshold is the payload size above which payloads are
// stored zstd-compressed instead of as JSONB.
const DefaultCompressThreshold = 8 * 1024

// EncodedPayload is the storage form of a record payload. Exactly one of
// JSON and Compressed is set.
type EncodedPayload struct {
	JSON       json.RawMessage
	Compressed []byte
	Algo       CompressionAlgo
}

// PayloadCodec compresses large payloads and fingerprints record content.
// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
type PayloadCodec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

// NewPayloadCodec creates a codec. threshold <= 0 selects the default.
func NewPayloadCodec(threshold int) (*PayloadCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	return &PayloadCodec{encoder: encoder, decoder: decoder, threshold: threshold}, nil
}

// Encode picks the storage form for payload.
func (c *PayloadCodec) Encode(payload json.RawMessage) EncodedPayload {
	if len(payload) > c.threshold {
		return EncodedPayload{
			Compressed: c.encoder.EncodeAll(payload, nil),
			Algo:       CompressionZstd,
		}
	}
	return EncodedPayload{JSON: payload, Algo: CompressionNone}
}

// Decode restores the payload bytes.
func (c *PayloadCodec) Decode(p EncodedPayload) (json.RawMessage, error) {
	switch p.Algo {
	case CompressionZstd:
		out, err := c.decoder.DecodeAll(p.Compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return out, nil
	case CompressionNone, "":
		return p.JSON, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", p.Algo)
	}
}

// ContentHash fingerprints the parts of a record that define "changed".
// Parts are length-prefixed so ("ab","c") and ("a","bc") differ.
func ContentHash(parts ...[]byte) []byte {
	h, _ := blake2b.New256(nil)
	var prefix [8]byte
	for _, p := range parts {
		n := uint64(len(p))
		for i := range prefix {
			prefix[i] = byte(n >> (8 * i))
		}
		h.Write(prefix[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

// Close releases encoder and decoder resources.
func (c *PayloadCodec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}
