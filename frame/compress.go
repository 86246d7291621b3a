package frame

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const compressionThreshold = 1024 // only compress payloads > 1KB

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadLen))
)

// Compress compresses an encoded envelope with zstd if it exceeds the
// threshold. Returns (compressed data, true) if compression helped, or
// (original, false). Compressed envelopes travel as binary frames.
func Compress(payload []byte) ([]byte, bool) {
	if len(payload) <= compressionThreshold {
		return payload, false
	}

	compressed := encoder.EncodeAll(payload, make([]byte, 0, len(payload)))

	// Only use compressed if it's actually smaller
	if len(compressed) >= len(payload) {
		return payload, false
	}

	return compressed, true
}

// Decompress decompresses a zstd-compressed envelope received as a binary
// frame.
func Decompress(data []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
	}
	if len(out) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	return out, nil
}

// DecodeBinary decompresses a binary frame and decodes the envelope inside.
func DecodeBinary(sessionID string, data []byte) (Envelope, error) {
	payload, err := Decompress(data)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(sessionID, payload)
}
