// Package codec compresses cache payloads before they land in durable
// layers. Small payloads are stored raw; larger ones are brotli-compressed.
// Every encoded payload carries a one-byte scheme tag so old rows decode
// regardless of the threshold in effect when they were written.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

const (
	schemeRaw    = 0x00
	schemeBrotli = 0x01
)

// DefaultThreshold is the payload size above which compression kicks in.
// Route geometries and matrix payloads routinely exceed this; geocode and
// autocomplete results rarely do.
const DefaultThreshold = 1024

// Codec encodes and decodes cache payloads.
type Codec struct {
	threshold int
	quality   int
}

// New creates a codec. threshold <= 0 selects DefaultThreshold.
func New(threshold int) *Codec {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Codec{threshold: threshold, quality: brotli.DefaultCompression}
}

// Encode returns the stored form of payload.
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	if len(payload) < c.threshold {
		return append([]byte{schemeRaw}, payload...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(schemeBrotli)
	w := brotli.NewWriterLevel(&buf, c.quality)
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flush compressed payload: %w", err)
	}

	// Incompressible payloads can grow; keep the raw form when they do.
	if buf.Len() >= len(payload)+1 {
		return append([]byte{schemeRaw}, payload...), nil
	}
	return buf.Bytes(), nil
}

// Decode returns the original payload from its stored form.
func (c *Codec) Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty stored payload")
	}
	switch stored[0] {
	case schemeRaw:
		return stored[1:], nil
	case schemeBrotli:
		r := brotli.NewReader(bytes.NewReader(stored[1:]))
		payload, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("unknown payload scheme 0x%02x", stored[0])
	}
}
