package codec

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestEncodeSmallPayloadStaysRaw(t *testing.T) {
	c := New(0)
	payload := []byte(`{"lat":52.52,"lon":13.405}`)

	stored, err := c.Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if stored[0] != schemeRaw {
		t.Fatalf("small payload should stay raw, scheme = 0x%02x", stored[0])
	}

	got, err := c.Decode(stored)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestEncodeLargePayloadCompresses(t *testing.T) {
	c := New(64)
	// Repetitive geometry-like payload compresses well.
	payload := bytes.Repeat([]byte(`[13.40495,52.52001],`), 500)

	stored, err := c.Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if stored[0] != schemeBrotli {
		t.Fatalf("large payload should compress, scheme = 0x%02x", stored[0])
	}
	if len(stored) >= len(payload) {
		t.Fatalf("compressed form (%d) not smaller than raw (%d)", len(stored), len(payload))
	}

	got, err := c.Decode(stored)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestEncodeIncompressibleFallsBackToRaw(t *testing.T) {
	c := New(64)
	payload := make([]byte, 4096)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}

	stored, err := c.Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := c.Decode(stored)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	c := New(0)
	if _, err := c.Decode(nil); err == nil {
		t.Fatal("expected error for empty stored payload")
	}
	if _, err := c.Decode([]byte{0x7f, 0x01}); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}
