package protocol

import (
	"encoding/base64"
	"testing"
)

func TestFloatCodecRoundTrip(t *testing.T) {
	in := []float32{0, 1, -2.5, 1e-3, 3.25e6, -0.125}
	out, err := DecodeFloats(EncodeFloats(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestFloatCodecLayoutIsLittleEndian(t *testing.T) {
	got := EncodeFloats([]float32{1.0})
	want := base64.StdEncoding.EncodeToString([]byte{0x00, 0x00, 0x80, 0x3f})
	if got != want {
		t.Fatalf("encoded 1.0 = %q, want %q", got, want)
	}
}

func TestIndexCodecRoundTrip(t *testing.T) {
	in := []uint32{0, 1, 2, 0xdeadbeef, 1 << 31}
	out, err := DecodeIndices(EncodeIndices(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestCodecEmpty(t *testing.T) {
	if s := EncodeFloats(nil); s != "" {
		t.Fatalf("empty encode = %q", s)
	}
	out, err := DecodeFloats("")
	if err != nil || len(out) != 0 {
		t.Fatalf("empty decode = %v, %v", out, err)
	}
}

func TestDecodeRejectsRaggedPayload(t *testing.T) {
	ragged := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4, 5})
	if _, err := DecodeFloats(ragged); err == nil {
		t.Fatalf("expected error for 5-byte float payload")
	}
	if _, err := DecodeIndices(ragged); err == nil {
		t.Fatalf("expected error for 5-byte index payload")
	}
	if _, err := DecodeFloats("not base64!!"); err == nil {
		t.Fatalf("expected base64 error")
	}
}

func TestDecodeBase(t *testing.T) {
	m, err := DecodeBase([]byte(`{"type":"DISTURB","protocol_version":"1.0","radius":5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != TypeDisturb || m.ProtocolVersion != Version {
		t.Fatalf("base = %+v", m)
	}
	if _, err := DecodeBase([]byte(`{nope`)); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}
