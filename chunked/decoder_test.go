package chunked

import (
	"bytes"
	"math/rand"
	"testing"
)

func decodeAll(t *testing.T, raw []byte) []byte {
	t.Helper()
	var d Decoder
	out, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !d.Done {
		t.Fatal("expected decoder to reach Done")
	}
	return out
}

func TestDecodeRoundTrip(t *testing.T) {
	// P4: chunked decode of encode(x) equals x, for arbitrary byte
	// strings, fed through the encoder/decoder pair a byte at a time
	// (worst case for the incremental state machine).
	cases := [][]byte{
		nil,
		[]byte("hello"),
		bytes.Repeat([]byte("A"), 5000),
		func() []byte {
			b := make([]byte, 10000)
			rand.New(rand.NewSource(1)).Read(b)
			return b
		}(),
	}

	for _, x := range cases {
		var buf bytes.Buffer
		enc := NewEncoder(&buf)
		if len(x) > 0 {
			if _, err := enc.Write(x[:len(x)/2]); err != nil {
				t.Fatal(err)
			}
			if _, err := enc.Write(x[len(x)/2:]); err != nil {
				t.Fatal(err)
			}
		}
		if err := enc.Close(); err != nil {
			t.Fatal(err)
		}

		var d Decoder
		var out []byte
		wire := buf.Bytes()
		for i := 0; i < len(wire); i++ {
			chunk, err := d.Decode(wire[i : i+1])
			if err != nil {
				t.Fatalf("decode byte %d: %v", i, err)
			}
			out = append(out, chunk...)
		}
		if !bytes.Equal(out, x) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(out), len(x))
		}
		if !d.Done {
			t.Fatal("expected Done after full stream")
		}
	}
}

func TestDecodeChunkExtension(t *testing.T) {
	out := decodeAll(t, []byte("5;foo=bar\r\nhello\r\n0\r\n\r\n"))
	if string(out) != "hello" {
		t.Fatalf("got %q", out)
	}
}

func TestDecodeRejectsBadExtensionByte(t *testing.T) {
	var d Decoder
	_, err := d.Decode([]byte("5;foo=\x01\r\nhello\r\n0\r\n\r\n"))
	if err == nil {
		t.Fatal("expected error for control byte in chunk extension")
	}
}

func TestDecodeRejectsMissingTerminatorCRLF(t *testing.T) {
	var d Decoder
	_, err := d.Decode([]byte("5\r\nhelloXX0\r\n\r\n"))
	if err == nil {
		t.Fatal("expected error for malformed chunk-data terminator")
	}
}

func TestDecodeRejectsNonHexSize(t *testing.T) {
	var d Decoder
	_, err := d.Decode([]byte("zz\r\nhello\r\n0\r\n\r\n"))
	if err == nil {
		t.Fatal("expected error for non-hex chunk size")
	}
}
