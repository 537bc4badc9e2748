package wire

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTripUncompressed(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	fields := Fields{PacketType: TypeData, SequenceNumber: 1, StreamID: 4, MessageID: 7}

	buf, err := Encode(fields, payload, Config{DisableCompression: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	hdr, body, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Flags&FlagCompressed != 0 {
		t.Fatal("expected COMPRESSED unset")
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch: got %q want %q", body, payload)
	}
}

func TestRoundTripCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 4096)
	fields := Fields{PacketType: TypeData, SequenceNumber: 2, StreamID: 1, MessageID: 9}

	buf, err := Encode(fields, payload, Config{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	hdr, body, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Flags&FlagCompressed == 0 {
		t.Fatal("expected COMPRESSED set for a highly compressible payload")
	}
	if !bytes.Equal(body, payload) {
		t.Fatal("decompressed payload mismatch")
	}
}

func TestCompressionOpportunistic(t *testing.T) {
	// Random bytes above the threshold do not shrink under zstd; the
	// encoder must fall back to storing them uncompressed.
	payload := make([]byte, DefaultCompressionThreshold+128)
	rand.New(rand.NewSource(42)).Read(payload)

	buf, err := Encode(Fields{PacketType: TypeData}, payload, Config{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	hdr, body, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Flags&FlagCompressed != 0 {
		t.Fatal("expected COMPRESSED unset when compression does not shrink the payload")
	}
	if !bytes.Equal(body, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestRoundTripWithChecksum(t *testing.T) {
	payload := []byte("checksum me")
	buf, err := Encode(Fields{PacketType: TypeData}, payload, Config{Checksum: true, DisableCompression: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != baseHeaderLen+checksumFieldLen+len(payload) {
		t.Fatalf("unexpected packet length %d", len(buf))
	}

	hdr, body, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Flags&FlagHasChecksum == 0 {
		t.Fatal("expected HAS_CHECKSUM set")
	}
	if !bytes.Equal(body, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestChecksumMismatch(t *testing.T) {
	payload := []byte("tamper test")
	buf, err := Encode(Fields{PacketType: TypeData}, payload, Config{Checksum: true, DisableCompression: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[len(buf)-1] ^= 0xFF

	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	hdr := Header{Version: ProtocolVersion, PayloadLength: MaxPayloadLength + 1}
	buf := new(bytes.Buffer)
	writeHeader(buf, hdr)
	if _, _, err := Decode(buf.Bytes()); err == nil {
		t.Fatal("expected SizeExceeded-equivalent error")
	}
}

func TestRoundTripXZAlgorithm(t *testing.T) {
	payload := bytes.Repeat([]byte("compress-me-please "), 512)
	buf, err := Encode(Fields{PacketType: TypeData}, payload, Config{Algorithm: AlgorithmXZ})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	hdr, body, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Flags&FlagCompressed == 0 || hdr.Flags&FlagAlgorithmXZ == 0 {
		t.Fatal("expected COMPRESSED and ALGORITHM_XZ set")
	}
	if !bytes.Equal(body, payload) {
		t.Fatal("decompressed payload mismatch")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	payload := []byte("x")
	buf, err := Encode(Fields{PacketType: TypeData}, payload, Config{DisableCompression: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[0] = 2
	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected BadVersion error")
	}
}
