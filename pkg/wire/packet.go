// Package wire implements the UnisonPacket binary header and the
// encode/decode pipeline (optional zstd compression, optional CRC32
// checksum) that sits beneath every Protocol frame.
//
// Adapted from the teacher's hand-rolled fixed-layout binary codecs
// (pkg/bpv7/primary_block.go, pkg/bpv7/time.go), which favor
// encoding/binary plus bytes.Buffer over a reflection-based codec.
package wire

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/dtn7/unison/internal/unisonerr"
)

// ProtocolVersion is the only wire version this codec understands.
const ProtocolVersion = 1

// PacketType distinguishes the four kinds of UnisonPacket.
type PacketType uint8

const (
	TypeData      PacketType = 1
	TypeControl   PacketType = 2
	TypeHeartbeat PacketType = 3
	TypeHandshake PacketType = 4
)

// Flags is a bitfield carried in the header.
type Flags uint16

const (
	FlagCompressed   Flags = 0x0001
	FlagPriorityHigh Flags = 0x0002
	FlagRequiresAck  Flags = 0x0004
	FlagHasChecksum  Flags = 0x0008
	// FlagAlgorithmXZ, meaningful only alongside FlagCompressed,
	// selects the xz codec over the default zstd codec.
	FlagAlgorithmXZ Flags = 0x0010
)

// Algorithm selects which compressor Encode uses when a payload meets
// the compression threshold.
type Algorithm uint8

const (
	// AlgorithmZstd is the default: fast, low-latency, matching QUIC's
	// own per-packet cost budget.
	AlgorithmZstd Algorithm = iota
	// AlgorithmXZ trades latency for a materially better ratio; meant
	// for large, highly-compressible control payloads rather than the
	// hot path.
	AlgorithmXZ
)

// MaxPayloadLength is the hard ceiling on an (uncompressed) payload.
const MaxPayloadLength = 8 * 1024 * 1024

// DefaultCompressionThreshold is the payload size (bytes) at or above
// which the encoder attempts compression with the configured Algorithm.
const DefaultCompressionThreshold = 2048

// baseHeaderLen covers version through response_to. Spec §3 calls the
// header "48 bytes" in prose but then enumerates ten fields that sum to
// 52 bytes (1+1+2+4+4+8*5); per the resolution recorded in DESIGN.md we
// trust the enumerated field list over the rounded prose figure.
// checksumFieldLen is appended to make a 56-byte header only when
// FlagHasChecksum is set, per spec §9 open question 5's conservative
// choice of folding the checksum into the header rather than trailing
// the payload.
const (
	baseHeaderLen    = 52
	checksumFieldLen = 4
)

// Header is the fixed UnisonPacket header: 52 bytes, or 56 when
// FlagHasChecksum is set.
type Header struct {
	Version          uint8
	PacketType       PacketType
	Flags            Flags
	PayloadLength    uint32
	CompressedLength uint32
	SequenceNumber   uint64
	Timestamp        uint64
	StreamID         uint64
	MessageID        uint64
	ResponseTo       uint64
	Checksum         uint32 // meaningful only when FlagHasChecksum is set
}

// HeaderLen returns this header's on-wire length: 52 or 56 bytes.
func (h Header) HeaderLen() int {
	if h.Flags&FlagHasChecksum != 0 {
		return baseHeaderLen + checksumFieldLen
	}
	return baseHeaderLen
}

// Config controls the optional features of Encode/Decode.
type Config struct {
	// CompressionThreshold is the payload length at or above which
	// the encoder attempts compression with Algorithm. Zero selects the
	// default.
	CompressionThreshold int
	// DisableCompression turns off the compression attempt entirely.
	DisableCompression bool
	// Checksum, if true, makes Encode compute and store a CRC32 and
	// makes Decode verify it.
	Checksum bool
	// Algorithm selects the compressor; zero value is AlgorithmZstd.
	Algorithm Algorithm
}

func (c Config) threshold() int {
	if c.CompressionThreshold > 0 {
		return c.CompressionThreshold
	}
	return DefaultCompressionThreshold
}

// Fields are the caller-supplied, non-derived header values for Encode.
type Fields struct {
	PacketType     PacketType
	SequenceNumber uint64
	StreamID       uint64
	MessageID      uint64
	ResponseTo     uint64
	PriorityHigh   bool
	RequiresAck    bool
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var zstdDecoder, _ = zstd.NewReader(nil)

// Encode serializes fields and payload into a complete UnisonPacket:
// header followed by payload bytes (possibly compressed).
func Encode(fields Fields, payload []byte, cfg Config) ([]byte, error) {
	if len(payload) > MaxPayloadLength {
		return nil, unisonerr.New(unisonerr.KindProtocol, "payload exceeds 8 MiB")
	}

	body := payload
	compressedLen := uint32(0)
	flags := Flags(0)

	if !cfg.DisableCompression && len(payload) >= cfg.threshold() {
		compressed, algoErr := compressWith(cfg.Algorithm, payload)
		if algoErr != nil {
			return nil, unisonerr.Wrap(unisonerr.KindInternal, "compressing payload", algoErr)
		}
		if len(compressed) < len(payload) {
			body = compressed
			compressedLen = uint32(len(compressed))
			flags |= FlagCompressed
			if cfg.Algorithm == AlgorithmXZ {
				flags |= FlagAlgorithmXZ
			}
		}
	}

	if fields.PriorityHigh {
		flags |= FlagPriorityHigh
	}
	if fields.RequiresAck {
		flags |= FlagRequiresAck
	}
	if cfg.Checksum {
		flags |= FlagHasChecksum
	}

	hdr := Header{
		Version:          ProtocolVersion,
		PacketType:       fields.PacketType,
		Flags:            flags,
		PayloadLength:    uint32(len(payload)),
		CompressedLength: compressedLen,
		SequenceNumber:   fields.SequenceNumber,
		Timestamp:        uint64(time.Now().UnixNano()),
		StreamID:         fields.StreamID,
		MessageID:        fields.MessageID,
		ResponseTo:       fields.ResponseTo,
	}

	out := new(bytes.Buffer)
	out.Grow(hdr.HeaderLen() + len(body))
	writeHeader(out, hdr)
	out.Write(body)
	buf := out.Bytes()

	if cfg.Checksum {
		// The checksum field is already zero at this point (writeHeader
		// never filled it in), so this covers the header-with-checksum-
		// zeroed concatenated with the body, as required by §9 open
		// question 5's conservative choice.
		sum := crc32.ChecksumIEEE(buf)
		binary.BigEndian.PutUint32(buf[baseHeaderLen:baseHeaderLen+checksumFieldLen], sum)
	}

	return buf, nil
}

// Decode parses a complete UnisonPacket (as produced by Encode) and
// returns the header plus the (decompressed) payload.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < baseHeaderLen {
		return Header{}, nil, unisonerr.New(unisonerr.KindProtocol, "packet shorter than header")
	}

	hdr, err := readHeader(data)
	if err != nil {
		return Header{}, nil, err
	}

	if hdr.Version != ProtocolVersion {
		return Header{}, nil, unisonerr.New(unisonerr.KindProtocol, "unsupported packet version")
	}
	if hdr.PayloadLength > MaxPayloadLength {
		return Header{}, nil, unisonerr.New(unisonerr.KindProtocol, "payload_length exceeds 8 MiB")
	}

	compressed := hdr.Flags&FlagCompressed != 0
	if compressed && hdr.CompressedLength == 0 {
		return Header{}, nil, unisonerr.New(unisonerr.KindProtocol, "COMPRESSED set but compressed_length is 0")
	}
	if !compressed && hdr.CompressedLength != 0 {
		return Header{}, nil, unisonerr.New(unisonerr.KindProtocol, "compressed_length set without COMPRESSED")
	}
	if compressed && hdr.CompressedLength > hdr.PayloadLength {
		return Header{}, nil, unisonerr.New(unisonerr.KindProtocol, "compressed_length exceeds payload_length")
	}

	headerLen := hdr.HeaderLen()
	if len(data) < headerLen {
		return Header{}, nil, unisonerr.New(unisonerr.KindProtocol, "missing checksum bytes")
	}

	if hdr.Flags&FlagHasChecksum != 0 {
		zeroed := make([]byte, headerLen)
		copy(zeroed, data[:headerLen])
		binary.BigEndian.PutUint32(zeroed[baseHeaderLen:baseHeaderLen+checksumFieldLen], 0)
		gotSum := crc32.ChecksumIEEE(append(zeroed, data[headerLen:]...))
		if gotSum != hdr.Checksum {
			return Header{}, nil, unisonerr.New(unisonerr.KindProtocol, "checksum mismatch")
		}
	}

	body := data[headerLen:]
	wireLen := hdr.PayloadLength
	if compressed {
		wireLen = hdr.CompressedLength
	}
	if uint32(len(body)) != wireLen {
		return Header{}, nil, unisonerr.New(unisonerr.KindProtocol, "body length does not match header")
	}

	if !compressed {
		return hdr, body, nil
	}

	algo := AlgorithmZstd
	if hdr.Flags&FlagAlgorithmXZ != 0 {
		algo = AlgorithmXZ
	}
	out, err := decompressWith(algo, body, hdr.PayloadLength)
	if err != nil {
		return Header{}, nil, unisonerr.Wrap(unisonerr.KindProtocol, "decompress failed", err)
	}
	if uint32(len(out)) != hdr.PayloadLength {
		return Header{}, nil, unisonerr.New(unisonerr.KindProtocol, "decompressed length mismatch")
	}

	return hdr, out, nil
}

// compressWith runs the selected codec's one-shot compression.
func compressWith(algo Algorithm, payload []byte) ([]byte, error) {
	if algo == AlgorithmXZ {
		return xzCompress(payload)
	}
	return zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload))), nil
}

// decompressWith runs the selected codec's one-shot decompression.
// hint sizes the output buffer for the zstd path only; xz.Reader has
// no equivalent all-at-once API.
func decompressWith(algo Algorithm, body []byte, hint uint32) ([]byte, error) {
	if algo == AlgorithmXZ {
		return xzDecompress(body)
	}
	return zstdDecoder.DecodeAll(body, make([]byte, 0, hint))
}

func xzCompress(payload []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w, err := xz.NewWriter(buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func xzDecompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func writeHeader(buf *bytes.Buffer, h Header) {
	tmp := make([]byte, h.HeaderLen())
	tmp[0] = h.Version
	tmp[1] = uint8(h.PacketType)
	binary.BigEndian.PutUint16(tmp[2:4], uint16(h.Flags))
	binary.BigEndian.PutUint32(tmp[4:8], h.PayloadLength)
	binary.BigEndian.PutUint32(tmp[8:12], h.CompressedLength)
	binary.BigEndian.PutUint64(tmp[12:20], h.SequenceNumber)
	binary.BigEndian.PutUint64(tmp[20:28], h.Timestamp)
	binary.BigEndian.PutUint64(tmp[28:36], h.StreamID)
	binary.BigEndian.PutUint64(tmp[36:44], h.MessageID)
	binary.BigEndian.PutUint64(tmp[44:52], h.ResponseTo)
	// bytes [52:56), if present, are the checksum field and are left
	// zero here; Encode fills them in after the body is appended.
	buf.Write(tmp)
}

func readHeader(b []byte) (Header, error) {
	if len(b) < baseHeaderLen {
		return Header{}, unisonerr.New(unisonerr.KindProtocol, "header too short")
	}
	var h Header
	h.Version = b[0]
	h.PacketType = PacketType(b[1])
	h.Flags = Flags(binary.BigEndian.Uint16(b[2:4]))
	h.PayloadLength = binary.BigEndian.Uint32(b[4:8])
	h.CompressedLength = binary.BigEndian.Uint32(b[8:12])
	h.SequenceNumber = binary.BigEndian.Uint64(b[12:20])
	h.Timestamp = binary.BigEndian.Uint64(b[20:28])
	h.StreamID = binary.BigEndian.Uint64(b[28:36])
	h.MessageID = binary.BigEndian.Uint64(b[36:44])
	h.ResponseTo = binary.BigEndian.Uint64(b[44:52])
	if h.Flags&FlagHasChecksum != 0 {
		if len(b) < baseHeaderLen+checksumFieldLen {
			return Header{}, unisonerr.New(unisonerr.KindProtocol, "header too short for checksum field")
		}
		h.Checksum = binary.BigEndian.Uint32(b[baseHeaderLen : baseHeaderLen+checksumFieldLen])
	}
	return h, nil
}
