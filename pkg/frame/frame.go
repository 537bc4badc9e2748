// Package frame implements the typed, length-prefixed frame layer that
// every Unison QUIC bidirectional stream carries:
//
//	frame = uint32_be total_length | uint8 type_tag | bytes payload
//
// ReadTyped/WriteTyped are exposed as free functions over a plain
// io.Reader/io.Writer, independent of any channel state machine, so
// both the identity stream and the channel-open handshake can reuse
// them directly. Supplemented from original_source's
// network/quic.rs read_typed_frame/write_typed_frame free functions.
package frame

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/dtn7/unison/internal/unisonerr"
)

// Tag identifies what a frame's payload bytes mean.
type Tag uint8

const (
	// TagProtocol frames carry a UnisonPacket whose inner message is
	// a protocol.Message.
	TagProtocol Tag = 0x00
	// TagRaw frames carry opaque application bytes: no packet header,
	// no compression, no structural decode.
	TagRaw Tag = 0x01
)

// MaxFrameLength bounds total_length; larger frames are rejected and
// the caller should reset the stream.
const MaxFrameLength = 8 * 1024 * 1024

// lengthPrefixLen is the 4-byte uint32_be length prefix; tagLen is the
// 1-byte type tag that follows it and counts toward total_length.
const (
	lengthPrefixLen = 4
	tagLen          = 1
)

// Frame is one length-prefixed, type-tagged envelope.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// WriteTyped writes one frame to w: a 4-byte big-endian length
// (covering the tag byte and the payload), the tag byte, then payload.
func WriteTyped(w io.Writer, tag Tag, payload []byte) error {
	total := tagLen + len(payload)
	if total > MaxFrameLength {
		return unisonerr.New(unisonerr.KindProtocol, "frame exceeds 8 MiB")
	}

	var prefix [lengthPrefixLen + tagLen]byte
	binary.BigEndian.PutUint32(prefix[:lengthPrefixLen], uint32(total))
	prefix[lengthPrefixLen] = uint8(tag)

	if _, err := w.Write(prefix[:]); err != nil {
		return unisonerr.Wrap(unisonerr.KindProtocol, "writing frame prefix", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return unisonerr.Wrap(unisonerr.KindProtocol, "writing frame payload", err)
		}
	}
	return nil
}

// ReadTyped reads one frame from r, rejecting unknown tags and
// oversized lengths. Callers should reset the underlying stream on any
// non-EOF error.
func ReadTyped(r io.Reader) (Frame, error) {
	var prefix [lengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err // EOF/unexpected EOF propagate as-is
	}

	total := binary.BigEndian.Uint32(prefix[:])
	if total > MaxFrameLength {
		return Frame{}, unisonerr.New(unisonerr.KindProtocol, "frame length exceeds 8 MiB")
	}
	if total < tagLen {
		return Frame{}, unisonerr.New(unisonerr.KindProtocol, "frame shorter than tag byte")
	}

	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, unisonerr.Wrap(unisonerr.KindProtocol, "reading frame body", err)
	}

	tag := Tag(rest[0])
	switch tag {
	case TagProtocol, TagRaw:
	default:
		return Frame{}, unisonerr.New(unisonerr.KindProtocol, "unknown frame tag")
	}

	return Frame{Tag: tag, Payload: rest[tagLen:]}, nil
}

// NewBufferedReader wraps r for frame reading. Frame reads already do
// two io.ReadFull calls per frame (prefix, then body), but buffering keeps
// behavior consistent with the teacher's bufio.NewReader(stream) idiom
// used throughout pkg/cla/quicl.
func NewBufferedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReader(r)
}

// NewBufferedWriter wraps w for frame writing; callers must Flush after
// a burst of writes.
func NewBufferedWriter(w io.Writer) *bufio.Writer {
	return bufio.NewWriter(w)
}
