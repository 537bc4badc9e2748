package frame

import (
	"bytes"
	"encoding/binary"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/unison/internal/unisonerr"
)

// ReadFirstFrame reads the first frame on a freshly accepted stream,
// falling back to treating the whole stream body as a single legacy
// UnisonPacket (no length prefix, no tag) when the leading bytes do not
// look like a valid typed frame. Per spec §4.2/§9 open question 3 this
// fallback is optional and recommended for removal; it is gated behind
// the allowLegacy parameter and is taken only when the caller passes true.
func ReadFirstFrame(r io.Reader, allowLegacy bool) (Frame, error) {
	var prefix [lengthPrefixLen]byte
	n, err := io.ReadFull(r, prefix[:])
	if err != nil {
		if n == 0 {
			return Frame{}, err
		}
		// short read on the very first frame: nothing sensible to
		// fall back to, surface as a framing error.
		return Frame{}, unisonerr.Wrap(unisonerr.KindProtocol, "short read on first frame", err)
	}

	total := binary.BigEndian.Uint32(prefix[:])
	if total == 0 || total > MaxFrameLength {
		if !allowLegacy {
			return Frame{}, unisonerr.New(unisonerr.KindProtocol, "invalid first frame and legacy fallback disabled")
		}
		return readLegacyPacket(prefix, r)
	}

	rest := make([]byte, total)
	if got, err := io.ReadFull(r, rest); err != nil {
		if !allowLegacy {
			return Frame{}, unisonerr.Wrap(unisonerr.KindProtocol, "reading frame body", err)
		}
		return readLegacyPacket(prefix, io.MultiReader(bytes.NewReader(rest[:got]), r))
	}

	tag := Tag(rest[0])
	switch tag {
	case TagProtocol, TagRaw:
		return Frame{Tag: tag, Payload: rest[tagLen:]}, nil
	default:
		if !allowLegacy {
			return Frame{}, unisonerr.New(unisonerr.KindProtocol, "unknown frame tag")
		}
		log.WithField("tag", tag).Warn("unison: falling back to legacy single-packet stream decode")
		legacy := append(append([]byte{}, prefix[:]...), rest...)
		remainder, err := io.ReadAll(r)
		if err != nil {
			return Frame{}, unisonerr.Wrap(unisonerr.KindProtocol, "reading legacy packet body", err)
		}
		legacy = append(legacy, remainder...)
		return Frame{Tag: TagProtocol, Payload: legacy}, nil
	}
}

func readLegacyPacket(prefix [lengthPrefixLen]byte, r io.Reader) (Frame, error) {
	log.Warn("unison: first frame is not a valid typed frame, attempting legacy single-packet decode")
	remainder, err := io.ReadAll(r)
	if err != nil {
		return Frame{}, unisonerr.Wrap(unisonerr.KindProtocol, "reading legacy packet body", err)
	}
	legacy := append(append([]byte{}, prefix[:]...), remainder...)
	return Frame{Tag: TagProtocol, Payload: legacy}, nil
}
