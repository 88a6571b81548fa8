package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortPayload indicates a control payload too small for its fixed fields.
var ErrShortPayload = errors.New("protocol: short control payload")

// StreamType describes which media kinds a broadcast carries.
type StreamType uint8

// Stream type flags. A broadcast may carry audio, video, or both.
const (
	StreamAudio StreamType = 1 << 0
	StreamVideo StreamType = 1 << 1
)

// HasAudio reports whether the stream carries audio samples.
func (st StreamType) HasAudio() bool { return st&StreamAudio != 0 }

// HasVideo reports whether the stream carries video samples.
func (st StreamType) HasVideo() bool { return st&StreamVideo != 0 }

func (st StreamType) String() string {
	switch {
	case st.HasAudio() && st.HasVideo():
		return "audio+video"
	case st.HasAudio():
		return "audio"
	case st.HasVideo():
		return "video"
	}
	return "none"
}

// ParseStreamType decodes a stream-type control payload: one byte with
// bit 0 set for audio and bit 1 set for video.
func ParseStreamType(payload []byte) (StreamType, error) {
	if len(payload) < 1 {
		return 0, ErrShortPayload
	}
	st := StreamType(payload[0]) & (StreamAudio | StreamVideo)
	if st == 0 {
		return 0, fmt.Errorf("protocol: stream type byte 0x%02x carries no media", payload[0])
	}
	return st, nil
}

// Dimensions is the pixel size of the broadcast video.
type Dimensions struct {
	Width  uint32
	Height uint32
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// ParseDimensions decodes a video-dimensions control payload: width then
// height, both u32.
func ParseDimensions(payload []byte) (Dimensions, error) {
	if len(payload) < 8 {
		return Dimensions{}, ErrShortPayload
	}
	return Dimensions{
		Width:  binary.BigEndian.Uint32(payload),
		Height: binary.BigEndian.Uint32(payload[4:]),
	}, nil
}

// paramSeparator delimits parameter sets within a params payload. Each set
// keeps a one-byte marker that consumers strip before use.
const paramSeparator = 0x70

// ParseParams decodes a codec-parameters control payload into the complete
// parameter-set collection (SPS first, PPS last). The payload is the whole
// collection, not a delta; empty runs between separators are dropped.
func ParseParams(payload []byte) [][]byte {
	var sets [][]byte
	for _, raw := range bytes.Split(payload, []byte{paramSeparator}) {
		if len(raw) == 0 {
			continue
		}
		set := make([]byte, len(raw))
		copy(set, raw)
		sets = append(sets, set)
	}
	return sets
}
