// Package media defines the sample and settings types that flow from the
// wire protocol into the segment writer, and the per-broadcast ingest state
// that drives writer configuration and thumbnail sampling.
package media

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortSample indicates a sample payload too small for its fixed header.
var ErrShortSample = errors.New("media: short sample payload")

// naluLengthSize is the width of the length prefix on each NAL unit inside
// a video sample payload.
const naluLengthSize = 4

// videoHeaderSize is flags(1) + timescale(4) + duration(4) + pts(8) + dts(8).
const videoHeaderSize = 25

// audioHeaderSize is sampleRate(4) + channels(1) + duration(4) + pts(8).
const audioHeaderSize = 17

// VideoSample is one video access unit: its timing, sync flag, and NAL
// units with their wire length prefixes already stripped.
type VideoSample struct {
	Sync      bool
	Timescale uint32
	Duration  uint32
	PTS       uint64
	DTS       uint64
	NALUs     [][]byte
}

// ParseVideoSample decodes a video sample payload. NAL unit data is copied
// out of the wire buffer so samples may outlive the connection buffer.
func ParseVideoSample(payload []byte) (VideoSample, error) {
	if len(payload) < videoHeaderSize {
		return VideoSample{}, ErrShortSample
	}

	s := VideoSample{
		Sync:      payload[0]&0x01 != 0,
		Timescale: binary.BigEndian.Uint32(payload[1:]),
		Duration:  binary.BigEndian.Uint32(payload[5:]),
		PTS:       binary.BigEndian.Uint64(payload[9:]),
		DTS:       binary.BigEndian.Uint64(payload[17:]),
	}

	rest := payload[videoHeaderSize:]
	for len(rest) > 0 {
		if len(rest) < naluLengthSize {
			return VideoSample{}, fmt.Errorf("media: truncated NAL length prefix (%d bytes)", len(rest))
		}
		n := int(binary.BigEndian.Uint32(rest))
		rest = rest[naluLengthSize:]
		if n > len(rest) {
			return VideoSample{}, fmt.Errorf("media: NAL length %d exceeds remaining %d bytes", n, len(rest))
		}
		nalu := make([]byte, n)
		copy(nalu, rest[:n])
		s.NALUs = append(s.NALUs, nalu)
		rest = rest[n:]
	}

	return s, nil
}

// MarshalBinary encodes the sample into its wire payload, the inverse of
// ParseVideoSample. Used by client implementations and tests.
func (s VideoSample) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, videoHeaderSize)
	var flags byte
	if s.Sync {
		flags |= 0x01
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, s.Timescale)
	buf = binary.BigEndian.AppendUint32(buf, s.Duration)
	buf = binary.BigEndian.AppendUint64(buf, s.PTS)
	buf = binary.BigEndian.AppendUint64(buf, s.DTS)
	for _, nalu := range s.NALUs {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(nalu)))
		buf = append(buf, nalu...)
	}
	return buf, nil
}

// AudioSample is one audio frame with its timing and raw codec payload.
type AudioSample struct {
	SampleRate uint32
	Channels   uint8
	Duration   uint32
	PTS        uint64
	Data       []byte
}

// ParseAudioSample decodes an audio sample payload. The codec data is
// copied out of the wire buffer.
func ParseAudioSample(payload []byte) (AudioSample, error) {
	if len(payload) < audioHeaderSize {
		return AudioSample{}, ErrShortSample
	}

	data := make([]byte, len(payload)-audioHeaderSize)
	copy(data, payload[audioHeaderSize:])

	return AudioSample{
		SampleRate: binary.BigEndian.Uint32(payload),
		Channels:   payload[4],
		Duration:   binary.BigEndian.Uint32(payload[5:]),
		PTS:        binary.BigEndian.Uint64(payload[9:]),
		Data:       data,
	}, nil
}

// MarshalBinary encodes the sample into its wire payload, the inverse of
// ParseAudioSample.
func (s AudioSample) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, audioHeaderSize+len(s.Data))
	buf = binary.BigEndian.AppendUint32(buf, s.SampleRate)
	buf = append(buf, s.Channels)
	buf = binary.BigEndian.AppendUint32(buf, s.Duration)
	buf = binary.BigEndian.AppendUint64(buf, s.PTS)
	return append(buf, s.Data...), nil
}
