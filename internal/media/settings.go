package media

import (
	"bytes"

	"github.com/kradtv/pupild/internal/protocol"
)

// VideoSettings is the derived writer configuration for the video track.
// It can only be computed once parameter sets, dimensions, and a sample's
// timescale are all known.
type VideoSettings struct {
	Params     [][]byte
	Dimensions protocol.Dimensions
	Timescale  uint32
}

// Equal reports structural equality. Any changed field, including a single
// parameter-set byte, makes the settings unequal and forces the writer to
// be reconfigured before the next video sample.
func (s VideoSettings) Equal(o VideoSettings) bool {
	if s.Dimensions != o.Dimensions || s.Timescale != o.Timescale {
		return false
	}
	if len(s.Params) != len(o.Params) {
		return false
	}
	for i := range s.Params {
		if !bytes.Equal(s.Params[i], o.Params[i]) {
			return false
		}
	}
	return true
}

// AudioSettings is the derived writer configuration for the audio track.
// It is cheap to recompute, so it is derived from every audio sample.
type AudioSettings struct {
	SampleRate uint32
	Channels   uint8
}

// SettingsFromAudio derives audio settings from a sample.
func SettingsFromAudio(s AudioSample) AudioSettings {
	return AudioSettings{SampleRate: s.SampleRate, Channels: s.Channels}
}
