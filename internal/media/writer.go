package media

import "github.com/kradtv/pupild/internal/protocol"

// Writer is the fragmented-media collaborator that packages samples into
// playlist-segmented output files. Implementations report produced files
// through the WriterEvents they were constructed with; those callbacks must
// not be blocked by their receivers.
type Writer interface {
	ConfigureVideo(VideoSettings)
	ConfigureAudio(AudioSettings)
	AppendVideo(VideoSample)
	AppendAudio(AudioSample)

	// Stop finalizes any open segment and playlists. No Append or
	// Configure call may follow it.
	Stop()
}

// WriterEvents receives file lifecycle notifications from a Writer.
// FileWritten means a file is complete and will not change again;
// FileUpdated means a file was rewritten in place and the previous upload
// of it is stale.
type WriterEvents interface {
	FileWritten(path string)
	FileUpdated(path string)
}

// WriterFactory constructs the writer for a broadcast once its stream type
// is known. A session calls it exactly once.
type WriterFactory func(protocol.StreamType) (Writer, error)

// Thumbnailer is the keyframe-decoding collaborator. SetParams delivers the
// current codec parameter sets (marker bytes already stripped); Keyframe
// delivers one sync frame's NAL units with their length prefixes stripped.
// Implementations report results through ThumbnailEvents.
type Thumbnailer interface {
	SetParams(sps, pps []byte)
	Keyframe(nalus [][]byte)

	// Stop waits for any in-flight decode to report its result. No
	// Keyframe call may follow it.
	Stop()
}

// ThumbnailEvents receives thumbnail results from a Thumbnailer.
type ThumbnailEvents interface {
	ThumbnailWritten(path string)
	ThumbnailFailed(err error)
}
