package media

import (
	"log/slog"

	"github.com/kradtv/pupild/internal/protocol"
)

// Ingest is the per-broadcast media state machine. It owns the current
// stream configuration, decides when the writer must be (re)configured, and
// samples keyframes for thumbnail extraction. All methods are called from
// the session read loop, one packet at a time, so Ingest is not
// goroutine-safe and does not need to be.
type Ingest struct {
	log        *slog.Logger
	newWriter  WriterFactory
	thumbnailer Thumbnailer

	// thumbnailInterval is the number of sync frames between extractions.
	thumbnailInterval int

	streamType protocol.StreamType
	typeSet    bool

	dimensions    *protocol.Dimensions
	params        [][]byte
	videoSettings *VideoSettings
	keyframes     int

	writer Writer
}

// NewIngest creates the ingest state for one broadcast. The writer factory
// is invoked once, when the stream-type control packet arrives. thumbnailer
// may be nil to disable extraction.
func NewIngest(newWriter WriterFactory, thumbnailer Thumbnailer, thumbnailInterval int, log *slog.Logger) *Ingest {
	if log == nil {
		log = slog.Default()
	}
	return &Ingest{
		log:               log.With("component", "ingest"),
		newWriter:         newWriter,
		thumbnailer:       thumbnailer,
		thumbnailInterval: thumbnailInterval,
	}
}

// SetStreamType records the broadcast's stream type and constructs the
// writer. The first value wins: repeated stream-type packets are ignored.
// It reports whether writer initialization ran.
func (in *Ingest) SetStreamType(st protocol.StreamType) bool {
	if in.typeSet {
		in.log.Warn("duplicate stream type packet ignored", "have", in.streamType, "got", st)
		return false
	}
	in.streamType = st
	in.typeSet = true

	w, err := in.newWriter(st)
	if err != nil {
		// Tolerated: the session stays up and samples are dropped
		// until the connection ends.
		in.log.Error("writer setup failed, samples will be dropped", "error", err)
		return true
	}
	in.writer = w
	in.log.Info("writer configured", "stream_type", st)
	return true
}

// SetDimensions replaces the video dimensions unconditionally.
func (in *Ingest) SetDimensions(d protocol.Dimensions) {
	in.dimensions = &d
	in.log.Debug("video dimensions", "dimensions", d)
}

// SetParams replaces the codec parameter-set collection unconditionally.
func (in *Ingest) SetParams(sets [][]byte) {
	in.params = sets
	in.log.Debug("codec parameters", "sets", len(sets))
}

// HandleVideo parses a video sample payload, reconfigures the writer when
// the derived settings changed, samples keyframes for thumbnails, and
// appends the sample. Samples that arrive before the stream is fully
// configured are still forwarded.
func (in *Ingest) HandleVideo(payload []byte) {
	sample, err := ParseVideoSample(payload)
	if err != nil {
		in.log.Warn("dropping malformed video sample", "error", err)
		return
	}

	in.maybeConfigureVideo(sample.Timescale)
	if sample.Sync {
		in.maybeExtractThumbnail(sample)
	}

	if in.writer == nil {
		in.log.Debug("no writer, dropping video sample")
		return
	}
	in.writer.AppendVideo(sample)
}

// HandleAudio parses an audio sample payload, pushes freshly derived audio
// settings, and appends the sample.
func (in *Ingest) HandleAudio(payload []byte) {
	sample, err := ParseAudioSample(payload)
	if err != nil {
		in.log.Warn("dropping malformed audio sample", "error", err)
		return
	}

	if in.writer == nil {
		in.log.Debug("no writer, dropping audio sample")
		return
	}
	in.writer.ConfigureAudio(SettingsFromAudio(sample))
	in.writer.AppendAudio(sample)
}

// Stop finalizes the writer and waits out any in-flight thumbnail decode,
// so every file event has fired by the time Stop returns. Safe to call
// when no writer exists.
func (in *Ingest) Stop() {
	if in.writer != nil {
		in.writer.Stop()
	}
	if in.thumbnailer != nil {
		in.thumbnailer.Stop()
	}
}

// maybeConfigureVideo derives video settings once dimensions, params, and a
// timescale are all known, pushing them to the writer on first derivation
// and on any structural change (e.g. a mid-stream resolution switch).
func (in *Ingest) maybeConfigureVideo(timescale uint32) {
	if in.writer == nil || in.dimensions == nil || len(in.params) == 0 {
		return
	}

	settings := VideoSettings{
		Params:     in.params,
		Dimensions: *in.dimensions,
		Timescale:  timescale,
	}
	if in.videoSettings != nil && in.videoSettings.Equal(settings) {
		return
	}
	in.videoSettings = &settings
	in.writer.ConfigureVideo(settings)
}

// maybeExtractThumbnail counts sync frames and, every thumbnailInterval of
// them, hands the frame's NAL units plus the current parameter sets to the
// thumbnailer. The counter resets after each extraction.
func (in *Ingest) maybeExtractThumbnail(sample VideoSample) {
	if in.thumbnailer == nil || in.thumbnailInterval <= 0 {
		return
	}

	in.keyframes++
	if in.keyframes < in.thumbnailInterval {
		return
	}

	// Missing or stub parameter sets keep the counter saturated so the
	// next sync frame retries instead of waiting out a whole interval.
	if len(in.params) < 2 {
		return
	}
	sps := in.params[0]
	pps := in.params[len(in.params)-1]
	if len(sps) < 2 || len(pps) < 2 {
		return
	}
	in.keyframes = 0

	// Parameter sets carry a one-byte marker on the wire that decoders
	// must not see.
	in.thumbnailer.SetParams(sps[1:], pps[1:])
	in.thumbnailer.Keyframe(sample.NALUs)
}
