// Package segment implements the playlist-segmented media writer behind
// media.Writer. Samples are framed into numbered segment files under the
// broadcast directory while three playlists (live, event, vod) track them.
// The interior byte layout of segments belongs to the packaging layer;
// here they carry the re-framed wire packets.
package segment

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kradtv/pupild/internal/media"
	"github.com/kradtv/pupild/internal/protocol"
)

// targetSegmentSeconds is how much media a segment holds before rolling.
const targetSegmentSeconds = 6.0

// liveWindowSegments is how many trailing segments the live playlist lists.
const liveWindowSegments = 6

// Playlist file names, one per delivery style.
const (
	PlaylistLive  = "live.m3u8"
	PlaylistEvent = "event.m3u8"
	PlaylistVOD   = "vod.m3u8"
)

type segmentEntry struct {
	name    string
	seconds float64
}

// Writer packages samples into segment files and playlists for one
// broadcast. Produced and updated files are reported through the
// media.WriterEvents it was constructed with. Appends arrive on the
// session read loop; Stop may arrive from the session close path, so
// internal state is lock-guarded.
type Writer struct {
	log        *slog.Logger
	dir        string
	streamType protocol.StreamType
	events     media.WriterEvents

	mu        sync.Mutex
	stopped   bool
	seq       int
	cur       *os.File
	curPath   string
	curSecs   float64
	completed []segmentEntry
}

// NewWriter creates a segment writer rooted at dir, which must already
// exist. If log is nil, slog.Default() is used.
func NewWriter(dir string, st protocol.StreamType, events media.WriterEvents, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("segment: output dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("segment: output path %s is not a directory", dir)
	}
	return &Writer{
		log:        log.With("component", "segment-writer"),
		dir:        dir,
		streamType: st,
		events:     events,
	}, nil
}

// ConfigureVideo records new video settings. Settings changes take effect
// at the next segment boundary; nothing is rewritten retroactively.
func (w *Writer) ConfigureVideo(s media.VideoSettings) {
	w.log.Info("video settings", "dimensions", s.Dimensions, "timescale", s.Timescale, "params", len(s.Params))
}

// ConfigureAudio records new audio settings.
func (w *Writer) ConfigureAudio(s media.AudioSettings) {
	w.log.Debug("audio settings", "sample_rate", s.SampleRate, "channels", s.Channels)
}

// AppendVideo frames a video sample into the current segment, rolling at
// the target duration. With video present, segments only roll on sync
// frames so every segment starts decodable.
func (w *Writer) AppendVideo(s media.VideoSample) {
	payload, err := s.MarshalBinary()
	if err != nil {
		w.log.Warn("could not frame video sample", "error", err)
		return
	}

	var secs float64
	if s.Timescale > 0 {
		secs = float64(s.Duration) / float64(s.Timescale)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.curSecs >= targetSegmentSeconds && s.Sync {
		w.rollLocked()
	}
	w.appendLocked(protocol.TagVideo, payload, secs)
}

// AppendAudio frames an audio sample into the current segment. Audio-only
// streams roll purely on duration.
func (w *Writer) AppendAudio(s media.AudioSample) {
	payload, err := s.MarshalBinary()
	if err != nil {
		w.log.Warn("could not frame audio sample", "error", err)
		return
	}

	var secs float64
	if s.SampleRate > 0 {
		secs = float64(s.Duration) / float64(s.SampleRate)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.curSecs >= targetSegmentSeconds && !w.streamType.HasVideo() {
		w.rollLocked()
	}
	w.appendLocked(protocol.TagAudio, payload, secs)
}

// Stop finalizes the open segment and writes the closing playlists.
// Idempotent.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cur != nil {
		w.closeSegmentLocked()
	}
	w.writePlaylistsLocked()
	w.log.Info("writer stopped", "segments", len(w.completed))
}

func (w *Writer) appendLocked(tag protocol.Tag, payload []byte, secs float64) {
	if w.cur == nil {
		if err := w.openSegmentLocked(); err != nil {
			w.log.Error("could not open segment", "error", err)
			return
		}
	}
	if _, err := w.cur.Write(protocol.AppendPacket(nil, tag, payload)); err != nil {
		w.log.Error("segment write failed", "path", w.curPath, "error", err)
		return
	}
	w.curSecs += secs
}

func (w *Writer) openSegmentLocked() error {
	path := filepath.Join(w.dir, fmt.Sprintf("segment-%d.mp4", w.seq))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w.cur = f
	w.curPath = path
	w.curSecs = 0
	return nil
}

// rollLocked closes the current segment and announces it plus the
// refreshed playlists.
func (w *Writer) rollLocked() {
	if w.cur == nil {
		return
	}
	w.closeSegmentLocked()
	w.writePlaylistsLocked()
}

func (w *Writer) closeSegmentLocked() {
	if err := w.cur.Close(); err != nil {
		w.log.Warn("segment close failed", "path", w.curPath, "error", err)
	}
	w.completed = append(w.completed, segmentEntry{
		name:    filepath.Base(w.curPath),
		seconds: w.curSecs,
	})
	w.seq++
	path := w.curPath
	w.cur = nil
	w.curPath = ""
	w.curSecs = 0

	if w.events != nil {
		w.events.FileWritten(path)
	}
}

func (w *Writer) writePlaylistsLocked() {
	live := w.completed
	if len(live) > liveWindowSegments {
		live = live[len(live)-liveWindowSegments:]
	}

	w.writePlaylistLocked(PlaylistLive, live, false)
	w.writePlaylistLocked(PlaylistEvent, w.completed, false)
	w.writePlaylistLocked(PlaylistVOD, w.completed, w.stopped)
}

func (w *Writer) writePlaylistLocked(name string, entries []segmentEntry, end bool) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(targetSegmentSeconds))
	seq := 0
	if len(w.completed) > len(entries) {
		seq = len(w.completed) - len(entries)
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	for _, e := range entries {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", e.seconds, e.name)
	}
	if end {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		w.log.Error("playlist write failed", "path", path, "error", err)
		return
	}
	if w.events != nil {
		w.events.FileUpdated(path)
	}
}
