// Package thumbnail extracts JPEG stills from broadcast keyframes. The
// decode itself is delegated to an ffmpeg subprocess fed one Annex B
// access unit; this process never links a video decoder.
package thumbnail

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/kradtv/pupild/internal/media"
)

// annexBStartCode separates NAL units in the stream handed to the decoder.
var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Extractor implements media.Thumbnailer by decoding keyframes with
// ffmpeg. Decodes run on a background goroutine; a keyframe arriving while
// a decode is still running is skipped, which only stretches the sampling
// interval, never blocks ingestion.
type Extractor struct {
	log    *slog.Logger
	dir    string
	ffmpeg string

	events media.ThumbnailEvents

	mu       sync.Mutex
	sps, pps []byte
	seq      int

	busy    atomic.Bool
	decodes sync.WaitGroup
}

// NewExtractor creates an extractor writing thumb-N.jpg files into dir,
// reporting results through events. If log is nil, slog.Default() is used.
func NewExtractor(dir string, events media.ThumbnailEvents, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		log.Warn("ffmpeg not found, thumbnails disabled")
	}
	return &Extractor{
		log:    log.With("component", "thumbnailer"),
		dir:    dir,
		ffmpeg: ffmpeg,
		events: events,
	}
}

// SetParams replaces the parameter sets prepended to each decode.
func (e *Extractor) SetParams(sps, pps []byte) {
	e.mu.Lock()
	e.sps = append(e.sps[:0], sps...)
	e.pps = append(e.pps[:0], pps...)
	e.mu.Unlock()
}

// Keyframe decodes one sync frame's NAL units into a JPEG. Returns
// immediately; the result arrives via the callbacks.
func (e *Extractor) Keyframe(nalus [][]byte) {
	if e.ffmpeg == "" || len(nalus) == 0 {
		return
	}
	if !e.busy.CompareAndSwap(false, true) {
		e.log.Debug("decode in progress, skipping keyframe")
		return
	}

	e.mu.Lock()
	if len(e.sps) == 0 || len(e.pps) == 0 {
		e.mu.Unlock()
		e.busy.Store(false)
		return
	}
	stream := e.annexBLocked(nalus)
	out := filepath.Join(e.dir, fmt.Sprintf("thumb-%d.jpg", e.seq))
	e.seq++
	e.mu.Unlock()

	e.decodes.Add(1)
	go func() {
		defer e.decodes.Done()
		defer e.busy.Store(false)
		if err := e.decode(stream, out); err != nil {
			e.log.Warn("thumbnail decode failed", "error", err)
			if e.events != nil {
				e.events.ThumbnailFailed(err)
			}
			return
		}
		e.log.Debug("thumbnail written", "path", out)
		if e.events != nil {
			e.events.ThumbnailWritten(out)
		}
	}()
}

// Stop blocks until any in-flight decode has reported its result, so a
// teardown that follows Stop never strands a finished thumbnail.
func (e *Extractor) Stop() {
	e.decodes.Wait()
}

// annexBLocked builds sps+pps+nalus as one Annex B elementary stream.
func (e *Extractor) annexBLocked(nalus [][]byte) []byte {
	var b bytes.Buffer
	b.Write(annexBStartCode)
	b.Write(e.sps)
	b.Write(annexBStartCode)
	b.Write(e.pps)
	for _, nalu := range nalus {
		b.Write(annexBStartCode)
		b.Write(nalu)
	}
	return b.Bytes()
}

func (e *Extractor) decode(stream []byte, out string) error {
	cmd := exec.Command(e.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-f", "h264", "-i", "pipe:0",
		"-frames:v", "1", "-q:v", "4",
		"-y", out,
	)
	cmd.Stdin = bytes.NewReader(stream)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("thumbnail: ffmpeg: %w (%s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
