// Package session implements the per-connection lifecycle of one pupil
// client: the text handshake, the binary packet stream, and the close
// protocol that drains in-flight uploads before the server forgets the
// session.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kradtv/pupild/internal/broadcast"
	"github.com/kradtv/pupild/internal/media"
	"github.com/kradtv/pupild/internal/protocol"
	"github.com/kradtv/pupild/internal/segment"
	"github.com/kradtv/pupild/internal/thumbnail"
	"github.com/kradtv/pupild/internal/upload"
)

// Text responses of the handshake phase.
const (
	ResponseHI    = "HI\n"
	ResponseBegin = "BEGIN\n"
)

// readBufferSize is the socket read chunk size.
const readBufferSize = 4096

// maxHandshakeLine caps the broadcast-ID line; anything longer is a
// misbehaving client.
const maxHandshakeLine = 1024

// metadataTimeout bounds each broadcast-API call made from session paths.
const metadataTimeout = 10 * time.Second

// State is the lifecycle position of a session.
type State int32

// Session lifecycle states. Transitions run Handshake → Streaming →
// Closed; a session that never completes the handshake goes straight from
// Handshake to Closed.
const (
	StateHandshake State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Delegate is notified when a session has fully shut down, uploads
// included.
type Delegate interface {
	Disconnected(s *Session)
}

// Config carries the collaborators injected into every session. NewWriter
// and NewThumbnailer override collaborator construction for tests; nil
// selects the real segment writer and ffmpeg thumbnailer.
type Config struct {
	Root              string
	ThumbnailInterval int
	Storage           upload.Storage
	Broadcasts        *broadcast.Client

	NewWriter      func(dir string, st protocol.StreamType, ev media.WriterEvents, log *slog.Logger) (media.Writer, error)
	NewThumbnailer func(dir string, ev media.ThumbnailEvents, log *slog.Logger) media.Thumbnailer

	Log *slog.Logger
}

// Session owns exactly one client socket from accept to teardown. The
// connection buffer and media state are touched only by the read loop;
// the coordinator and tracker are safe for the worker goroutines that
// share them.
type Session struct {
	id       string
	log      *slog.Logger
	cfg      Config
	conn     net.Conn
	delegate Delegate

	state     atomic.Int32
	stopping  atomic.Bool
	bytesRead atomic.Int64

	// Owned by the read loop.
	buf         []byte
	broadcastID string
	ingest      *media.Ingest

	coordinator *upload.Coordinator
	tracker     *broadcast.Tracker

	// metadataReady closes once the initial GET + LIVE post have finished,
	// so DONE can never reach the API first.
	metadataReady chan struct{}

	done chan struct{}
}

// New creates a session for an accepted connection. Run must be called to
// service it.
func New(conn net.Conn, cfg Config, delegate Delegate) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		log:      log.With("component", "session", "session", id[:8], "remote", conn.RemoteAddr().String()),
		cfg:      cfg,
		conn:     conn,
		delegate: delegate,
		done:     make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// BroadcastID returns the broadcast identifier, or "" before the
// handshake completes. Stable once the session is observed past
// StateHandshake.
func (s *Session) BroadcastID() string { return s.broadcastID }

// BytesRead returns the number of bytes received so far.
func (s *Session) BytesRead() int64 { return s.bytesRead.Load() }

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session has fully shut down.
func (s *Session) Wait() { <-s.done }

// Stop asks the session to shut down: it closes the socket so the read
// loop observes the disconnect and runs the close protocol (writer stop,
// upload drain, status update, delegate notification) on its own
// goroutine. Stop itself does not block on the drain. Idempotent.
func (s *Session) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.conn.Close()
}

// Run services the connection until EOF, a read error, Stop, or context
// cancellation, then completes the close protocol. It blocks for the
// session's entire lifetime, including the upload drain.
func (s *Session) Run(ctx context.Context) {
	defer s.shutdown()

	cancel := context.AfterFunc(ctx, s.Stop)
	defer cancel()

	if _, err := io.WriteString(s.conn, ResponseHI); err != nil {
		s.log.Debug("could not send greeting", "error", err)
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.bytesRead.Add(int64(n))
			if ferr := s.feed(buf[:n]); ferr != nil {
				s.log.Warn("closing session", "error", ferr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read error", "error", err)
			}
			return
		}
	}
}

// feed appends fresh bytes to the connection buffer and advances whichever
// phase the session is in. After it returns, the buffer holds either
// nothing or the prefix of one partially received packet.
func (s *Session) feed(fresh []byte) error {
	s.buf = append(s.buf, fresh...)

	if s.State() == StateHandshake {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			if len(s.buf) > maxHandshakeLine {
				return fmt.Errorf("handshake line exceeds %d bytes", maxHandshakeLine)
			}
			return nil
		}

		line := strings.TrimRight(string(s.buf[:idx]), "\r")
		s.buf = append(s.buf[:0], s.buf[idx+1:]...)
		if err := s.beginStreaming(line); err != nil {
			return err
		}
	}

	// There may be any number of complete packets in the buffer,
	// including bytes pipelined behind the handshake line. Dispatch is
	// synchronous so packets take effect strictly in arrival order.
	consumed := 0
	for {
		pkt, n, ok := protocol.DecodeOne(s.buf[consumed:])
		if !ok {
			break
		}
		consumed += n
		s.dispatch(pkt)
	}
	if consumed > 0 {
		s.buf = append(s.buf[:0], s.buf[consumed:]...)
	}
	return nil
}

// beginStreaming performs the Handshake → Streaming transition: the line
// becomes the immutable broadcast ID, the broadcast directory and media
// collaborators are set up, and the ready line goes out. A failed media
// setup is tolerated; the session keeps reading and drops samples.
func (s *Session) beginStreaming(line string) error {
	if line == "" {
		return errors.New("empty broadcast id")
	}
	if strings.ContainsAny(line, "/\\") {
		return fmt.Errorf("broadcast id %q contains path separators", line)
	}

	s.broadcastID = line
	s.log = s.log.With("broadcast", line)

	dir := filepath.Join(s.cfg.Root, line)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error("could not create broadcast directory, media will be dropped", "dir", dir, "error", err)
	} else {
		s.setupMedia(dir)
	}

	if _, err := io.WriteString(s.conn, ResponseBegin); err != nil {
		return fmt.Errorf("send ready line: %w", err)
	}
	s.state.Store(int32(StateStreaming))
	s.log.Info("streaming", "dir", dir)
	return nil
}

// setupMedia wires the broadcast tracker, upload coordinator, thumbnailer,
// and ingest state for the broadcast directory.
func (s *Session) setupMedia(dir string) {
	if s.cfg.Broadcasts != nil {
		s.tracker = broadcast.NewTracker(s.cfg.Broadcasts, s.broadcastID, s.log)
		s.metadataReady = make(chan struct{})
		go func() {
			defer close(s.metadataReady)
			ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
			defer cancel()
			s.tracker.Setup(ctx)
			s.tracker.SetStatus(ctx, broadcast.StatusLive)
		}()
	}

	if s.cfg.Storage != nil {
		s.coordinator = upload.NewCoordinator(s.cfg.Storage, s.uploaded, s.log)
	} else {
		s.log.Warn("no storage configured, uploads disabled")
	}

	newThumbnailer := s.cfg.NewThumbnailer
	if newThumbnailer == nil {
		newThumbnailer = func(dir string, ev media.ThumbnailEvents, log *slog.Logger) media.Thumbnailer {
			return thumbnail.NewExtractor(dir, ev, log)
		}
	}
	newWriter := s.cfg.NewWriter
	if newWriter == nil {
		newWriter = func(dir string, st protocol.StreamType, ev media.WriterEvents, log *slog.Logger) (media.Writer, error) {
			w, err := segment.NewWriter(dir, st, ev, log)
			if err != nil {
				return nil, err
			}
			return w, nil
		}
	}

	factory := func(st protocol.StreamType) (media.Writer, error) {
		return newWriter(dir, st, s, s.log)
	}
	s.ingest = media.NewIngest(factory, newThumbnailer(dir, s, s.log), s.cfg.ThumbnailInterval, s.log)
}

// dispatch routes one decoded packet. Unrecognized tags and packets that
// arrive before media setup are skipped, never fatal.
func (s *Session) dispatch(pkt protocol.Packet) {
	if !pkt.Tag.Known() {
		s.log.Warn("skipping unrecognized packet", "tag", pkt.Tag.String(), "bytes", len(pkt.Payload))
		return
	}
	if s.ingest == nil {
		s.log.Debug("no media state, dropping packet", "tag", pkt.Tag.String())
		return
	}

	switch pkt.Tag {
	case protocol.TagAudio:
		s.ingest.HandleAudio(pkt.Payload)
	case protocol.TagVideo:
		s.ingest.HandleVideo(pkt.Payload)
	case protocol.TagStreamType:
		st, err := protocol.ParseStreamType(pkt.Payload)
		if err != nil {
			s.log.Warn("bad stream type packet", "error", err)
			return
		}
		s.ingest.SetStreamType(st)
	case protocol.TagDimensions:
		d, err := protocol.ParseDimensions(pkt.Payload)
		if err != nil {
			s.log.Warn("bad dimensions packet", "error", err)
			return
		}
		s.ingest.SetDimensions(d)
	case protocol.TagParams:
		s.ingest.SetParams(protocol.ParseParams(pkt.Payload))
	}
}

// shutdown runs the close protocol exactly once, on the read-loop
// goroutine: stop the writer, drain uploads, report DONE, then notify the
// delegate. Sessions that never reached Streaming notify immediately.
func (s *Session) shutdown() {
	s.stopping.Store(true)
	s.state.Store(int32(StateClosed))
	s.conn.Close()

	if s.ingest != nil {
		// Stopping the writer flushes the final segment and playlists,
		// enqueueing their uploads before the drain below.
		s.ingest.Stop()
	}
	if s.coordinator != nil {
		s.coordinator.Close()
	}
	if s.tracker != nil {
		// The setup goroutine's calls are deadline-bounded, so this wait
		// is too.
		<-s.metadataReady
		ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
		s.tracker.SetStatus(ctx, broadcast.StatusDone)
		cancel()
	}

	s.log.Info("session closed", "state", s.State().String(), "bytes_read", s.bytesRead.Load())
	if s.delegate != nil {
		s.delegate.Disconnected(s)
	}
	close(s.done)
}

// uploaded runs on the coordinator worker after each successful upload;
// thumbnail uploads are recorded on the broadcast.
func (s *Session) uploaded(path string) {
	if s.tracker == nil || !strings.HasSuffix(path, ".jpg") {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
	defer cancel()
	s.tracker.AddThumbnail(ctx, filepath.Base(path))
}

// FileWritten implements media.WriterEvents: completed files upload then
// delete locally.
func (s *Session) FileWritten(path string) { s.enqueueUpload(path, true) }

// FileUpdated implements media.WriterEvents: rewritten files re-upload and
// stay on disk for the next rewrite.
func (s *Session) FileUpdated(path string) { s.enqueueUpload(path, false) }

// ThumbnailWritten implements media.ThumbnailEvents.
func (s *Session) ThumbnailWritten(path string) { s.enqueueUpload(path, true) }

// ThumbnailFailed implements media.ThumbnailEvents.
func (s *Session) ThumbnailFailed(err error) {
	s.log.Warn("thumbnail extraction failed", "error", err)
}

func (s *Session) enqueueUpload(path string, deleteAfter bool) {
	if s.coordinator == nil {
		return
	}
	s.coordinator.Enqueue(path, deleteAfter)
}
