package server

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kradtv/pupild/internal/media"
	"github.com/kradtv/pupild/internal/protocol"
	"github.com/kradtv/pupild/internal/session"
)

type nopWriter struct {
	mu      sync.Mutex
	samples int
}

func (w *nopWriter) ConfigureVideo(media.VideoSettings) {}
func (w *nopWriter) ConfigureAudio(media.AudioSettings) {}
func (w *nopWriter) AppendVideo(media.VideoSample) {
	w.mu.Lock()
	w.samples++
	w.mu.Unlock()
}
func (w *nopWriter) AppendAudio(media.AudioSample) {
	w.mu.Lock()
	w.samples++
	w.mu.Unlock()
}
func (w *nopWriter) Stop() {}

type nopThumbnailer struct{}

func (nopThumbnailer) SetParams(sps, pps []byte) {}
func (nopThumbnailer) Keyframe(nalus [][]byte)   {}
func (nopThumbnailer) Stop()                     {}

type nopStorage struct{}

func (nopStorage) Upload(context.Context, string, bool) error { return nil }

func startServer(t *testing.T) (*Server, string, *nopWriter, context.CancelFunc) {
	t.Helper()

	writer := &nopWriter{}
	cfg := session.Config{
		Root:              t.TempDir(),
		ThumbnailInterval: 5,
		Storage:           nopStorage{},
		NewWriter: func(string, protocol.StreamType, media.WriterEvents, *slog.Logger) (media.Writer, error) {
			return writer, nil
		},
		NewThumbnailer: func(string, media.ThumbnailEvents, *slog.Logger) media.Thumbnailer {
			return nopThumbnailer{}
		},
	}

	srv := New("127.0.0.1:0", cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		srv.Stop()
		srv.Wait()
		if err := <-errCh; err != nil {
			t.Errorf("server returned error: %v", err)
		}
	})
	return srv, srv.Addr().String(), writer, cancel
}

func dialAndHandshake(t *testing.T, addr, id string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	r := bufio.NewReader(conn)
	if line, err := r.ReadString('\n'); err != nil || line != session.ResponseHI {
		t.Fatalf("greeting: %q, %v", line, err)
	}
	if _, err := conn.Write([]byte(id + "\n")); err != nil {
		t.Fatalf("send id: %v", err)
	}
	if line, err := r.ReadString('\n'); err != nil || line != session.ResponseBegin {
		t.Fatalf("ready line: %q, %v", line, err)
	}
	return conn
}

func TestServeOneClient(t *testing.T) {
	t.Parallel()

	srv, addr, _, _ := startServer(t)
	conn := dialAndHandshake(t, addr, "test-broadcast")

	root := srv.cfg.Root
	if _, err := os.Stat(filepath.Join(root, "test-broadcast")); err != nil {
		t.Fatalf("broadcast dir missing: %v", err)
	}
	if got := srv.SessionCount(); got != 1 {
		t.Fatalf("session count %d, want 1", got)
	}

	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for srv.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never left the registry")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestServeConcurrentClients(t *testing.T) {
	t.Parallel()

	srv, addr, writer, _ := startServer(t)

	const clients = 5
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn := dialAndHandshake(t, addr, "broadcast-"+string(rune('a'+n)))

			var stream []byte
			stream = protocol.AppendPacket(stream, protocol.TagStreamType, []byte{0x01})
			payload, err := (media.AudioSample{SampleRate: 48000, Channels: 2, Duration: 1024, Data: []byte{0x01}}).MarshalBinary()
			if err != nil {
				t.Error(err)
				return
			}
			stream = protocol.AppendPacket(stream, protocol.TagAudio, payload)
			if _, err := conn.Write(stream); err != nil {
				t.Errorf("send: %v", err)
			}
		}(i)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for {
		writer.mu.Lock()
		n := writer.samples
		writer.mu.Unlock()
		if n == clients {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d samples, want %d", n, clients)
		}
		time.Sleep(time.Millisecond)
	}
	if got := srv.Accepted(); got != clients {
		t.Fatalf("accepted %d, want %d", got, clients)
	}
}

func TestStopClosesSessions(t *testing.T) {
	t.Parallel()

	srv, addr, _, _ := startServer(t)
	conn := dialAndHandshake(t, addr, "b1")

	srv.Stop()
	srv.Wait()

	if srv.Started() {
		t.Fatal("server still marked started")
	}
	if got := srv.SessionCount(); got != 0 {
		t.Fatalf("session count %d after stop, want 0", got)
	}

	// The client observes the disconnect.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected read to fail after server stop")
	}

	// New connections are refused.
	if c, err := net.Dial("tcp", addr); err == nil {
		c.Close()
		t.Fatal("listener still accepting after stop")
	}
}

func TestContextCancelStopsServer(t *testing.T) {
	t.Parallel()

	srv, addr, _, cancel := startServer(t)
	dialAndHandshake(t, addr, "b1")

	cancel()
	srv.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Started() {
		if time.Now().After(deadline) {
			t.Fatal("server never stopped after cancel")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := startServer(t)
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("second start succeeded")
	}
}

func TestSessionTrackedDuringStopIsStopped(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := startServer(t)
	srv.Stop()

	// A connection accepted concurrently with Stop can reach the registry
	// after Stop took its snapshot; it must still be torn down.
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	sess := session.New(serverSide, srv.cfg, srv)
	go sess.Run(context.Background())
	srv.track(sess)

	done := make(chan struct{})
	go func() {
		sess.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("late session never shut down")
	}
	if got := srv.SessionCount(); got != 0 {
		t.Fatalf("session count %d after teardown, want 0", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := startServer(t)
	srv.Stop()
	srv.Stop()
	srv.Wait()
}
