package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeStorage records uploads and can be scripted to fail or block.
type fakeStorage struct {
	mu       sync.Mutex
	uploads  []Task
	failures int // fail this many calls before succeeding

	release chan struct{} // when non-nil, each upload blocks on it
}

func (f *fakeStorage) Upload(_ context.Context, path string, deleteAfter bool) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("storage unavailable")
	}
	f.uploads = append(f.uploads, Task{Path: path, DeleteAfterUpload: deleteAfter})
	return nil
}

func (f *fakeStorage) uploaded() []Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Task(nil), f.uploads...)
}

func TestEnqueueAndUpload(t *testing.T) {
	t.Parallel()

	st := &fakeStorage{}
	c := NewCoordinator(st, nil, nil)
	defer c.Close()

	if !c.Enqueue("/root/b1/segment-0.mp4", true) {
		t.Fatal("enqueue rejected")
	}
	c.Drain()

	got := st.uploaded()
	if len(got) != 1 {
		t.Fatalf("got %d uploads, want 1", len(got))
	}
	if got[0].Path != "/root/b1/segment-0.mp4" || !got[0].DeleteAfterUpload {
		t.Fatalf("unexpected task %+v", got[0])
	}
}

func TestRetryFailOnceThenSucceed(t *testing.T) {
	t.Parallel()

	st := &fakeStorage{failures: 1}
	c := NewCoordinator(st, nil, nil, WithRetryDelay(time.Millisecond, 2*time.Millisecond))
	defer c.Close()

	c.Enqueue("/root/b1/live.m3u8", false)
	c.Drain()

	if got := c.Attempts(); got != 2 {
		t.Fatalf("got %d attempts, want 2", got)
	}
	if got := c.Uploaded(); got != 1 {
		t.Fatalf("got %d successes, want 1", got)
	}
}

func TestDrainWaitsForAllTasks(t *testing.T) {
	t.Parallel()

	const tasks = 10

	st := &fakeStorage{release: make(chan struct{})}
	var completions atomic.Int64
	c := NewCoordinator(st, func(string) { completions.Add(1) }, nil)
	defer c.Close()

	for i := 0; i < tasks; i++ {
		c.Enqueue("/root/b1/seg.mp4", true)
	}

	drained := make(chan struct{})
	go func() {
		c.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned while uploads were blocked")
	case <-time.After(20 * time.Millisecond):
	}

	// Unblock all uploads; drain must now observe every completion.
	close(st.release)
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return after uploads completed")
	}

	if got := completions.Load(); got != tasks {
		t.Fatalf("drain returned after %d completions, want %d", got, tasks)
	}
}

func TestOrderPreserved(t *testing.T) {
	t.Parallel()

	st := &fakeStorage{}
	c := NewCoordinator(st, nil, nil)
	defer c.Close()

	c.Enqueue("/root/b1/segment-0.mp4", true)
	c.Enqueue("/root/b1/segment-1.mp4", true)
	c.Enqueue("/root/b1/live.m3u8", false)
	c.Drain()

	got := st.uploaded()
	if len(got) != 3 {
		t.Fatalf("got %d uploads, want 3", len(got))
	}
	want := []string{"/root/b1/segment-0.mp4", "/root/b1/segment-1.mp4", "/root/b1/live.m3u8"}
	for i, w := range want {
		if got[i].Path != w {
			t.Fatalf("upload %d: got %q, want %q", i, got[i].Path, w)
		}
	}
}

func TestEnqueueAfterCloseRejected(t *testing.T) {
	t.Parallel()

	st := &fakeStorage{}
	c := NewCoordinator(st, nil, nil)
	c.Close()

	if c.Enqueue("/root/b1/late.mp4", false) {
		t.Fatal("enqueue accepted after close")
	}
	if len(st.uploaded()) != 0 {
		t.Fatal("late task was uploaded")
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(&fakeStorage{}, nil, nil)
	c.Close()
	c.Close()
}

func TestOnUploadedCallback(t *testing.T) {
	t.Parallel()

	st := &fakeStorage{}
	var mu sync.Mutex
	var paths []string
	c := NewCoordinator(st, func(p string) {
		mu.Lock()
		paths = append(paths, p)
		mu.Unlock()
	}, nil)
	defer c.Close()

	c.Enqueue("/root/b1/thumb-1.jpg", true)
	c.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "/root/b1/thumb-1.jpg" {
		t.Fatalf("callback paths %v", paths)
	}
}
