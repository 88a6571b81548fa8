package broadcast

import (
	"context"
	"log/slog"
	"sync"
)

// Tracker keeps one session's broadcast cache in sync with the metadata
// API. All pushes are fire-and-forget: failures are logged, never retried.
// File uploads have their own retry discipline; metadata deliberately does
// not.
type Tracker struct {
	log    *slog.Logger
	client *Client
	id     string

	mu     sync.Mutex
	cached *Broadcast
}

// NewTracker creates a tracker for broadcast id. If log is nil,
// slog.Default() is used.
func NewTracker(client *Client, id string, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:    log.With("component", "broadcast-tracker", "broadcast", id),
		client: client,
		id:     id,
	}
}

// Setup warms the local cache from the API. A failed fetch leaves the
// tracker usable: status updates still go out, thumbnail appends fall back
// to a minimal local record.
func (t *Tracker) Setup(ctx context.Context) {
	b, err := t.client.Get(ctx, t.id)
	if err != nil {
		t.log.Warn("could not fetch broadcast record", "error", err)
		return
	}
	t.mu.Lock()
	t.cached = b
	t.mu.Unlock()
	t.log.Info("broadcast record cached", "status", b.Status)
}

// SetStatus pushes a status transition.
func (t *Tracker) SetStatus(ctx context.Context, status Status) {
	t.mu.Lock()
	if t.cached != nil {
		t.cached.Status = status
	}
	t.mu.Unlock()

	if err := t.client.UpdateStatus(ctx, t.id, status); err != nil {
		t.log.Warn("status update failed", "status", status, "error", err)
		return
	}
	t.log.Info("broadcast status updated", "status", status)
}

// AddThumbnail appends a thumbnail filename to the cached record and pushes
// the full record to the API.
func (t *Tracker) AddThumbnail(ctx context.Context, filename string) {
	t.mu.Lock()
	if t.cached == nil {
		t.cached = &Broadcast{BroadcastID: t.id, Status: StatusLive}
	}
	t.cached.AddThumbnail(filename)
	snapshot := *t.cached
	t.mu.Unlock()

	if err := t.client.Update(ctx, &snapshot); err != nil {
		t.log.Warn("thumbnail update failed", "thumbnail", filename, "error", err)
		return
	}
	t.log.Debug("thumbnail recorded", "thumbnail", filename)
}
