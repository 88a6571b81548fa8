// Package broadcast mirrors the externally-tracked broadcast record and
// talks to the broadcast metadata API. The server only ever moves a
// broadcast through STARTING → LIVE → DONE and appends thumbnail filenames.
package broadcast

// Status is the lifecycle state of a broadcast as tracked by the API.
type Status string

// Broadcast lifecycle states.
const (
	StatusStarting Status = "STARTING"
	StatusLive     Status = "LIVE"
	StatusDone     Status = "DONE"
)

// User is the owner of a broadcast.
type User struct {
	UserID    string `json:"userID"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Broadcast is the metadata record for one live stream. Thumbnails is
// append-only from this server's perspective.
type Broadcast struct {
	BroadcastID string   `json:"broadcastID"`
	UserID      string   `json:"userID"`
	Title       string   `json:"title,omitempty"`
	Status      Status   `json:"status"`
	Thumbnails  []string `json:"thumbnails,omitempty"`
	User        *User    `json:"user,omitempty"`
	CreatedAt   uint64   `json:"createdAt,omitempty"`
}

// AddThumbnail appends a thumbnail filename to the record.
func (b *Broadcast) AddThumbnail(name string) {
	b.Thumbnails = append(b.Thumbnails, name)
}
