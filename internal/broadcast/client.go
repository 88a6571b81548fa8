package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to the broadcast metadata API: GET and POST of
// /broadcasts/{id}. Construct one per process and share it.
type Client struct {
	log     *slog.Logger
	baseURL string
	http    *http.Client
}

// NewClient creates a metadata API client. host may be a bare hostname
// (https is assumed) or a full base URL. If log is nil, slog.Default()
// is used.
func NewClient(host string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	baseURL := host
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	return &Client{
		log:     log.With("component", "broadcast-api"),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Get fetches the broadcast record for id.
func (c *Client) Get(ctx context.Context, id string) (*Broadcast, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(id), nil)
	if err != nil {
		return nil, fmt.Errorf("broadcast get %s: %w", id, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broadcast get %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broadcast get %s: status %d", id, resp.StatusCode)
	}

	var b Broadcast
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("broadcast get %s: decode: %w", id, err)
	}
	return &b, nil
}

// UpdateStatus posts a status transition for id.
func (c *Client) UpdateStatus(ctx context.Context, id string, status Status) error {
	return c.post(ctx, id, map[string]Status{"status": status})
}

// Update posts the full broadcast record, used after thumbnail appends.
func (c *Client) Update(ctx context.Context, b *Broadcast) error {
	return c.post(ctx, b.BroadcastID, b)
}

func (c *Client) post(ctx context.Context, id string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast post %s: encode: %w", id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(id), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("broadcast post %s: %w", id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast post %s: %w", id, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broadcast post %s: status %d", id, resp.StatusCode)
	}
	return nil
}

func (c *Client) endpoint(id string) string {
	return c.baseURL + "/broadcasts/" + id
}
