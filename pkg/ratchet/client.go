// Package ratchet is a Go client for the ratchet-trader HTTP API.
package ratchet

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ratchet/internal/live"
)

// Client talks to a running trader.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new ratchet API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Status retrieves the current session-day snapshot.
func (c *Client) Status(ctx context.Context) (*live.Snapshot, error) {
	resp, err := c.get(ctx, "/api/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var snap live.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &snap, nil
}

// Events streams decisions and trades to fn until ctx is cancelled, the
// server closes the stream or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(live.Event) error) error {
	// The stream is long-lived; only ctx bounds it.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Transport: c.httpClient.Transport}).Do(req)
	if err != nil {
		return fmt.Errorf("GET /api/events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /api/events: %s", resp.Status)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var evt live.Event
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return resp, nil
}
