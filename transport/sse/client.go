package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/state"
)

type Client struct {
	URL    string
	Client *http.Client
}

// NewClient reads the stream served at url.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{URL: url, Client: httpClient}
}

// Subscribe calls handler with every frame until ctx ends, the server closes the
// stream or handler fails.
func (c *Client) Subscribe(ctx context.Context, handler func(state.Snapshot) error) error {
	op := syncErrors.Op("sse.Subscribe")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return syncErrors.E(op, component, syncErrors.KindInvalid, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return syncErrors.E(op, component, syncErrors.KindUnavailable, err, "http request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return syncErrors.E(op, component, syncErrors.KindUnavailable, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20) // allow large lines
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		var js JSONSnapshot
		if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &js); err != nil {
			return syncErrors.E(op, component, syncErrors.KindInvalid, err, "decode payload")
		}
		snap, err := fromJSONSnapshot(js)
		if err != nil {
			return syncErrors.E(op, component, syncErrors.KindInvalid, err, "decode entity")
		}
		if err := handler(snap); err != nil {
			return syncErrors.E(op, component, err, "handler")
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return syncErrors.E(op, component, syncErrors.KindUnavailable, err, "scan")
	}
	return nil
}
