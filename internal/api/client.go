// Package api implements the nudge surface of the Conveyor services:
// one idempotent POST endpoint per worker that just triggers the next
// iteration, plus the webhook receiver and the metrics endpoint. Nudges
// exist purely for latency; a lost nudge is repaired by the next
// periodic pass.
package api

import (
	"log/slog"
	"net/http"
	"time"
)

const clientTimeout = 10 * time.Second

// Client posts nudges to one peer service.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a nudge client for the service at base.
func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: clientTimeout},
	}
}

func (c *Client) post(path string) bool {
	u := c.base + path
	resp, err := c.http.Post(u, "application/json", nil)
	if err != nil {
		slog.Error("Nudge failed", "url", u, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Error("Nudge rejected", "url", u, "status", resp.StatusCode)
		return false
	}
	return true
}

// ProcessCommits nudges a scheduler.
func (c *Client) ProcessCommits() bool {
	return c.post("/process_commits")
}

// ProcessBuilds nudges an agent.
func (c *Client) ProcessBuilds() bool {
	return c.post("/process_builds")
}
