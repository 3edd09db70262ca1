// Package publisher announces finished scrape runs to downstream consumers.
package publisher

import (
	"context"
	"time"
)

// RunNotice summarizes one finished run.
type RunNotice struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Output     string    `json:"output"`
	Artifacts  []string  `json:"artifacts,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	Accepted   int       `json:"accepted"`
	Excluded   int       `json:"excluded"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Publisher delivers a RunNotice and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, notice RunNotice) (string, error)
}
