// Package memory records run notices in memory for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/jobboard-scraper/internal/publisher"
)

// Publisher stores published notices for inspection.
type Publisher struct {
	mu      sync.RWMutex
	notices []publisher.RunNotice
	err     error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes later Publish calls return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records notice and returns a pseudo id.
func (p *Publisher) Publish(_ context.Context, notice publisher.RunNotice) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.notices = append(p.notices, notice)
	return fmt.Sprintf("memory-%d", len(p.notices)), nil
}

// Notices returns a copy of the recorded notices.
func (p *Publisher) Notices() []publisher.RunNotice {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.RunNotice, len(p.notices))
	copy(out, p.notices)
	return out
}
