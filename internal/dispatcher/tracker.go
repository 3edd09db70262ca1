package dispatcher

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// sessionTracker records every open session so shutdown can close each one
// exactly once, including sessions whose worker is stuck in a page load.
type sessionTracker struct {
	logger *zap.Logger

	mu     sync.Mutex
	live   map[scraper.Session]struct{}
	closed bool
	opened int
}

func newSessionTracker(logger *zap.Logger) *sessionTracker {
	return &sessionTracker{logger: logger, live: make(map[scraper.Session]struct{})}
}

// Track implements worker.SessionTracker.
func (t *sessionTracker) Track(s scraper.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.live[s] = struct{}{}
	t.opened++
	return true
}

// Release implements worker.SessionTracker.
func (t *sessionTracker) Release(s scraper.Session) {
	t.mu.Lock()
	_, ok := t.live[s]
	delete(t.live, s)
	t.mu.Unlock()
	if ok {
		t.close(s)
	}
}

// CloseAll closes every tracked session and refuses new ones.
func (t *sessionTracker) CloseAll() int {
	t.mu.Lock()
	t.closed = true
	sessions := make([]scraper.Session, 0, len(t.live))
	for s := range t.live {
		sessions = append(sessions, s)
	}
	t.live = make(map[scraper.Session]struct{})
	t.mu.Unlock()

	for _, s := range sessions {
		t.close(s)
	}
	return len(sessions)
}

func (t *sessionTracker) close(s scraper.Session) {
	if err := s.Close(); err != nil {
		t.logger.Debug("session close failed", zap.Error(err))
	}
}

// Opened returns how many sessions were ever tracked.
func (t *sessionTracker) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

// Live returns how many sessions are currently tracked.
func (t *sessionTracker) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}
