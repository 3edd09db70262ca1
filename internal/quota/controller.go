// Package quota pauses enrichment work when the upstream lookup starts
// rate-limiting the scraper.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// State is the controller's position in the backoff cycle.
type State int

const (
	// StateNormal lets lookups and dispatch proceed.
	StateNormal State = iota
	// StateDraining blocks new lookups while a checkpoint is forced.
	StateDraining
	// StatePaused sleeps for the configured pause.
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateDraining:
		return "draining"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold        = 5
	defaultPause            = 30 * time.Minute
	defaultProgressInterval = time.Minute
)

// Config controls trip threshold and pause length.
type Config struct {
	// Threshold is the rate-limit failure count that trips the controller.
	Threshold int
	// Pause is how long the pool sleeps once tripped.
	Pause time.Duration
	// ProgressInterval spaces the "still paused" log lines.
	ProgressInterval time.Duration
	// OnStateChange observes transitions. It runs without the lock held.
	OnStateChange func(from, to State)
}

// Pauser sleeps for a duration or until ctx ends.
type Pauser interface {
	Pause(ctx context.Context, d time.Duration)
}

type timerPauser struct{}

func (timerPauser) Pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Controller counts rate-limit failures and runs the
// normal → draining → paused → normal cycle.
type Controller struct {
	cfg    Config
	pauser Pauser
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	failures int
	trips    int
	handling bool
	resume   chan struct{}
	tripped  chan struct{}
}

// New builds a Controller. Zero config values fall back to defaults.
func New(cfg Config, logger *zap.Logger) *Controller {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Pause <= 0 {
		cfg.Pause = defaultPause
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	resume := make(chan struct{})
	close(resume)
	return &Controller{
		cfg:     cfg,
		pauser:  timerPauser{},
		logger:  logger,
		resume:  resume,
		tripped: make(chan struct{}, 1),
	}
}

// WithPauser swaps the sleep implementation, mainly for tests.
func (c *Controller) WithPauser(p Pauser) *Controller {
	if p != nil {
		c.pauser = p
	}
	return c
}

// RecordFailure counts err if it is a rate-limit failure. It reports whether
// this call moved the controller out of normal.
func (c *Controller) RecordFailure(err error) bool {
	if !errors.Is(err, scraper.ErrRateLimited) {
		return false
	}
	c.mu.Lock()
	c.failures++
	if c.state != StateNormal || c.failures < c.cfg.Threshold {
		c.mu.Unlock()
		return false
	}
	c.state = StateDraining
	c.trips++
	c.resume = make(chan struct{})
	failures := c.failures
	c.mu.Unlock()

	select {
	case c.tripped <- struct{}{}:
	default:
	}
	c.logger.Warn("rate limit threshold reached",
		zap.Int("failures", failures),
		zap.Int("threshold", c.cfg.Threshold),
	)
	c.notify(StateNormal, StateDraining)
	return true
}

// Tripped delivers a signal each time the controller leaves normal.
func (c *Controller) Tripped() <-chan struct{} {
	return c.tripped
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failures returns the current failure count.
func (c *Controller) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Trips returns how many times the controller has left normal.
func (c *Controller) Trips() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trips
}

// Wait blocks while the controller is not normal.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	resume := c.resume
	c.mu.Unlock()
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("quota wait: %w", ctx.Err())
	}
}

// Backoff runs one drain/pause cycle if the controller is draining and no
// other caller is already handling it. drain runs before the pause and is
// expected to force a checkpoint. The counter is reset and waiters released
// even when ctx ends mid-pause.
func (c *Controller) Backoff(ctx context.Context, drain func(ctx context.Context)) error {
	c.mu.Lock()
	if c.state != StateDraining || c.handling {
		c.mu.Unlock()
		return nil
	}
	c.handling = true
	c.mu.Unlock()

	if drain != nil {
		drain(ctx)
	}

	c.setState(StatePaused)
	c.logger.Warn("pausing for rate limit", zap.Duration("pause", c.cfg.Pause))
	remaining := c.cfg.Pause
	for remaining > 0 && ctx.Err() == nil {
		step := min(c.cfg.ProgressInterval, remaining)
		c.pauser.Pause(ctx, step)
		remaining -= step
		if remaining > 0 && ctx.Err() == nil {
			c.logger.Info("rate limit pause in progress", zap.Duration("remaining", remaining))
		}
	}

	c.mu.Lock()
	from := c.state
	c.state = StateNormal
	c.failures = 0
	c.handling = false
	close(c.resume)
	c.mu.Unlock()
	c.notify(from, StateNormal)
	c.logger.Info("rate limit pause finished; resuming")

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("quota pause: %w", err)
	}
	return nil
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to {
		c.notify(from, to)
	}
}

func (c *Controller) notify(from, to State) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}
