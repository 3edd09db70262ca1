// Package ledger tracks which listing urls a run has already completed so an
// interrupted scrape can resume without repeating work.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/clock/system"
	"github.com/JakeFAU/jobboard-scraper/internal/export"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
	"github.com/JakeFAU/jobboard-scraper/internal/storage/local"
)

// ErrLocked is returned when another run already holds the output target.
var ErrLocked = errors.New("output is locked by another run")

// fileState is the on-disk side-car format.
type fileState struct {
	CompletedURLs  []string  `json:"completed_urls"`
	LastUpdated    time.Time `json:"last_updated"`
	TotalCompleted int       `json:"total_completed"`
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for load warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the clock used for last_updated.
func WithClock(clock scraper.Clock) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// Ledger is the completion set for one output target.
type Ledger struct {
	mu         sync.Mutex
	outputPath string
	path       string
	completed  map[string]struct{}
	lock       *flock.Flock
	clock      scraper.Clock
	logger     *zap.Logger
}

// PathFor returns the side-car ledger path for an output file.
func PathFor(outputPath string) string {
	ext := filepath.Ext(outputPath)
	return strings.TrimSuffix(outputPath, ext) + "_progress.json"
}

// Open locks outputPath for this process and loads the completed set from the
// side-car file and the urls already present in the output spreadsheet.
func Open(outputPath string, opts ...Option) (*Ledger, error) {
	if strings.TrimSpace(outputPath) == "" {
		return nil, fmt.Errorf("output path is required")
	}
	l := &Ledger{
		outputPath: outputPath,
		path:       PathFor(outputPath),
		completed:  make(map[string]struct{}),
		clock:      system.New(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	l.lock = flock.New(outputPath + ".lock")
	locked, err := l.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock output: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, outputPath)
	}

	fromFile := l.loadSideCar()
	fromOutput := l.loadOutput()
	l.logger.Info("resume ledger loaded",
		zap.String("ledger", l.path),
		zap.Int("from_ledger", fromFile),
		zap.Int("from_output", fromOutput),
		zap.Int("completed", len(l.completed)),
	)
	return l, nil
}

func (l *Ledger) loadSideCar() int {
	// #nosec G304 -- path derives from the operator-chosen output target.
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("read ledger failed", zap.String("path", l.path), zap.Error(err))
		}
		return 0
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		l.logger.Warn("ledger is corrupt; ignoring", zap.String("path", l.path), zap.Error(err))
		return 0
	}
	for _, u := range st.CompletedURLs {
		if u != "" {
			l.completed[u] = struct{}{}
		}
	}
	return len(st.CompletedURLs)
}

func (l *Ledger) loadOutput() int {
	urls, err := export.ReadURLs(l.outputPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("read existing output failed", zap.String("path", l.outputPath), zap.Error(err))
		}
		return 0
	}
	for _, u := range urls {
		l.completed[u] = struct{}{}
	}
	return len(urls)
}

// Path returns the side-car file location.
func (l *Ledger) Path() string { return l.path }

// OutputPath returns the spreadsheet the ledger is keyed on.
func (l *Ledger) OutputPath() string { return l.outputPath }

// Len returns the number of completed urls.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.completed)
}

// IsCompleted reports whether url was finished by this or an earlier run.
func (l *Ledger) IsCompleted(url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.completed[url]
	return ok
}

// FilterPending returns the urls not yet completed, preserving order.
func (l *Ledger) FilterPending(urls []string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := l.completed[u]; !ok {
			out = append(out, u)
		}
	}
	return out
}

// MergeWithExisting returns the rows already in the output file followed by
// each new record whose url is not yet present. Calling it again with the same
// records yields the same rows.
func (l *Ledger) MergeWithExisting(records []scraper.Record) ([]scraper.Record, error) {
	existing, err := export.ReadRecords(l.outputPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load existing output: %w", err)
	}
	seen := make(map[string]struct{}, len(existing)+len(records))
	merged := make([]scraper.Record, 0, len(existing)+len(records))
	for _, rec := range existing {
		seen[rec.URL] = struct{}{}
		merged = append(merged, rec)
	}
	added := 0
	for _, rec := range records {
		if _, ok := seen[rec.URL]; ok {
			continue
		}
		seen[rec.URL] = struct{}{}
		merged = append(merged, rec)
		added++
	}
	l.logger.Debug("merged output",
		zap.Int("existing", len(existing)),
		zap.Int("added", added),
		zap.Int("total", len(merged)),
	)
	return merged, nil
}

// SaveProgress marks every record url complete and rewrites the side-car file.
func (l *Ledger) SaveProgress(records []scraper.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		if rec.URL != "" {
			l.completed[rec.URL] = struct{}{}
		}
	}
	urls := make([]string, 0, len(l.completed))
	for u := range l.completed {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	data, err := json.MarshalIndent(fileState{
		CompletedURLs:  urls,
		LastUpdated:    l.clock.Now(),
		TotalCompleted: len(urls),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := local.WriteFileAtomic(l.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Cleanup deletes the side-car file after a fully successful run.
func (l *Ledger) Cleanup() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove ledger: %w", err)
	}
	return nil
}

// Close releases the output lock.
func (l *Ledger) Close() error {
	if l == nil || l.lock == nil {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock output: %w", err)
	}
	return nil
}
