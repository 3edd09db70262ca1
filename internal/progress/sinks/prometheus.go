package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/jobboard-scraper/internal/progress"
)

// PrometheusSink exports scrape progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsActive   prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	items          *prometheus.CounterVec
	checkpoints    prometheus.Counter
	checkpointRows prometheus.Gauge
	quotaTrips     prometheus.Counter
	quotaPaused    prometheus.Gauge

	mu     sync.Mutex
	active map[[16]byte]struct{}
}

// NewPrometheusSink registers its collectors on reg, or the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobscraper_runs_started_total",
			Help: "Scrape runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobscraper_runs_finished_total",
			Help: "Scrape runs finished, by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobscraper_runs_active",
			Help: "Scrape runs in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobscraper_run_duration_seconds",
			Help:    "Wall time of finished runs.",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobscraper_items_total",
			Help: "Listings processed, by outcome.",
		}, []string{"outcome"}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobscraper_checkpoints_total",
			Help: "Checkpoint writes.",
		}),
		checkpointRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobscraper_checkpoint_rows",
			Help: "Rows in the most recent checkpoint.",
		}),
		quotaTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobscraper_quota_trips_total",
			Help: "Times the lookup quota tripped.",
		}),
		quotaPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobscraper_quota_paused",
			Help: "1 while dispatch is paused for the lookup quota.",
		}),
		active: make(map[[16]byte]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsActive,
		s.runDuration,
		s.items,
		s.checkpoints,
		s.checkpointRows,
		s.quotaTrips,
		s.quotaPaused,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.markActive(evt.RunID, true) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone:
			s.finishRun(evt, "success")
		case progress.StageRunError:
			s.finishRun(evt, "error")
		case progress.StageRunAborted:
			s.finishRun(evt, "interrupted")
		case progress.StageItemDone:
			s.items.WithLabelValues(evt.Outcome).Inc()
		case progress.StageCheckpoint:
			s.checkpoints.Inc()
			s.checkpointRows.Set(float64(evt.Rows))
		case progress.StageQuotaTrip:
			s.quotaTrips.Inc()
			s.quotaPaused.Set(1)
		case progress.StageQuotaResume:
			s.quotaPaused.Set(0)
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.markActive(evt.RunID, false) {
		s.runsActive.Dec()
	}
	s.quotaPaused.Set(0)
}

// markActive reports whether the active set changed.
func (s *PrometheusSink) markActive(id [16]byte, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	switch {
	case active && !ok:
		s.active[id] = struct{}{}
		return true
	case !active && ok:
		delete(s.active, id)
		return true
	}
	return false
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
