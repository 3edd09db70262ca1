// Package progress carries scrape-run milestones from the scheduler and
// pipeline to pluggable sinks. Events are buffered on a Hub, batched on a
// background goroutine and fanned out to sinks such as Prometheus metrics,
// the run store or the log.
package progress
