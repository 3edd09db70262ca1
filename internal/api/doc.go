// Package api serves the scraper's status endpoints:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the live state of the current run.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/outcomes for run
//     history, backed by a store.RunRepository.
package api
