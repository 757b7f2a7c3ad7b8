// Package api hosts the HTTP server, middleware, and REST handlers for the
// event scraper. Notable routes:
//   - POST /v1/scrape runs the selected sources and returns the run summary.
//   - GET /v1/runs and /v1/runs/{run_id} report recorded runs.
//   - GET /v1/events lists stored events ordered by date.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//
// Every response carries CORS headers and OPTIONS preflights are answered
// with 204 before authentication.
package api
