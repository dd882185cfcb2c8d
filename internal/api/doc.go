// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET/POST /v1/sessions for live session status and new sessions.
//   - POST /v1/sessions/{id}/{pause|resume|cancel} for the control channel.
//   - GET /v1/runs for session history via the ProgressRepository interface.
package api
