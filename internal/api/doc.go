// Package api hosts the HTTP server, middleware, and handlers for the price watch service.
// Routes:
//   - POST /track registers a watch and checks it immediately.
//   - GET /status lists pending watches.
//   - POST /check runs a full check pass on demand.
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
package api
