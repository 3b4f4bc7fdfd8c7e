// Package http_reporter provides the read API over collected telemetry:
// route statistics and their trailing 24 hour series, captured requests
// and responses, faults and their exception occurrences, and recording
// rule management. Responses are JSON; /metrics serves the Prometheus
// exposition of the collector's self-metrics.
//
// The package returns a gorilla/mux router and can be mounted on any HTTP
// router or used with the standard library's http package.
package http_reporter
