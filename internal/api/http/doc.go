// Package http exposes the daemon's read-only introspection API: health
// and stats endpoints, the bus and name listings, and the Prometheus
// scrape handler. Nothing here mutates engine state.
package http
