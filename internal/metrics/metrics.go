// Package metrics provides Prometheus instrumentation for the ingestion
// engine. Components record into package-level collectors registered via
// promauto; the scrape endpoint is mounted with Handler().
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refreshes counts playlist sync attempts by scope and outcome
// (success, failure, skipped).
var Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_refreshes_total",
	Help: "Playlist sync attempts by scope and outcome.",
}, []string{"scope", "outcome"})

// PlaylistEntries counts channel entries committed from playlist parses.
var PlaylistEntries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "iptv_playlist_entries_total",
	Help: "Channel entries committed from playlist parses.",
})

// Programs counts programme records ingested from EPG documents.
var Programs = promauto.NewCounter(prometheus.CounterOpts{
	Name: "iptv_epg_programs_total",
	Help: "Programme records ingested from EPG documents.",
})

// ParseErrors counts malformed records skipped during parsing, by kind
// (playlist_entry, programme).
var ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_parse_errors_total",
	Help: "Malformed records skipped during parsing.",
}, []string{"kind"})

// CacheLookups counts persisted URL cache lookups by result
// (hit, miss, stale).
var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_cache_lookups_total",
	Help: "Persisted URL cache lookups by result.",
}, []string{"result"})

// Channels is the number of tunable channels after the last bucket rebuild.
var Channels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_channels",
	Help: "Tunable channels after the last genre bucket rebuild.",
})

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
