// Package server provides the HTTP server and routing for the engine's
// external collaborators: the channel lineup, program guide windows, and
// tune-time URL resolution.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/swinder0161/iptv-engine/internal/metrics"
	"github.com/swinder0161/iptv-engine/internal/store"
)

// defaultWindow is the guide window served when the caller does not
// bound the query.
const defaultWindow = 6 * time.Hour

// Routes sets up all HTTP routes.
type Routes struct {
	log   logrus.FieldLogger
	store *store.Store
}

// NewRoutes creates a new routes instance.
func NewRoutes(log logrus.FieldLogger, st *store.Store) *Routes {
	return &Routes{
		log:   log.WithField("component", "routes"),
		store: st,
	}
}

// Handler returns the main HTTP handler with all routes.
func (r *Routes) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/channels", r.handleChannels).Methods(http.MethodGet)
	router.HandleFunc("/api/channels/{id}/programs", r.handlePrograms).Methods(http.MethodGet)
	router.HandleFunc("/api/channels/{id}/url", r.handleChannelURL).Methods(http.MethodGet)
	router.HandleFunc("/api/channels/{id}/license", r.handleLicenseURL).Methods(http.MethodGet)
	router.HandleFunc("/api/resync", r.handleResync).Methods(http.MethodPost)
	router.HandleFunc("/api/cache", r.handleClearCache).Methods(http.MethodDelete)

	router.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return r.loggingMiddleware(router)
}

func (r *Routes) handleChannels(w http.ResponseWriter, req *http.Request) {
	channels := r.store.Channels(req.Context())

	r.writeJSON(w, channels)
}

func (r *Routes) handlePrograms(w http.ResponseWriter, req *http.Request) {
	channelID := mux.Vars(req)["id"]

	now := time.Now().UnixMilli()

	start := queryMillis(req, "start", now)
	end := queryMillis(req, "end", start+defaultWindow.Milliseconds())

	programs := r.store.Programs(req.Context(), channelID, start, end)
	if programs == nil {
		http.Error(w, "unknown channel", http.StatusNotFound)

		return
	}

	r.writeJSON(w, programs)
}

func (r *Routes) handleChannelURL(w http.ResponseWriter, req *http.Request) {
	r.writeURL(w, r.store.ChannelURL(req.Context(), mux.Vars(req)["id"]))
}

func (r *Routes) handleLicenseURL(w http.ResponseWriter, req *http.Request) {
	r.writeURL(w, r.store.ChannelLicenseURL(req.Context(), mux.Vars(req)["id"]))
}

func (r *Routes) writeURL(w http.ResponseWriter, url string) {
	if url == "" {
		http.Error(w, "no URL for channel", http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(url)); err != nil {
		r.log.WithError(err).Error("Failed to write URL response")
	}
}

func (r *Routes) handleResync(w http.ResponseWriter, req *http.Request) {
	r.store.Resync(req.Context())

	w.WriteHeader(http.StatusAccepted)
}

func (r *Routes) handleClearCache(w http.ResponseWriter, req *http.Request) {
	if err := r.store.ClearCache(); err != nil {
		r.log.WithError(err).Error("Failed to clear cache")
		http.Error(w, "failed to clear cache", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (r *Routes) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := struct {
		Status string `json:"status"`
	}{
		Status: "ok",
	}

	r.writeJSON(w, status)
}

func (r *Routes) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.log.WithError(err).Error("Failed to write JSON response")
	}
}

func (r *Routes) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.log.WithFields(logrus.Fields{
			"method": req.Method,
			"path":   req.URL.Path,
			"remote": req.RemoteAddr,
		}).Info("HTTP request")

		next.ServeHTTP(w, req)
	})
}

// queryMillis reads an epoch-milliseconds query parameter, falling back
// when absent or unparseable.
func queryMillis(req *http.Request, name string, fallback int64) int64 {
	value := req.URL.Query().Get(name)
	if value == "" {
		return fallback
	}

	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}

	return millis
}
