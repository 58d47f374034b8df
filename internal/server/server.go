package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swinder0161/iptv-engine/internal/cache"
	"github.com/swinder0161/iptv-engine/internal/config"
	"github.com/swinder0161/iptv-engine/internal/epg"
	"github.com/swinder0161/iptv-engine/internal/m3u"
	"github.com/swinder0161/iptv-engine/internal/store"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 5 * time.Minute // URL lookups may block on a live parse
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Server wires the parsers, store, cache, and refresher together behind
// the HTTP API, with lifecycle management.
type Server struct {
	log       logrus.FieldLogger
	cfg       *config.Config
	store     *store.Store
	refresher *store.Refresher
	urlCache  *cache.Cache
	server    *http.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer creates a new server instance. The URL cache is optional: a
// failure to open it is logged and the engine runs without persistence.
func NewServer(log logrus.FieldLogger, cfg *config.Config) *Server {
	urlCache, err := cache.Open(log, cfg.CachePath)
	if err != nil {
		log.WithError(err).WithField("path", cfg.CachePath).Warn("Running without URL cache")

		urlCache = nil
	}

	parser := m3u.NewParser(log)
	epgParser := epg.NewParser(log)
	st := store.NewStore(log, cfg.PlaylistURL, parser, epgParser, urlCache)

	return &Server{
		log:       log.WithField("component", "server"),
		cfg:       cfg,
		store:     st,
		refresher: store.NewRefresher(st, cfg.RefreshInterval),
		urlCache:  urlCache,
	}
}

// Store exposes the reconciliation store, the query surface for embedding
// callers.
func (s *Server) Store() *store.Store {
	return s.store
}

// Start starts the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("server already running")
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	// Warm the store without blocking startup.
	s.store.Resync(serverCtx)

	s.refresher.Start(serverCtx)

	routes := NewRoutes(s.log, s.store)

	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      routes.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go s.run(serverCtx)

	s.log.WithField("addr", s.cfg.ListenAddr()).Info("Server started")

	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	if done != nil {
		<-done
	}

	s.refresher.Stop()

	if s.urlCache != nil {
		if err := s.urlCache.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close URL cache")
		}
	}

	s.log.Info("Server stopped")

	return nil
}

func (s *Server) run(ctx context.Context) {
	defer close(s.done)

	errCh := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Shutting down server")
	case err := <-errCh:
		if err != nil {
			s.log.WithError(err).Error("Server error")
		}

		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("Server shutdown error")
	}
}
