package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swinder0161/iptv-engine/internal/m3u"
)

// refresh runs one playlist parse in its own goroutine. In blocking mode
// the caller waits for completion (used when fresh data is needed to
// answer a query); otherwise the parse is fire-and-forget and runs on a
// detached context so it survives the caller's request. A successful full
// parse chains an asynchronous cache write. Errors are logged, never
// propagated.
func (s *Store) refresh(ctx context.Context, scope m3u.Scope, block bool) {
	if !block {
		ctx = context.WithoutCancel(ctx)
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		err := s.parser.Parse(ctx, s.playlistURL, scope, &syncHandler{ctx: ctx, store: s})
		if err != nil {
			if errors.Is(err, m3u.ErrSyncedRecently) {
				s.log.WithField("scope", scope.String()).Debug("Refresh skipped")
			} else {
				s.log.WithError(err).WithField("scope", scope.String()).Error("Refresh failed")
			}

			return
		}

		go s.saveToCache()
	}()

	if block {
		<-done
	}
}

// Refresher periodically kicks a full refresh so guide data stays warm
// without waiting for a query. The parser's minimum-interval check makes
// extra ticks free.
type Refresher struct {
	log      logrus.FieldLogger
	store    *Store
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher creates a periodic refresher.
func NewRefresher(store *Store, interval time.Duration) *Refresher {
	return &Refresher{
		log:      store.log.WithField("component", "refresher"),
		store:    store,
		interval: interval,
	}
}

// Start begins the refresh loop.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return // Already running
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(refreshCtx)

	r.log.Info("Refresher started")
}

// Stop stops the refresh loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()

		if done != nil {
			<-done
		}
	}

	r.log.Info("Refresher stopped")
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.store.refresh(ctx, m3u.ScopeFull, true)
		}
	}
}
