package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/shardd/internal/clock"
	"pkt.systems/shardd/internal/executor"
	"pkt.systems/shardd/internal/loggingutil"
)

// SessionCatalog owns the per-session routers. A router is created lazily
// on the first request for its session, handed out under an exclusive
// checkout, and destroyed with the session. The checkout is what lets the
// Router itself run lock-free.
type SessionCatalog struct {
	exec      *executor.Executor
	source    *clock.Source
	wallClock clock.Clock
	logger    pslog.Logger
	metrics   *Metrics
	slowAfter time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionEntry
}

type sessionEntry struct {
	router *Router
	// slot holds one token; owning the token is owning the router.
	slot chan struct{}
}

// CatalogConfig collects the dependencies shared by every session router.
type CatalogConfig struct {
	Executor                 *executor.Executor
	Source                   *clock.Source
	Clock                    clock.Clock
	Logger                   pslog.Logger
	Metrics                  *Metrics
	SlowTransactionThreshold time.Duration
}

// NewSessionCatalog constructs an empty catalog.
func NewSessionCatalog(cfg CatalogConfig) *SessionCatalog {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(logger)
	}
	return &SessionCatalog{
		exec:      cfg.Executor,
		source:    cfg.Source,
		wallClock: clk,
		logger:    logger,
		metrics:   metrics,
		slowAfter: cfg.SlowTransactionThreshold,
		sessions:  make(map[uuid.UUID]*sessionEntry),
	}
}

// CheckedOutSession is an exclusive handle on one session's router. The
// holder must Release it when the statement finishes.
type CheckedOutSession struct {
	entry    *sessionEntry
	released bool
}

// CheckOut acquires the session's router, creating it on first use. It
// blocks while another statement holds the session and honors ctx
// cancellation.
func (c *SessionCatalog) CheckOut(ctx context.Context, sessionID uuid.UUID) (*CheckedOutSession, error) {
	c.mu.Lock()
	entry, ok := c.sessions[sessionID]
	if !ok {
		entry = &sessionEntry{
			router: New(Config{
				SessionID:                sessionID,
				Executor:                 c.exec,
				Source:                   c.source,
				Clock:                    c.wallClock,
				Logger:                   c.logger,
				Metrics:                  c.metrics,
				SlowTransactionThreshold: c.slowAfter,
			}),
			slot: make(chan struct{}, 1),
		}
		entry.slot <- struct{}{}
		c.sessions[sessionID] = entry
	}
	c.mu.Unlock()

	select {
	case <-entry.slot:
		return &CheckedOutSession{entry: entry}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Router returns the checked-out router.
func (s *CheckedOutSession) Router() *Router {
	return s.entry.router
}

// Release returns the session to the catalog. Releasing twice is a no-op.
func (s *CheckedOutSession) Release() {
	if s.released {
		return
	}
	s.released = true
	s.entry.slot <- struct{}{}
}

// EndSession destroys the session's router. In-flight checkouts keep their
// handle; future checkouts start fresh.
func (c *SessionCatalog) EndSession(sessionID uuid.UUID) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// Len returns the number of live sessions.
func (c *SessionCatalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
