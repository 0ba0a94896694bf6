package shardd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"

	"pkt.systems/pslog"
	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/clock"
	"pkt.systems/shardd/internal/executor"
	"pkt.systems/shardd/internal/loggingutil"
	"pkt.systems/shardd/internal/migration"
	"pkt.systems/shardd/internal/router"
)

// Server wires the routing-node transaction core: the per-session router
// catalog, the tenant migration access blocker registry, the remote
// command executor, and the admin/diagnostics HTTP surface.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
	source   *clock.Source
	exec     *executor.Executor
	metrics  *router.Metrics
	catalog  *router.SessionCatalog
	registry *migration.Registry
	statedoc *migration.DiskStore
	waiter   migration.MajorityWaiter
	tracer   trace.Tracer

	httpSrv   *http.Server
	listener  net.Listener
	telemetry *telemetryBundle
	started   time.Time

	mu       sync.Mutex
	watcher  *migration.Watcher
	shutdown bool
}

// NewServer constructs a server from cfg. The replication collaborator
// that reports the majority commit point is injected via waiter; tests
// pass a scripted one.
func NewServer(cfg Config, waiter migration.MajorityWaiter) (*Server, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	resolver := make(executor.StaticResolver, len(cfg.Shards))
	for id, host := range cfg.Shards {
		resolver[id] = executor.Endpoint{Host: host}
	}
	exec := executor.New(executor.Config{
		Resolver:  resolver,
		Transport: executor.NewHTTPTransport(nil),
		Clock:     clk,
		Logger:    logger,
	})

	source := clock.NewSource(clk)
	metrics := router.NewMetrics(logger)
	catalog := router.NewSessionCatalog(router.CatalogConfig{
		Executor:                 exec,
		Source:                   source,
		Clock:                    clk,
		Logger:                   logger,
		Metrics:                  metrics,
		SlowTransactionThreshold: cfg.SlowTransactionThreshold,
	})
	registry := migration.NewRegistry(migration.RegistryConfig{Logger: logger, Clock: clk})

	statedoc, err := migration.NewDiskStore(cfg.StateDocDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		source:   source,
		exec:     exec,
		metrics:  metrics,
		catalog:  catalog,
		registry: registry,
		statedoc: statedoc,
		waiter:   waiter,
		tracer:   otel.Tracer("pkt.systems/shardd"),
	}
	return s, nil
}

// Registry exposes the access blocker registry to the request path.
func (s *Server) Registry() *migration.Registry {
	return s.registry
}

// Sessions exposes the per-session router catalog.
func (s *Server) Sessions() *router.SessionCatalog {
	return s.catalog
}

// StateDocs exposes the donor state document store.
func (s *Server) StateDocs() *migration.DiskStore {
	return s.statedoc
}

// Start recovers access blockers from persisted state documents, begins
// watching for new ones when configured, and serves the admin endpoint.
func (s *Server) Start(ctx context.Context) error {
	s.started = s.clock.Now()

	if s.cfg.MetricsListen != "" || s.cfg.PprofListen != "" || s.cfg.OTLPEndpoint != "" {
		telemetry, err := newTelemetry(s.cfg, s.logger)
		if err != nil {
			return err
		}
		s.telemetry = telemetry
	}

	if err := s.recoverBlockers(ctx); err != nil {
		return err
	}
	if s.cfg.WatchStateDocs {
		watcher, err := migration.WatchStateDocs(s.cfg.StateDocDir, func() {
			if err := s.recoverBlockers(context.Background()); err != nil {
				s.logger.Warn("migration.recovery.refresh_failure", "error", err)
			}
		}, s.logger)
		if err != nil {
			return fmt.Errorf("watch statedocs: %w", err)
		}
		s.mu.Lock()
		s.watcher = watcher
		s.mu.Unlock()
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           otelhttp.NewHandler(s.handler(), "shardd.admin"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := http2.ConfigureServer(s.httpSrv, &http2.Server{}); err != nil {
		return fmt.Errorf("configure http2: %w", err)
	}

	s.logger.Info("server.listening",
		"addr", ln.Addr().String(),
		"shards", len(s.cfg.Shards),
		"statedoc_dir", s.cfg.StateDocDir,
	)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server.serve_failure", "error", err)
		}
	}()
	return nil
}

func (s *Server) recoverBlockers(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "migration.recover_access_blockers")
	defer span.End()
	return migration.RecoverAccessBlockers(ctx, migration.RecoveryConfig{
		Store:    s.statedoc,
		Registry: s.registry,
		Waiter:   s.waiter,
		Clock:    s.clock,
		Logger:   s.logger,
	})
}

// ListenerAddr returns the bound admin address, or nil before Start.
func (s *Server) ListenerAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the watcher, shuts every blocker down, and drains the
// admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			s.logger.Warn("migration.statedocs.watcher_close_failure", "error", err)
		}
	}
	s.registry.Shutdown()

	if s.httpSrv != nil {
		drainCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(drainCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry.shutdown_failure", "error", err)
		}
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// ServerStatus assembles the diagnostic snapshot served at
// /v1/serverstatus.
func (s *Server) ServerStatus() api.ServerStatus {
	now := s.clock.Now()
	return api.ServerStatus{
		Uptime:           humanize.RelTime(s.started, now, "", ""),
		Transactions:     s.metrics.Snapshot(),
		TenantMigrations: s.registry.Statuses(),
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/serverstatus", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.ServerStatus())
	})
	mux.HandleFunc("GET /v1/migrations", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.registry.Statuses())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
