package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agrichain/ledger"
	"agrichain/observability"
	"agrichain/services/mirrord/recon"
	"agrichain/services/mirrord/storage"
)

// Mirror is the read side of the mirror store.
type Mirror interface {
	Query(ctx context.Context, f storage.Filter) ([]*storage.Listing, error)
	Count(ctx context.Context, f storage.Filter) (int64, error)
	Get(ctx context.Context, id uint64) (*storage.Listing, error)
	Ping(ctx context.Context) error
}

// Sync controls the reconciliation scheduler.
type Sync interface {
	Trigger() bool
	RequestResync() bool
	Halted() bool
}

// StatusReporter exposes the reconciler's view of the mirror.
type StatusReporter interface {
	Status(ctx context.Context) (*recon.Status, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	ListenAddress string
	Mirror        Mirror
	Ledger        ledger.Client
	Sync          Sync
	Status        StatusReporter
	Logger        *slog.Logger
	HTTPMetrics   *observability.HTTPMetrics
	Rejections    *observability.MarketplaceMetrics
}

// Server hosts the mirrord query and write-forwarding API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router http.Handler
}

// New constructs a configured HTTP server.
func New(cfg Config) (*Server, error) {
	if cfg.Mirror == nil {
		return nil, errors.New("server: mirror store required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("server: ledger client required")
	}
	if cfg.Sync == nil || cfg.Status == nil {
		return nil, errors.New("server: reconciliation wiring required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{cfg: cfg, logger: logger}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/listings", func(lr chi.Router) {
		lr.Get("/", s.ListListings)
		lr.Post("/", s.CreateListing)
		lr.Get("/available", s.ListAvailable)
		lr.Get("/{id}", s.GetListing)
		lr.Post("/{id}/purchase", s.PurchaseListing)
	})

	r.Route("/sync", func(sr chi.Router) {
		sr.Post("/", s.TriggerSync)
		sr.Post("/resync", s.TriggerResync)
		sr.Get("/status", s.SyncStatus)
	})

	return otelhttp.NewHandler(r, "mirrord.http")
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("mirrord http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// observe records route-level metrics and a structured access log line.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.cfg.HTTPMetrics.Observe(route, r.Method, status, elapsed)
		s.logger.Debug("http request",
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", elapsed))
	})
}

// Health reports whether the mirror database is reachable.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Mirror.Ping(ctx); err != nil {
		s.logger.Warn("mirror health check failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
