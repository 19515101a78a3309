package monitor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/wavebench/internal/errors"
)

// Config configures the monitor.
type Config struct {
	// Address is the HTTP listen address.
	Address string

	// Gatherer provides /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Status returns the value served as JSON on /status.
	Status func() any

	// Logger receives request and server errors. Default: slog.Default().
	Logger *slog.Logger
}

// Monitor is the HTTP monitoring surface.
type Monitor struct {
	cfg    Config
	hub    *Hub
	router chi.Router
	logger *slog.Logger
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Monitor{
		cfg:    cfg,
		hub:    NewHub(),
		logger: cfg.Logger.With("component", "monitor"),
	}
	m.router = m.routes()
	return m
}

func (m *Monitor) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.With(middleware.NoCache).Get("/status", m.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(m.cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/tail", m.hub.ServeHTTP)
	return r
}

func (m *Monitor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var status any = struct{}{}
	if m.cfg.Status != nil {
		status = m.cfg.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		m.logger.Warn("encoding status", "error", err)
	}
}

// Handler returns the monitor's HTTP handler.
func (m *Monitor) Handler() http.Handler {
	return m.router
}

// Hub returns the tail hub. It is a record.Sink.
func (m *Monitor) Hub() *Hub {
	return m.hub
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (m *Monitor) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.cfg.Address)
	if err != nil {
		return errors.New("E101").
			WithPeer(m.cfg.Address).
			WithDetail("monitor could not bind " + m.cfg.Address).
			Wrap(err)
	}
	return m.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (m *Monitor) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           m.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	m.logger.Info("monitor listening", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.hub.Close()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && !stderrors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}
