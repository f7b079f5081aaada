// Package server assembles the voicebridge HTTP surface: the WebSocket
// proxy endpoints, the admin status/cleanup routes, health probes, and the
// Prometheus metrics endpoint.
//
// The WebSocket endpoints are mounted directly on the outer mux so their
// long-lived connections bypass the request middleware; everything else goes
// through [observe.Middleware] for tracing and request metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sonatara/voicebridge/internal/config"
	"github.com/sonatara/voicebridge/internal/health"
	"github.com/sonatara/voicebridge/internal/observe"
	"github.com/sonatara/voicebridge/internal/proxy"
)

// shutdownTimeout bounds the graceful drain of in-flight admin requests.
const shutdownTimeout = 15 * time.Second

// Server owns the HTTP listener and the per-endpoint registries.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	interactive *proxy.Registry
	telephony   *proxy.Registry

	httpSrv *http.Server
}

// New wires the endpoints selected by cfg.Server.Mode into a ready-to-run
// Server. The two endpoints get disjoint registries; neither can see the
// other's backend or sessions.
func New(cfg *config.Config, m *observe.Metrics, log *slog.Logger) *Server {
	s := &Server{cfg: cfg, log: log}

	mux := http.NewServeMux()
	admin := http.NewServeMux()
	var checkers []health.Checker

	mode := cfg.Server.Mode
	if mode == config.ModeInteractive || mode == config.ModeBoth {
		s.interactive = proxy.NewRegistry("proxy")
		mux.Handle("/proxy", proxy.NewInteractive(cfg.Interactive, s.interactive, m, log))
		proxy.RegisterAdmin(admin, s.interactive)
		checkers = append(checkers, health.BackendRegistered("proxy_backend", s.interactive.HasBackend))
	}
	if mode == config.ModeTelephony || mode == config.ModeBoth {
		s.telephony = proxy.NewRegistry("call")
		mux.Handle("/call", proxy.NewTelephony(cfg.Telephony, s.telephony, m, log))
		proxy.RegisterAdmin(admin, s.telephony)
		checkers = append(checkers, health.BackendRegistered("call_backend", s.telephony.HasBackend))
	}

	health.New(checkers...).Register(admin)
	// Method patterns in ServeMux need Go 1.22; guard the method by hand.
	admin.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		promhttp.Handler().ServeHTTP(w, r)
	})
	mux.Handle("/", observe.Middleware(m)(admin))

	s.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the assembled mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is cancelled, then drains gracefully. It returns the
// first listener error, or nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("listening",
			slog.String("addr", s.cfg.Server.ListenAddr),
			slog.String("mode", string(s.cfg.Server.Mode)),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info("draining connections")
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
