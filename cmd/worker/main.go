package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"report-scheduler/internal/api"
	"report-scheduler/internal/config"
	"report-scheduler/internal/delivery"
	"report-scheduler/internal/logging"
	"report-scheduler/internal/ratelimit"
	"report-scheduler/internal/runner"
	"report-scheduler/internal/scheduler"
	"report-scheduler/internal/store"
	"report-scheduler/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = instanceID()
	}

	root, closer, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(2)
	}
	defer closer.Close()
	root = root.With().Str("instance", cfg.InstanceID).Logger()
	log := logging.Component(root, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg, logging.Component(root, "store"))
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer st.Close()

	sinks, err := delivery.New(ctx, cfg, logging.Component(root, "delivery"))
	if err != nil {
		log.Fatal().Err(err).Msg("init delivery")
	}
	var deliverer runner.Deliverer
	if sinks.Enabled() {
		deliverer = sinks
	}

	coord := scheduler.New(cfg, st, deliverer, root)

	mux := chi.NewRouter()
	mux.Handle("/metrics", telemetry.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	servers := []*http.Server{{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}

	if cfg.EmbedAPI {
		limiter, limiterCloser, err := ratelimit.New(ctx, cfg, logging.Component(root, "ratelimit"))
		if err != nil {
			log.Fatal().Err(err).Msg("init rate limiter")
		}
		defer limiterCloser.Close()
		srv := api.New(coord.Jobs(), st, limiter, logging.Component(root, "api"))
		servers = append(servers, &http.Server{Addr: ":" + cfg.HTTPPort, Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second})
	}
	for _, s := range servers {
		serve(s, log, stop)
	}

	if err := coord.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start coordinator")
	}
	notify(log, daemon.SdNotifyReady)

	<-ctx.Done()
	notify(log, daemon.SdNotifyStopping)
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := coord.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("jobs still running at shutdown")
	}
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	log.Info().Msg("worker stopped")
}

func serve(s *http.Server, log zerolog.Logger, stop context.CancelFunc) {
	log.Info().Str("addr", s.Addr).Msg("http listening")
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.Addr).Msg("http server stopped")
			stop()
		}
	}()
}

// notify is a no-op outside systemd.
func notify(log zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug().Err(err).Str("state", state).Msg("sd_notify")
	}
}

// instanceID falls back to the hostname, then to the pid.
func instanceID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
