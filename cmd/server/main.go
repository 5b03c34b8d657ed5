package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-relay/internal/extractor"
	"hls-relay/internal/platform/config"
	"hls-relay/internal/platform/logger"
	"hls-relay/internal/platform/metrics"
	"hls-relay/internal/relay"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	publicURL := config.GetEnv("PUBLIC_URL", "")
	sessionTTL := config.GetEnvDuration("SESSION_TTL", relay.DefaultSessionTTL)
	reaperInterval := config.GetEnvDuration("REAPER_INTERVAL", relay.DefaultReaperInterval)

	log := logger.New(logLevel, logFormat)

	registry := relay.NewRegistry()
	selector := relay.NewSelector(registry)
	met := metrics.New()
	h := relay.NewHandler(registry, selector, extractor.New(), log, met, publicURL)

	r := chi.NewRouter()
	r.Use(middleware.GetHead)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(relay.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Range", "Content-Type", "Authorization"},
		MaxAge:         86400,
	}))
	r.NotFound(relay.NotFound())
	r.MethodNotAllowed(relay.MethodNotAllowed())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(registry.Count()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go registry.RunReaper(reaperCtx, reaperInterval, sessionTTL, log)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"session_ttl", sessionTTL.String(),
		"reaper_interval", reaperInterval.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	stopReaper()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	// Best effort: release every session's outbound connections before exit.
	registry.ClearAll()

	log.Info("server stopped")
}
