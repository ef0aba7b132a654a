package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/tailview/tailview/internal/config"
	"github.com/tailview/tailview/internal/credentials"
	"github.com/tailview/tailview/internal/database"
	"github.com/tailview/tailview/internal/devices"
	"github.com/tailview/tailview/internal/handlers"
	"github.com/tailview/tailview/internal/hostkeys"
	"github.com/tailview/tailview/internal/logging"
	"github.com/tailview/tailview/internal/session"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if config.Cfg.DevicesFile != "" {
		if _, err := devices.Load(config.Cfg.DevicesFile); err != nil {
			log.Fatalf("Device inventory: %v", err)
		}
	}

	// Shared collaborators: the pin store and credential source are used by
	// every session (devices may share a bastion).
	handlers.Sessions = session.NewRegistry()
	handlers.Verifier = hostkeys.NewVerifier(hostkeys.DBStore{})
	handlers.Creds = credentials.NewStoredSource(nil)

	// Retention job: prune records of long-closed sessions.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(config.Cfg.RetentionSchedule, func() {
		n, err := database.PruneClosedSessions(config.Cfg.SessionRetentionDuration())
		if err != nil {
			log.Printf("Session retention: %v", err)
			return
		}
		if n > 0 {
			log.Printf("Session retention: pruned %d record(s)", n)
		}
	}); err != nil {
		log.Fatalf("Retention schedule %q: %v", config.Cfg.RetentionSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Mount("/", handlers.Routes())

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	// Sessions first so their transports close before the listener does.
	handlers.Sessions.DisposeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
