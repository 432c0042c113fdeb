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

	"github.com/dgallion1/deckgen/internal/api"
	"github.com/dgallion1/deckgen/internal/app"
	"github.com/dgallion1/deckgen/internal/config"
	"github.com/dgallion1/deckgen/internal/logging"
	"github.com/dgallion1/deckgen/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load configuration:", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize clients.
	svc, err := app.Open(cfg, log)
	if err != nil {
		log.Fatalw("initialize services", "error", err)
	}

	// Initialize pipeline.
	queue := pipeline.NewJobQueue(svc.Worker(cfg.Generation, log), cfg.WorkerCount, cfg.MaxQueueSize, cfg.JobTTL, log)
	queue.Start(ctx)

	// Initialize HTTP server.
	srv := api.NewServer(queue, svc.Stats, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Infow("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("http shutdown", "error", err)
		}

		queue.Stop()
		if err := svc.Close(); err != nil {
			log.Warnw("close services", "error", err)
		}
	}()

	log.Infow("starting deckgen", "port", cfg.Port, "model", cfg.LLMModel, "bridge", svc.Bridge != nil)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalw("server error", "error", err)
	}
	<-done
}
