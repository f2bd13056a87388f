// Command taskqueue-hub runs the job-author and liveness-watchdog side of
// the task queue: it supervises the revival sweep and serves a health check
// and the lifecycle event feed over HTTP until signalled to stop. It does
// not insert jobs itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/hub"
)

func main() {
	configPath := os.Getenv("TASKQUEUE_CONFIG")
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(cfg.Logging.Level)
	common.PrintBanner("hub", cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := hub.NewHub(ctx, cfg.Store.URL, cfg.Store.Prefix, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start hub")
		os.Exit(1)
	}

	h.Register(ctx, cfg.Hub.GetSweepInterval())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/events", h.Events().ServeWS)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", "0.0.0.0", 8090),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("hub introspection server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("hub introspection server failed")
		}
	}()

	<-ctx.Done()
	common.PrintShutdownBanner("hub", logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("introspection server shutdown failed")
	}

	h.Stop()
	if err := h.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("store close failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
