// Command mpdsim runs the local live-source simulator: a deterministic
// DASH and HLS origin whose manifests slide with the wall clock.
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

	"github.com/psychrist666/liveline/internal/config"
	"github.com/psychrist666/liveline/internal/logger"
	"github.com/psychrist666/liveline/internal/server"
	"github.com/psychrist666/liveline/internal/simulator"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Pretty)

	sim := simulator.New(cfg.Simulator)
	addr := fmt.Sprintf("%s:%d", cfg.Simulator.Host, cfg.Simulator.Port)
	srv := server.New(addr, sim.Router())

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	logger.Log.Info().
		Str("addr", addr).
		Str("live_mpd", "/live/manifest.mpd").
		Str("live_playlist", "/live/playlist.m3u8").
		Str("static_mpd", "/static/manifest.mpd").
		Msg("Simulator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Log.Info().Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("Shutdown error")
		os.Exit(1)
	}
}
