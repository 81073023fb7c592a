package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxmeet/conference-agent/internal/app"
	"github.com/voxmeet/conference-agent/internal/audio"
	"github.com/voxmeet/conference-agent/internal/capture"
	"github.com/voxmeet/conference-agent/internal/conference"
	"github.com/voxmeet/conference-agent/internal/config"
	"github.com/voxmeet/conference-agent/internal/observability"
	"github.com/voxmeet/conference-agent/internal/provider/pulsemeet"
)

// discardSink keeps the conference output bound when no local playback is
// available
type discardSink struct{}

func (discardSink) Write(pcm []byte) (int, error) { return len(pcm), nil }

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("provisioning_url", cfg.ProvisioningURL).
		Str("transcribe_ws_url", cfg.TranscribeWSURL).
		Str("language", cfg.TranscribeLanguage).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Conference agent starting")

	var sink conference.AudioSink
	playback, err := audio.NewPlayback("conference-agent", cfg.SampleRate)
	if err != nil {
		logger.Warn().Err(err).Msg("Local playback unavailable, conference audio will be discarded")
		sink = discardSink{}
	} else {
		defer playback.Close()
		sink = playback
	}

	provider := pulsemeet.NewProvider(logger)
	source := capture.NewPulseSource(cfg.SampleRate)
	agent := app.New(cfg, provider, sink, source, logger)
	defer agent.Close()

	// Control and observability surface
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/status", observability.StatusHandler(func() interface{} {
		return agent.Snapshot()
	}))
	mux.HandleFunc("/transcription/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// The session outlives the request; its lifetime is owned by the
		// agent, not the request context
		if err := agent.StartTranscription(context.Background()); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/transcription/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		agent.StopTranscription()
		w.WriteHeader(http.StatusAccepted)
	})
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.StatusPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.StatusPort).Msg("Status server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Status server failed to start")
		}
	}()

	// Join the conference; a failure leaves the agent idle with the error
	// visible on /status rather than exiting, so operators can inspect it
	joinCtx, cancelJoin := context.WithTimeout(context.Background(), 60*time.Second)
	if err := agent.Join(joinCtx); err != nil {
		logger.Error().Err(err).Msg("Conference join failed")
	}
	cancelJoin()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down agent...")

	agent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Status server forced to shutdown")
	}

	logger.Info().Msg("Agent exited gracefully")
}
