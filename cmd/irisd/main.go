package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/iris/internal/admission"
	"github.com/ent0n29/iris/internal/config"
	"github.com/ent0n29/iris/internal/httpapi"
	"github.com/ent0n29/iris/internal/observability"
	"github.com/ent0n29/iris/internal/relay"
	"github.com/ent0n29/iris/internal/session"
	"github.com/ent0n29/iris/internal/telemetry"
	"github.com/ent0n29/iris/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	latency := observability.NewLatencyWindow(256)

	ctx := context.Background()
	sink, err := telemetry.NewSink(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("telemetry sink init failed: %v", err)
	}
	defer sink.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("telemetry: persisting relay events to postgres")
	}

	var dialer upstream.Dialer
	if cfg.UpstreamAPIKey != "" {
		dialer = &upstream.WebsocketDialer{
			URL:        cfg.UpstreamURL,
			Tokens:     upstream.StaticToken(cfg.UpstreamAPIKey),
			AckTimeout: cfg.HandshakeTimeout,
		}
		log.Printf("upstream: %s (model %s)", cfg.UpstreamURL, cfg.UpstreamModel)
	} else {
		log.Printf("upstream: UPSTREAM_API_KEY not set, sessions run in degraded mode")
	}

	registry := session.NewRegistry(cfg.SessionTTL)
	gate := admission.New(cfg.AllowedOrigins, cfg.MaxStreamsPerAddr)
	rl := relay.New(registry, gate, dialer, sink, metrics, latency, relay.Options{
		Heartbeat:         cfg.HeartbeatInterval,
		UpstreamModel:     cfg.UpstreamModel,
		SystemInstruction: cfg.SystemInstruction,
		OutputSampleRate:  cfg.OutputSampleRate,
	})

	api := httpapi.New(cfg, rl, latency)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, cfg.SweepInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
