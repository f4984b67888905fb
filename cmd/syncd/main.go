package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/sync/internal/backend"
	"relay/sync/internal/config"
	"relay/sync/internal/engine"
	"relay/sync/internal/transport"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := backend.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := backend.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	store := backend.NewPostgresStore(db)

	var tr transport.Transport
	switch cfg.Transport {
	case "amqp":
		tr, err = transport.NewAMQPTransport(ctx, transport.AMQPOptions{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Logger:   logger,
		})
	default:
		tr, err = transport.NewRedisTransport(cfg.RedisURL, logger)
	}
	if err != nil {
		log.Fatalf("transport connection failed: %v", err)
	}
	defer tr.Close()

	svc := engine.New(cfg, store, tr, logger)
	defer svc.Close()

	if _, err := svc.OpenWorkspaceStream(ctx, cfg.WorkspaceID); err != nil {
		log.Printf("WARNING: workspace stream unavailable: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Health().Degraded() {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("relay syncd admin listening on %s", cfg.AdminAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
