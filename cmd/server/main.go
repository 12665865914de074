package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brunobiangulo/pricebot"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	cfg := pricebot.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	applyEnvOverrides(&cfg)

	// Structured logging: JSON in production, human-readable text locally,
	// matching cfg.Environment's other behavior-gating role (admin auth).
	if cfg.Environment == "local" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}

	corsOrigins := os.Getenv("PRICEBOT_CORS_ORIGINS")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	engine, err := pricebot.New(ctx, cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	h := newHandler(engine, cfg)
	mux := newMux(h)

	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (large uploads can be long)
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	stop()
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

func applyEnvOverrides(cfg *pricebot.Config) {
	if v := os.Getenv("PRICEBOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PRICEBOT_STORAGE_DIR"); v != "" {
		cfg.IngestionStorageDir = v
	}
	if v := os.Getenv("PRICEBOT_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("PRICEBOT_DEFAULT_CURRENCY"); v != "" {
		cfg.DefaultCurrency = v
	}
	if v := os.Getenv("PRICEBOT_WHATSAPP_INGEST_TOKEN"); v != "" {
		cfg.WhatsAppIngestToken = v
	}
	if v := os.Getenv("PRICEBOT_WHATSAPP_HMAC_SECRET"); v != "" {
		cfg.WhatsAppIngestHMACSecret = v
	}
	if v := os.Getenv("PRICEBOT_ADMIN_USERNAME"); v != "" {
		cfg.AdminUsername = v
	}
	if v := os.Getenv("PRICEBOT_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("PRICEBOT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
}
