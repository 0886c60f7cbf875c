package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"

	"github.com/ibreez3/story-echo/config"
	"github.com/ibreez3/story-echo/openai"
	"github.com/ibreez3/story-echo/server"
	"github.com/ibreez3/story-echo/service"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, nil)))
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *isDebug || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})))

	store, closeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to open session store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	cli := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL).FailFast(cfg.OpenAI.FailFast)
	mgr := service.NewManager(cfg, store, cli.Chat(cfg.OpenAI.Model), cli.Image(cfg.OpenAI.ImageModel))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.NewRouter(cfg, mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "model", cfg.OpenAI.Model, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	mgr.Close()
	slog.Info("Server stopped gracefully")
}

func openStore(cfg config.Config) (service.Store, func(), error) {
	if cfg.Store.Driver != "redis" {
		return service.NewMemoryStore().WithTTL(cfg.SessionTTL()), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := service.DialRedis(ctx, cfg.Store.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return service.NewRedisStore(client, cfg.SessionTTL()), func() { _ = client.Close() }, nil
}
