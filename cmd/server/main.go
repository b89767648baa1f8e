package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/lm-chat/internal/chat"
	"github.com/MegaGrindStone/lm-chat/internal/handlers"
	"github.com/MegaGrindStone/lm-chat/internal/services"
	"github.com/MegaGrindStone/lm-chat/internal/store"
)

const errLoggerKey = "err"

func main() {
	if err := run(); err != nil {
		slog.Error("Shutting down due to error", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run() error {
	cfgPath, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	h, err := cfg.Log.handler(os.Stderr)
	if err != nil {
		return err
	}
	logger := slog.New(h)
	slog.SetDefault(logger)

	kv, closeKV, err := openKV(cfg, cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeKV.Close(); err != nil {
			logger.Error("Failed to close storage", slog.String(errLoggerKey, err.Error()))
		}
	}()

	st := store.New(kv, logger,
		store.WithDefaults(cfg.Upstream.defaultSettings()),
		store.WithFlushDelay(cfg.Persistence.FlushDebounce, cfg.Persistence.FlushMaxDelay),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Load(ctx); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	httpClient := &http.Client{}
	upstream := services.NewOpenAICompat(httpClient, logger)
	var lister chat.ModelLister = upstream
	if cfg.Upstream.Provider == "ollama" {
		lister = services.NewOllama(httpClient, logger)
	}

	bus := chat.NewBus(logger)
	registry := chat.NewRegistry(lister, st, bus, logger)
	orchestrator := chat.NewOrchestrator(st, upstream, registry, bus, logger,
		chat.WithRequestTimeout(cfg.Upstream.RequestTimeout))

	m, err := handlers.NewMain(st, orchestrator, registry, bus, logger)
	if err != nil {
		return fmt.Errorf("failed to create handlers: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g := group{
		st,
		registry,
		orchestrator,
		m,
		httpService{srv: srv, shutdown: m.Shutdown, logger: logger},
	}
	runErr := g.Run(ctx)

	// The orchestrator may have recorded a cancelled reply after the store's own last flush.
	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Flush(fctx); err != nil {
		logger.Error("Failed to flush state", slog.String(errLoggerKey, err.Error()))
	}

	return runErr
}

func openKV(cfg config, cfgPath string) (store.KV, io.Closer, error) {
	if cfg.Storage.Driver == "memory" {
		return store.NewMemoryKV(nil), io.NopCloser(nil), nil
	}

	path := cfg.storagePath(cfgPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("error creating storage directory: %w", err)
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		kv, err := services.NewSQLiteKV(path)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	default:
		kv, err := services.NewBoltKV(path)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	}
}
