package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

type service interface {
	Name() string
	Run(context.Context) error
}

// group runs services until ctx is cancelled or one of them fails, then waits for all of them to stop.
type group []service

type httpService struct {
	srv      *http.Server
	shutdown func(context.Context) error
	logger   *slog.Logger
}

const shutdownTimeout = 10 * time.Second

func (g group) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(g))
	wg.Add(len(g))
	for _, s := range g {
		go func(s service) {
			defer wg.Done()
			if err := s.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", s.Name(), err)
				cancel()
			}
		}(s)
	}

	<-runCtx.Done()
	wg.Wait()

	var err error
	close(errCh)
	for srvErr := range errCh {
		err = multierror.Append(err, srvErr)
	}
	return err
}

func (h httpService) Name() string { return "http" }

// Run serves HTTP until ctx is cancelled, then shuts the SSE server and the listener down gracefully.
func (h httpService) Run(ctx context.Context) error {
	h.srv.RegisterOnShutdown(func() {
		if err := h.shutdown(context.Background()); err != nil {
			h.logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	serverErrors := make(chan error, 1)
	go func() {
		h.logger.Info("Server starting", slog.String("addr", h.srv.Addr))
		serverErrors <- h.srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := h.srv.Shutdown(sctx); err != nil {
		h.logger.Warn("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
		if err := h.srv.Close(); err != nil {
			return fmt.Errorf("failed to close server: %w", err)
		}
	}
	return nil
}
