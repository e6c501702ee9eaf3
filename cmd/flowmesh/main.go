// Command flowmesh runs the session runtime as an HTTP server: a JSON
// control plane, per-session websocket event streams and Prometheus
// metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/flowmesh/backend/anthropic"
	"github.com/hupe1980/flowmesh/backend/openai"
	"github.com/hupe1980/flowmesh/backend/scripted"
	"github.com/hupe1980/flowmesh/config"
	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/router"
	"github.com/hupe1980/flowmesh/server"
	"github.com/hupe1980/flowmesh/session"
	"github.com/hupe1980/flowmesh/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "flowmesh: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, false).
		WithComponent("flowmesh").
		WithContext("backend", cfg.Backend)

	var loaded func()
	if cfg.DefinitionsFile != "" {
		loaded = logger.StartTimer("load definitions")
	}
	st, err := buildStore(cfg)
	if err != nil {
		logger.ErrorWithStack(err, "loading definitions failed")
		return err
	}
	if loaded != nil {
		loaded()
	}
	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	var strategy router.Strategy
	if cfg.DefaultStrategy != "" {
		strategy, err = router.ParseStrategy(cfg.DefaultStrategy)
		if err != nil {
			return err
		}
	}

	registry := session.NewRegistry(st, st, backend, func(o *session.RegistryOptions) {
		o.Logger = logger
		o.AttachTimeout = cfg.AttachTimeout
		o.IdleTimeout = cfg.IdleTimeout
		o.ReapInterval = cfg.ReapInterval
		o.DefaultStrategy = strategy
	})
	registry.StartReaper()

	srv := server.New(registry, func(o *server.Options) {
		o.Logger = logger.WithComponent("server")
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "backend", cfg.Backend)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err.Error())
	}
	return registry.Shutdown(shutdownCtx)
}

func buildStore(cfg config.Config) (*store.InMemoryStore, error) {
	if cfg.DefinitionsFile != "" {
		return store.LoadFile(cfg.DefinitionsFile)
	}
	return store.NewInMemoryStore(), nil
}

func buildBackend(cfg config.Config) (core.Backend, error) {
	switch cfg.Backend {
	case "scripted":
		return scripted.New(), nil
	case "openai":
		return openai.New(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil
	case "anthropic":
		return anthropic.New(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
