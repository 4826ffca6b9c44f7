package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/astromechza/bearfit/pkg/auth"
	"github.com/astromechza/bearfit/pkg/config"
	"github.com/astromechza/bearfit/pkg/occupancy"
	"github.com/astromechza/bearfit/pkg/server"
	"github.com/astromechza/bearfit/pkg/session"
	"github.com/astromechza/bearfit/pkg/storage"
)

func main() {
	if err := mainInner(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load(os.Args[1:], nil)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Info("Opening database", "path", cfg.DBPath)
	store, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var verifier occupancy.Verifier
	if cfg.PublicKey != "" {
		v, err := auth.NewVerifier(cfg.PublicKey, logger)
		if err != nil {
			return fmt.Errorf("failed to load admin public key: %w", err)
		}
		verifier = v
	} else {
		slog.Warn("PUBLIC_KEY_B64 is not set, admin authorization is disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := occupancy.NewRegistry(ctx, occupancy.Options{
		Store:            store,
		Verifier:         verifier,
		AuthorizationTTL: cfg.AdminAuthTTL,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer registry.Stop()

	var reporter occupancy.Reporter = registry
	if cfg.OccupancyURL != "" {
		slog.Info("Reporting room counts to remote index", "url", cfg.OccupancyURL)
		reporter = occupancy.NewHTTPReporter(cfg.OccupancyURL, nil)
	}

	hub := session.NewHub(session.Options{
		Store:            store,
		Reporter:         reporter,
		SnapshotInterval: cfg.SnapshotInterval,
		Logger:           logger,
	})

	handler := server.NewHandler(
		session.NewHandler(hub, logger),
		occupancy.NewHandler(registry, logger),
		server.Options{Production: cfg.Production(), Logger: logger},
	)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	wg.Wait()

	// sync sockets are hijacked and outlive Shutdown; closing the hub closes them after the final snapshots
	rooms := hub.Rooms()
	hub.Close(shutdownCtx)
	slog.Info("Flushed rooms", "rooms", len(rooms))
	return nil
}
