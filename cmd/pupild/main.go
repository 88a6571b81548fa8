package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kradtv/pupild/internal/broadcast"
	"github.com/kradtv/pupild/internal/config"
	"github.com/kradtv/pupild/internal/server"
	"github.com/kradtv/pupild/internal/session"
	"github.com/kradtv/pupild/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	uploader, err := storage.NewS3Uploader(ctx, storage.Options{
		Region:    cfg.Region,
		KeyID:     cfg.KeyID,
		KeySecret: cfg.KeySecret,
		Bucket:    cfg.Bucket,
	}, nil)
	if err != nil {
		slog.Error("could not create uploader", "error", err)
		os.Exit(1)
	}

	var broadcasts *broadcast.Client
	if cfg.APIHost != "" {
		broadcasts = broadcast.NewClient(cfg.APIHost, nil)
	} else {
		slog.Warn("no API host configured, broadcast status updates disabled")
	}

	slog.Info("pupild starting",
		"version", version,
		"addr", cfg.Addr(),
		"root", cfg.Root,
		"bucket", cfg.Bucket,
	)

	srv := server.New(cfg.Addr(), session.Config{
		Root:              cfg.Root,
		ThumbnailInterval: cfg.ThumbnailInterval,
		Storage:           uploader,
		Broadcasts:        broadcasts,
	}, nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// Let in-flight sessions finish their upload drains.
	srv.Wait()
	slog.Info("shutdown complete")
}
