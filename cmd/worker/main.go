// Package main は描画/結合ワーカーのエントリーポイントです。
//
// WORKER_ROLE=render のプロセスは必要なだけ並べて構いませんが、
// merge（または combined）のプロセスは1つだけ起動してください。
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/yourusername/print-forge/internal/bootstrap"
	"github.com/yourusername/print-forge/internal/config"
	"github.com/yourusername/print-forge/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.WorkerRole == config.RoleNone {
		log.Fatalf("WORKER_ROLE is required for the worker process")
	}

	logg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = logg.Sync() }()
	logg = logg.With("role", string(cfg.WorkerRole))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logg, true)
	if err != nil {
		logg.Fatalw("failed to initialize", "error", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logg.Warnw("shutdown finished with errors", "error", err)
		}
	}()

	if err := app.Manager.StartWorkers(cfg.WorkerRole); err != nil {
		logg.Fatalw("failed to start workers", "error", err)
	}
	logg.Infow("worker running")

	<-ctx.Done()
	logg.Infow("shutting down worker")
}
