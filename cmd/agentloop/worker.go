package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/queue"
	"github.com/BaSui01/agentloop/internal/server"
)

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := configFlag(fs)
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, level := newLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agentloop worker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()

	var ops *server.Manager
	if cfg.Metrics.Enabled {
		ops = server.NewManager(server.NewOpsHandler(a.metrics.Handler(), map[string]server.Check{
			"redis":    a.store.Ping,
			"database": a.records.Ping,
		}, logger), server.ConfigFrom(cfg.Metrics), logger)
		if err := ops.Start(); err != nil {
			return err
		}
	}

	worker := queue.NewWorker(a.queue, a.loop, cfg.Queue, logger, queue.WithObserver(a.metrics))
	scheduler := queue.NewScheduler(a.records, a.queue, cfg.Queue.ScheduleInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	if *configPath != "" {
		g.Go(func() error { return watchLogLevel(gctx, *configPath, level, logger) })
	}
	if ops != nil {
		g.Go(func() error {
			select {
			case err := <-ops.Errors():
				return err
			case <-gctx.Done():
				return nil
			}
		})
	}

	err = g.Wait()
	if ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultConfig().ShutdownTimeout)
		defer cancel()
		_ = ops.Shutdown(shutdownCtx)
	}
	logger.Info("agentloop worker stopped")
	return err
}

// watchLogLevel 配置文件变化后重新加载并应用日志级别，其余配置需要重启生效
func watchLogLevel(ctx context.Context, path string, level zap.AtomicLevel, logger *zap.Logger) error {
	w, err := config.NewFileWatcher(path, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
		return nil
	}
	return w.Run(ctx, func() {
		cfg, err := loadConfig(path)
		if err != nil {
			logger.Warn("config reload rejected", zap.Error(err))
			return
		}
		next := parseLevel(cfg.Log.Level)
		if next != level.Level() {
			level.SetLevel(next)
			logger.Info("log level changed", zap.String("level", next.String()))
		}
	})
}
