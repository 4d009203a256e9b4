package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"wisefido-guard/internal/common/logger"
	"wisefido-guard/internal/config"
	"wisefido-guard/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	// 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-guard")
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	log.Info("Starting wisefido-guard service",
		zap.String("home_id", cfg.Guard.HomeID),
		zap.String("pack_path", cfg.Guard.PackPath),
	)

	if cfg.Guard.HomeID == "" {
		log.Fatal("HOME_ID environment variable is required")
	}

	// 创建守护决策服务
	svc, err := service.NewGuardService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create guard service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动服务
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Start(ctx)
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("Service error", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop service gracefully", zap.Error(err))
	}

	log.Info("wisefido-guard service exited")
}
