package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"wisefido-ingest/internal/config"
	"wisefido-ingest/internal/logger"
	"wisefido-ingest/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置，配置错误在任何订阅开始前即终止进程
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-ingest")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting wisefido-ingest service",
		zap.String("version", "1.0.0"),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("topic_pattern", cfg.Ingest.TopicPattern),
		zap.String("sink_type", cfg.Sink.Type),
		zap.Bool("live_enabled", cfg.Live.Enabled),
	)

	// 创建服务
	ingestService, err := service.NewIngestService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create ingest service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := ingestService.Start(ctx); err != nil {
			zapLogger.Fatal("Failed to start ingest service", zap.Error(err))
		}
	}()

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	if err := ingestService.Stop(context.Background()); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
