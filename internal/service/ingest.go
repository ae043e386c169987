package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"wisefido-ingest/internal/config"
	"wisefido-ingest/internal/consumer"
	"wisefido-ingest/internal/database"
	"wisefido-ingest/internal/decoder"
	mqttcommon "wisefido-ingest/internal/mqtt"
	"wisefido-ingest/internal/pipeline"
	rediscommon "wisefido-ingest/internal/redis"
	"wisefido-ingest/internal/router"
	"wisefido-ingest/internal/sink"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// IngestService 遥测摄取服务
// 负责进程级生命周期：建连、装配 路由->解码->管道->持久化 链路、
// 观察连接状态与积压、按序优雅关闭
type IngestService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB       // SINK_TYPE=postgres 时有效
	redisClient *redis.Client // LIVE_ENABLED 时有效
	mqttClient  *mqttcommon.Client

	primarySink sink.Sink
	deadLetter  *sink.DeadLetter
	sinkStats   *sink.Stats

	router   *router.Router
	pipeline *pipeline.Pipeline
	consumer *consumer.MQTTConsumer
	metrics  *pipeline.Metrics
	server   *Server
}

// NewIngestService 创建摄取服务
// 任何构建阶段的错误都发生在订阅开始之前，属于启动期致命错误
func NewIngestService(cfg *config.Config, logger *zap.Logger) (*IngestService, error) {
	s := &IngestService{
		config:    cfg,
		logger:    logger,
		metrics:   pipeline.NewMetrics(),
		sinkStats: &sink.Stats{},
	}

	// 实时发布（可选）
	var livePublisher *sink.LivePublisher
	if cfg.Live.Enabled {
		s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(context.Background(), s.redisClient); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		livePublisher = sink.NewLivePublisher(s.redisClient, cfg.Live.Stream, s.sinkStats, logger)
	}

	// 死信通道（Redis 镜像可选）
	var dlStream string
	if cfg.Live.Enabled {
		dlStream = cfg.Live.DeadLetterStream
	}
	deadLetter, err := sink.NewDeadLetter(cfg.Sink.DeadLetterPath, s.redisClient, dlStream, s.sinkStats, logger)
	if err != nil {
		return nil, err
	}
	s.deadLetter = deadLetter

	// 主持久化
	switch cfg.Sink.Type {
	case "postgres":
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.primarySink, err = sink.NewPostgresSink(db, s.sinkStats, logger)
		if err != nil {
			return nil, err
		}
	default:
		s.primarySink, err = sink.NewCSVSink(cfg.Sink.CSVPath, s.sinkStats, logger)
		if err != nil {
			return nil, err
		}
	}

	retrySink := sink.NewRetrySink(
		s.primarySink,
		deadLetter,
		cfg.Sink.RetryMax,
		cfg.Sink.RetryBackoff,
		cfg.Sink.RetryBackoffMax,
		s.sinkStats,
		logger,
	)

	s.pipeline = pipeline.New(
		cfg.Ingest.QueueDepth,
		cfg.Ingest.GlobalDepth,
		cfg.Ingest.MaxWorkers,
		cfg.Ingest.Backpressure == "block",
		retrySink,
		livePublisher,
		deadLetter,
		s.metrics,
		logger,
	)

	s.router = router.New(logger)
	dec := decoder.New(logger)

	// 传输层连接：状态变更作为就绪状态的输入，这里仅观察
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger, func(old, next mqttcommon.ConnectionState) {
		if next == mqttcommon.StateReconnecting {
			logger.Warn("Ingest not ready while transport reconnects")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	s.mqttClient = mqttClient

	s.consumer = consumer.NewMQTTConsumer(cfg, mqttClient, s.router, dec, s.pipeline, s.metrics, logger)
	s.server = NewServer(cfg.Health.Addr, s.healthMux(), logger)

	return s, nil
}

// Start 启动服务
func (s *IngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting ingest service components")

	go func() {
		if err := s.server.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server exited", zap.Error(err))
		}
	}()

	// 阻塞到 ctx 取消
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}
	return nil
}

// Stop 按序优雅关闭
// 先停进新消息，再在宽限期内排空设备队列，最后释放传输与存储连接
func (s *IngestService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ingest service")

	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}

	if s.pipeline != nil {
		s.pipeline.Close(s.config.Ingest.ShutdownGrace)
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.primarySink != nil {
		if err := s.primarySink.Close(); err != nil {
			s.logger.Error("Error closing sink", zap.Error(err))
		}
	}
	if s.deadLetter != nil {
		if err := s.deadLetter.Close(); err != nil {
			s.logger.Error("Error closing dead letter channel", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		rediscommon.Close(s.redisClient)
	}
	if s.db != nil {
		database.Close(s.db)
	}
	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			s.logger.Error("Error stopping HTTP server", zap.Error(err))
		}
	}

	m := s.metrics.Snapshot()
	st := s.sinkStats.Snapshot()
	s.logger.Info("Ingest service stopped",
		zap.Int64("messages_received", m.MessagesReceived),
		zap.Int64("readings_decoded", m.ReadingsDecoded),
		zap.Int64("readings_persisted", m.ReadingsPersisted),
		zap.Int64("readings_dropped", m.ReadingsDropped),
		zap.Int64("readings_abandoned", m.ReadingsAbandoned),
		zap.Int64("dead_lettered", st.DeadLettered),
	)
	return nil
}

// Ready 就绪判定：传输层已连接且积压未超限
func (s *IngestService) Ready() bool {
	return s.mqttClient.State() == mqttcommon.StateConnected &&
		s.pipeline.Backlog() <= s.config.Health.ReadyBacklogMax
}

// healthMux 健康检查与指标端点
func (s *IngestService) healthMux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		m := s.metrics.Snapshot()
		st := s.sinkStats.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"connection_state":   s.mqttClient.State().String(),
			"backlog":            s.pipeline.Backlog(),
			"unmatched_topics":   s.router.Unmatched(),
			"messages_received":  m.MessagesReceived,
			"readings_decoded":   m.ReadingsDecoded,
			"readings_persisted": m.ReadingsPersisted,
			"readings_dropped":   m.ReadingsDropped,
			"readings_abandoned": m.ReadingsAbandoned,
			"decode_failures": map[string]int64{
				"malformed_json":      m.FailMalformedJSON,
				"missing_field":       m.FailMissingField,
				"type_mismatch":       m.FailTypeMismatch,
				"unknown_status_code": m.FailUnknownStatusCode,
			},
			"topic_mismatches":   m.TopicMismatches,
			"sink_appended":      st.Appended,
			"sink_deduplicated":  st.Deduplicated,
			"sink_retries":       st.Retries,
			"dead_lettered":      st.DeadLettered,
			"dead_letter_errors": st.DeadLetterErrors,
			"live_errors":        st.LiveErrors,
			"uptime_seconds":     int64(m.Uptime().Seconds()),
		})
	})

	return mux
}
