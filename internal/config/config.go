package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker               string
	ClientID             string
	Username             string
	Password             string
	QoS                  byte
	ConnectRetryInterval time.Duration // 连接重试基础间隔
	MaxReconnectInterval time.Duration // 重连退避上限
}

// Config 摄取服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 摄取服务特定配置
	Ingest struct {
		Namespace     string        // 设备命名空间，如 "sensori"
		TopicPattern  string        // 订阅过滤器，默认由 Namespace 推导 "/{ns}/+/current_sta"
		QueueDepth    int           // 单设备队列深度
		GlobalDepth   int           // 全部设备缓冲未持久化读数总量上限
		MaxWorkers    int           // 并发写入协程上限
		Backpressure  string        // 背压策略: drop_oldest | block
		ShutdownGrace time.Duration // 优雅关闭排空宽限期
	}

	Sink struct {
		Type            string        // 持久化类型: csv | postgres
		CSVPath         string        // CSV 文件路径（Type=csv 时生效）
		RetryMax        int           // 单条记录最大写入尝试次数
		RetryBackoff    time.Duration // 重试退避基础间隔
		RetryBackoffMax time.Duration // 重试退避上限
		DeadLetterPath  string        // 死信 JSONL 文件路径
	}

	Live struct {
		Enabled          bool   // 是否发布实时数据到 Redis
		Stream           string // 读数输出流
		DeadLetterStream string // 死信镜像流（可为空）
	}

	Health struct {
		Addr            string // 健康检查 HTTP 监听地址
		ReadyBacklogMax int    // 就绪判定的积压上限
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
// 配置错误在任何订阅开始前即为致命错误
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "wisefido_ingest")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-ingest")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	qos := getEnvInt("MQTT_QOS", 1)
	if qos < 0 || qos > 2 {
		return nil, fmt.Errorf("invalid MQTT_QOS %d: must be 0, 1 or 2", qos)
	}
	cfg.MQTT.QoS = byte(qos)
	cfg.MQTT.ConnectRetryInterval = getEnvDuration("MQTT_CONNECT_RETRY_INTERVAL", 2*time.Second)
	cfg.MQTT.MaxReconnectInterval = getEnvDuration("MQTT_MAX_RECONNECT_INTERVAL", 60*time.Second)

	cfg.Ingest.Namespace = getEnv("INGEST_NAMESPACE", "sensori")
	if cfg.Ingest.Namespace == "" {
		return nil, fmt.Errorf("INGEST_NAMESPACE must not be empty")
	}
	cfg.Ingest.TopicPattern = getEnv("INGEST_TOPIC_PATTERN",
		fmt.Sprintf("/%s/+/current_sta", cfg.Ingest.Namespace))
	cfg.Ingest.QueueDepth = getEnvInt("INGEST_QUEUE_DEPTH", 64)
	cfg.Ingest.GlobalDepth = getEnvInt("INGEST_GLOBAL_DEPTH", 1024)
	if cfg.Ingest.GlobalDepth < cfg.Ingest.QueueDepth {
		return nil, fmt.Errorf("INGEST_GLOBAL_DEPTH %d must be >= INGEST_QUEUE_DEPTH %d",
			cfg.Ingest.GlobalDepth, cfg.Ingest.QueueDepth)
	}
	cfg.Ingest.MaxWorkers = getEnvInt("INGEST_MAX_WORKERS", 16)
	cfg.Ingest.Backpressure = getEnv("INGEST_BACKPRESSURE", "drop_oldest")
	if cfg.Ingest.Backpressure != "drop_oldest" && cfg.Ingest.Backpressure != "block" {
		return nil, fmt.Errorf("invalid INGEST_BACKPRESSURE %q: must be drop_oldest or block", cfg.Ingest.Backpressure)
	}
	cfg.Ingest.ShutdownGrace = getEnvDuration("INGEST_SHUTDOWN_GRACE", 10*time.Second)

	cfg.Sink.Type = getEnv("SINK_TYPE", "csv")
	if cfg.Sink.Type != "csv" && cfg.Sink.Type != "postgres" {
		return nil, fmt.Errorf("invalid SINK_TYPE %q: must be csv or postgres", cfg.Sink.Type)
	}
	cfg.Sink.CSVPath = getEnv("SINK_CSV_PATH", "./sensor_readings.csv")
	cfg.Sink.RetryMax = getEnvInt("SINK_RETRY_MAX", 5)
	cfg.Sink.RetryBackoff = getEnvDuration("SINK_RETRY_BACKOFF", 200*time.Millisecond)
	cfg.Sink.RetryBackoffMax = getEnvDuration("SINK_RETRY_BACKOFF_MAX", 5*time.Second)
	cfg.Sink.DeadLetterPath = getEnv("SINK_DEADLETTER_PATH", "./deadletter.jsonl")

	cfg.Live.Enabled = getEnvBool("LIVE_ENABLED", false)
	cfg.Live.Stream = getEnv("LIVE_STREAM", "ingest:readings:stream")
	cfg.Live.DeadLetterStream = getEnv("LIVE_DEADLETTER_STREAM", "ingest:deadletter:stream")

	cfg.Health.Addr = getEnv("HEALTH_ADDR", ":8086")
	cfg.Health.ReadyBacklogMax = getEnvInt("HEALTH_READY_BACKLOG_MAX", 256)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
