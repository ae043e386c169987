package sink

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-ingest/internal/models"

	"go.uber.org/zap"
)

// 生产部署的持久化表
// (device_id, received_at) 唯一索引承担幂等去重
const createReadingsTable = `
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id BIGSERIAL PRIMARY KEY,
		received_at TIMESTAMPTZ NOT NULL,
		source_topic TEXT NOT NULL,
		device_id TEXT NOT NULL,
		status TEXT NOT NULL,
		heart_rate DOUBLE PRECISION NOT NULL,
		breath_rate DOUBLE PRECISION NOT NULL,
		decode_ok BOOLEAN NOT NULL,
		raw_payload TEXT,
		UNIQUE (device_id, received_at)
	)
`

const insertReading = `
	INSERT INTO sensor_readings (
		received_at, source_topic, device_id, status,
		heart_rate, breath_rate, decode_ok, raw_payload
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (device_id, received_at) DO NOTHING
`

// PostgresSink 生产部署用的 PostgreSQL 持久化
type PostgresSink struct {
	db     *sql.DB
	stats  *Stats
	logger *zap.Logger
}

// NewPostgresSink 创建 PostgreSQL 持久化
// 首次使用时建表（等价于 CSV 的一次性表头）
func NewPostgresSink(db *sql.DB, stats *Stats, logger *zap.Logger) (*PostgresSink, error) {
	if _, err := db.Exec(createReadingsTable); err != nil {
		return nil, fmt.Errorf("failed to ensure sensor_readings table: %w", err)
	}
	return &PostgresSink{db: db, stats: stats, logger: logger}, nil
}

// Append 追加单条读数
// 冲突时静默跳过，重试重复提交不产生重复行
func (s *PostgresSink) Append(ctx context.Context, r *models.SensorReading) error {
	res, err := s.db.ExecContext(ctx, insertReading,
		r.ReceivedAt,
		r.SourceTopic,
		r.DeviceID,
		r.Status.String(),
		r.HeartRate,
		r.BreathRate,
		r.VitalsValid(),
		string(r.RawPayload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sensor reading: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.stats.incDeduplicated()
		return nil
	}
	s.stats.incAppended()
	return nil
}

// Close 持久化自身无需关闭，数据库连接由服务层统一管理
func (s *PostgresSink) Close() error {
	return nil
}
