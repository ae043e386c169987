package pipeline

import (
	"context"
	"sync"
	"time"

	"wisefido-ingest/internal/models"
	"wisefido-ingest/internal/sink"

	"go.uber.org/zap"
)

// Pipeline 按设备分区的有序摄取管道
// 每个设备一条有界队列、一个排空协程，设备内严格保序；
// 设备间互不阻塞，缓冲未持久化读数总量受全局额度约束，
// 全局并发写入量由工作协程上限约束
type Pipeline struct {
	logger     *zap.Logger
	metrics    *Metrics
	sink       *sink.RetrySink
	live       *sink.LivePublisher // 可为 nil
	deadLetter *sink.DeadLetter

	depth int  // 单设备队列深度
	block bool // true=满时阻塞提交方，false=丢弃最旧

	sem    chan struct{} // 工作协程上限
	tokens chan struct{} // 全局缓冲额度，读数从入队到持久化完成各占一份

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*deviceQueue
	closed bool

	producers sync.WaitGroup // 在途的 Submit 调用
	wg        sync.WaitGroup // 设备排空协程
}

// deviceQueue 单设备队列，仅由一个排空协程消费
type deviceQueue struct {
	deviceID string
	ch       chan *models.SensorReading
}

// New 创建摄取管道
func New(
	depth int,
	globalDepth int,
	maxWorkers int,
	block bool,
	retrySink *sink.RetrySink,
	live *sink.LivePublisher,
	deadLetter *sink.DeadLetter,
	metrics *Metrics,
	logger *zap.Logger,
) *Pipeline {
	if depth < 1 {
		depth = 1
	}
	if globalDepth < 1 {
		globalDepth = depth
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		logger:     logger,
		metrics:    metrics,
		sink:       retrySink,
		live:       live,
		deadLetter: deadLetter,
		depth:      depth,
		block:      block,
		sem:        make(chan struct{}, maxWorkers),
		tokens:     make(chan struct{}, globalDepth),
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[string]*deviceQueue),
	}
}

// Submit 将读数提交到设备专属队列
// 队列或全局额度耗尽时按配置阻塞提交方或丢弃最旧一条（实时遥测默认取新弃旧）
func (p *Pipeline) Submit(r *models.SensorReading) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.dropReading(r, "pipeline closed")
		return
	}
	p.producers.Add(1)
	q, ok := p.queues[r.DeviceID]
	if !ok {
		q = &deviceQueue{
			deviceID: r.DeviceID,
			ch:       make(chan *models.SensorReading, p.depth),
		}
		p.queues[r.DeviceID] = q
		p.wg.Add(1)
		go p.drain(q)
	}
	p.mu.Unlock()
	defer p.producers.Done()

	if p.block {
		p.submitBlocking(q, r)
		return
	}
	p.submitDropOldest(q, r)
}

// submitBlocking 额度或队列满时阻塞提交方，仅在关闭取消后放弃
func (p *Pipeline) submitBlocking(q *deviceQueue, r *models.SensorReading) {
	select {
	case p.tokens <- struct{}{}:
	case <-p.ctx.Done():
		p.dropReading(r, "shutdown")
		return
	}
	select {
	case q.ch <- r:
	case <-p.ctx.Done():
		<-p.tokens
		p.dropReading(r, "shutdown")
	}
}

// submitDropOldest 先占全局额度；占不到就挤掉本设备最旧一条，复用其额度
// 全局额度耗尽且本设备没有可挤占的积压时，只能放弃本条
func (p *Pipeline) submitDropOldest(q *deviceQueue, r *models.SensorReading) {
	select {
	case p.tokens <- struct{}{}:
	default:
		select {
		case old := <-q.ch:
			p.dropReading(old, "global buffer budget exhausted")
		default:
			p.dropReading(r, "global buffer budget exhausted")
			return
		}
	}

	// 此刻持有一份额度；设备队列满则继续挤掉最旧，连同其额度一并释放
	for {
		select {
		case q.ch <- r:
			return
		default:
		}
		select {
		case old := <-q.ch:
			<-p.tokens
			p.dropReading(old, "device queue full")
		default:
		}
	}
}

// SubmitFailure 将解码失败送入死信通道
// 失败绝不进入主存储，也绝不中断管道
func (p *Pipeline) SubmitFailure(f *models.DecodeFailure) {
	if err := p.deadLetter.WriteFailure(f); err != nil {
		p.logger.Error("Failed to dead-letter decode failure",
			zap.String("source_topic", f.SourceTopic),
			zap.String("reason", string(f.Reason)),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) dropReading(r *models.SensorReading, cause string) {
	p.metrics.IncrementDropped()
	p.logger.Warn("Dropping reading",
		zap.String("device_id", r.DeviceID),
		zap.Time("received_at", r.ReceivedAt),
		zap.String("cause", cause),
	)
}

// drain 单设备排空循环，串行调用持久化，保证设备内顺序
func (p *Pipeline) drain(q *deviceQueue) {
	defer p.wg.Done()
	for r := range q.ch {
		p.sem <- struct{}{}
		p.process(r)
		<-p.sem
		<-p.tokens
	}
}

func (p *Pipeline) process(r *models.SensorReading) {
	if err := p.sink.Append(p.ctx, r); err != nil {
		// 重试与死信已在持久化层完成，这里只记录
		p.logger.Error("Reading not persisted",
			zap.String("device_id", r.DeviceID),
			zap.Error(err),
		)
		return
	}
	p.metrics.IncrementPersisted()

	if p.live != nil {
		p.live.Publish(p.ctx, r)
	}
}

// Backlog 当前缓冲未持久化的读数总量
func (p *Pipeline) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, q := range p.queues {
		total += len(q.ch)
	}
	return total
}

// Close 停止接收并排空队列
// 设备队列只在最后一个在途提交退出后才关闭，提交方永远不会撞上已关闭的通道；
// 宽限期内等待所有设备队列写完，超时则取消在途写入，
// 剩余积压计为数据丢失事件
func (p *Pipeline) Close(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	go func() {
		p.producers.Wait()
		p.mu.Lock()
		for _, q := range p.queues {
			close(q.ch)
		}
		p.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Pipeline drained cleanly")
	case <-time.After(grace):
		// 取消在途写入后不再等待：放弃的积压计为数据丢失事件
		abandoned := int64(p.Backlog())
		p.cancel()
		p.metrics.AddAbandoned(abandoned)
		p.logger.Error("Pipeline drain grace period expired, abandoning backlog",
			zap.Int64("abandoned", abandoned),
			zap.Duration("grace", grace),
		)
	}
	p.cancel()
}
