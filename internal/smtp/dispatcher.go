package smtp

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"formrelay/backend/internal/bounce"
	"formrelay/backend/internal/logger"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/pool"
)

// ErrQueueFull 投递队列已满或已关闭
var ErrQueueFull = errors.New("smtp: delivery queue full")

// 邮件种类，用于日志和指标
const (
	KindRelay        = "relay"
	KindConfirmation = "confirmation"
	KindLimitNotice  = "limit_notice"
)

// Dispatcher 在协程池中异步投递邮件
type Dispatcher struct {
	sender  Sender
	pool    *pool.WorkerPool
	timeout time.Duration
	bounces bounce.List
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewDispatcher 创建投递器。bounces 与 metrics 可以为 nil。
func NewDispatcher(sender Sender, workers *pool.WorkerPool, timeout time.Duration, bounces bounce.List, metrics *monitoring.Metrics, log *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		sender:  sender,
		pool:    workers,
		timeout: timeout,
		bounces: bounces,
		metrics: metrics,
		log:     log,
	}
}

// Dispatch 将邮件放入投递队列，不等待投递结果
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, msg Message) error {
	// 请求结束后投递仍需继续，但保留 ctx 中的日志字段
	bg := context.WithoutCancel(ctx)
	log := logger.FromContext(ctx, d.log).With(zap.String("kind", kind), zap.String("to", msg.To))

	ok := d.pool.TrySubmit(func() {
		d.deliver(bg, kind, msg, log)
	})
	if !ok {
		d.metrics.RecordDelivery(kind, "dropped", 0)
		log.Warn("delivery queue full, message dropped")
		return ErrQueueFull
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, kind string, msg Message, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := d.sender.Send(ctx, msg)
	elapsed := time.Since(start)
	if err == nil {
		d.metrics.RecordDelivery(kind, "delivered", elapsed)
		log.Info("email delivered", zap.String("message_id", receipt.MessageID), zap.Duration("elapsed", elapsed))
		return
	}

	if !IsPermanent(err) {
		d.metrics.RecordDelivery(kind, "failed", elapsed)
		log.Error("email delivery failed", zap.Error(err))
		return
	}

	d.metrics.RecordDelivery(kind, "bounced", elapsed)
	log.Warn("email rejected permanently", zap.Error(err))
	if d.bounces == nil {
		return
	}
	if berr := d.bounces.Block(ctx, msg.To, err.Error()); berr != nil {
		log.Error("failed to record bounce", zap.Error(berr))
	}
}
