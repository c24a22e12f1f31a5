package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"formrelay/backend/internal/pool"
)

// Pinger 是可探测的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc 把函数适配为 Pinger
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker 健康检查器
//
// /live 只反映进程本身，/ready 还会探测数据库、Redis 和投递队列。
type HealthChecker struct {
	health  healthcheck.Handler
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		timeout: 2 * time.Second,
		logger:  logger,
	}
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	return hc
}

// AddDependency 添加就绪检查
func (hc *HealthChecker) AddDependency(name string, p Pinger) {
	hc.health.AddReadinessCheck(name, healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			hc.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			return err
		}
		return nil
	}, hc.timeout))
}

// AddQueue 投递队列占满时视为未就绪
func (hc *HealthChecker) AddQueue(name string, wp *pool.WorkerPool) {
	hc.health.AddReadinessCheck(name, func() error {
		if depth, capacity := wp.QueueDepth(), wp.QueueCapacity(); capacity > 0 && depth >= capacity {
			return fmt.Errorf("delivery queue full (%d/%d)", depth, capacity)
		}
		return nil
	})
}

// Handler 返回健康检查处理器，提供 /live 和 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活检查
func (hc *HealthChecker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyHandler 就绪检查
func (hc *HealthChecker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}
