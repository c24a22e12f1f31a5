package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "formrelay/backend/internal/auth/jwt"
	"formrelay/backend/internal/bounce"
	"formrelay/backend/internal/captcha"
	"formrelay/backend/internal/config"
	"formrelay/backend/internal/formid"
	"formrelay/backend/internal/health"
	"formrelay/backend/internal/logger"
	"formrelay/backend/internal/middleware"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/pool"
	"formrelay/backend/internal/service"
	"formrelay/backend/internal/sitewide"
	"formrelay/backend/internal/smtp"
	"formrelay/backend/internal/storage"
	"formrelay/backend/internal/storage/memory"
	"formrelay/backend/internal/storage/postgres"
	"formrelay/backend/internal/storage/redis"
	httptransport "formrelay/backend/internal/transport/http"
)

// main 启动表单转发服务：HTTP 接口与异步邮件投递。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting formrelay server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Int("monthly_limit", cfg.Quota.MonthlyLimit),
	)
	for _, w := range cfg.Warnings() {
		log.Warn("insecure configuration", zap.String("detail", w))
	}

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close storage", zap.Error(err))
		}
	}()

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(log)
	healthChecker.AddDependency("database", health.PingerFunc(store.Health))

	// Redis 可选：配置后承担限流计数和退信列表
	var (
		redisClient *redis.Client
		bounces     bounce.List = bounce.NewMemory()
		limiter     middleware.Limiter
		localLimit  *middleware.LocalLimiter
	)
	if cfg.Redis.Address != "" {
		redisClient, err = redis.New(cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = redisClient.Close() }()
		healthChecker.AddDependency("redis", redisClient)
		limiter = middleware.NewWindowLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		if cfg.Bounce.Backend == "redis" {
			bounces = redis.NewBounceList(redisClient)
		}
	} else {
		localLimit = middleware.NewLocalLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		limiter = localLimit
	}
	log.Info("abuse guard configured",
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.String("limiter", limiter.Name()),
		zap.String("bounce_backend", cfg.Bounce.Backend),
	)

	// 投递
	workers := pool.NewWorkerPool(cfg.Mail.Workers, cfg.Mail.QueueSize, log)
	healthChecker.AddQueue("delivery_queue", workers)
	dispatcher := smtp.NewDispatcher(smtp.NewRelay(cfg.Mail), workers, cfg.Mail.SendTimeout, bounces, metrics, log)

	// 表单标识
	codec, err := formid.NewCodec(cfg.Form.HashidSalt, cfg.Form.HashidMinLength)
	if err != nil {
		log.Fatal("failed to initialize hashid codec", zap.Error(err))
	}
	identity := service.NewIdentityResolver(store, formid.NewHasher(cfg.Form.HashSecret), codec)

	// 初始化服务层
	confirmation := service.NewConfirmationService(service.ConfirmationDeps{
		Forms:      store,
		Nonces:     store,
		Identity:   identity,
		Mailer:     dispatcher,
		Bounces:    bounces,
		Captcha:    captcha.New(cfg.Captcha),
		Metrics:    metrics,
		ServiceURL: cfg.Service.URL,
		Logger:     log,
	})
	processor := service.NewProcessor(
		identity,
		service.NewHostGuard(store),
		service.NewQuotaTracker(store, store, cfg.Quota.MonthlyLimit),
		confirmation,
		dispatcher,
		metrics,
		log,
	)
	siteChecker := sitewide.NewChecker(cfg.Form.VerifyFileName, cfg.Form.VerifyTimeout)
	dashboard := service.NewDashboardService(store, identity, confirmation, siteChecker, cfg.Service.APIRoot, log)

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Processor:    processor,
		Confirmation: confirmation,
		Dashboard:    dashboard,
		JWTManager:   jwtManager,
		Limiter:      limiter,
		Metrics:      metrics,
		Health:       healthChecker,
		Logger:       log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// 投递协程在关闭时排空队列，不跟随 groupCtx 取消
	workers.Start(context.Background())

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 定时清理进程内限流表
	if localLimit != nil {
		group.Go(func() error {
			localLimit.Cleanup(groupCtx, 5*time.Minute)
			return nil
		})
	}

	// 定时清理站点校验缓存
	group.Go(func() error {
		siteChecker.Cleanup(groupCtx, 10*time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 等待已入队的邮件投递完成
		workers.Stop()
		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// openStore 按配置选择存储：未配置数据库时使用内存存储
func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" {
		log.Warn("using memory storage, data is lost on restart")
		return memory.NewStore(), nil
	}

	log.Info("initializing database storage", zap.String("database_type", cfg.Database.Type))
	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Type, err)
	}
	log.Info("database storage initialized successfully", zap.String("database_type", cfg.Database.Type))
	return store, nil
}
