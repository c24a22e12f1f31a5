package httptransport

import (
	"strings"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "formrelay/backend/internal/auth/jwt"
	"formrelay/backend/internal/config"
	"formrelay/backend/internal/health"
	"formrelay/backend/internal/middleware"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/service"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	processor    *service.Processor
	confirmation *service.ConfirmationService
	dashboard    *service.DashboardService
	log          *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Processor    *service.Processor
	Confirmation *service.ConfirmationService
	Dashboard    *service.DashboardService
	JWTManager   *jwtpkg.Manager
	Limiter      middleware.Limiter // 为空时不限流
	Metrics      *monitoring.Metrics
	Health       *health.HealthChecker
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(mm.PanicRecovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(mm.HTTPMetrics())
	router.Use(corsByPath(deps.Config.CORS.AllowedOrigins))

	handler := &Handler{
		processor:    deps.Processor,
		confirmation: deps.Confirmation,
		dashboard:    deps.Dashboard,
		log:          log,
	}
	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, log)

	router.NoRoute(func(c *gin.Context) { NotFound(c, MsgNotFound) })
	// GET /:target 等只在其他方法下注册过的路径
	router.NoMethod(handler.methodNotAllowed)

	// 健康检查
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// ========== Submission ==========
	submitChain := []gin.HandlerFunc{middleware.BodySizeLimit(middleware.SubmissionBodyLimit)}
	if deps.Config.RateLimit.Enabled && deps.Limiter != nil {
		submitChain = append(submitChain, middleware.RateLimitByIP(deps.Limiter, deps.Metrics, log, deps.Config.RateLimit.Window))
	}
	withSubmitChain := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, submitChain...), h)
	}
	router.POST("/:target", withSubmitChain(handler.submit)...)

	// ========== Confirmation ==========
	router.GET("/confirm/:nonce", handler.confirm)
	router.POST("/resend/:email", withSubmitChain(handler.resend)...)
	router.GET("/unblock/:email", handler.blockStatus)
	router.POST("/unblock/:email", withSubmitChain(handler.unblock)...)

	// ========== Dashboard ==========
	api := router.Group("/api")
	api.Use(jwtAuth.RequireAuth())
	{
		forms := api.Group("/forms")
		forms.GET("", handler.listForms)
		forms.POST("", handler.createForm)
		forms.GET("/:hashid/submissions", handler.listSubmissions)
		forms.POST("/:hashid/toggle", handler.toggleForm)
		forms.DELETE("/:hashid", handler.deleteForm)
		forms.DELETE("/:hashid/submissions/:id", handler.deleteSubmission)

		api.GET("/sitewide-check", handler.sitewideCheck)
	}

	return router
}

// corsByPath 提交端点允许任意来源，控制台 API 只允许配置的来源
func corsByPath(allowedOrigins []string) gin.HandlerFunc {
	public := gincors.New(gincors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "X-Requested-With"},
		MaxAge:          12 * time.Hour,
	})

	apiConfig := gincors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range allowedOrigins {
		if origin == "*" {
			apiConfig.AllowOrigins = nil
			apiConfig.AllowAllOrigins = true
			apiConfig.AllowCredentials = false
			break
		}
	}
	dashboard := gincors.New(apiConfig)

	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			dashboard(c)
			return
		}
		public(c)
	}
}
