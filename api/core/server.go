package core

import (
	"net/http"
	"strings"
	"time"

	"github.com/anoixa/product-images/api/middleware"
	"github.com/anoixa/product-images/cache"
	"github.com/anoixa/product-images/config"
	"github.com/anoixa/product-images/database"
	"github.com/anoixa/product-images/internal/auth"
	"github.com/anoixa/product-images/internal/engine"
	"github.com/anoixa/product-images/internal/worker"
	"github.com/anoixa/product-images/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var startTime = time.Now()

// ServerDependencies 服务器依赖项
type ServerDependencies struct {
	Config  *config.Config
	Engine  *engine.Engine
	JWT     *auth.JWTService
	DB      database.Provider
	Cache   cache.Provider
	Storage storage.Provider
	Pool    *worker.Pool

	// 指标注册与导出，为 nil 时使用 prometheus 默认实例
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// 启动gin
func setupRouter(deps *ServerDependencies) (*gin.Engine, func()) {
	cfg := deps.Config
	router := gin.New()

	// 全局中间件
	// 仅在开发版本时启用 gin 日志
	if config.IsDevelopment() {
		router.Use(gin.Logger())
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     splitOrigins(cfg.CorsAllowOrigins),
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	_ = router.SetTrustedProxies(nil)

	// 限制上传文件大小
	router.MaxMultipartMemory = cfg.MaxDownloadBytes()

	// 并发限制（100并发，避免内存过载）
	concurrencyLimiter := middleware.NewConcurrencyLimiter("server", 100)
	router.Use(concurrencyLimiter.Middleware())

	// 请求体大小限制：上传上限加表单开销
	router.Use(middleware.MaxBytesReader(cfg.MaxDownloadBytes() + 1<<20))

	// 请求ID追踪
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog())

	// 请求指标
	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if httpMetrics, err := middleware.NewHTTPMetrics(registerer); err != nil {
		log.Warn().Err(err).Msg("HTTP metrics disabled")
	} else {
		router.Use(httpMetrics.Middleware())
	}

	// 速率限制
	apiRateLimiter := middleware.NewIPRateLimiter(cfg.RateLimitApiRPS, cfg.RateLimitApiBurst, cfg.RateLimitExpire)
	publicRateLimiter := middleware.NewIPRateLimiter(cfg.RateLimitApiRPS*4, cfg.RateLimitApiBurst*4, cfg.RateLimitExpire)
	cleanup := func() {
		apiRateLimiter.StopCleanup()
		publicRateLimiter.StopCleanup()
	}

	// 变体生成同时占用 CPU 和内存，单独限流
	pipelineSlots := int64(cfg.GetWorkerCount())

	RegisterRoutes(router, &RouterDependencies{
		ServerDependencies: deps,
		APIRateLimiter:     apiRateLimiter,
		PublicRateLimiter:  publicRateLimiter,
		PipelineLimiter:    middleware.NewConcurrencyLimiter("image pipeline", pipelineSlots),
	})

	return router, cleanup
}

// splitOrigins 解析逗号分隔的 CORS 来源
func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// StartServer 创建 http.Server
func StartServer(deps *ServerDependencies) (*http.Server, func()) {
	cfg := deps.Config
	router, clean := setupRouter(deps)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	return srv, clean
}
