package core

import (
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/anoixa/product-images/api/common"
	"github.com/anoixa/product-images/api/handler/admin"
	handlerImages "github.com/anoixa/product-images/api/handler/images"
	"github.com/anoixa/product-images/api/middleware"
	"github.com/anoixa/product-images/config"
	"github.com/anoixa/product-images/internal/authz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDependencies 路由注册依赖
type RouterDependencies struct {
	*ServerDependencies
	APIRateLimiter    *middleware.IPRateLimiter
	PublicRateLimiter *middleware.IPRateLimiter
	PipelineLimiter   *middleware.ConcurrencyLimiter
}

// RegisterRoutes 注册所有路由
func RegisterRoutes(router *gin.Engine, deps *RouterDependencies) {
	// 基础路由
	registerBasicRoutes(router, deps)

	// 公共接口路由
	registerPublicRoutes(router, deps)

	// API 路由
	registerAPIRoutes(router, deps)
}

// registerBasicRoutes 注册基础路由
func registerBasicRoutes(router *gin.Engine, deps *RouterDependencies) {
	router.GET("/health", func(c *gin.Context) {
		checks := gin.H{
			"database": checkDatabaseHealth(deps.DB),
			"cache":    checkCacheHealth(c.Request.Context(), deps.Cache),
			"storage":  checkStorageHealth(c.Request.Context(), deps.Storage),
		}
		httpStatus := http.StatusOK
		status := "ok"
		for _, result := range checks {
			if result != "ok" {
				httpStatus = http.StatusServiceUnavailable
				status = "degraded"
				break
			}
		}
		c.JSON(httpStatus, gin.H{
			"status":  status,
			"uptime":  time.Since(startTime).Round(time.Second).String(),
			"version": config.Version,
			"checks":  checks,
		})
	})
	router.GET("/version", func(c *gin.Context) {
		common.RespondSuccess(c, gin.H{
			"version": config.Version,
			"commit":  config.CommitHash,
		})
	})

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if deps.Gatherer != nil {
		gatherer = deps.Gatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// registerPublicRoutes 注册公共路由：本地存储的 CDN 文件
func registerPublicRoutes(router *gin.Engine, deps *RouterDependencies) {
	cfg := deps.Config
	if cfg == nil || (cfg.StorageType != "" && cfg.StorageType != "local") {
		return
	}
	prefix := localCDNPrefix(cfg.CDNBaseURL)
	if prefix == "" {
		return
	}

	root := cfg.StorageLocalPath
	cdnGroup := router.Group(prefix)
	cdnGroup.Use(deps.PublicRateLimiter.Middleware())
	cdnGroup.Use(middleware.CDNFiles(30 * 24 * time.Hour))
	{
		cdnGroup.GET("/*filepath", func(c *gin.Context) {
			c.File(filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(c.Param("filepath"), "/"))))
		}) // GET /cdn/products/{publicId}/{variant}.jpg
	}
}

// localCDNPrefix 从 CDN 基础地址提取路径前缀；根路径不挂载
func localCDNPrefix(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" || strings.HasPrefix(p, "/api") || p == "/health" || p == "/metrics" || p == "/version" {
		return ""
	}
	return p
}

// registerAPIRoutes 注册 API 路由
func registerAPIRoutes(router *gin.Engine, deps *RouterDependencies) {
	imageHandler := handlerImages.NewHandler(deps.Engine, deps.Config.MaxDownloadBytes())
	productsHandler := admin.NewProductsHandler(deps.Engine, deps.Pool)

	apiGroup := router.Group("/api")
	apiGroup.Use(func(c *gin.Context) { // 所有API禁止缓存
		c.Header("Cache-Control", "no-store")
		c.Next()
	})

	v1 := apiGroup.Group("/v1")
	v1.Use(deps.APIRateLimiter.Middleware())

	// 公开只读
	v1.GET("/products/:id/images/visible", imageHandler.VisibleImages) // GET /api/v1/products/{id}/images/visible

	authed := v1.Group("")
	authed.Use(middleware.BearerAuth(deps.JWT))
	{
		pipeline := deps.PipelineLimiter.MiddlewareWithBlock(30 * time.Second)

		scopes := authed.Group("/scopes/:kind/:id")
		{
			scopes.GET("/images", imageHandler.ListImages)          // GET /api/v1/scopes/{kind}/{id}/images
			scopes.POST("/images", pipeline, imageHandler.AddImage) // POST /api/v1/scopes/{kind}/{id}/images
			scopes.POST("/discover", imageHandler.Discover)         // POST /api/v1/scopes/{kind}/{id}/discover
			scopes.POST("/approve", imageHandler.Approve)           // POST /api/v1/scopes/{kind}/{id}/approve
			scopes.POST("/reject", imageHandler.Reject)             // POST /api/v1/scopes/{kind}/{id}/reject
			scopes.POST("/restore", imageHandler.Restore)           // POST /api/v1/scopes/{kind}/{id}/restore
			scopes.POST("/primary", imageHandler.SetPrimary)        // POST /api/v1/scopes/{kind}/{id}/primary
			scopes.POST("/reject-all", imageHandler.RejectAll)      // POST /api/v1/scopes/{kind}/{id}/reject-all
			scopes.POST("/finalize", imageHandler.Finalize)         // POST /api/v1/scopes/{kind}/{id}/finalize
			scopes.POST("/hero", pipeline, imageHandler.SetHero)    // POST /api/v1/scopes/{kind}/{id}/hero
		}

		imagesGroup := authed.Group("/images")
		{
			imagesGroup.POST("/:id/download", pipeline, imageHandler.DownloadImage) // POST /api/v1/images/{id}/download
			imagesGroup.DELETE("/:id", imageHandler.DeleteImage)                    // DELETE /api/v1/images/{id}
		}

		productsGroup := authed.Group("/products/:id")
		productsGroup.Use(middleware.RequireCapability(authz.CapOperate))
		{
			productsGroup.POST("/reconcile", productsHandler.Reconcile)        // POST /api/v1/products/{id}/reconcile
			productsGroup.POST("/backfill", productsHandler.Backfill)          // POST /api/v1/products/{id}/backfill
			productsGroup.POST("/refresh-cache", productsHandler.RefreshCache) // POST /api/v1/products/{id}/refresh-cache
		}

		canonicalsGroup := authed.Group("/canonicals/:id")
		canonicalsGroup.Use(middleware.RequireCapability(authz.CapOperate))
		{
			canonicalsGroup.POST("/reconcile", productsHandler.ReconcileCanonical) // POST /api/v1/canonicals/{id}/reconcile
		}

		adminGroup := authed.Group("/admin")
		adminGroup.Use(middleware.RequireRole(authz.RoleAdmin))
		{
			adminGroup.POST("/reconcile", productsHandler.ReconcileAll) // POST /api/v1/admin/reconcile
			adminGroup.GET("/workers", productsHandler.WorkerStats)     // GET /api/v1/admin/workers
		}
	}
}
