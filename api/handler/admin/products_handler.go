package admin

import (
	"net/http"
	"strconv"

	"github.com/anoixa/product-images/api/common"
	"github.com/anoixa/product-images/internal/engine"
	"github.com/anoixa/product-images/internal/worker"
	"github.com/gin-gonic/gin"
)

// ProductsHandler 商品级运维接口：同步、回填、缓存刷新
type ProductsHandler struct {
	engine *engine.Engine
	pool   *worker.Pool
}

// NewProductsHandler 运维处理器；pool 可以为 nil
func NewProductsHandler(e *engine.Engine, pool *worker.Pool) *ProductsHandler {
	return &ProductsHandler{engine: e, pool: pool}
}

// Reconcile 同步单个商品
func (h *ProductsHandler) Reconcile(c *gin.Context) {
	outcome, err := h.engine.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, outcome)
}

// ReconcileCanonical 同步规范分组下的全部商品
func (h *ProductsHandler) ReconcileCanonical(c *gin.Context) {
	outcomes, err := h.engine.ReconcileCanonical(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, outcomes)
}

// Backfill 迁移商品旧版内嵌图片
func (h *ProductsHandler) Backfill(c *gin.Context) {
	res, err := h.engine.Backfill(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, res)
}

// RefreshCache 重新计算商品主图缓存字段
func (h *ProductsHandler) RefreshCache(c *gin.Context) {
	cache, err := h.engine.RefreshCache(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, cache)
}

// ReconcileAll 分批同步全部商品 (?batch=200)
func (h *ProductsHandler) ReconcileAll(c *gin.Context) {
	batch, err := strconv.Atoi(c.DefaultQuery("batch", "200"))
	if err != nil || batch <= 0 || batch > 5000 {
		common.RespondError(c, http.StatusBadRequest, "batch must be between 1 and 5000")
		return
	}

	summary, err := h.engine.ReconcileAll(c.Request.Context(), batch)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, summary)
}

// WorkerStats 后台协程池状态
func (h *ProductsHandler) WorkerStats(c *gin.Context) {
	if h.pool == nil {
		common.RespondError(c, http.StatusNotFound, "Worker pool is not running in this process")
		return
	}
	common.RespondSuccess(c, h.pool.GetStats())
}
