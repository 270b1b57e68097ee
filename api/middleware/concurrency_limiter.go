package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/anoixa/product-images/api/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiter 按槽位限制并发请求；name 出现在拒绝响应里，便于区分全局限流和变体流水线限流
type ConcurrencyLimiter struct {
	name     string
	slots    int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewConcurrencyLimiter 创建并发限制器，slots 小于 1 时按 1 处理
func NewConcurrencyLimiter(name string, slots int64) *ConcurrencyLimiter {
	if slots < 1 {
		slots = 1
	}
	return &ConcurrencyLimiter{
		name:  name,
		slots: slots,
		sem:   semaphore.NewWeighted(slots),
	}
}

// InFlight 当前占用的槽位数
func (cl *ConcurrencyLimiter) InFlight() int64 {
	return cl.inFlight.Load()
}

func (cl *ConcurrencyLimiter) run(c *gin.Context) {
	cl.inFlight.Add(1)
	defer func() {
		cl.inFlight.Add(-1)
		cl.sem.Release(1)
	}()
	c.Next()
}

func (cl *ConcurrencyLimiter) reject(c *gin.Context, retryAfter time.Duration, reason string) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	log.Debug().Str("limiter", cl.name).Int64("slots", cl.slots).Str("path", c.FullPath()).Msg(reason)
	common.RespondErrorAbort(c, http.StatusServiceUnavailable,
		fmt.Sprintf("%s: all %d slots busy, retry later", cl.name, cl.slots))
}

// Middleware 槽位用尽时立即返回 503
func (cl *ConcurrencyLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cl.sem.TryAcquire(1) {
			cl.reject(c, time.Second, "Concurrency slots exhausted")
			return
		}
		cl.run(c)
	}
}

// MiddlewareWithBlock 最多等待 timeout 获取槽位，超时返回 503
func (cl *ConcurrencyLimiter) MiddlewareWithBlock(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		if err := cl.sem.Acquire(ctx, 1); err != nil {
			cl.reject(c, timeout, "Timed out waiting for a concurrency slot")
			return
		}
		cl.run(c)
	}
}
