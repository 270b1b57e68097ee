package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/anoixa/product-images/internal/variant"
	"github.com/gin-gonic/gin"
)

// CDNFiles 本地存储充当 CDN 时的静态文件头
// 每次生成都使用新的 publicID，同一路径写入后不再变化
func CDNFiles(maxAge time.Duration) gin.HandlerFunc {
	cacheControl := fmt.Sprintf("public, max-age=%d, immutable", int(maxAge.Seconds()))
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.AbortWithStatus(http.StatusMethodNotAllowed)
			return
		}
		if _, _, ok := variant.ParseStoragePath(c.Param("filepath")); !ok {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		c.Header("Cache-Control", cacheControl)
		c.Header("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}
