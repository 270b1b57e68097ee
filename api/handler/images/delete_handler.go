package images

import (
	"net/http"

	"github.com/anoixa/product-images/api/common"
	"github.com/gin-gonic/gin"
)

// DeleteImage 删除单张图片及其独占的 CDN 文件
func (h *Handler) DeleteImage(c *gin.Context) {
	imageID := c.Param("id")
	if imageID == "" {
		common.RespondError(c, http.StatusBadRequest, "Image id is required.")
		return
	}

	rec, err := h.engine.DeleteImage(c.Request.Context(), imageID)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccessMessage(c, "Image deleted successfully", gin.H{"image": rec})
}

// DownloadImage 手动把图片下载到 CDN；已下载时直接返回记录
func (h *Handler) DownloadImage(c *gin.Context) {
	imageID := c.Param("id")
	if imageID == "" {
		common.RespondError(c, http.StatusBadRequest, "Image id is required.")
		return
	}

	rec, err := h.engine.DownloadToCDN(c.Request.Context(), imageID)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, gin.H{"image": rec})
}
