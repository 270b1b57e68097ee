package images

import (
	"net/http"

	"github.com/anoixa/product-images/api/common"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/internal/engine"
	"github.com/gin-gonic/gin"
)

// Handler 商品图片处理器
type Handler struct {
	engine         *engine.Engine
	maxUploadBytes int64
}

// NewHandler 商品图片处理器
func NewHandler(e *engine.Engine, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 << 20
	}
	return &Handler{
		engine:         e,
		maxUploadBytes: maxUploadBytes,
	}
}

// ImageIDsRequest 携带一组图片 ID 的请求体
type ImageIDsRequest struct {
	ImageIDs []string `json:"imageIds" binding:"required"`
}

// scopeParam 解析 /scopes/:kind/:id；失败时已写出响应
func scopeParam(c *gin.Context) (models.Scope, bool) {
	scope, err := models.ParseScope(c.Param("kind"), c.Param("id"))
	if err != nil {
		common.RespondError(c, http.StatusBadRequest, err.Error())
		return models.Scope{}, false
	}
	return scope, true
}

// bindImageIDs 绑定 imageIds 请求体；失败时已写出响应
func bindImageIDs(c *gin.Context) ([]string, bool) {
	var body ImageIDsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		common.RespondError(c, http.StatusBadRequest, "Invalid request body. 'imageIds' field with a list of strings is required.")
		return nil, false
	}
	return body.ImageIDs, true
}
