package images

import (
	"github.com/anoixa/product-images/api/common"
	"github.com/gin-gonic/gin"
)

// ListImages 按审核状态列出作用域内的图片
func (h *Handler) ListImages(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}

	listing, err := h.engine.ListImages(c.Request.Context(), scope)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, listing)
}

// VisibleImages 商品当前对外展示的图片
func (h *Handler) VisibleImages(c *gin.Context) {
	visible, err := h.engine.Visible(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, visible)
}
