package images

import (
	"net/http"

	"github.com/anoixa/product-images/api/common"
	"github.com/gin-gonic/gin"
)

// ApproveRequest 通过图片请求体
type ApproveRequest struct {
	ImageIDs               []string `json:"imageIds" binding:"required"`
	RejectRemainingPending bool     `json:"rejectRemainingPending"`
}

// ImageIDRequest 单图请求体
type ImageIDRequest struct {
	ImageID string `json:"imageId" binding:"required"`
}

// HeroRequest 设置主图请求体，imageId 与 url 二选一
type HeroRequest struct {
	ImageID string `json:"imageId"`
	URL     string `json:"url"`
}

// Approve 通过一组图片
func (h *Handler) Approve(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}
	var body ApproveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		common.RespondError(c, http.StatusBadRequest, "Invalid request body. 'imageIds' field with a list of strings is required.")
		return
	}

	res, err := h.engine.Approve(c.Request.Context(), scope, body.ImageIDs, body.RejectRemainingPending)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, res)
}

// Reject 拒绝一组图片
func (h *Handler) Reject(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}
	ids, ok := bindImageIDs(c)
	if !ok {
		return
	}

	res, err := h.engine.Reject(c.Request.Context(), scope, ids)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, res)
}

// Restore 把被拒绝的图片恢复为待审核
func (h *Handler) Restore(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}
	ids, ok := bindImageIDs(c)
	if !ok {
		return
	}

	res, err := h.engine.Restore(c.Request.Context(), scope, ids)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, res)
}

// SetPrimary 设为主图
func (h *Handler) SetPrimary(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}
	var body ImageIDRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		common.RespondError(c, http.StatusBadRequest, "Invalid request body. 'imageId' field is required.")
		return
	}

	res, err := h.engine.SetPrimary(c.Request.Context(), scope, body.ImageID)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, res)
}

// RejectAll 拒绝作用域内全部待审核图片
func (h *Handler) RejectAll(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}

	res, err := h.engine.RejectAll(c.Request.Context(), scope)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, res)
}

// Finalize 完成审核，删除未通过的图片
func (h *Handler) Finalize(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}

	res, err := h.engine.Finalize(c.Request.Context(), scope)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, res)
}

// SetHero 以记录 ID 或图片地址设置主图，并返回刷新后的缓存字段
func (h *Handler) SetHero(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}
	var body HeroRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		common.RespondError(c, http.StatusBadRequest, "Invalid request body.")
		return
	}
	target := body.ImageID
	if target == "" {
		target = body.URL
	}

	res, err := h.engine.SetHero(c.Request.Context(), scope, target)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.RespondSuccess(c, res)
}

// Discover 触发外部图片发现；冷却期内的重复请求返回 accepted=false
func (h *Handler) Discover(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}

	accepted, err := h.engine.Discover(c.Request.Context(), scope)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.Respond(c, http.StatusAccepted, "success", "", gin.H{"accepted": accepted})
}
