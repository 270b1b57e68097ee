package images

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/anoixa/product-images/api/common"
	"github.com/anoixa/product-images/utils/format"
	"github.com/gin-gonic/gin"
)

// AddImageRequest 以地址方式新增图片
type AddImageRequest struct {
	URL string `json:"url"`
}

// AddImage 新增图片：multipart 上传文件，或 JSON 提交外部地址
func (h *Handler) AddImage(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.uploadImage(c)
		return
	}

	var body AddImageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		common.RespondError(c, http.StatusBadRequest, "Invalid request body. 'url' field is required.")
		return
	}

	rec, created, err := h.engine.AddImageURL(c.Request.Context(), scope, body.URL)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	common.Respond(c, status, "success", "", gin.H{
		"image":   rec,
		"created": created,
	})
}

// uploadImage 处理单文件上传
func (h *Handler) uploadImage(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		common.RespondError(c, http.StatusBadRequest, "A file is required under the 'file' key")
		return
	}
	if fileHeader.Size > h.maxUploadBytes {
		common.RespondError(c, http.StatusRequestEntityTooLarge, "File is too large, limit is "+format.HumanReadableSize(h.maxUploadBytes))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		common.RespondError(c, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			common.RespondError(c, http.StatusRequestEntityTooLarge, "File is too large, limit is "+format.HumanReadableSize(h.maxUploadBytes))
			return
		}
		common.RespondError(c, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		common.RespondError(c, http.StatusRequestEntityTooLarge, "File is too large, limit is "+format.HumanReadableSize(h.maxUploadBytes))
		return
	}

	rec, err := h.engine.Upload(c.Request.Context(), scope, data)
	if err != nil {
		common.RespondEngineError(c, err)
		return
	}
	common.Respond(c, http.StatusCreated, "success", "", gin.H{
		"image":   rec,
		"created": true,
	})
}
