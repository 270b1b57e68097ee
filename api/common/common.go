package common

import (
	"errors"
	"net/http"

	"github.com/anoixa/product-images/internal/errs"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Response struct {
	Status string      `json:"status"`
	Msg    string      `json:"msg"`
	Data   interface{} `json:"data,omitempty"`
}

func Respond(c *gin.Context, httpStatus int, status string, message string, data interface{}) {
	c.JSON(httpStatus, Response{
		Status: status,
		Msg:    message,
		Data:   data,
	})
}

// RespondSuccess sends a success response with data.
func RespondSuccess(c *gin.Context, data interface{}) {
	Respond(c, http.StatusOK, "success", "", data)
}

// RespondSuccessMessage sends a success response with message and data.
func RespondSuccessMessage(c *gin.Context, message string, data interface{}) {
	Respond(c, http.StatusOK, "success", message, data)
}

// RespondError sends an error response with message.
func RespondError(c *gin.Context, httpStatus int, message string) {
	Respond(c, httpStatus, "error", message, nil)
}

// RespondErrorAbort sends an error response and aborts the handler chain.
func RespondErrorAbort(c *gin.Context, httpStatus int, message string) {
	RespondError(c, httpStatus, message)
	c.Abort()
}

// StatusFor 将引擎错误映射为 HTTP 状态码
func StatusFor(err error) int {
	var (
		validation *errs.ValidationError
		notFound   *errs.NotFoundError
		forbidden  *errs.ForbiddenError
		upstream   *errs.UpstreamFetchError
		partial    *errs.PartialVariantError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrSyncConflict):
		return http.StatusConflict
	case errors.As(err, &upstream), errors.As(err, &partial):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondEngineError 输出引擎错误；校验错误把完整载荷放进 data
func RespondEngineError(c *gin.Context, err error) {
	status := StatusFor(err)

	var validation *errs.ValidationError
	if errors.As(err, &validation) {
		Respond(c, status, "error", validation.Message, validation)
		return
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		RespondError(c, status, "Internal server error")
		return
	}
	RespondError(c, status, err.Error())
}
