// Package errs 定义图片引擎的错误分类
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrSyncConflict 同一作用域的并发修改在重试后仍然冲突
var ErrSyncConflict = errors.New("sync conflict: concurrent modification of image scope")

// 校验错误码
const (
	CodeCapExceeded       = "approval_cap_exceeded"
	CodeCrossScope        = "cross_scope_image"
	CodeInvalidTransition = "invalid_transition"
	CodeMissingURL        = "missing_image_url"
	CodeFinalizeNotReady  = "finalize_preconditions"
	CodeInvalidInput      = "invalid_input"
)

// ValidationError 在任何修改之前被拒绝的请求
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// 仅 CodeCapExceeded 使用
	CurrentApprovedCount int `json:"currentApprovedCount,omitempty"`
	RequestedCount       int `json:"requestedCount,omitempty"`
	MaxAllowed           int `json:"maxAllowed,omitempty"`

	ImageIDs []string `json:"imageIds,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Code, e.Message)
}

// Validation 创建普通校验错误
func Validation(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CapExceeded 创建超出审核上限的校验错误
func CapExceeded(current, requested, max int) *ValidationError {
	return &ValidationError{
		Code:                 CodeCapExceeded,
		Message:              fmt.Sprintf("approving %d more image(s) would exceed the limit of %d (currently %d approved)", requested, max, current),
		CurrentApprovedCount: current,
		RequestedCount:       requested,
		MaxAllowed:           max,
	}
}

// NotFoundError 作用域或图片不存在
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NotFound 创建不存在错误
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ForbiddenError 调用方缺少所需能力
type ForbiddenError struct {
	Capability string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("missing capability %q", e.Capability)
}

// UpstreamFetchError 变体流水线拉取或解码失败
type UpstreamFetchError struct {
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}

// PartialVariantError 部分变体生成或上传失败
type PartialVariantError struct {
	Failed map[string]error
}

func (e *PartialVariantError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failed[name]))
	}
	return "variant generation partially failed: " + strings.Join(parts, "; ")
}

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound 判断是否为不存在错误
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetryableFetch 判断上游错误是否可重试
func IsRetryableFetch(err error) bool {
	var uf *UpstreamFetchError
	if errors.As(err, &uf) {
		return uf.Retryable
	}
	return false
}
