package api

import (
	"errors"
	"net/http"

	"mediagen/internal/provider"
	"mediagen/internal/service"

	"github.com/gin-gonic/gin"
)

// 错误码定义
const (
	// 通用错误码 (1xxx)
	ErrCodeInvalidRequest     = "ERR_INVALID_REQUEST"
	ErrCodeUnauthorized       = "ERR_UNAUTHORIZED"
	ErrCodeForbidden          = "ERR_FORBIDDEN"
	ErrCodeNotFound           = "ERR_NOT_FOUND"
	ErrCodeInternalError      = "ERR_INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "ERR_SERVICE_UNAVAILABLE"

	// 认证错误码 (2xxx)
	ErrCodeInvalidCredentials = "ERR_INVALID_CREDENTIALS"
	ErrCodeEmailExists        = "ERR_EMAIL_EXISTS"
	ErrCodeRegistrationClosed = "ERR_REGISTRATION_CLOSED"
	ErrCodeUserDisabled       = "ERR_USER_DISABLED"
	ErrCodeSessionExpired     = "ERR_SESSION_EXPIRED"
	ErrCodeUserNotFound       = "ERR_USER_NOT_FOUND"

	// 资源错误码 (3xxx)
	ErrCodeProviderNotFound      = "ERR_PROVIDER_NOT_FOUND"
	ErrCodeProviderNotConfigured = "ERR_PROVIDER_NOT_CONFIGURED"
	ErrCodeTaskNotFound          = "ERR_TASK_NOT_FOUND"

	// 业务逻辑错误码 (4xxx)
	ErrCodeMissingField        = "ERR_MISSING_FIELD"
	ErrCodeValidationFailed    = "ERR_VALIDATION_FAILED"
	ErrCodeDuplicateExternalID = "ERR_DUPLICATE_EXTERNAL_ID"
	ErrCodeRateLimited         = "ERR_RATE_LIMITED"
	ErrCodeContentPolicy       = "ERR_CONTENT_POLICY"
	ErrCodeUpstreamAuth        = "ERR_UPSTREAM_AUTH"
	ErrCodeUpstreamFailure     = "ERR_UPSTREAM_FAILURE"
	ErrCodeCannotDeleteSelf    = "ERR_CANNOT_DELETE_SELF"
)

// APIError 统一的 API 错误响应结构
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse 返回统一格式的错误响应
func ErrorResponse(c *gin.Context, status int, code string, message string) {
	c.JSON(status, APIError{
		Code:    code,
		Message: message,
	})
}

// ErrorResponseWithDetails 返回带详情的错误响应
func ErrorResponseWithDetails(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, APIError{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// 常用错误响应快捷函数

// BadRequest 400 错误请求
func BadRequest(c *gin.Context, code string, message string) {
	ErrorResponse(c, http.StatusBadRequest, code, message)
}

// Unauthorized 401 未授权
func Unauthorized(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden 403 禁止访问
func Forbidden(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// NotFound 404 资源不存在
func NotFound(c *gin.Context, code string, message string) {
	ErrorResponse(c, http.StatusNotFound, code, message)
}

// InternalError 500 服务器内部错误
func InternalError(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ServiceUnavailable 503 服务不可用
func ServiceUnavailable(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message)
}

// MissingField 缺少必填字段
func MissingField(c *gin.Context, field string) {
	ErrorResponseWithDetails(c, http.StatusBadRequest, ErrCodeMissingField, field+" is required", gin.H{"field": field})
}

// InvalidPayload 无效的请求体
func InvalidPayload(c *gin.Context) {
	ErrorResponse(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request payload")
}

// ProviderErrorResponse 将提供商/服务层错误映射为 HTTP 响应。
// 校验失败归客户端，限流和内容拦截各有独立状态码，其余上游失败统一 502。
func ProviderErrorResponse(c *gin.Context, err error) {
	var validationErr *provider.ValidationError
	if errors.As(err, &validationErr) {
		ErrorResponseWithDetails(c, http.StatusBadRequest, ErrCodeValidationFailed, validationErr.Message, gin.H{
			"field": validationErr.Field,
			"rule":  validationErr.Rule,
		})
		return
	}

	var rateErr *provider.RateLimitError
	if errors.As(err, &rateErr) {
		if rateErr.RetryAfter > 0 {
			c.Header("Retry-After", rateErr.RetryAfter.String())
		}
		ErrorResponse(c, http.StatusTooManyRequests, ErrCodeRateLimited, rateErr.Error())
		return
	}

	var policyErr *provider.ContentPolicyError
	if errors.As(err, &policyErr) {
		ErrorResponse(c, http.StatusUnprocessableEntity, ErrCodeContentPolicy, policyErr.Error())
		return
	}

	var authErr *provider.AuthError
	if errors.As(err, &authErr) {
		ErrorResponse(c, http.StatusBadGateway, ErrCodeUpstreamAuth, authErr.Error())
		return
	}

	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		NotFound(c, ErrCodeTaskNotFound, "task not found")
	case errors.Is(err, service.ErrDuplicateExternalID):
		ErrorResponse(c, http.StatusConflict, ErrCodeDuplicateExternalID, "external task id already in use")
	case errors.Is(err, service.ErrProviderNotConfigured):
		ErrorResponse(c, http.StatusServiceUnavailable, ErrCodeProviderNotConfigured, "provider is not configured")
	default:
		var serverErr *provider.ServerError
		var submitErr *provider.SubmissionError
		if errors.As(err, &serverErr) || errors.As(err, &submitErr) {
			ErrorResponse(c, http.StatusBadGateway, ErrCodeUpstreamFailure, err.Error())
			return
		}
		InternalError(c, "internal server error")
	}
}
