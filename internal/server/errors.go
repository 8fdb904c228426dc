package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ngapox/malenga-knowledge-clinic/internal/service"
)

// errorStatus 把业务错误映射为 HTTP 状态码与错误码。顺序有意义：更具体的错误在前。
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, service.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, service.ErrInvalidInvite):
		return http.StatusNotFound, "invalid_invite"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, service.ErrExpiredInvite):
		return http.StatusGone, "expired_invite"
	case errors.Is(err, service.ErrContentRejected):
		return http.StatusUnprocessableEntity, "content_rejected"
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, service.ErrTransient):
		return http.StatusServiceUnavailable, "transient"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// ErrorCode 返回错误码，websocket 错误帧复用同一套编码。
func ErrorCode(err error) string {
	_, code := errorStatus(err)
	return code
}

// writeError 输出统一的错误响应，基础设施错误只记录日志不透出细节。
func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	switch status {
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		log.Error().Err(err).Str("path", c.FullPath()).Str("request_id", c.GetString("request_id")).Msg("request failed")
		msg = http.StatusText(status)
	case http.StatusTooManyRequests:
		var rl *service.RateLimitError
		if errors.As(err, &rl) {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation", "message": msg})
}
