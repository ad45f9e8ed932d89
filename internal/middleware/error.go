package middleware

import (
	"errors"
	"net/http"

	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

// errorBody is what an admin caller sees when a job trigger, release or
// ledger query fails.
type errorBody struct {
	Code       apperrors.ErrorType `json:"code"`
	Message    string              `json:"message"`
	Suggestion string              `json:"suggestion,omitempty"`
	Retryable  bool                `json:"retryable"`
	RequestID  string              `json:"request_id,omitempty"`
}

// ErrorHandler renders the last handler error. Untyped errors from the ledger
// or chain are reported as internal without their text; typed ones keep the
// wrapped detail so an operator can tell why a release was refused.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperrors.AppError
		typed := errors.As(err, &appErr)
		body := errorBody{RequestID: c.GetString(ContextRequestID)}
		status := http.StatusInternalServerError
		if typed {
			status = appErr.HTTPStatus
			body.Code = appErr.Type
			body.Message = err.Error()
			body.Suggestion = appErr.Suggestion
			body.Retryable = retryable(appErr.Type)
		} else {
			body.Code = apperrors.ErrInternal
			body.Message = "ledger or chain request failed"
		}

		fields := []any{
			"request_id", body.RequestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", body.Code,
			"retryable", body.Retryable,
		}
		if name := c.Param("name"); name != "" {
			fields = append(fields, "job", name)
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, "batch_id", id)
		}
		if status >= http.StatusInternalServerError {
			logger.LogError(c.Request.Context(), err, "admin operation failed", fields...)
		} else {
			logger.Warn("admin operation rejected", append(fields, "error", err.Error())...)
		}

		if body.Retryable && c.Writer.Header().Get("Retry-After") == "" {
			c.Header("Retry-After", "30")
		}
		if !c.Writer.Written() {
			c.JSON(status, body)
		}
	}
}

// retryable reports whether the same request may succeed unchanged later:
// a job that hit a transient chain fault or a ledger that was unreachable.
func retryable(t apperrors.ErrorType) bool {
	switch t {
	case apperrors.ErrTransient, apperrors.ErrUnavailable, apperrors.ErrRateLimited:
		return true
	default:
		return false
	}
}
