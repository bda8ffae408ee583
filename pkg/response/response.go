package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/logger"
	"github.com/charlesng35/credledger/pkg/validator"
)

// Response defines the base API payload.
type Response struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo holds error details to send to clients. Retryable is set for
// transient upstream failures and rate limiting.
type ErrorInfo struct {
	Code      string                      `json:"code"`
	Message   string                      `json:"message"`
	Retryable bool                        `json:"retryable,omitempty"`
	Fields    []validator.ValidationError `json:"fields,omitempty"`
}

// Success writes a JSON success response.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
	})
}

// SuccessWithMessage writes a JSON success response with a human readable summary.
func SuccessWithMessage(c *gin.Context, statusCode int, message string, data any) {
	c.JSON(statusCode, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Error writes a JSON error response derived from an AppError. Server side
// failures are logged with their internal cause, which is never rendered.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = appErrors.ErrInternalServer
	}

	appErr := appErrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	info := &ErrorInfo{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Retryable: errors.Is(appErr, appErrors.ErrTransient) || errors.Is(appErr, appErrors.ErrRateLimit),
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		info.Fields = fields
	}

	if status >= http.StatusInternalServerError {
		logger.WithModule("http").Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", appErr.Code),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	c.JSON(status, Response{
		Success: false,
		Error:   info,
	})
}
