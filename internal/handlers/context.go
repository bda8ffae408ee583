package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/credledger/internal/middleware"
	"github.com/charlesng35/credledger/pkg/logger"
)

// requestContext returns the request context, or Background when the handler
// runs without a request in tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil || c.Request == nil {
		return context.Background()
	}
	return c.Request.Context()
}

// detachedContext keeps request values but survives client disconnects, for
// work such as a sync cycle that must not stop halfway.
func detachedContext(c *gin.Context) context.Context {
	return context.WithoutCancel(requestContext(c))
}

// requestLogger annotates the module logger with the correlation id and the
// authenticated operator, when present.
func requestLogger(c *gin.Context, module string) *zap.Logger {
	log := logger.WithModule(module)
	if c == nil {
		return log
	}
	if id := c.GetString(middleware.CtxRequestIDKey); id != "" {
		log = log.With(zap.String("request_id", id))
	}
	if operator := c.GetString(middleware.CtxOperatorIDKey); operator != "" {
		log = log.With(zap.String("operator_id", operator))
	}
	return log
}
