package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/charlesng35/credledger/internal/middleware"
	"github.com/charlesng35/credledger/pkg/logger"
)

func TestRequestContextFallsBackToBackground(t *testing.T) {
	require.Equal(t, context.Background(), requestContext(nil))

	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	require.Equal(t, context.Background(), requestContext(ctx))
}

func TestDetachedContextOutlivesRequest(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request = httptest.NewRequest(http.MethodPost, "/api/admin/sync/trigger", nil).WithContext(parent)

	detached := detachedContext(ctx)
	cancel()
	require.Error(t, requestContext(ctx).Err())
	require.NoError(t, detached.Err())
}

func TestRequestLoggerCarriesCorrelation(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	t.Cleanup(logger.ReplaceGlobal(zap.New(core)))

	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Set(middleware.CtxRequestIDKey, "req-9")
	ctx.Set(middleware.CtxOperatorIDKey, "ops-1")

	requestLogger(ctx, "sync-admin").Info("manual sync triggered")

	entries := recorded.All()
	require.Len(t, entries, 1)
	require.Equal(t, map[string]any{
		"module":      "sync-admin",
		"request_id":  "req-9",
		"operator_id": "ops-1",
	}, entries[0].ContextMap())
}
