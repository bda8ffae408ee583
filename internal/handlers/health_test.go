package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	testutil "github.com/charlesng35/credledger/internal/database/testutil"
	"github.com/charlesng35/credledger/internal/queue"
)

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testutil.MustOpenTestDB(t)

	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

	Health(db)(ctx)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	env := decodeEnvelope(t, rec, &body)
	require.True(t, env.Success)
	require.Equal(t, "ok", body["database"])
}

func TestHealthDatabaseDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testutil.MustOpenTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

	Health(db)(ctx)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type stubCounter struct {
	counts queue.Counts
	err    error
}

func (s stubCounter) Counts(context.Context) (queue.Counts, error) {
	return s.counts, s.err
}

func TestReadinessReportsAnchorBacklog(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testutil.MustOpenTestDB(t)

	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/health/ready", nil)

	Readiness(db, stubCounter{counts: queue.Counts{Waiting: 3, Failed: 1}})(ctx)

	require.Equal(t, http.StatusOK, rec.Code)
	var body readinessDTO
	decodeEnvelope(t, rec, &body)
	require.Equal(t, "ok", body.Database)
	require.Equal(t, &queue.Counts{Waiting: 3, Failed: 1}, body.AnchorQueue)
}

func TestReadinessFailsWhenQueueUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testutil.MustOpenTestDB(t)

	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/health/ready", nil)

	Readiness(db, stubCounter{err: errors.New("no such table")})(ctx)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decodeEnvelope(t, rec, nil)
	require.True(t, env.Error.Retryable)
}
