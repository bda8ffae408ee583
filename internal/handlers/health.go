package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/queue"
	appErrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/response"
)

const healthPingTimeout = 2 * time.Second

// QueueCounter reports anchor queue depth.
type QueueCounter interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

var _ QueueCounter = (*queue.Queue)(nil)

// Health reports liveness and whether the ledger database answers a ping.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db == nil {
			response.Success(c, http.StatusOK, gin.H{"status": "ok"})
			return
		}

		ctx, cancel := context.WithTimeout(requestContext(c), healthPingTimeout)
		defer cancel()

		if err := pingDatabase(ctx, db); err != nil {
			response.Error(c, appErrors.ErrTransient.Newf("database unavailable"))
			return
		}
		response.Success(c, http.StatusOK, gin.H{"status": "ok", "database": "ok"})
	}
}

type readinessDTO struct {
	Status      string        `json:"status"`
	Database    string        `json:"database"`
	AnchorQueue *queue.Counts `json:"anchor_queue,omitempty"`
}

// Readiness extends Health with the anchor backlog so operators can spot a
// stalled anchor service. A nil counter omits the queue section.
func Readiness(db *gorm.DB, counter QueueCounter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(requestContext(c), healthPingTimeout)
		defer cancel()

		if err := pingDatabase(ctx, db); err != nil {
			response.Error(c, appErrors.ErrTransient.Newf("database unavailable"))
			return
		}

		out := readinessDTO{Status: "ok", Database: "ok"}
		if counter != nil {
			counts, err := counter.Counts(ctx)
			if err != nil {
				response.Error(c, appErrors.ErrTransient.Newf("anchor queue unavailable").WithInternal(err))
				return
			}
			out.AnchorQueue = &counts
		}
		response.Success(c, http.StatusOK, out)
	}
}

func pingDatabase(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return appErrors.ErrInternalServer.Newf("database not configured")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
