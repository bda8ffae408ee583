package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/handlers"
)

// registerHealthRoutes mounts the public probes. Liveness only pings the
// database; readiness also reports the anchor backlog.
func registerHealthRoutes(r *gin.Engine, db *gorm.DB, counter handlers.QueueCounter) {
	health := handlers.Health(db)
	r.GET("/health", health)
	r.GET("/api/health", health)
	r.GET("/health/ready", handlers.Readiness(db, counter))
}
