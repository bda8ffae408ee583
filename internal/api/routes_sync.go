package api

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/credledger/internal/auth"
	"github.com/charlesng35/credledger/internal/handlers"
	"github.com/charlesng35/credledger/internal/middleware"
)

func registerSyncRoutes(api *gin.RouterGroup, handler *handlers.SyncAdminHandler) {
	if api == nil || handler == nil {
		return
	}

	group := api.Group("/admin/sync")
	group.Use(middleware.RequireScope(iauth.ScopeSyncAdmin))
	{
		group.GET("/status", handler.Status)
		group.GET("/providers", handler.Providers)
		group.POST("/trigger", handler.Trigger)
		group.POST("/scheduler/start", handler.StartScheduler)
		group.POST("/scheduler/stop", handler.StopScheduler)
	}
}
