package api

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/credledger/internal/auth"
	"github.com/charlesng35/credledger/internal/handlers"
	"github.com/charlesng35/credledger/internal/middleware"
)

func registerCredentialRoutes(api *gin.RouterGroup, handler *handlers.CredentialHandler) {
	if api == nil || handler == nil {
		return
	}

	credentials := api.Group("/credentials")
	{
		credentials.POST("", middleware.RequireScope(iauth.ScopeIssue), handler.Issue)
		credentials.GET("/:credentialID", middleware.RequireScope(iauth.ScopeRead), handler.Get)
		credentials.GET("/:credentialID/anchor", middleware.RequireScope(iauth.ScopeRead), handler.AnchorStatus)
	}
}
