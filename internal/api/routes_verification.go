package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/credledger/internal/handlers"
)

func registerVerificationRoutes(api *gin.RouterGroup, handler *handlers.VerificationHandler) {
	if api == nil || handler == nil {
		return
	}

	verify := api.Group("/verify")
	verify.POST("", handler.Verify)
	verify.GET("/:credentialID", handler.VerifyByID)
}
