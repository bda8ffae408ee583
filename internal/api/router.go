package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/charlesng35/credledger/internal/auth"
	"github.com/charlesng35/credledger/internal/handlers"
	"github.com/charlesng35/credledger/internal/middleware"
	"github.com/charlesng35/credledger/internal/services"
	"github.com/charlesng35/credledger/internal/verification"
)

// RateLimitConfig bounds requests per client and route.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Dependencies are the services the HTTP surface fronts.
type Dependencies struct {
	DB          *gorm.DB
	JWT         *iauth.JWTService
	Credentials *services.CredentialService
	Verifier    *verification.Engine
	Sync        handlers.SyncCatalog
	Scheduler   handlers.SyncController
	// Queue feeds the readiness probe; nil omits the backlog section.
	Queue handlers.QueueCounter
	// RateStore defaults to process-local counters when nil.
	RateStore middleware.RateStore
	RateLimit RateLimitConfig
}

func (d Dependencies) validate() error {
	switch {
	case d.DB == nil:
		return fmt.Errorf("database handle must be provided")
	case d.JWT == nil:
		return fmt.Errorf("jwt service must be provided")
	case d.Credentials == nil:
		return fmt.Errorf("credential service must be provided")
	case d.Verifier == nil:
		return fmt.Errorf("verification engine must be provided")
	case d.Sync == nil || d.Scheduler == nil:
		return fmt.Errorf("sync service and scheduler must be provided")
	}
	return nil
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	limit := deps.RateLimit
	if limit.Requests == 0 {
		limit.Requests = 100
	}
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	r.Use(middleware.RateLimit(deps.RateStore, limit.Requests, limit.Window))

	registerHealthRoutes(r, deps.DB, deps.Queue)

	// Public verification
	registerVerificationRoutes(r.Group("/api"), handlers.NewVerificationHandler(deps.Verifier))

	// Operator routes
	protected := r.Group("/api")
	protected.Use(middleware.Auth(deps.JWT))

	registerCredentialRoutes(protected, handlers.NewCredentialHandler(deps.Credentials))
	registerSyncRoutes(protected, handlers.NewSyncAdminHandler(deps.Sync, deps.Scheduler))

	// Metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
