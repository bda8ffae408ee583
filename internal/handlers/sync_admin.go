package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/internal/scheduler"
	"github.com/charlesng35/credledger/internal/services"
	"github.com/charlesng35/credledger/pkg/response"
)

// SyncCatalog lists providers and their persisted sync state.
type SyncCatalog interface {
	Providers() []services.ProviderInfo
	GetSyncStatus(ctx context.Context) ([]models.SyncState, error)
}

// SyncController runs and schedules sync cycles.
type SyncController interface {
	Status() scheduler.Status
	Start() error
	Stop() context.Context
	RunNow(ctx context.Context) ([]services.SyncJobResult, error)
	RunProvider(ctx context.Context, providerID string) (*services.SyncJobResult, error)
}

var (
	_ SyncCatalog    = (*services.SyncService)(nil)
	_ SyncController = (*scheduler.Scheduler)(nil)
)

// SyncAdminHandler exposes provider sync administration.
type SyncAdminHandler struct {
	catalog   SyncCatalog
	scheduler SyncController
}

// NewSyncAdminHandler constructs a SyncAdminHandler.
func NewSyncAdminHandler(catalog SyncCatalog, controller SyncController) *SyncAdminHandler {
	return &SyncAdminHandler{catalog: catalog, scheduler: controller}
}

type providerStatusDTO struct {
	services.ProviderInfo
	State *models.SyncState `json:"state,omitempty"`
}

type syncStatusDTO struct {
	Scheduler scheduler.Status    `json:"scheduler"`
	Providers []providerStatusDTO `json:"providers"`
}

type triggerSyncRequest struct {
	ProviderID string `json:"provider_id" validate:"omitempty,max=64,providerid"`
}

type triggerSyncDTO struct {
	Results []services.SyncJobResult `json:"results"`
	Created int                      `json:"credentials_created"`
	Errors  []string                 `json:"errors,omitempty"`
}

// Status handles GET /api/admin/sync/status.
func (h *SyncAdminHandler) Status(c *gin.Context) {
	states, err := h.catalog.GetSyncStatus(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	byProvider := make(map[string]*models.SyncState, len(states))
	for i := range states {
		byProvider[states[i].ProviderID] = &states[i]
	}

	providers := h.catalog.Providers()
	out := syncStatusDTO{
		Scheduler: h.scheduler.Status(),
		Providers: make([]providerStatusDTO, 0, len(providers)),
	}
	for _, p := range providers {
		out.Providers = append(out.Providers, providerStatusDTO{ProviderInfo: p, State: byProvider[p.ID]})
	}

	response.Success(c, http.StatusOK, out)
}

// Providers handles GET /api/admin/sync/providers.
func (h *SyncAdminHandler) Providers(c *gin.Context) {
	response.Success(c, http.StatusOK, h.catalog.Providers())
}

// Trigger handles POST /api/admin/sync/trigger. The cycle keeps running if
// the client disconnects.
func (h *SyncAdminHandler) Trigger(c *gin.Context) {
	var req triggerSyncRequest
	if !bindOptional(c, &req) {
		return
	}

	ctx := detachedContext(c)
	providerID := strings.ToLower(strings.TrimSpace(req.ProviderID))
	log := requestLogger(c, "sync-admin")
	log.Info("manual sync triggered", zap.String("provider_id", providerID))

	var (
		results []services.SyncJobResult
		err     error
	)
	if providerID != "" {
		var result *services.SyncJobResult
		result, err = h.scheduler.RunProvider(ctx, providerID)
		if result != nil {
			results = append(results, *result)
		}
	} else {
		results, err = h.scheduler.RunNow(ctx)
	}

	if err != nil && (len(results) == 0 || errors.Is(err, scheduler.ErrSyncInProgress)) {
		log.Warn("manual sync rejected", zap.Error(err))
		response.Error(c, err)
		return
	}

	out := triggerSyncDTO{Results: results}
	if out.Results == nil {
		out.Results = []services.SyncJobResult{}
	}
	for _, r := range results {
		out.Created += r.CredentialsCreated
		out.Errors = append(out.Errors, r.Errors...)
	}
	response.Success(c, http.StatusOK, out)
}

// StartScheduler handles POST /api/admin/sync/scheduler/start.
func (h *SyncAdminHandler) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		response.Error(c, err)
		return
	}
	requestLogger(c, "sync-admin").Info("scheduler started by operator")
	response.SuccessWithMessage(c, http.StatusOK, "scheduler started", h.scheduler.Status())
}

// StopScheduler handles POST /api/admin/sync/scheduler/stop. It returns
// without waiting for a running cycle to finish.
func (h *SyncAdminHandler) StopScheduler(c *gin.Context) {
	h.scheduler.Stop()
	requestLogger(c, "sync-admin").Info("scheduler stopped by operator")
	response.SuccessWithMessage(c, http.StatusOK, "scheduler stopped", h.scheduler.Status())
}
