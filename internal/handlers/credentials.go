package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/credledger/internal/services"
	appErrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/response"
)

// CredentialHandler exposes direct issuance and ledger reads to operators.
type CredentialHandler struct {
	svc *services.CredentialService
}

// NewCredentialHandler constructs a CredentialHandler.
func NewCredentialHandler(svc *services.CredentialService) *CredentialHandler {
	return &CredentialHandler{svc: svc}
}

// Issue handles POST /api/credentials.
func (h *CredentialHandler) Issue(c *gin.Context) {
	var input services.IssueInput
	if !bindAndValidate(c, &input) {
		return
	}

	result, err := h.svc.Issue(requestContext(c), input)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusCreated, "credential recorded; anchoring queued", result)
}

// Get handles GET /api/credentials/:credentialID.
func (h *CredentialHandler) Get(c *gin.Context) {
	id, ok := credentialIDParam(c)
	if !ok {
		return
	}

	cred, err := h.svc.Get(requestContext(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, cred)
}

// AnchorStatus handles GET /api/credentials/:credentialID/anchor.
func (h *CredentialHandler) AnchorStatus(c *gin.Context) {
	id, ok := credentialIDParam(c)
	if !ok {
		return
	}

	status, err := h.svc.GetAnchorStatus(requestContext(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, status)
}

func credentialIDParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("credentialID"))
	if id == "" {
		response.Error(c, appErrors.NewBadRequest("credential id is required"))
		return "", false
	}
	return id, true
}
