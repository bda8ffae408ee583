package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/credledger/internal/verification"
	"github.com/charlesng35/credledger/pkg/response"
)

// VerificationHandler serves public credential verification.
type VerificationHandler struct {
	engine *verification.Engine
}

// NewVerificationHandler constructs a VerificationHandler.
func NewVerificationHandler(engine *verification.Engine) *VerificationHandler {
	return &VerificationHandler{engine: engine}
}

// Verify handles POST /api/verify. The body names exactly one of
// credential_id, tx_hash or ipfs_cid.
func (h *VerificationHandler) Verify(c *gin.Context) {
	var lookup verification.Lookup
	if !bindAndValidate(c, &lookup) {
		return
	}
	h.respond(c, lookup)
}

// VerifyByID handles GET /api/verify/:credentialID.
func (h *VerificationHandler) VerifyByID(c *gin.Context) {
	id, ok := credentialIDParam(c)
	if !ok {
		return
	}
	h.respond(c, verification.Lookup{CredentialID: id})
}

func (h *VerificationHandler) respond(c *gin.Context, lookup verification.Lookup) {
	result, err := h.engine.Verify(requestContext(c), lookup)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}
