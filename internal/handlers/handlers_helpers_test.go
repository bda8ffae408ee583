package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/anchor"
	testutil "github.com/charlesng35/credledger/internal/database/testutil"
	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/internal/queue"
	"github.com/charlesng35/credledger/internal/services"
	"github.com/charlesng35/credledger/internal/verification"
	"github.com/charlesng35/credledger/pkg/response"
)

var handlerChain = services.ChainConfig{Network: "polygon-amoy", ContractAddress: "0xledger"}

type stubAnchorService struct {
	confirmed map[string]bool
}

func (s *stubAnchorService) Write(_ context.Context, credentialID, _, _ string) (*anchor.Receipt, error) {
	return &anchor.Receipt{TxHash: "0x" + credentialID, Network: handlerChain.Network, ContractAddress: handlerChain.ContractAddress, Timestamp: time.Now().UTC()}, nil
}

func (s *stubAnchorService) Verify(_ context.Context, tx string) (bool, error) {
	return s.confirmed[tx], nil
}

type ledgerFixture struct {
	db      *gorm.DB
	store   *services.CredentialStore
	svc     *services.CredentialService
	engine  *verification.Engine
	anchor  *stubAnchorService
	issuer  *models.Issuer
	pending *models.Issuer
	queue   *queue.Queue
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store, err := services.NewCredentialStore(db)
	require.NoError(t, err)
	learners, err := services.NewLearnerDirectory(db)
	require.NoError(t, err)

	chain := &stubAnchorService{confirmed: map[string]bool{}}
	q, err := queue.New(db, chain, queue.WithCompleter(store))
	require.NoError(t, err)

	svc, err := services.NewCredentialService(db, store, learners, q, handlerChain)
	require.NoError(t, err)
	engine, err := verification.NewEngine(store, chain)
	require.NoError(t, err)

	return &ledgerFixture{
		db:      db,
		store:   store,
		svc:     svc,
		engine:  engine,
		anchor:  chain,
		issuer:  testutil.MustCreateIssuer(t, db, "Skill Council", models.IssuerStatusApproved),
		pending: testutil.MustCreateIssuer(t, db, "Unvetted Academy", models.IssuerStatusPending),
		queue:   q,
	}
}

// issue records a credential and marks it anchored and confirmed.
func (f *ledgerFixture) issue(t *testing.T, title, cid string) *services.IssueResult {
	t.Helper()
	res, err := f.svc.Issue(context.Background(), services.IssueInput{
		IssuerID:         f.issuer.ID,
		LearnerEmail:     "meera@example.com",
		CertificateTitle: title,
		ContentRef:       cid,
	})
	require.NoError(t, err)

	tx := "0x" + res.CredentialID
	require.NoError(t, f.store.OnAnchored(context.Background(), res.CredentialID, models.AnchorResult{
		TxHash:          tx,
		Network:         handlerChain.Network,
		ContractAddress: handlerChain.ContractAddress,
		Timestamp:       time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}))
	f.anchor.confirmed[tx] = true
	return res
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

type envelope struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, dest any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if dest != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, dest))
	}
	return env
}
