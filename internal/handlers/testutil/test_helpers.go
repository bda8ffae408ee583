// Package testutil wires a complete API instance over an in-memory ledger for
// router and handler integration tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/anchor"
	"github.com/charlesng35/credledger/internal/api"
	iauth "github.com/charlesng35/credledger/internal/auth"
	"github.com/charlesng35/credledger/internal/connectors"
	sharedtestutil "github.com/charlesng35/credledger/internal/database/testutil"
	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/internal/queue"
	"github.com/charlesng35/credledger/internal/scheduler"
	"github.com/charlesng35/credledger/internal/services"
	"github.com/charlesng35/credledger/internal/verification"
	"github.com/charlesng35/credledger/pkg/response"
)

// Chain is the network every test credential is anchored to.
var Chain = services.ChainConfig{Network: "polygon-amoy", ContractAddress: "0xledger"}

// Env encapsulates a fully-wired API instance backed by an in-memory database.
type Env struct {
	T           *testing.T
	DB          *gorm.DB
	Router      *gin.Engine
	JWT         *iauth.JWTService
	Queue       *queue.Queue
	Anchor      *Anchor
	Credentials *services.CredentialService
	Scheduler   *scheduler.Scheduler
	Issuer      *models.Issuer
}

// EnvOption customises NewEnv.
type EnvOption func(*envConfig)

type envConfig struct {
	providers []connectors.ProviderConfig
	rateLimit api.RateLimitConfig
}

// WithProviders configures sync providers.
func WithProviders(providers ...connectors.ProviderConfig) EnvOption {
	return func(cfg *envConfig) {
		cfg.providers = append(cfg.providers, providers...)
	}
}

// WithRateLimit overrides the request budget per client and route.
func WithRateLimit(requests int, window time.Duration) EnvOption {
	return func(cfg *envConfig) {
		cfg.rateLimit = api.RateLimitConfig{Requests: requests, Window: window}
	}
}

// NewEnv provisions a fresh API environment with migrations applied and one
// approved issuer. The anchor queue is built but never started; tests drain
// it with Queue.RunOnce.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	cfg := envConfig{rateLimit: api.RateLimitConfig{Requests: 1000, Window: time.Minute}}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())
	issuer := sharedtestutil.MustCreateIssuer(t, db, "National Skill Council", models.IssuerStatusApproved)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "test-suite-super-secret-key-32-bytes!!",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	store, err := services.NewCredentialStore(db)
	require.NoError(t, err)
	learners, err := services.NewLearnerDirectory(db)
	require.NoError(t, err)
	states, err := services.NewSyncStateStore(db)
	require.NoError(t, err)

	chain := NewAnchor()
	q, err := queue.New(db, chain, queue.WithConcurrency(1), queue.WithRateLimit(1000), queue.WithCompleter(store))
	require.NoError(t, err)

	credentials, err := services.NewCredentialService(db, store, learners, q, Chain)
	require.NoError(t, err)

	engine, err := verification.NewEngine(store, chain, verification.WithDefaultChain(Chain.Network, Chain.ContractAddress))
	require.NoError(t, err)

	syncSvc, err := services.NewSyncService(services.SyncDependencies{
		DB:          db,
		Registry:    connectors.NewDefaultRegistry(),
		Credentials: store,
		Learners:    learners,
		Queue:       q,
		States:      states,
		Chain:       Chain,
		Config:      services.SyncConfig{Providers: cfg.providers},
	})
	require.NoError(t, err)

	sched, err := scheduler.New(syncSvc, scheduler.WithInitialDelay(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { <-sched.Stop().Done() })

	router, err := api.NewRouter(api.Dependencies{
		DB:          db,
		JWT:         jwtSvc,
		Credentials: credentials,
		Verifier:    engine,
		Sync:        syncSvc,
		Scheduler:   sched,
		Queue:       q,
		RateLimit:   cfg.rateLimit,
	})
	require.NoError(t, err)

	return &Env{
		T:           t,
		DB:          db,
		Router:      router,
		JWT:         jwtSvc,
		Queue:       q,
		Anchor:      chain,
		Credentials: credentials,
		Scheduler:   sched,
		Issuer:      issuer,
	}
}

// Token issues an operator token carrying scopes.
func (e *Env) Token(scopes ...string) string {
	e.T.Helper()
	token, err := e.JWT.GenerateToken(iauth.TokenInput{OperatorID: "operator-1", Scopes: scopes})
	require.NoError(e.T, err)
	return token
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.T, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, path, &buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// Anchor is an in-memory anchor service that confirms every tx it wrote.
type Anchor struct {
	mu     sync.Mutex
	writes map[string]string
}

// NewAnchor constructs an empty Anchor.
func NewAnchor() *Anchor {
	return &Anchor{writes: make(map[string]string)}
}

func (a *Anchor) Write(_ context.Context, credentialID, dataHash, _ string) (*anchor.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tx := "0x" + credentialID
	a.writes[tx] = dataHash
	return &anchor.Receipt{
		TxHash:          tx,
		Network:         Chain.Network,
		ContractAddress: Chain.ContractAddress,
		Timestamp:       time.Now().UTC(),
	}, nil
}

func (a *Anchor) Verify(_ context.Context, tx string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.writes[tx]
	return ok, nil
}
