package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/canonical"
	"github.com/charlesng35/credledger/internal/connectors"
	"github.com/charlesng35/credledger/internal/contentstore"
	testutil "github.com/charlesng35/credledger/internal/database/testutil"
	"github.com/charlesng35/credledger/internal/enrichment"
	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/pkg/crypto"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

type memoryContentStore struct {
	mu      sync.Mutex
	uploads map[string][]byte
}

func (s *memoryContentStore) Upload(_ context.Context, data []byte, name, _ string) (*contentstore.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads == nil {
		s.uploads = map[string][]byte{}
	}
	ref := fmt.Sprintf("bafy%d", len(s.uploads)+1)
	s.uploads[name] = data
	return &contentstore.Object{Ref: ref, URL: "https://ipfs.example/ipfs/" + ref, Size: int64(len(data))}, nil
}

type staticAnalyzer struct{}

func (staticAnalyzer) Analyze(_ context.Context, doc enrichment.Document) (*enrichment.Result, error) {
	level := 4
	return &enrichment.Result{Skills: []string{"prototyping", doc.Sector}, NSQFAlignment: &level, Confidence: 0.9}, nil
}

// sihProvider serves a fixed page of SIH credentials and records the since
// parameter of each fetch.
type sihProvider struct {
	mu     sync.Mutex
	since  []string
	items  []map[string]any
	failOn bool

	// verifyOutages answers that many verify calls with 502 before recovering.
	verifyOutages int
	verifyCalls   int
}

func (p *sihProvider) Since() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.since...)
}

func (p *sihProvider) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "sih-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/credentials":
			p.mu.Lock()
			p.since = append(p.since, r.URL.Query().Get("since"))
			fail := p.failOn
			p.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": p.items,
				"meta": map[string]any{"total": len(p.items), "has_more": false},
			})
		case "/api/verify":
			p.mu.Lock()
			p.verifyCalls++
			outage := p.verifyOutages > 0
			if outage {
				p.verifyOutages--
			}
			p.mu.Unlock()
			if outage {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			verified := body["participant_email"] != "forged@example.com"
			_ = json.NewEncoder(w).Encode(map[string]any{"verified": verified, "credential_id": body["credential_id"]})
		case "/docs/good.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4 certificate"))
		default:
			http.NotFound(w, r)
		}
	})
}

func sihItems(baseURL string) []map[string]any {
	return []map[string]any{
		{
			"credential_id":     "SIH-1",
			"participant_email": "Asha@Example.com",
			"participant_name":  "Asha Rao",
			"skill_title":       "Hardware Prototyping",
			"sector":            "Electronics",
			"proficiency_level": 4,
			"training_duration": 36,
			"completion_date":   "2024-05-10",
			"certificate_url":   baseURL + "/docs/good.pdf",
		},
		{
			"credential_id":     "SIH-2",
			"participant_email": "long@example.com",
			"skill_title":       "Marathon Bootcamp",
			"training_duration": 1200,
			"completion_date":   "2024-05-11",
		},
		{
			"credential_id":     "SIH-3",
			"participant_email": "asha@example.com",
			"skill_title":       "Hardware Prototyping",
			"training_duration": 36,
			"completion_date":   "2024-05-10",
		},
		{
			"credential_id":     "SIH-4",
			"participant_email": "forged@example.com",
			"skill_title":       "Drone Assembly",
			"completion_date":   "2024-05-12",
		},
		{
			"credential_id":   "SIH-5",
			"skill_title":     "No Email",
			"completion_date": "2024-05-12",
		},
		{
			"credential_id":     "SIH-6",
			"participant_email": "newcomer@example.com",
			"skill_title":       "IoT Basics",
			"sector":            "Electronics",
			"training_duration": 12,
			"completion_date":   "2024-05-13T08:00:00Z",
			"certificate_url":   baseURL + "/docs/missing.pdf",
		},
	}
}

type syncFixture struct {
	db       *gorm.DB
	svc      *SyncService
	store    *CredentialStore
	states   *SyncStateStore
	queue    *fakeQueue
	content  *memoryContentStore
	runner   *enrichment.Runner
	sealer   *crypto.Sealer
	provider *sihProvider
	issuer   *models.Issuer
	now      time.Time
}

func newSyncFixture(t *testing.T, configure func(cfg *connectors.ProviderConfig)) *syncFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	issuer := testutil.MustCreateIssuer(t, db, "Smart India Hackathon", models.IssuerStatusApproved)
	testutil.MustCreateLearner(t, db, "Asha Rao", "asha@example.com")

	provider := &sihProvider{}
	srv := httptest.NewServer(provider.handler(t))
	t.Cleanup(srv.Close)
	provider.items = sihItems(srv.URL)

	cfg := connectors.ProviderConfig{
		ID:          "sih",
		Name:        "Smart India Hackathon",
		IssuerID:    issuer.ID,
		BaseURL:     srv.URL,
		Credentials: map[string]string{"api_key": "sih-key"},
		Enabled:     true,
	}
	if configure != nil {
		configure(&cfg)
	}

	store := mustCredentialStore(t, db)
	states, err := NewSyncStateStore(db)
	require.NoError(t, err)
	sealer, err := crypto.NewSealerWithParams("payload-secret", crypto.KDFParams{Time: 1, Memory: 64, Threads: 1})
	require.NoError(t, err)

	fx := &syncFixture{
		db:       db,
		store:    store,
		states:   states,
		queue:    &fakeQueue{},
		content:  &memoryContentStore{},
		sealer:   sealer,
		provider: provider,
		issuer:   issuer,
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	fx.runner = enrichment.NewRunner(staticAnalyzer{}, store.ApplyEnrichment, enrichment.WithWorkers(4))

	fx.svc, err = NewSyncService(SyncDependencies{
		DB:          db,
		Registry:    connectors.NewDefaultRegistry(),
		Credentials: store,
		Learners:    mustLearnerDirectory(t, db),
		Queue:       fx.queue,
		States:      states,
		Chain:       testChain,
		Config:      SyncConfig{Providers: []connectors.ProviderConfig{cfg}},
	},
		WithContentStore(fx.content),
		WithEnrichment(fx.runner),
		WithSealer(sealer),
		WithSyncClock(func() time.Time { return fx.now }),
		WithConnectorOptions(connectors.WithHTTPClient(srv.Client())),
		WithDocumentClient(srv.Client()),
	)
	require.NoError(t, err)
	return fx
}

func (fx *syncFixture) credentials(t *testing.T) []models.Credential {
	t.Helper()
	var creds []models.Credential
	require.NoError(t, fx.db.Order("external_id ASC").Find(&creds).Error)
	return creds
}

func TestSyncProviderProcessesPage(t *testing.T) {
	fx := newSyncFixture(t, nil)
	ctx := context.Background()

	result, err := fx.svc.SyncProvider(ctx, "SIH")
	require.NoError(t, err)
	require.Equal(t, "sih", result.ProviderID)
	require.Equal(t, 6, result.CredentialsProcessed)
	require.Equal(t, 2, result.CredentialsCreated)
	require.Equal(t, 1, result.CredentialsSkipped)
	require.Len(t, result.Errors, 3)
	require.Equal(t, []string{fx.now.Add(-720 * time.Hour).Format(time.RFC3339)}, fx.provider.Since())

	require.NoError(t, fx.runner.Close())

	creds := fx.credentials(t)
	require.Len(t, creds, 2)

	claimed := creds[0]
	require.Equal(t, "SIH-1", claimed.ExternalID)
	require.Equal(t, "asha@example.com", claimed.LearnerEmail)
	require.Equal(t, models.CredentialStatusIssued, claimed.Status)
	require.Equal(t, models.CredentialSourceExternalSync, claimed.Source)
	require.Equal(t, "sih", claimed.ProviderID)
	require.Equal(t, "bafy1", *claimed.ContentRef)
	require.Equal(t, "https://ipfs.example/ipfs/bafy1", *claimed.DocumentURL)
	require.Contains(t, fx.content.uploads, "sih-SIH-1.pdf")

	raw, err := fx.sealer.Open(claimed.EncryptedRawPayload, "sih")
	require.NoError(t, err)
	require.Contains(t, string(raw), `"credential_id":"SIH-1"`)

	meta := claimed.Metadata.Data()
	require.NotNil(t, meta.Provenance)
	require.Equal(t, "sih", meta.Provenance.ProviderID)
	require.Equal(t, "Asha Rao", meta.Provenance.LearnerName)
	require.Equal(t, "sih_api", meta.Provenance.Verification.Method)
	require.NotNil(t, meta.Provenance.Verification.VerifiedAt)
	require.NotNil(t, meta.Enrichment)
	require.Equal(t, models.EnrichmentStatusCompleted, meta.Enrichment.Status)
	require.Equal(t, []string{"prototyping", "Electronics"}, meta.Enrichment.Skills)

	hash, err := canonical.HashFields(credentialFields(&claimed))
	require.NoError(t, err)
	require.Equal(t, claimed.DataHash, hash)

	unclaimed := creds[1]
	require.Equal(t, "SIH-6", unclaimed.ExternalID)
	require.Equal(t, models.CredentialStatusUnclaimed, unclaimed.Status)
	require.Nil(t, unclaimed.LearnerID)
	require.Nil(t, unclaimed.ContentRef)
	require.Contains(t, *unclaimed.DocumentURL, "/docs/missing.pdf")

	jobs := fx.queue.Jobs()
	require.Len(t, jobs, 2)
	require.Equal(t, "bafy1", jobs[0].ContentRef)
	require.Empty(t, jobs[1].ContentRef)

	state, err := fx.svc.GetProviderSyncStatus(ctx, "sih")
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusCompleted, state.Status)
	require.EqualValues(t, 2, state.ItemsSynced)
	require.EqualValues(t, 1, state.ItemsSkipped)
	require.EqualValues(t, 3, state.ItemsFailed)
	require.Len(t, state.Errors, 3)
	require.True(t, state.LastSuccessAt.Equal(fx.now))
}

func TestSyncProviderSecondCycleUsesLastSuccess(t *testing.T) {
	fx := newSyncFixture(t, nil)
	ctx := context.Background()

	_, err := fx.svc.SyncProvider(ctx, "sih")
	require.NoError(t, err)

	first := fx.now
	fx.now = fx.now.Add(time.Hour)
	result, err := fx.svc.SyncProvider(ctx, "sih")
	require.NoError(t, err)
	require.NoError(t, fx.runner.Close())

	require.Equal(t, 0, result.CredentialsCreated)
	require.Equal(t, 3, result.CredentialsSkipped)
	require.Len(t, fx.credentials(t), 2)

	since := fx.provider.Since()
	require.Len(t, since, 2)
	require.Equal(t, first.Format(time.RFC3339), since[1])

	state, err := fx.states.Get(ctx, "sih")
	require.NoError(t, err)
	require.EqualValues(t, 2, state.ItemsSynced)
	require.EqualValues(t, 4, state.ItemsSkipped)
}

func TestSyncProviderRecordsOrchestrationFailure(t *testing.T) {
	fx := newSyncFixture(t, nil)
	fx.provider.failOn = true
	ctx := context.Background()

	result, err := fx.svc.SyncProvider(ctx, "sih")
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrTransient)
	require.NotNil(t, result)
	require.Len(t, result.Errors, 1)
	require.NoError(t, fx.runner.Close())

	state, err := fx.states.Get(ctx, "sih")
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusFailed, state.Status)
	require.Nil(t, state.LastSuccessAt)
	require.Len(t, state.Errors, 1)
	require.Empty(t, fx.credentials(t))
}

func TestSyncProviderRetriesIdenticalItemAfterFailedCopy(t *testing.T) {
	fx := newSyncFixture(t, nil)
	item := map[string]any{
		"credential_id":     "SIH-9",
		"participant_email": "ravi@example.com",
		"skill_title":       "PCB Design",
		"training_duration": 24,
		"completion_date":   "2024-05-14",
	}
	fx.provider.items = []map[string]any{item, item}
	fx.provider.verifyOutages = 1

	result, err := fx.svc.SyncProvider(context.Background(), "sih")
	require.NoError(t, err)
	require.NoError(t, fx.runner.Close())

	require.Equal(t, 2, fx.provider.verifyCalls)
	require.Equal(t, 1, result.CredentialsCreated)
	require.Equal(t, 0, result.CredentialsSkipped)
	require.Len(t, result.Errors, 1)

	creds := fx.credentials(t)
	require.Len(t, creds, 1)
	require.Equal(t, "ravi@example.com", creds[0].LearnerEmail)
}

func TestSyncProviderMarksDroppedEnrichmentFailed(t *testing.T) {
	fx := newSyncFixture(t, nil)
	require.NoError(t, fx.runner.Close())

	result, err := fx.svc.SyncProvider(context.Background(), "sih")
	require.NoError(t, err)
	require.Equal(t, 2, result.CredentialsCreated)

	for _, cred := range fx.credentials(t) {
		meta := cred.Metadata.Data()
		require.NotNil(t, meta.Enrichment)
		require.Equal(t, models.EnrichmentStatusFailed, meta.Enrichment.Status)
		require.Equal(t, enrichment.ErrDropped.Error(), meta.Enrichment.Error)
	}
}

func TestSyncProviderRejectsUnknownAndInactive(t *testing.T) {
	fx := newSyncFixture(t, func(cfg *connectors.ProviderConfig) {
		cfg.Enabled = false
	})
	defer fx.runner.Close()
	ctx := context.Background()

	_, err := fx.svc.SyncProvider(ctx, "coursera")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = fx.svc.SyncProvider(ctx, "sih")
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.False(t, fx.svc.HasActiveProviders())

	results, err := fx.svc.SyncAll(ctx)
	require.NoError(t, err)
	require.Empty(t, results)

	state, err := fx.svc.GetProviderSyncStatus(ctx, "sih")
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusIdle, state.Status)
}

func TestSyncProviderMissingIssuerFailsCycle(t *testing.T) {
	fx := newSyncFixture(t, func(cfg *connectors.ProviderConfig) {
		cfg.IssuerID = "0b6d7c1e-0000-4000-8000-000000000000"
	})
	defer fx.runner.Close()

	_, err := fx.svc.SyncProvider(context.Background(), "sih")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	require.Empty(t, fx.provider.Since())

	state, err := fx.states.Get(context.Background(), "sih")
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusFailed, state.Status)
}

func TestSyncAllAndProviders(t *testing.T) {
	fx := newSyncFixture(t, nil)
	ctx := context.Background()

	require.True(t, fx.svc.HasActiveProviders())
	providers := fx.svc.Providers()
	require.Len(t, providers, 1)
	require.Equal(t, "sih", providers[0].Type)
	require.Equal(t, connectors.AuthTypeAPIKey, providers[0].AuthType)
	require.True(t, providers[0].Active)
	require.NotEmpty(t, providers[0].DisplayName)

	results, err := fx.svc.SyncAll(ctx)
	require.NoError(t, err)
	require.NoError(t, fx.runner.Close())
	require.Len(t, results, 1)
	require.Equal(t, 2, results[0].CredentialsCreated)

	states, err := fx.svc.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "sih", states[0].ProviderID)
}

func TestNewSyncServiceRejectsDuplicateProviders(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	states, err := NewSyncStateStore(db)
	require.NoError(t, err)

	_, err = NewSyncService(SyncDependencies{
		DB:          db,
		Registry:    connectors.NewDefaultRegistry(),
		Credentials: mustCredentialStore(t, db),
		Queue:       &fakeQueue{},
		States:      states,
		Config: SyncConfig{Providers: []connectors.ProviderConfig{
			{ID: "nsdc"},
			{ID: "NSDC"},
		}},
	})
	require.Error(t, err)
}

func TestCheckDurationWindow(t *testing.T) {
	svc := &SyncService{cfg: SyncConfig{MinDuration: 10, MaxDuration: 100}}
	hours := func(v float64) *float64 { return &v }

	require.NoError(t, svc.checkDuration(connectors.Credential{}))
	require.NoError(t, svc.checkDuration(connectors.Credential{MinDuration: hours(10), MaxDuration: hours(100)}))
	require.ErrorIs(t, svc.checkDuration(connectors.Credential{MaxDuration: hours(100.5)}), apperrors.ErrValidation)
	require.ErrorIs(t, svc.checkDuration(connectors.Credential{MinDuration: hours(9)}), apperrors.ErrValidation)
}

func TestSafeProcessRecoversPanics(t *testing.T) {
	svc := &SyncService{cfg: SyncConfig{MaxDuration: 1000}}
	status, err := svc.safeProcess(context.Background(), panickingConnector{}, connectors.ProviderConfig{ID: "x"}, &models.Issuer{}, connectors.RawItem{}, map[string]struct{}{})
	require.Equal(t, itemFailed, status)
	require.Error(t, err)
	require.False(t, errors.Is(err, apperrors.ErrValidation))
}

func TestDocumentName(t *testing.T) {
	require.Equal(t, "nsdc-NS-1.pdf", documentName("nsdc", "NS-1", "cred", "https://x.example/a/cert.PDF?sig=1"))
	require.Equal(t, "udemy-cred.png", documentName("udemy", "", "cred", "https://x.example/cert.png"))
	require.Equal(t, "sih-S1.pdf", documentName("sih", "S1", "cred", "https://x.example/download"))
}

type panickingConnector struct{}

func (panickingConnector) ProviderID() string                 { return "x" }
func (panickingConnector) IssuerID() string                   { return "" }
func (panickingConnector) Authenticate(context.Context) error { return nil }
func (panickingConnector) Verify(context.Context, connectors.RawItem) (connectors.VerifyResult, error) {
	return connectors.VerifyResult{}, nil
}
func (panickingConnector) FetchSince(context.Context, time.Time, string) (*connectors.FetchResult, error) {
	return &connectors.FetchResult{}, nil
}
func (panickingConnector) Normalize(connectors.RawItem) (connectors.Credential, error) {
	panic("malformed payload")
}
