package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/canonical"
	"github.com/charlesng35/credledger/internal/connectors"
	"github.com/charlesng35/credledger/internal/contentstore"
	"github.com/charlesng35/credledger/internal/enrichment"
	"github.com/charlesng35/credledger/internal/models"
	"github.com/charlesng35/credledger/internal/queue"
	"github.com/charlesng35/credledger/pkg/crypto"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/logger"
	"github.com/charlesng35/credledger/pkg/metrics"
)

const (
	defaultMinDuration     = 0
	defaultMaxDuration     = 1000
	defaultSinceFloor      = 720 * time.Hour
	defaultDownloadTimeout = 30 * time.Second
	maxDocumentBytes       = 20 << 20
)

// Per-item outcomes, used as metric labels.
const (
	itemCreated    = "created"
	itemDuplicate  = "duplicate"
	itemInvalid    = "invalid"
	itemUnverified = "unverified"
	itemFailed     = "failed"
)

// SyncConfig tunes the provider sync pipeline.
type SyncConfig struct {
	Providers       []connectors.ProviderConfig
	MinDuration     float64
	MaxDuration     float64
	SinceFloor      time.Duration
	DownloadTimeout time.Duration
}

// SyncDependencies groups the collaborators of SyncService.
type SyncDependencies struct {
	DB          *gorm.DB
	Registry    *connectors.Registry
	Credentials *CredentialStore
	Learners    LearnerDirectory
	Queue       AnchorQueue
	States      *SyncStateStore
	Chain       ChainConfig
	Config      SyncConfig
}

// SyncJobResult reports one provider cycle.
type SyncJobResult struct {
	ProviderID           string    `json:"provider_id"`
	CredentialsProcessed int       `json:"credentials_processed"`
	CredentialsCreated   int       `json:"credentials_created"`
	CredentialsSkipped   int       `json:"credentials_skipped"`
	Errors               []string  `json:"errors"`
	StartedAt            time.Time `json:"started_at"`
	CompletedAt          time.Time `json:"completed_at"`
	DurationMS           int64     `json:"duration_ms"`
}

// ProviderInfo describes a configured provider without its secrets.
type ProviderInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	IssuerID    string `json:"issuer_id"`
	AuthType    string `json:"auth_type"`
	Enabled     bool   `json:"enabled"`
	Active      bool   `json:"active"`
}

// SyncOption customises SyncService.
type SyncOption func(*SyncService)

// WithContentStore enables rehosting of provider documents.
func WithContentStore(store contentstore.Store) SyncOption {
	return func(s *SyncService) {
		s.content = store
	}
}

// WithEnrichment submits each created credential for skill analysis.
func WithEnrichment(runner *enrichment.Runner) SyncOption {
	return func(s *SyncService) {
		s.enrichment = runner
	}
}

// WithSealer encrypts the raw provider payload stored with each credential.
func WithSealer(sealer *crypto.Sealer) SyncOption {
	return func(s *SyncService) {
		s.sealer = sealer
	}
}

// WithSyncClock overrides the service clock.
func WithSyncClock(now func() time.Time) SyncOption {
	return func(s *SyncService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithConnectorOptions passes options to every connector the service builds.
func WithConnectorOptions(opts ...connectors.Option) SyncOption {
	return func(s *SyncService) {
		s.connectorOpts = append(s.connectorOpts, opts...)
	}
}

// WithDocumentClient overrides the HTTP client used for document downloads.
func WithDocumentClient(client *http.Client) SyncOption {
	return func(s *SyncService) {
		if client != nil {
			s.docClient = client
		}
	}
}

// SyncService pulls credentials from external providers onto the ledger.
type SyncService struct {
	db          *gorm.DB
	registry    *connectors.Registry
	credentials *CredentialStore
	learners    LearnerDirectory
	queue       AnchorQueue
	states      *SyncStateStore
	chain       ChainConfig
	cfg         SyncConfig

	content       contentstore.Store
	enrichment    *enrichment.Runner
	sealer        *crypto.Sealer
	connectorOpts []connectors.Option
	docClient     *http.Client
	now           func() time.Time
	log           *zap.Logger

	// providers is fixed at construction.
	providers map[string]connectors.ProviderConfig
	order     []string
}

// NewSyncService constructs a SyncService.
func NewSyncService(deps SyncDependencies, opts ...SyncOption) (*SyncService, error) {
	if deps.DB == nil {
		return nil, errors.New("sync service: db is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("sync service: connector registry is required")
	}
	if deps.Credentials == nil || deps.States == nil {
		return nil, errors.New("sync service: credential and state stores are required")
	}
	if deps.Queue == nil {
		return nil, errors.New("sync service: anchor queue is required")
	}

	cfg := deps.Config
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	if cfg.MinDuration < 0 {
		cfg.MinDuration = defaultMinDuration
	}
	if cfg.SinceFloor <= 0 {
		cfg.SinceFloor = defaultSinceFloor
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = defaultDownloadTimeout
	}

	s := &SyncService{
		db:          deps.DB,
		registry:    deps.Registry,
		credentials: deps.Credentials,
		learners:    deps.Learners,
		queue:       deps.Queue,
		states:      deps.States,
		chain:       deps.Chain,
		cfg:         cfg,
		docClient:   &http.Client{},
		now:         time.Now,
		log:         logger.WithModule("sync"),
		providers:   make(map[string]connectors.ProviderConfig, len(cfg.Providers)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, provider := range cfg.Providers {
		id := normaliseProviderID(provider.ID)
		if id == "" {
			return nil, errors.New("sync service: provider id is required")
		}
		if _, exists := s.providers[id]; exists {
			return nil, fmt.Errorf("sync service: provider %s configured twice", id)
		}
		provider.ID = id
		s.providers[id] = provider
		s.order = append(s.order, id)
	}
	return s, nil
}

// Providers lists configured providers in configuration order.
func (s *SyncService) Providers() []ProviderInfo {
	infos := make([]ProviderInfo, 0, len(s.order))
	for _, id := range s.order {
		cfg := s.providers[id]
		info := ProviderInfo{
			ID:       cfg.ID,
			Type:     cfg.ConnectorType(),
			Name:     cfg.Name,
			IssuerID: cfg.IssuerID,
			AuthType: cfg.AuthType,
			Enabled:  cfg.Enabled,
			Active:   cfg.Active(),
		}
		if desc, ok := s.registry.Lookup(info.Type); ok {
			info.DisplayName = desc.DisplayName
			if info.AuthType == "" {
				info.AuthType = desc.AuthType
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// HasActiveProviders reports whether any provider takes part in scheduled syncs.
func (s *SyncService) HasActiveProviders() bool {
	for _, cfg := range s.providers {
		if cfg.Active() {
			return true
		}
	}
	return false
}

// SyncAll runs one cycle per active provider, sequentially.
func (s *SyncService) SyncAll(ctx context.Context) ([]SyncJobResult, error) {
	ctx = ensureContext(ctx)

	var (
		results []SyncJobResult
		errs    error
	)
	for _, cfg := range s.activeProviders() {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		result, err := s.SyncProvider(ctx, cfg.ID)
		if result != nil {
			results = append(results, *result)
		}
		errs = multierr.Append(errs, err)
	}
	return results, errs
}

// SyncProvider runs one cycle for providerID. Item failures are reported in
// the result; only orchestration failures are returned as errors.
func (s *SyncService) SyncProvider(ctx context.Context, providerID string) (*SyncJobResult, error) {
	ctx = ensureContext(ctx)

	cfg, ok := s.provider(providerID)
	if !ok {
		return nil, apperrors.ErrNotFound.Newf("provider %s is not configured", providerID)
	}
	if !cfg.Active() {
		return nil, apperrors.ErrValidation.Newf("provider %s is not enabled", cfg.ID)
	}

	log := logger.WithProvider("sync", cfg.ID)
	started := s.now().UTC()
	result := &SyncJobResult{ProviderID: cfg.ID, StartedAt: started, Errors: []string{}}

	previous, err := s.states.MarkRunning(ctx, cfg.ID, started)
	if err != nil {
		return nil, fmt.Errorf("sync service: %s: %w", cfg.ID, err)
	}

	outcome, cycleErr := s.runCycle(ctx, cfg, previous, result, log)

	completed := s.now().UTC()
	duration := completed.Sub(started)
	result.CompletedAt = completed
	result.DurationMS = duration.Milliseconds()

	if cycleErr != nil {
		msg := cycleErr.Error()
		result.Errors = append(result.Errors, msg)
		if err := s.states.MarkFailed(ctx, cfg.ID, completed, duration, msg); err != nil {
			log.Error("failed to record sync failure", zap.Error(err))
		}
		metrics.SyncRuns.WithLabelValues(cfg.ID, "failed").Inc()
		log.Error("sync cycle failed",
			zap.String("class", apperrors.Class(cycleErr)),
			zap.Error(cycleErr),
		)
		return result, fmt.Errorf("sync service: %s: %w", cfg.ID, cycleErr)
	}

	outcome.Duration = duration
	if err := s.states.MarkCompleted(ctx, cfg.ID, completed, outcome); err != nil {
		return result, fmt.Errorf("sync service: %s: record completion: %w", cfg.ID, err)
	}
	metrics.SyncRuns.WithLabelValues(cfg.ID, "completed").Inc()
	log.Info("sync cycle completed",
		zap.Int("processed", result.CredentialsProcessed),
		zap.Int("created", result.CredentialsCreated),
		zap.Int("skipped", result.CredentialsSkipped),
		zap.Int("errors", len(result.Errors)),
		zap.Int64("duration_ms", result.DurationMS),
	)
	return result, nil
}

// GetSyncStatus returns the state of every provider that has been synced.
func (s *SyncService) GetSyncStatus(ctx context.Context) ([]models.SyncState, error) {
	return s.states.List(ensureContext(ctx))
}

// GetProviderSyncStatus returns the state of one configured provider. A
// provider that never ran reports idle.
func (s *SyncService) GetProviderSyncStatus(ctx context.Context, providerID string) (*models.SyncState, error) {
	cfg, ok := s.provider(providerID)
	if !ok {
		return nil, apperrors.ErrNotFound.Newf("provider %s is not configured", providerID)
	}
	state, err := s.states.Get(ensureContext(ctx), cfg.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return &models.SyncState{ProviderID: cfg.ID, Status: models.SyncStatusIdle}, nil
	}
	return state, err
}

func (s *SyncService) provider(providerID string) (connectors.ProviderConfig, bool) {
	cfg, ok := s.providers[normaliseProviderID(providerID)]
	return cfg, ok
}

func (s *SyncService) activeProviders() []connectors.ProviderConfig {
	active := make([]connectors.ProviderConfig, 0, len(s.order))
	for _, id := range s.order {
		if cfg := s.providers[id]; cfg.Active() {
			active = append(active, cfg)
		}
	}
	return active
}

func (s *SyncService) runCycle(ctx context.Context, cfg connectors.ProviderConfig, previous *models.SyncState, result *SyncJobResult, log *zap.Logger) (SyncOutcome, error) {
	var outcome SyncOutcome

	issuer, err := loadIssuer(ctx, s.db, cfg.IssuerID)
	if err != nil {
		return outcome, err
	}

	conn, err := s.registry.Build(cfg, s.connectorOpts...)
	if err != nil {
		return outcome, fmt.Errorf("build connector: %w", err)
	}
	if err := conn.Authenticate(ctx); err != nil {
		return outcome, fmt.Errorf("authenticate: %w", err)
	}

	since := s.now().Add(-s.cfg.SinceFloor)
	if previous != nil && previous.LastSuccessAt != nil {
		since = *previous.LastSuccessAt
	}

	page, err := conn.FetchSince(ctx, since, "")
	if err != nil {
		return outcome, fmt.Errorf("fetch: %w", err)
	}
	if page.Next != "" {
		log.Debug("provider has further pages, left for the next cycle", zap.Int("total", page.Total))
	}

	seen := make(map[string]struct{}, len(page.Items))
	for idx, item := range page.Items {
		result.CredentialsProcessed++
		status, itemErr := s.safeProcess(ctx, conn, cfg, issuer, item, seen)
		metrics.SyncItems.WithLabelValues(cfg.ID, status).Inc()

		switch status {
		case itemCreated:
			result.CredentialsCreated++
			outcome.Created++
		case itemDuplicate:
			result.CredentialsSkipped++
			outcome.Skipped++
		default:
			msg := fmt.Sprintf("item %d: %v", idx, itemErr)
			result.Errors = append(result.Errors, msg)
			outcome.Failed++
			outcome.Errors = append(outcome.Errors, msg)
			log.Warn("provider item rejected",
				zap.Int("index", idx),
				zap.String("outcome", status),
				zap.Error(itemErr),
			)
		}
	}
	return outcome, nil
}

func (s *SyncService) safeProcess(ctx context.Context, conn connectors.Connector, cfg connectors.ProviderConfig, issuer *models.Issuer, item connectors.RawItem, seen map[string]struct{}) (status string, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = itemFailed
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.processItem(ctx, conn, cfg, issuer, item, seen)
}

func (s *SyncService) processItem(ctx context.Context, conn connectors.Connector, cfg connectors.ProviderConfig, issuer *models.Issuer, item connectors.RawItem, seen map[string]struct{}) (string, error) {
	normalized, err := conn.Normalize(item)
	if err != nil {
		return itemInvalid, err
	}

	if err := s.checkDuration(normalized); err != nil {
		return itemInvalid, err
	}

	key := normaliseEmail(normalized.LearnerEmail) + "\x00" + strings.TrimSpace(normalized.CertificateTitle)
	if _, dup := seen[key]; dup {
		return itemDuplicate, nil
	}

	exists, err := s.credentials.ExistsForDedup(ctx, normalized.LearnerEmail, normalized.CertificateTitle, issuer.ID)
	if err != nil {
		return itemFailed, err
	}
	if exists {
		return itemDuplicate, nil
	}

	verified, err := conn.Verify(ctx, item)
	if err != nil {
		return itemFailed, fmt.Errorf("verify: %w", err)
	}
	if !verified.OK {
		return itemUnverified, errors.New("provider verification failed")
	}

	learner, err := resolveLearner(ctx, s.learners, normalized.LearnerEmail)
	if err != nil {
		return itemFailed, fmt.Errorf("resolve learner: %w", err)
	}

	id := uuid.NewString()
	contentRef, documentURL := s.rehost(ctx, conn, cfg.ID, id, normalized)
	syncedAt := s.now().UTC()

	cred := &models.Credential{
		BaseModel:        models.BaseModel{ID: id},
		LearnerEmail:     normaliseEmail(normalized.LearnerEmail),
		IssuerID:         issuer.ID,
		CertificateTitle: strings.TrimSpace(normalized.CertificateTitle),
		IssuedAt:         ledgerTime(normalized.IssuedAt),
		ContentRef:       stringPtr(contentRef),
		DocumentURL:      stringPtr(documentURL),
		AnchorStatus:     models.AnchorStatusPending,
		AnchorNetwork:    s.chain.Network,
		AnchorContract:   s.chain.ContractAddress,
		Status:           models.CredentialStatusUnclaimed,
		Source:           models.CredentialSourceExternalSync,
		ProviderID:       cfg.ID,
		ExternalID:       normalized.ExternalID,
	}
	if learner != nil {
		cred.LearnerID = &learner.ID
		cred.Status = models.CredentialStatusIssued
	}

	hash, err := canonical.HashFields(credentialFields(cred))
	if err != nil {
		return itemFailed, fmt.Errorf("hash: %w", err)
	}
	cred.DataHash = hash
	cred.EncryptedRawPayload = s.sealPayload(cfg.ID, item)
	cred.Metadata = datatypes.NewJSONType(models.CredentialMetadata{
		Blockchain: models.BlockchainMetadata{Network: s.chain.Network, ContractAddress: s.chain.ContractAddress},
		Anchor:     models.AnchorMetadata{Status: models.AnchorStatusPending},
		Provenance: provenanceOf(cfg.ID, normalized, verified, syncedAt),
		Enrichment: s.pendingEnrichment(),
	})

	if err := s.credentials.Create(ctx, cred); err != nil {
		if errors.Is(err, apperrors.ErrDuplicate) {
			seen[key] = struct{}{}
			return itemDuplicate, nil
		}
		return itemFailed, err
	}
	// Only stored records count as seen; a failed copy must not shadow a
	// later identical item in the same page.
	seen[key] = struct{}{}

	if _, err := s.queue.Enqueue(ctx, queue.Job{
		CredentialID: cred.ID,
		DataHash:     cred.DataHash,
		ContentRef:   contentRef,
	}); err != nil {
		s.log.Warn("anchor enqueue failed, credential left pending",
			zap.String("provider_id", cfg.ID),
			zap.String("credential_id", cred.ID),
			zap.Error(err),
		)
	}

	s.submitEnrichment(ctx, cred, issuer, normalized)
	return itemCreated, nil
}

func (s *SyncService) checkDuration(cred connectors.Credential) error {
	if cred.MaxDuration != nil && *cred.MaxDuration > s.cfg.MaxDuration {
		return apperrors.ErrValidation.Newf("duration %.1fh exceeds maximum %.1fh", *cred.MaxDuration, s.cfg.MaxDuration)
	}
	if cred.MinDuration != nil && *cred.MinDuration < s.cfg.MinDuration {
		return apperrors.ErrValidation.Newf("duration %.1fh below minimum %.1fh", *cred.MinDuration, s.cfg.MinDuration)
	}
	return nil
}

// rehost copies the provider document to content storage. On any failure the
// provider's own URL is kept and no content ref is recorded.
func (s *SyncService) rehost(ctx context.Context, conn connectors.Connector, providerID, credentialID string, cred connectors.Credential) (string, string) {
	source := strings.TrimSpace(cred.DocumentURL)
	if source == "" || s.content == nil {
		return "", source
	}

	data, contentType, err := s.download(ctx, conn, source)
	if err != nil {
		s.log.Warn("document download failed, keeping provider url",
			zap.String("provider_id", providerID),
			zap.String("credential_id", credentialID),
			zap.Error(err),
		)
		return "", source
	}

	obj, err := s.content.Upload(ctx, data, documentName(providerID, cred.ExternalID, credentialID, source), contentType)
	if err != nil {
		s.log.Warn("document upload failed, keeping provider url",
			zap.String("provider_id", providerID),
			zap.String("credential_id", credentialID),
			zap.Error(err),
		)
		return "", source
	}
	return obj.Ref, obj.URL
}

func (s *SyncService) download(ctx context.Context, conn connectors.Connector, source string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", err
	}
	if authorizer, ok := conn.(connectors.DocumentAuthorizer); ok {
		authorizer.AuthorizeDocument(req)
	}

	resp, err := s.docClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("document download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("document is empty")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/pdf"
	}
	return data, contentType, nil
}

func (s *SyncService) sealPayload(providerID string, item connectors.RawItem) string {
	if s.sealer == nil {
		return ""
	}
	raw, err := json.Marshal(item)
	if err == nil {
		var sealed string
		if sealed, err = s.sealer.Seal(raw, providerID); err == nil {
			return sealed
		}
	}
	s.log.Warn("raw payload not stored", zap.String("provider_id", providerID), zap.Error(err))
	return ""
}

func (s *SyncService) pendingEnrichment() *models.EnrichmentMetadata {
	if s.enrichment == nil {
		return nil
	}
	return &models.EnrichmentMetadata{Status: models.EnrichmentStatusPending}
}

// submitEnrichment hands the credential to the runner. A refused submission
// is recorded as failed so the pending marker never outlives the attempt.
func (s *SyncService) submitEnrichment(ctx context.Context, cred *models.Credential, issuer *models.Issuer, normalized connectors.Credential) {
	if s.enrichment == nil {
		return
	}
	accepted := s.enrichment.Submit(enrichment.Document{
		CredentialID:     cred.ID,
		LearnerEmail:     cred.LearnerEmail,
		CertificateTitle: cred.CertificateTitle,
		IssuerName:       issuer.Name,
		Sector:           normalized.Sector,
		Occupation:       normalized.Occupation,
		NSQFLevel:        normalized.Level,
		Description:      normalized.Description,
		Tags:             normalized.Tags,
		DocumentURL:      derefString(cred.DocumentURL),
	})
	if accepted {
		return
	}
	if err := s.credentials.ApplyEnrichment(ctx, cred.ID, nil, enrichment.ErrDropped); err != nil {
		s.log.Warn("enrichment drop not recorded",
			zap.String("credential_id", cred.ID),
			zap.Error(err),
		)
	}
}

func provenanceOf(providerID string, cred connectors.Credential, verified connectors.VerifyResult, syncedAt time.Time) *models.ProvenanceMetadata {
	prov := &models.ProvenanceMetadata{
		Source:          models.CredentialSourceExternalSync,
		ProviderID:      providerID,
		SyncedAt:        syncedAt,
		ExternalID:      cred.ExternalID,
		LearnerName:     cred.LearnerName,
		CertificateCode: cred.CertificateCode,
		Sector:          cred.Sector,
		NSQFLevel:       cred.Level,
		MinDuration:     cred.MinDuration,
		MaxDuration:     cred.MaxDuration,
		AwardingBodies:  cred.AwardingBodies,
		Occupation:      cred.Occupation,
		Tags:            cred.Tags,
		Description:     cred.Description,
		Verification:    models.VerificationProvenance{Meta: verified.Meta},
	}
	if method, ok := verified.Meta["method"].(string); ok {
		prov.Verification.Method = method
	}
	if stamp, ok := verified.Meta["verified_at"].(string); ok {
		if at, err := time.Parse(time.RFC3339, stamp); err == nil {
			prov.Verification.VerifiedAt = &at
		}
	}
	return prov
}

func documentName(providerID, externalID, credentialID, source string) string {
	base := externalID
	if base == "" {
		base = credentialID
	}
	ext := strings.ToLower(path.Ext(strings.SplitN(source, "?", 2)[0]))
	if ext == "" || len(ext) > 5 {
		ext = ".pdf"
	}
	return providerID + "-" + base + ext
}
