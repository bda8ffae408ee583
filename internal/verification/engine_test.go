package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/credledger/internal/anchor"
	"github.com/charlesng35/credledger/internal/canonical"
	"github.com/charlesng35/credledger/internal/models"
	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

type memoryStore struct {
	creds []*models.Credential
	err   error
}

func (s *memoryStore) find(match func(*models.Credential) bool) (*models.Credential, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, c := range s.creds {
		if match(c) {
			return c, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (s *memoryStore) FindByID(ctx context.Context, id string) (*models.Credential, error) {
	return s.find(func(c *models.Credential) bool { return c.ID == id })
}

func (s *memoryStore) FindByAnchorTx(ctx context.Context, tx string) (*models.Credential, error) {
	return s.find(func(c *models.Credential) bool { return c.AnchorTx != nil && *c.AnchorTx == tx })
}

func (s *memoryStore) FindByContentRef(ctx context.Context, ref string) (*models.Credential, error) {
	return s.find(func(c *models.Credential) bool { return c.ContentRef != nil && *c.ContentRef == ref })
}

type fakeAnchor struct {
	verified map[string]bool
	err      error
	calls    []string
}

func (a *fakeAnchor) Write(ctx context.Context, id, hash, ref string) (*anchor.Receipt, error) {
	return nil, errors.New("not used")
}

func (a *fakeAnchor) Verify(ctx context.Context, tx string) (bool, error) {
	a.calls = append(a.calls, tx)
	if a.err != nil {
		return false, a.err
	}
	return a.verified[tx], nil
}

func strPtr(s string) *string { return &s }

func anchoredCredential(t *testing.T) *models.Credential {
	t.Helper()

	cred := &models.Credential{
		BaseModel:        models.BaseModel{ID: "0b5c7a2e-1c1f-4a0e-9a53-1f7d55d0c001"},
		LearnerID:        strPtr("learner-1"),
		LearnerEmail:     "asha@example.com",
		IssuerID:         "issuer-1",
		CertificateTitle: "Solar PV Installer",
		IssuedAt:         time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC),
		ContentRef:       strPtr("bafycid"),
		DocumentURL:      strPtr("https://gw.example.com/ipfs/bafycid"),
		Status:           models.CredentialStatusIssued,
		AnchorStatus:     models.AnchorStatusConfirmed,
		AnchorTx:         strPtr("0xtx"),
		AnchorNetwork:    "polygon-amoy",
		AnchorContract:   "0xcontract",
		Metadata: datatypes.NewJSONType(models.CredentialMetadata{
			Blockchain: models.BlockchainMetadata{Network: "polygon-amoy", ContractAddress: "0xcontract"},
			Provenance: &models.ProvenanceMetadata{Tags: []string{"nsdc"}},
		}),
		Issuer: &models.Issuer{BaseModel: models.BaseModel{ID: "issuer-1"}, Name: "NSDC", Type: "government"},
	}

	hash, err := canonical.HashFields(canonical.Fields{
		CredentialID:     cred.ID,
		LearnerID:        cred.LearnerID,
		LearnerEmail:     cred.LearnerEmail,
		IssuerID:         cred.IssuerID,
		CertificateTitle: cred.CertificateTitle,
		IssuedAt:         cred.IssuedAt,
		ContentRef:       cred.ContentRef,
		DocumentURL:      cred.DocumentURL,
		Network:          "polygon-amoy",
		ContractAddress:  "0xcontract",
	})
	require.NoError(t, err)
	cred.DataHash = hash
	return cred
}

func newEngine(t *testing.T, store Store, svc anchor.Service) *Engine {
	t.Helper()
	e, err := NewEngine(store, svc, WithDefaultChain("sepolia", "mock_contract"))
	require.NoError(t, err)
	return e
}

func TestVerifyValidCredential(t *testing.T) {
	cred := anchoredCredential(t)
	svc := &fakeAnchor{verified: map[string]bool{"0xtx": true}}
	engine := newEngine(t, &memoryStore{creds: []*models.Credential{cred}}, svc)

	for _, lookup := range []Lookup{
		{CredentialID: cred.ID},
		{AnchorTx: "0xtx"},
		{ContentRef: "bafycid"},
	} {
		res, err := engine.Verify(context.Background(), lookup)
		require.NoError(t, err)
		require.Equal(t, StatusValid, res.Status, lookup.Method())
		require.Empty(t, res.Reason)
		require.Equal(t, Fields{HashMatch: true, BlockchainVerified: true, ContentRefMatch: true}, res.Fields)
		require.NotNil(t, res.Credential)
		require.Equal(t, cred.ID, res.Credential.CredentialID)
		require.Equal(t, "NSDC", res.Credential.Issuer.Name)
		require.Equal(t, []string{"nsdc"}, res.Credential.Tags)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	cred := anchoredCredential(t)
	cred.CertificateTitle = "Solar PV Installer (Advanced)"
	svc := &fakeAnchor{verified: map[string]bool{"0xtx": true}}
	engine := newEngine(t, &memoryStore{creds: []*models.Credential{cred}}, svc)

	res, err := engine.Verify(context.Background(), Lookup{CredentialID: cred.ID})
	require.NoError(t, err)
	require.Equal(t, StatusInvalid, res.Status)
	require.Equal(t, ReasonHashMismatch, res.Reason)
	require.False(t, res.Fields.HashMatch)
	require.True(t, res.Fields.BlockchainVerified)
	require.Nil(t, res.Credential)
}

func TestVerifyReasonPriority(t *testing.T) {
	// Tampered and unanchored: hash mismatch wins.
	cred := anchoredCredential(t)
	cred.LearnerEmail = "other@example.com"
	engine := newEngine(t, &memoryStore{creds: []*models.Credential{cred}}, &fakeAnchor{})

	res, err := engine.Verify(context.Background(), Lookup{CredentialID: cred.ID})
	require.NoError(t, err)
	require.Equal(t, ReasonHashMismatch, res.Reason)
	require.False(t, res.Fields.BlockchainVerified)
}

func TestVerifyUnanchoredCredential(t *testing.T) {
	cred := anchoredCredential(t)
	cred.AnchorTx = nil
	svc := &fakeAnchor{}
	engine := newEngine(t, &memoryStore{creds: []*models.Credential{cred}}, svc)

	res, err := engine.Verify(context.Background(), Lookup{CredentialID: cred.ID})
	require.NoError(t, err)
	require.Equal(t, StatusInvalid, res.Status)
	require.Equal(t, ReasonNotAnchored, res.Reason)
	require.True(t, res.Fields.HashMatch)
	require.Empty(t, svc.calls)
}

func TestVerifyAnchorServiceErrorIsUnverified(t *testing.T) {
	cred := anchoredCredential(t)
	svc := &fakeAnchor{err: apperrors.ErrTransient}
	engine := newEngine(t, &memoryStore{creds: []*models.Credential{cred}}, svc)

	res, err := engine.Verify(context.Background(), Lookup{CredentialID: cred.ID})
	require.NoError(t, err)
	require.Equal(t, ReasonNotAnchored, res.Reason)
}

func TestVerifyContentRefMismatch(t *testing.T) {
	cred := anchoredCredential(t)
	svc := &fakeAnchor{verified: map[string]bool{"0xtx": true}}
	store := &memoryStore{creds: []*models.Credential{cred}}
	engine := newEngine(t, store, svc)

	// The store resolves by a different ref than the one stored, as happens
	// with an alias lookup or a stale index.
	lookupStore := &aliasStore{memoryStore: store, alias: "bafyalias", target: cred}
	engine.store = lookupStore

	res, err := engine.Verify(context.Background(), Lookup{ContentRef: "bafyalias"})
	require.NoError(t, err)
	require.Equal(t, StatusInvalid, res.Status)
	require.Equal(t, ReasonContentRefMismatch, res.Reason)
	require.True(t, res.Fields.HashMatch)
	require.True(t, res.Fields.BlockchainVerified)
	require.False(t, res.Fields.ContentRefMatch)
}

type aliasStore struct {
	*memoryStore
	alias  string
	target *models.Credential
}

func (s *aliasStore) FindByContentRef(ctx context.Context, ref string) (*models.Credential, error) {
	if ref == s.alias {
		return s.target, nil
	}
	return s.memoryStore.FindByContentRef(ctx, ref)
}

func TestVerifyFallsBackToDefaultChain(t *testing.T) {
	cred := anchoredCredential(t)
	cred.AnchorNetwork, cred.AnchorContract = "", ""

	hash, err := canonical.HashFields(canonical.Fields{
		CredentialID:     cred.ID,
		LearnerID:        cred.LearnerID,
		LearnerEmail:     cred.LearnerEmail,
		IssuerID:         cred.IssuerID,
		CertificateTitle: cred.CertificateTitle,
		IssuedAt:         cred.IssuedAt,
		ContentRef:       cred.ContentRef,
		DocumentURL:      cred.DocumentURL,
		Network:          "sepolia",
		ContractAddress:  "mock_contract",
	})
	require.NoError(t, err)
	cred.DataHash = hash

	engine := newEngine(t, &memoryStore{creds: []*models.Credential{cred}}, &fakeAnchor{verified: map[string]bool{"0xtx": true}})
	res, err := engine.Verify(context.Background(), Lookup{CredentialID: cred.ID})
	require.NoError(t, err)
	require.Equal(t, StatusValid, res.Status)
}

func TestVerifyHashesAnchorColumnsNotMetadata(t *testing.T) {
	cred := anchoredCredential(t)
	cred.Metadata = datatypes.NewJSONType(models.CredentialMetadata{
		Blockchain: models.BlockchainMetadata{Network: "sepolia", ContractAddress: "0xstale"},
	})

	engine := newEngine(t, &memoryStore{creds: []*models.Credential{cred}}, &fakeAnchor{verified: map[string]bool{"0xtx": true}})
	res, err := engine.Verify(context.Background(), Lookup{CredentialID: cred.ID})
	require.NoError(t, err)
	require.Equal(t, StatusValid, res.Status)
	require.True(t, res.Fields.HashMatch)
}

func TestVerifyLookupErrors(t *testing.T) {
	engine := newEngine(t, &memoryStore{}, &fakeAnchor{})

	_, err := engine.Verify(context.Background(), Lookup{})
	require.ErrorIs(t, err, ErrInvalidLookup)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = engine.Verify(context.Background(), Lookup{CredentialID: "a", AnchorTx: "b"})
	require.ErrorIs(t, err, ErrInvalidLookup)

	_, err = engine.Verify(context.Background(), Lookup{CredentialID: "missing"})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestVerifyPropagatesStoreFailure(t *testing.T) {
	boom := errors.New("db down")
	engine := newEngine(t, &memoryStore{err: boom}, &fakeAnchor{})

	_, err := engine.Verify(context.Background(), Lookup{AnchorTx: "0xtx"})
	require.ErrorIs(t, err, boom)
}
