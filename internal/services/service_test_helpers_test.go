package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/credledger/internal/anchor"
	"github.com/charlesng35/credledger/internal/queue"
)

var testChain = ChainConfig{Network: "polygon-amoy", ContractAddress: "0xcontract"}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

type fakeQueue struct {
	mu       sync.Mutex
	jobs     []queue.Job
	statuses map[string]*queue.Status
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) (*queue.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	if q.err != nil {
		return nil, q.err
	}
	return &queue.Handle{JobID: "job-" + job.CredentialID, CredentialID: job.CredentialID, State: "waiting"}, nil
}

func (q *fakeQueue) GetStatus(_ context.Context, credentialID string) (*queue.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if status, ok := q.statuses[credentialID]; ok {
		return status, nil
	}
	return &queue.Status{State: queue.StateNotFound}, nil
}

func (q *fakeQueue) Jobs() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.jobs...)
}

type stubAnchor struct {
	mu     sync.Mutex
	writes []string
}

func (a *stubAnchor) Write(_ context.Context, credentialID, dataHash, contentRef string) (*anchor.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, credentialID)
	return &anchor.Receipt{
		TxHash:          "0xtx-" + credentialID,
		Network:         testChain.Network,
		ContractAddress: testChain.ContractAddress,
		Timestamp:       time.Date(2024, 6, 1, 12, 0, 5, 0, time.UTC),
	}, nil
}

func (a *stubAnchor) Verify(_ context.Context, tx string) (bool, error) {
	return tx != "", nil
}

func mustCredentialStore(t *testing.T, db *gorm.DB) *CredentialStore {
	t.Helper()
	store, err := NewCredentialStore(db, WithStoreClock(fixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))))
	require.NoError(t, err)
	return store
}

func mustLearnerDirectory(t *testing.T, db *gorm.DB) *GormLearnerDirectory {
	t.Helper()
	dir, err := NewLearnerDirectory(db)
	require.NoError(t, err)
	return dir
}
