package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/credledger/internal/models"
)

func TestCountsByState(t *testing.T) {
	q, db, _, _ := newTestQueue(t, &scriptedAnchor{}, WithConcurrency(1))
	ctx := context.Background()

	empty, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, Counts{}, empty)

	for _, id := range []string{"cred-1", "cred-2", "cred-3"} {
		_, err := q.Enqueue(ctx, Job{CredentialID: id, DataHash: "hash-" + id})
		require.NoError(t, err)
	}
	require.NoError(t, db.Model(&models.AnchorJob{}).Where("credential_id = ?", "cred-3").Update("state", models.JobStateFailed).Error)

	processed, err := q.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, Counts{Waiting: 1, Completed: 1, Failed: 1}, counts)
}
