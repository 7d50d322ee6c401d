package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueAddDeduplicatesByContent(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	q := registry.Get("hooks")

	// Same content, different key order.
	jobA, added, err := q.Add(ctx, []byte(`{"domainId":"d1","functionId":"f1"}`), AddOptions{})
	require.NoError(t, err)
	assert.True(t, added)

	jobB, added, err := q.Add(ctx, []byte(`{"functionId":"f1","domainId":"d1"}`), AddOptions{})
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, jobA.ID, jobB.ID)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
}

func TestQueueAddExplicitJobID(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	q := registry.Get("hooks")

	job, added, err := q.Add(ctx, []byte(`{"domainId":"d1"}`), AddOptions{JobID: "hook-d1-g1-1700000000"})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "hook-d1-g1-1700000000", job.ID)
}

func TestQueueAddRejectsInvalidPayload(t *testing.T) {
	registry := newTestRegistry(t)
	q := registry.Get("hooks")

	_, _, err := q.Add(context.Background(), []byte(`{broken`), AddOptions{})
	assert.Error(t, err)
}
