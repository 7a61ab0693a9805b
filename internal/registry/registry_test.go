// Copyright 2025 James Ross
package registry

import (
	"context"
	"testing"

	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRejectsDuplicateName(t *testing.T) {
	r := New(store.NewMemory())
	ctx := context.Background()
	q := model.Queue{Name: "orders", AckTimeoutSeconds: 30, MaxAttempts: 3}
	require.NoError(t, r.Create(ctx, q))
	err := r.Create(ctx, q)
	assert.Equal(t, model.KindAlreadyExists, model.KindOf(err))
}

func TestCreatePartitionedRequiresInterval(t *testing.T) {
	r := New(store.NewMemory())
	err := r.Create(context.Background(), model.Queue{Name: "p", QueueType: model.QueuePartitioned, AckTimeoutSeconds: 30, MaxAttempts: 3})
	assert.Equal(t, model.KindInvalidArgument, model.KindOf(err))
}

func TestDeleteRequiresForceWhenNonEmpty(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st)
	require.NoError(t, r.Create(ctx, model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 3}))
	require.NoError(t, st.InsertMessage(ctx, model.Message{ID: "m1", QueueName: "q", Status: model.StatusQueued}, nil, nil))

	err := r.Delete(ctx, "q", false)
	assert.Equal(t, model.KindConflict, model.KindOf(err))

	require.NoError(t, r.Delete(ctx, "q", true))
}
