// Copyright 2025 James Ross
package store

import (
	"context"
	"testing"
	"time"

	"github.com/mood-agency/relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClaimOrdersByPriorityThenCreatedAt(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateQueue(ctx, model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 3}))

	low := model.Message{ID: "low", QueueName: "q", Priority: 0, Status: model.StatusQueued, CreatedAt: time.Now()}
	high := model.Message{ID: "high", QueueName: "q", Priority: 5, Status: model.StatusQueued, CreatedAt: time.Now().Add(time.Millisecond)}
	require.NoError(t, m.InsertMessage(ctx, low, nil, nil))
	require.NoError(t, m.InsertMessage(ctx, high, nil, nil))

	claimed, err := m.ClaimMessage(ctx, ClaimOptions{QueueName: "q", ConsumerID: "c1", AckTimeoutSeconds: 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, "high", claimed.ID)

	claimed2, err := m.ClaimMessage(ctx, ClaimOptions{QueueName: "q", ConsumerID: "c1", AckTimeoutSeconds: 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, "low", claimed2.ID)
}

func TestMemoryAckRejectsWrongLockToken(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateQueue(ctx, model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 3}))
	require.NoError(t, m.InsertMessage(ctx, model.Message{ID: "m1", QueueName: "q", Status: model.StatusQueued, CreatedAt: time.Now()}, nil, nil))

	claimed, err := m.ClaimMessage(ctx, ClaimOptions{QueueName: "q", ConsumerID: "c1", AckTimeoutSeconds: 30}, nil)
	require.NoError(t, err)

	_, err = m.Ack(ctx, "m1", "wrong-token", nil)
	assert.Equal(t, model.KindLockLost, model.KindOf(err))

	acked, err := m.Ack(ctx, "m1", *claimed.LockToken, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAcknowledged, acked.Status)
}

func TestMemoryNackTransitionsToDeadAtMaxAttempts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateQueue(ctx, model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 1}))
	require.NoError(t, m.InsertMessage(ctx, model.Message{ID: "m1", QueueName: "q", Status: model.StatusQueued, MaxAttempts: 1, CreatedAt: time.Now()}, nil, nil))

	claimed, err := m.ClaimMessage(ctx, ClaimOptions{QueueName: "q", ConsumerID: "c1", AckTimeoutSeconds: 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.AttemptCount)

	nacked, err := m.Nack(ctx, "m1", *claimed.LockToken, "boom", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDead, nacked.Status)
}

func TestMemoryClaimOverdueRequeuesOrDeadLetters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateQueue(ctx, model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 2}))
	require.NoError(t, m.InsertMessage(ctx, model.Message{ID: "m1", QueueName: "q", Status: model.StatusQueued, MaxAttempts: 2, CreatedAt: time.Now()}, nil, nil))

	claimed, err := m.ClaimMessage(ctx, ClaimOptions{QueueName: "q", ConsumerID: "c1", AckTimeoutSeconds: 0}, nil)
	require.NoError(t, err)
	past := time.Now().Add(-time.Second)
	claimed.LockedUntil = &past
	m.messages["m1"] = *claimed

	overdue, err := m.ClaimOverdue(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, model.StatusQueued, overdue[0].Status)
}

func TestMemoryAdvisoryLockExcludesConcurrentHolder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	gotInner := false
	acquired, err := m.WithAdvisoryLock(ctx, 42, func(ctx context.Context) error {
		acquired2, err := m.WithAdvisoryLock(ctx, 42, func(ctx context.Context) error {
			gotInner = true
			return nil
		})
		assert.NoError(t, err)
		assert.False(t, acquired2)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.False(t, gotInner)
}

func TestMemoryMessageHistoryIsChronological(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateQueue(ctx, model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 2}))
	require.NoError(t, m.InsertMessage(ctx, model.Message{ID: "m1", QueueName: "q", Status: model.StatusQueued, MaxAttempts: 2, CreatedAt: time.Now()}, nil, nil))
	claimed, err := m.ClaimMessage(ctx, ClaimOptions{QueueName: "q", ConsumerID: "c1", AckTimeoutSeconds: 30}, nil)
	require.NoError(t, err)
	_, err = m.Ack(ctx, "m1", *claimed.LockToken, nil)
	require.NoError(t, err)

	history, err := m.GetMessageHistory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.ActionEnqueue, history[0].Action)
	assert.Equal(t, model.ActionDequeue, history[1].Action)
	assert.Equal(t, model.ActionAck, history[2].Action)
}
