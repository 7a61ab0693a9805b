// Copyright 2025 James Ross
package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mood-agency/relay/internal/activity"
	"github.com/mood-agency/relay/internal/config"
	"github.com/mood-agency/relay/internal/events"
	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/registry"
	"github.com/mood-agency/relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemory()
	cfg := &config.Config{
		Defaults: config.Defaults{MaxPriorityLevels: 10, AckTimeoutSeconds: 30, MaxAttempts: 3},
		Activity: config.Activity{Enabled: true, BurstThresholdCount: 1000, BurstThresholdSeconds: time.Second, LargePayloadThresholdB: 1 << 20, FlashMessageThresholdMs: 1, LongProcessingThresholdMs: 30_000, ZombieThresholdMultiplier: 3, NearDLQThreshold: 1, BulkOperationThreshold: 100},
		Events:   config.Events{ChannelName: "relay_enqueue", BufferSize: 16},
	}
	reg := registry.New(st)
	act := activity.New(st, cfg.Activity)
	bus := events.New(16, nil)
	require.NoError(t, reg.Create(context.Background(), model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 3}))
	return New(st, reg, act, bus, cfg, zap.NewNop()), st
}

func TestEnqueueThenDequeueOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	low, err := e.Enqueue(ctx, "q", "job", json.RawMessage(`{}`), 1, 0, 0)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	high, err := e.Enqueue(ctx, "q", "job", json.RawMessage(`{}`), 5, 0, 0)
	require.NoError(t, err)

	got, err := e.Dequeue(ctx, "q", nil, "c1", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID)

	got2, err := e.Dequeue(ctx, "q", nil, "c1", 0)
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, low.ID, got2.ID)
}

func TestDequeueFiltersByType(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.Enqueue(ctx, "q", "email", json.RawMessage(`{}`), 0, 0, 0)
	require.NoError(t, err)
	wanted, err := e.Enqueue(ctx, "q", "sms", json.RawMessage(`{}`), 0, 0, 0)
	require.NoError(t, err)

	tf := "sms"
	got, err := e.Dequeue(ctx, "q", &tf, "c1", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wanted.ID, got.ID)
}

func TestDequeueReturnsNilWhenEmptyAndNoTimeout(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	got, err := e.Dequeue(ctx, "q", nil, "c1", 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDequeueBlocksUntilNotifiedThenClaims(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)

	resultCh := make(chan *model.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := e.Dequeue(ctx, "q", nil, "c1", 5)
		resultCh <- got
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	msg, err := e.Enqueue(ctx, "q", "job", json.RawMessage(`{}`), 0, 0, 0)
	require.NoError(t, err)
	st.(*store.Memory).Notify("relay_enqueue", msg.ID)

	select {
	case got := <-resultCh:
		require.NoError(t, <-errCh)
		require.NotNil(t, got)
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake up on notify")
	}
}

func TestDequeueTimesOutReturningNil(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	start := time.Now()
	got, err := e.Dequeue(ctx, "q", nil, "c1", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestAckRejectsMismatchedLockToken(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	msg, err := e.Enqueue(ctx, "q", "job", json.RawMessage(`{}`), 0, 0, 0)
	require.NoError(t, err)
	claimed, err := e.Dequeue(ctx, "q", nil, "c1", 0)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = e.Ack(ctx, msg.ID, "wrong-token")
	require.Error(t, err)
	assert.Equal(t, model.KindLockLost, model.KindOf(err))
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	require.NoError(t, st.CreateQueue(ctx, model.Queue{Name: "retry", AckTimeoutSeconds: 30, MaxAttempts: 2}))

	msg, err := e.Enqueue(ctx, "retry", "job", json.RawMessage(`{}`), 0, 0, 0)
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := e.Dequeue(ctx, "retry", nil, "c1", 0)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		result, err := e.Nack(ctx, msg.ID, *claimed.LockToken, "boom")
		require.NoError(t, err)
		if attempt == 0 {
			assert.Equal(t, model.StatusQueued, result.Status)
		} else {
			assert.Equal(t, model.StatusDead, result.Status)
		}
	}
}

func TestTouchExtendsLockedUntil(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.Enqueue(ctx, "q", "job", json.RawMessage(`{}`), 0, 0, 0)
	require.NoError(t, err)
	claimed, err := e.Dequeue(ctx, "q", nil, "c1", 0)
	require.NoError(t, err)

	before := *claimed.LockedUntil
	extended, err := e.Touch(ctx, claimed.ID, *claimed.LockToken, 600)
	require.NoError(t, err)
	assert.True(t, extended.After(before))
}

func TestAckRecordsActivityHistoryInOrder(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)

	msg, err := e.Enqueue(ctx, "q", "job", json.RawMessage(`{}`), 0, 0, 0)
	require.NoError(t, err)
	claimed, err := e.Dequeue(ctx, "q", nil, "c1", 0)
	require.NoError(t, err)
	_, err = e.Ack(ctx, msg.ID, *claimed.LockToken)
	require.NoError(t, err)

	history, err := st.GetMessageHistory(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.ActionEnqueue, history[0].Action)
	assert.Equal(t, model.ActionDequeue, history[1].Action)
	assert.Equal(t, model.ActionAck, history[2].Action)
}

func TestPurgeRecordsQueueClearedAnomalyAndEvent(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)

	_, err := e.Enqueue(ctx, "q", "job", json.RawMessage(`{}`), 0, 0, 0)
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, "q", "job", json.RawMessage(`{}`), 0, 0, 0)
	require.NoError(t, err)

	received := make(chan events.Event, 1)
	unsubscribe := e.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeClear {
			received <- ev
		}
	})
	defer unsubscribe()

	count, err := e.Purge(ctx, "q", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	logs, err := st.GetActivityLogs(ctx, store.ActivityFilter{Limit: 10})
	require.NoError(t, err)
	var clearLog *model.ActivityLog
	for i := range logs {
		if logs[i].Action == model.ActionClear {
			clearLog = &logs[i]
		}
	}
	require.NotNil(t, clearLog)
	require.NotNil(t, clearLog.Anomaly)
	assert.Equal(t, model.AnomalyQueueCleared, clearLog.Anomaly.Type)
	assert.Equal(t, model.SeverityWarning, clearLog.Anomaly.Severity)

	select {
	case ev := <-received:
		assert.Equal(t, "q", ev.Queue)
	case <-time.After(time.Second):
		t.Fatal("expected a clear event")
	}
}
