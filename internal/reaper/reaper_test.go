// Copyright 2025 James Ross
package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/mood-agency/relay/internal/activity"
	"github.com/mood-agency/relay/internal/config"
	"github.com/mood-agency/relay/internal/events"
	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTickRequeuesOverdueMessage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.CreateQueue(ctx, model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 3}))
	require.NoError(t, st.InsertMessage(ctx, model.Message{ID: "m1", QueueName: "q", Status: model.StatusQueued, MaxAttempts: 3, CreatedAt: time.Now()}, nil, nil))

	_, err := st.ClaimMessage(ctx, store.ClaimOptions{QueueName: "q", ConsumerID: "c1", AckTimeoutSeconds: 1}, nil)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	cfg := &config.RequeueWorker{BatchSize: 10, CheckInterval: time.Hour, AdvisoryLockKey: 1}
	act := activity.New(st, config.Activity{Enabled: true})
	bus := events.New(16, nil)
	received := make(chan events.Event, 8)
	unsubscribe := bus.Subscribe(func(ev events.Event) { received <- ev })
	defer unsubscribe()

	r := New(cfg, st, act, bus, zap.NewNop())
	r.tick(ctx)

	msg, err := st.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, msg.Status)
	assert.Nil(t, msg.LockToken)

	history, err := st.GetMessageHistory(ctx, "m1")
	require.NoError(t, err)
	var sawTimeout bool
	for _, h := range history {
		if h.Action == model.ActionTimeout {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)

	var sawRequeueEvent, sawTimeoutEvent bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-received:
			switch ev.Type {
			case events.TypeRequeue:
				sawRequeueEvent = true
			case events.TypeTimeout:
				sawTimeoutEvent = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected two events from the reaper tick")
		}
	}
	assert.True(t, sawRequeueEvent)
	assert.True(t, sawTimeoutEvent)
}

func TestTickDeadLettersWhenAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.CreateQueue(ctx, model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 1}))
	require.NoError(t, st.InsertMessage(ctx, model.Message{ID: "m1", QueueName: "q", Status: model.StatusQueued, MaxAttempts: 1, CreatedAt: time.Now()}, nil, nil))

	_, err := st.ClaimMessage(ctx, store.ClaimOptions{QueueName: "q", ConsumerID: "c1", AckTimeoutSeconds: 1}, nil)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	cfg := &config.RequeueWorker{BatchSize: 10, CheckInterval: time.Hour, AdvisoryLockKey: 2}
	r := New(cfg, st, nil, nil, zap.NewNop())
	r.tick(ctx)

	msg, err := st.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDead, msg.Status)
}

func TestTickSkipsWhenAdvisoryLockHeld(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.CreateQueue(ctx, model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 3}))
	cfg := &config.RequeueWorker{BatchSize: 10, CheckInterval: time.Hour, AdvisoryLockKey: 3}
	r := New(cfg, st, nil, nil, zap.NewNop())

	var ranInner bool
	acquired, err := st.WithAdvisoryLock(ctx, 3, func(innerCtx context.Context) error {
		ranInner = true
		r.tick(ctx) // reentrant attempt from within; should observe the lock held and skip
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, ranInner)
}
