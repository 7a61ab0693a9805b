// Copyright 2025 James Ross
package activity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mood-agency/relay/internal/config"
	"github.com/mood-agency/relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Activity {
	return config.Activity{
		Enabled:                   true,
		LargePayloadThresholdB:    1024,
		BulkOperationThreshold:    10,
		FlashMessageThresholdMs:   50,
		LongProcessingThresholdMs: 1000,
		ZombieThresholdMultiplier: 3.0,
		NearDLQThreshold:          1,
		BurstThresholdCount:       3,
		BurstThresholdSeconds:     time.Second,
	}
}

func TestDetectFlashMessage(t *testing.T) {
	p := New(nil, testConfig())
	msg := model.Message{CreatedAt: time.Now()}
	a := p.Detect(model.DetectionContext{Message: msg, Action: model.ActionDequeue})
	require.NotNil(t, a)
	assert.Equal(t, model.AnomalyFlashMessage, a.Type)
}

func TestDetectFlashMessageDoesNotFireForOldMessage(t *testing.T) {
	p := New(nil, testConfig())
	msg := model.Message{CreatedAt: time.Now().Add(-time.Minute)}
	a := p.Detect(model.DetectionContext{Message: msg, Action: model.ActionDequeue})
	assert.Nil(t, a)
}

func TestDetectLargePayload(t *testing.T) {
	p := New(nil, testConfig())
	msg := model.Message{PayloadSize: 2048, Payload: json.RawMessage(`{}`)}
	a := p.Detect(model.DetectionContext{Message: msg, Action: model.ActionEnqueue})
	require.NotNil(t, a)
	assert.Equal(t, model.AnomalyLargePayload, a.Type)
}

func TestDetectNearDLQ(t *testing.T) {
	p := New(nil, testConfig())
	msg := model.Message{AttemptCount: 2, MaxAttempts: 3}
	a := p.Detect(model.DetectionContext{Message: msg, Action: model.ActionNack})
	require.NotNil(t, a)
	assert.Equal(t, model.AnomalyNearDLQ, a.Type)
}

func TestDetectDLQMovementOnNackToDead(t *testing.T) {
	p := New(nil, testConfig())
	msg := model.Message{AttemptCount: 3, MaxAttempts: 3, Status: model.StatusDead}
	a := p.Detect(model.DetectionContext{Message: msg, Action: model.ActionNack,
		Extra: map[string]interface{}{"dest_status": model.StatusDead}})
	require.NotNil(t, a)
	assert.Equal(t, model.AnomalyDLQMovement, a.Type)
	assert.Equal(t, model.SeverityCritical, a.Severity)
}

func TestDetectZombieMessage(t *testing.T) {
	p := New(nil, testConfig())
	dequeuedAt := time.Now().Add(-100 * time.Second)
	msg := model.Message{DequeuedAt: &dequeuedAt, AckTimeoutSecs: 10}
	a := p.Detect(model.DetectionContext{Message: msg, Action: model.ActionTimeout})
	require.NotNil(t, a)
	assert.Equal(t, model.AnomalyZombieMessage, a.Type)
}

func TestDetectBurstDequeueFiresAtThreshold(t *testing.T) {
	p := New(nil, testConfig())
	var last *model.Anomaly
	for i := 0; i < 3; i++ {
		last = p.Detect(model.DetectionContext{Message: model.Message{CreatedAt: time.Now().Add(-time.Hour)}, Action: model.ActionDequeue, ConsumerID: "c1"})
	}
	require.NotNil(t, last)
	assert.Equal(t, model.AnomalyBurstDequeue, last.Type)
}

func TestDetectBurstDequeueWindowEvicts(t *testing.T) {
	cfg := testConfig()
	cfg.BurstThresholdSeconds = 10 * time.Millisecond
	p := New(nil, cfg)
	p.Detect(model.DetectionContext{Message: model.Message{CreatedAt: time.Now().Add(-time.Hour)}, Action: model.ActionDequeue, ConsumerID: "c1"})
	time.Sleep(20 * time.Millisecond)
	a := p.Detect(model.DetectionContext{Message: model.Message{CreatedAt: time.Now().Add(-time.Hour)}, Action: model.ActionDequeue, ConsumerID: "c1"})
	assert.Nil(t, a)
}

func TestDetectBulkEnqueue(t *testing.T) {
	p := New(nil, testConfig())
	a := p.Detect(model.DetectionContext{Message: model.Message{}, Action: model.ActionEnqueue,
		Extra: map[string]interface{}{"count": 25}})
	require.NotNil(t, a)
	assert.Equal(t, model.AnomalyBulkEnqueue, a.Type)
}

func TestDetectQueueClearedAlwaysFires(t *testing.T) {
	p := New(nil, testConfig())
	a := p.Detect(model.DetectionContext{Action: model.ActionClear})
	require.NotNil(t, a)
	assert.Equal(t, model.AnomalyQueueCleared, a.Type)
	assert.Equal(t, model.SeverityWarning, a.Severity)
}

func TestDetectDisabledReturnsNil(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	p := New(nil, cfg)
	a := p.Detect(model.DetectionContext{Message: model.Message{CreatedAt: time.Now()}, Action: model.ActionDequeue})
	assert.Nil(t, a)
}
