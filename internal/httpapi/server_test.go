// Copyright 2025 James Ross
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mood-agency/relay/internal/activity"
	"github.com/mood-agency/relay/internal/config"
	"github.com/mood-agency/relay/internal/engine"
	"github.com/mood-agency/relay/internal/events"
	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/registry"
	"github.com/mood-agency/relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := store.NewMemory()
	reg := registry.New(st)
	require.NoError(t, reg.Create(context.Background(), model.Queue{Name: "q", AckTimeoutSeconds: 30, MaxAttempts: 3}))

	cfg := &config.Config{
		Defaults: config.Defaults{MaxPriorityLevels: 10, AckTimeoutSeconds: 30, MaxAttempts: 3},
		Activity: config.Activity{Enabled: true, LargePayloadThresholdB: 1 << 20, FlashMessageThresholdMs: 1, LongProcessingThresholdMs: 30_000, ZombieThresholdMultiplier: 3, NearDLQThreshold: 1, BurstThresholdCount: 1000, BurstThresholdSeconds: time.Second, BulkOperationThreshold: 100},
		Events:   config.Events{ChannelName: "relay_enqueue", BufferSize: 16},
		HTTP:     config.HTTP{ListenAddr: ":0", ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, SSEHeartbeat: time.Second, RateLimitPerSec: 1000, RateLimitBurst: 1000},
	}
	act := activity.New(st, cfg.Activity)
	bus := events.New(16, nil)
	eng := engine.New(st, reg, act, bus, cfg, zap.NewNop())
	return NewServer(&cfg.HTTP, eng, reg, act, bus, zap.NewNop())
}

func TestEnqueueThenDequeueHTTP(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, _ := json.Marshal(map[string]interface{}{"queue": "q", "type": "job", "payload": map[string]string{"k": "v"}, "priority": 0})
	req := httptest.NewRequest(http.MethodPost, "/queue/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created["id"])

	req2 := httptest.NewRequest(http.MethodGet, "/queue/message?queue=q&consumerId=c1", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var msg model.Message
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &msg))
	assert.Equal(t, created["id"], msg.ID)
	assert.NotNil(t, msg.LockToken)
}

func TestDequeueNoneAvailableReturns404(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()
	req := httptest.NewRequest(http.MethodGet, "/queue/message?queue=q&consumerId=c1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAckWithWrongLockTokenReturns409(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, _ := json.Marshal(map[string]interface{}{"queue": "q", "type": "job", "payload": map[string]string{}, "priority": 0})
	req := httptest.NewRequest(http.MethodPost, "/queue/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req2 := httptest.NewRequest(http.MethodGet, "/queue/message?queue=q&consumerId=c1", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	ackBody, _ := json.Marshal(map[string]interface{}{"id": created["id"], "lock_token": "wrong"})
	req3 := httptest.NewRequest(http.MethodPost, "/queue/ack", bytes.NewReader(ackBody))
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, req3)
	assert.Equal(t, http.StatusConflict, rec3.Code)

	var errBody errorBody
	require.NoError(t, json.Unmarshal(rec3.Body.Bytes(), &errBody))
	assert.Equal(t, string(model.KindLockLost), errBody.Error)
}

func TestQueueCRUDRoundTrip(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	createBody, _ := json.Marshal(map[string]interface{}{"name": "orders", "ack_timeout_seconds": 30, "max_attempts": 5})
	req := httptest.NewRequest(http.MethodPost, "/queues", bytes.NewReader(createBody))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/queues/orders", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	req3 := httptest.NewRequest(http.MethodDelete, "/queues/orders", nil)
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, req3)
	assert.Equal(t, http.StatusOK, rec3.Code)
}
