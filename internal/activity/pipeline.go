// Copyright 2025 James Ross

// Package activity implements the Activity & Anomaly Pipeline (C8): the
// built-in detector set, the per-consumer burst-detection sliding window,
// and thin query wrappers over the store's audit tables. The rolling-window
// bookkeeping follows the eviction style of the anomaly-radar rolling
// window: append, then trim anything outside the window on every call.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/mood-agency/relay/internal/config"
	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/store"
)

// Pipeline owns the built-in detector list plus the burst-detection state
// a store.Detector closure needs but can't hold itself (detectors must
// stay pure functions over a single DetectionContext).
type Pipeline struct {
	st  store.Store
	cfg config.Activity

	mu     sync.Mutex
	bursts map[string][]time.Time // consumer_id -> recent dequeue timestamps
}

func New(st store.Store, cfg config.Activity) *Pipeline {
	return &Pipeline{st: st, cfg: cfg, bursts: map[string][]time.Time{}}
}

// Detect runs the built-in detectors in spec order and returns the first
// one that fires. It matches store.Detector's signature so the engine can
// pass p.Detect directly into InsertMessage/ClaimMessage/Ack/Nack/Touch/
// MoveMessage/ClaimOverdue. A nil Pipeline (activity disabled) is never
// constructed; callers pass a nil Detector instead when Activity.Enabled
// is false.
func (p *Pipeline) Detect(dc model.DetectionContext) *model.Anomaly {
	if !p.cfg.Enabled {
		return nil
	}
	switch dc.Action {
	case model.ActionDequeue:
		if a := p.flashMessage(dc); a != nil {
			return a
		}
		return p.burstDequeue(dc)
	case model.ActionEnqueue:
		if a := p.bulkEnqueue(dc); a != nil {
			return a
		}
		return p.largePayload(dc)
	case model.ActionAck:
		return p.longProcessing(dc)
	case model.ActionNack:
		if a := p.dlqMovement(dc); a != nil {
			return a
		}
		return p.nearDLQ(dc)
	case model.ActionMove:
		return p.dlqMovement(dc)
	case model.ActionTimeout:
		if a := p.dlqMovement(dc); a != nil {
			return a
		}
		return p.zombieMessage(dc)
	case model.ActionDelete:
		return p.bulkDelete(dc)
	case model.ActionClear:
		return &model.Anomaly{Type: model.AnomalyQueueCleared, Severity: model.SeverityWarning}
	}
	return nil
}

func (p *Pipeline) flashMessage(dc model.DetectionContext) *model.Anomaly {
	if dc.Message.CreatedAt.IsZero() {
		return nil
	}
	if time.Since(dc.Message.CreatedAt) < time.Duration(p.cfg.FlashMessageThresholdMs)*time.Millisecond {
		return &model.Anomaly{Type: model.AnomalyFlashMessage, Severity: model.SeverityInfo,
			Details: map[string]interface{}{"age_ms": time.Since(dc.Message.CreatedAt).Milliseconds()}}
	}
	return nil
}

func (p *Pipeline) largePayload(dc model.DetectionContext) *model.Anomaly {
	if dc.Message.PayloadSize >= p.cfg.LargePayloadThresholdB {
		return &model.Anomaly{Type: model.AnomalyLargePayload, Severity: model.SeverityWarning,
			Details: map[string]interface{}{"payload_size": dc.Message.PayloadSize}}
	}
	return nil
}

func (p *Pipeline) longProcessing(dc model.DetectionContext) *model.Anomaly {
	m := dc.Message
	if m.DequeuedAt == nil || m.AcknowledgedAt == nil {
		return nil
	}
	d := m.AcknowledgedAt.Sub(*m.DequeuedAt)
	if d >= time.Duration(p.cfg.LongProcessingThresholdMs)*time.Millisecond {
		return &model.Anomaly{Type: model.AnomalyLongProcessing, Severity: model.SeverityWarning,
			Details: map[string]interface{}{"processing_ms": d.Milliseconds()}}
	}
	return nil
}

// lock_stolen never reaches Pipeline.Detect: the store's logLockMismatch
// helper logs it directly from the rejected ack/nack/touch path, before
// Detect would otherwise run on a successful state transition.

func (p *Pipeline) nearDLQ(dc model.DetectionContext) *model.Anomaly {
	m := dc.Message
	effMax := m.EffectiveMaxAttempts(m.MaxAttempts, m.MaxAttempts)
	remaining := effMax - m.AttemptCount
	if remaining > 0 && remaining <= p.cfg.NearDLQThreshold {
		return &model.Anomaly{Type: model.AnomalyNearDLQ, Severity: model.SeverityWarning,
			Details: map[string]interface{}{"attempts_remaining": remaining}}
	}
	return nil
}

func (p *Pipeline) dlqMovement(dc model.DetectionContext) *model.Anomaly {
	destStatus, _ := dc.Extra["dest_status"].(model.Status)
	if destStatus == model.StatusDead || dc.Message.Status == model.StatusDead {
		return &model.Anomaly{Type: model.AnomalyDLQMovement, Severity: model.SeverityCritical}
	}
	return nil
}

func (p *Pipeline) zombieMessage(dc model.DetectionContext) *model.Anomaly {
	m := dc.Message
	if m.DequeuedAt == nil {
		return nil
	}
	ackTimeout := time.Duration(m.EffectiveAckTimeoutSeconds(m.AckTimeoutSecs, m.AckTimeoutSecs)) * time.Second
	if ackTimeout <= 0 {
		return nil
	}
	elapsed := time.Since(*m.DequeuedAt)
	if float64(elapsed) >= p.cfg.ZombieThresholdMultiplier*float64(ackTimeout) {
		return &model.Anomaly{Type: model.AnomalyZombieMessage, Severity: model.SeverityCritical,
			Details: map[string]interface{}{"processing_duration_ms": elapsed.Milliseconds()}}
	}
	return nil
}

// burstDequeue keeps a per-consumer sliding window of recent dequeue
// timestamps, appending the new one and then evicting anything older than
// the configured window on every call.
func (p *Pipeline) burstDequeue(dc model.DetectionContext) *model.Anomaly {
	if dc.ConsumerID == "" {
		return nil
	}
	now := time.Now()
	cutoff := now.Add(-p.cfg.BurstThresholdSeconds)

	p.mu.Lock()
	defer p.mu.Unlock()
	window := append(p.bursts[dc.ConsumerID], now)
	trimmed := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	p.bursts[dc.ConsumerID] = trimmed

	if len(trimmed) >= p.cfg.BurstThresholdCount {
		return &model.Anomaly{Type: model.AnomalyBurstDequeue, Severity: model.SeverityWarning,
			Details: map[string]interface{}{"consumer_id": dc.ConsumerID, "count": len(trimmed)}}
	}
	return nil
}

func bulkCount(dc model.DetectionContext) (int, bool) {
	n, ok := dc.Extra["count"].(int)
	return n, ok
}

func (p *Pipeline) bulkEnqueue(dc model.DetectionContext) *model.Anomaly {
	if n, ok := bulkCount(dc); ok && n >= p.cfg.BulkOperationThreshold {
		return &model.Anomaly{Type: model.AnomalyBulkEnqueue, Severity: model.SeverityInfo,
			Details: map[string]interface{}{"count": n}}
	}
	return nil
}

func (p *Pipeline) bulkDelete(dc model.DetectionContext) *model.Anomaly {
	if n, ok := bulkCount(dc); ok && n >= p.cfg.BulkOperationThreshold {
		return &model.Anomaly{Type: model.AnomalyBulkDelete, Severity: model.SeverityInfo,
			Details: map[string]interface{}{"count": n}}
	}
	return nil
}

// BulkMove is exposed for callers (e.g. admin move handlers) that batch
// MoveMessage calls themselves and want a bulk_move anomaly logged
// alongside the per-message dlq_movement ones.
func (p *Pipeline) BulkMove(count int) *model.Anomaly {
	if count >= p.cfg.BulkOperationThreshold {
		return &model.Anomaly{Type: model.AnomalyBulkMove, Severity: model.SeverityInfo,
			Details: map[string]interface{}{"count": count}}
	}
	return nil
}

// GetActivityLogs, GetMessageHistory, GetAnomalies, and GetConsumerStats are
// thin pass-throughs to the store; the pipeline's own job is detection, not
// query serving, but callers (the httpapi layer) go through the pipeline so
// detector state and query access share one dependency.

func (p *Pipeline) GetActivityLogs(ctx context.Context, f store.ActivityFilter) ([]model.ActivityLog, error) {
	return p.st.GetActivityLogs(ctx, f)
}

func (p *Pipeline) GetMessageHistory(ctx context.Context, messageID string) ([]model.ActivityLog, error) {
	return p.st.GetMessageHistory(ctx, messageID)
}

func (p *Pipeline) GetAnomalies(ctx context.Context, f store.AnomalyFilter) ([]model.ActivityLog, model.AnomalySummary, error) {
	return p.st.GetAnomalies(ctx, f)
}

func (p *Pipeline) GetConsumerStats(ctx context.Context, consumerID string) ([]model.ConsumerStats, error) {
	return p.st.GetConsumerStats(ctx, consumerID)
}

// RecordDequeue updates the incremental per-consumer counters; spec.md
// §4.8 requires this on every dequeue regardless of whether an anomaly
// fired.
func (p *Pipeline) RecordDequeue(ctx context.Context, consumerID string, anomaly *model.AnomalyType) error {
	return p.st.UpsertConsumerStats(ctx, consumerID, anomaly)
}

// SweepRetention deletes activity rows older than the configured retention
// window. Intended to run on a ticker owned by the caller (cmd/relay).
func (p *Pipeline) SweepRetention(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(p.cfg.RetentionHours) * time.Hour)
	return p.st.SweepActivityRetention(ctx, cutoff)
}
