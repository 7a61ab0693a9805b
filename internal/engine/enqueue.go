// Copyright 2025 James Ross
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mood-agency/relay/internal/events"
	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/obs"
)

// Enqueue implements the Enqueue Path (C4): validate, mint an id, insert,
// then fire the activity and event side effects. priority must fall within
// [0, max_priority_levels) per spec.md §4.4.
func (e *Engine) Enqueue(ctx context.Context, queueName string, msgType string, payload json.RawMessage, priority int, ackTimeoutOverride, maxAttemptsOverride int) (model.Message, error) {
	ctx, span := obs.StartEnqueueSpan(ctx, queueName, priority)
	defer span.End()

	q, err := e.resolveQueue(ctx, queueName)
	if err != nil {
		obs.RecordError(ctx, err)
		return model.Message{}, err
	}
	if priority < 0 || priority >= e.cfg.Defaults.MaxPriorityLevels {
		err := model.InvalidArgument("priority out of range")
		obs.RecordError(ctx, err)
		return model.Message{}, err
	}

	msg := model.Message{
		ID:             model.NewMessageID(),
		QueueName:      queueName,
		Type:           msgType,
		Payload:        payload,
		Priority:       priority,
		Status:         model.StatusQueued,
		MaxAttempts:    effectiveMaxAttempts(maxAttemptsOverride, q.MaxAttempts),
		AckTimeoutSecs: effectiveAckTimeout(ackTimeoutOverride, q.AckTimeoutSeconds),
		CreatedAt:      time.Now().UTC(),
		PayloadSize:    len(payload),
	}

	if err := e.st.InsertMessage(ctx, msg, nil, e.detector()); err != nil {
		obs.RecordError(ctx, err)
		return model.Message{}, err
	}

	obs.MessagesEnqueued.WithLabelValues(queueName).Inc()
	obs.SetSpanSuccess(ctx)
	e.emit(events.Event{Type: events.TypeEnqueue, Queue: queueName, Payload: map[string]interface{}{
		"message_id": msg.ID, "priority": priority, "type": msgType,
	}})
	return msg, nil
}

// EnqueueBatch atomically inserts every message under one batch_id so the
// activity pipeline's bulk_enqueue detector can evaluate the whole batch as
// a single unit, per spec.md §4.4.
func (e *Engine) EnqueueBatch(ctx context.Context, queueName string, items []BatchItem) ([]model.Message, error) {
	ctx, span := obs.StartEnqueueSpan(ctx, queueName, -1)
	defer span.End()

	q, err := e.resolveQueue(ctx, queueName)
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, err
	}

	msgs := make([]model.Message, 0, len(items))
	for _, item := range items {
		if item.Priority < 0 || item.Priority >= e.cfg.Defaults.MaxPriorityLevels {
			err := model.InvalidArgument("priority out of range")
			obs.RecordError(ctx, err)
			return nil, err
		}
		msgs = append(msgs, model.Message{
			ID:             model.NewMessageID(),
			QueueName:      queueName,
			Type:           item.Type,
			Payload:        item.Payload,
			Priority:       item.Priority,
			Status:         model.StatusQueued,
			MaxAttempts:    effectiveMaxAttempts(item.MaxAttempts, q.MaxAttempts),
			AckTimeoutSecs: effectiveAckTimeout(item.AckTimeoutSeconds, q.AckTimeoutSeconds),
			CreatedAt:      time.Now().UTC(),
			PayloadSize:    len(item.Payload),
		})
	}

	batchID := model.NewMessageID()
	if err := e.st.InsertMessageBatch(ctx, msgs, batchID, e.detector()); err != nil {
		obs.RecordError(ctx, err)
		return nil, err
	}

	obs.MessagesEnqueued.WithLabelValues(queueName).Add(float64(len(msgs)))
	obs.SetSpanSuccess(ctx)
	e.emit(events.Event{Type: events.TypeEnqueue, Queue: queueName, Payload: map[string]interface{}{
		"batch_id": batchID, "count": len(msgs),
	}})
	return msgs, nil
}

// BatchItem is a single message within an EnqueueBatch call.
type BatchItem struct {
	Type              string
	Payload           json.RawMessage
	Priority          int
	MaxAttempts       int
	AckTimeoutSeconds int
}
