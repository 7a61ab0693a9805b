// Copyright 2025 James Ross
package engine

import (
	"context"
	"time"

	"github.com/mood-agency/relay/internal/events"
	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/obs"
	"github.com/mood-agency/relay/internal/store"
)

// Ack implements the Completion Engine's (C6) happy path: the message must
// currently be processing and lockToken must match the fencing token minted
// at dequeue, else LockLost is returned per spec.md §4.6.
func (e *Engine) Ack(ctx context.Context, id, lockToken string) (model.Message, error) {
	msg, err := e.st.Ack(ctx, id, lockToken, e.detector())
	if err != nil {
		if model.KindOf(err) == model.KindLockLost {
			obs.LockLostTotal.WithLabelValues("unknown").Inc()
		}
		return model.Message{}, err
	}
	obs.MessagesAcknowledged.WithLabelValues(msg.QueueName).Inc()
	if msg.DequeuedAt != nil && msg.AcknowledgedAt != nil {
		obs.MessageProcessingDuration.WithLabelValues(msg.QueueName).Observe(msg.AcknowledgedAt.Sub(*msg.DequeuedAt).Seconds())
	}
	e.emit(events.Event{Type: events.TypeAck, Queue: msg.QueueName, Payload: map[string]interface{}{"message_id": msg.ID}})
	return msg, nil
}

// Nack implements the Completion Engine's failure path: attempt_count (already
// incremented when the message was dequeued) is left as is, and the message
// either returns to queued or moves to dead, depending on max_attempts, per
// spec.md §4.6.
func (e *Engine) Nack(ctx context.Context, id, lockToken, reason string) (model.Message, error) {
	msg, err := e.st.Nack(ctx, id, lockToken, reason, e.detector())
	if err != nil {
		if model.KindOf(err) == model.KindLockLost {
			obs.LockLostTotal.WithLabelValues("unknown").Inc()
		}
		return model.Message{}, err
	}

	obs.MessagesNacked.WithLabelValues(msg.QueueName).Inc()
	switch msg.Status {
	case model.StatusDead:
		obs.MessagesDeadLettered.WithLabelValues(msg.QueueName).Inc()
		e.emit(events.Event{Type: events.TypeMove, Queue: msg.QueueName, Payload: map[string]interface{}{"message_id": msg.ID, "dest_status": "dead"}})
	case model.StatusQueued:
		obs.MessagesRequeued.WithLabelValues(msg.QueueName).Inc()
		e.emit(events.Event{Type: events.TypeRequeue, Queue: msg.QueueName, Payload: map[string]interface{}{"message_id": msg.ID}})
	}
	e.emit(events.Event{Type: events.TypeNack, Queue: msg.QueueName, Payload: map[string]interface{}{"message_id": msg.ID, "reason": reason}})
	return msg, nil
}

// Touch implements the Completion Engine's lease extension: locked_until is
// pushed out by extendSeconds from now (by the message's ack timeout when
// extendSeconds is not positive), provided lockToken still matches.
func (e *Engine) Touch(ctx context.Context, id, lockToken string, extendSeconds int) (time.Time, error) {
	lockedUntil, err := e.st.Touch(ctx, id, lockToken, extendSeconds, e.detector())
	if err != nil {
		return time.Time{}, err
	}
	return lockedUntil, nil
}

// Move implements administrative message relocation (e.g. manual DLQ
// replay), invoking the same detector and event path as an automatic move.
func (e *Engine) Move(ctx context.Context, id, destQueue string, destStatus model.Status) (model.Message, error) {
	msg, err := e.st.MoveMessage(ctx, id, destQueue, destStatus, e.detector())
	if err != nil {
		return model.Message{}, err
	}
	e.emit(events.Event{Type: events.TypeMove, Queue: destQueue, Payload: map[string]interface{}{"message_id": msg.ID, "dest_status": string(destStatus)}})
	return msg, nil
}

// Delete implements permanent message removal, bypassing the lifecycle
// entirely (no lock token check; this is an administrative operation).
func (e *Engine) Delete(ctx context.Context, id string) error {
	msg, err := e.st.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if err := e.st.DeleteMessage(ctx, id); err != nil {
		return err
	}
	e.emit(events.Event{Type: events.TypeDelete, Queue: msg.QueueName, Payload: map[string]interface{}{"message_id": id}})
	return nil
}

// Get returns a single message by id.
func (e *Engine) Get(ctx context.Context, id string) (model.Message, error) {
	return e.st.GetMessage(ctx, id)
}

// ListMessages is a thin passthrough used by the paged/filtered listing
// endpoint of spec.md §6.
func (e *Engine) ListMessages(ctx context.Context, f store.MessageFilter) ([]model.Message, int64, error) {
	return e.st.ListMessages(ctx, f)
}

// Purge deletes messages from a queue (optionally restricted to one
// status), then records the always-fires queue_cleared anomaly and a
// clear activity row per spec.md §4.8's table, and emits a clear event.
func (e *Engine) Purge(ctx context.Context, queueName string, status *model.Status) (int64, error) {
	count, err := e.reg.Purge(ctx, queueName, status)
	if err != nil {
		return 0, err
	}

	entry := model.ActivityLog{
		Timestamp: time.Now().UTC(),
		Action:    model.ActionClear,
		QueueName: queueName,
		Context:   map[string]interface{}{"purged_count": count},
		Anomaly: &model.Anomaly{
			Type:     model.AnomalyQueueCleared,
			Severity: model.SeverityWarning,
			Details:  map[string]interface{}{"purged_count": count},
		},
	}
	if status != nil {
		entry.Context["status"] = string(*status)
	}
	if err := e.st.InsertActivityLog(ctx, entry); err != nil {
		return count, err
	}

	obs.MessagesDeleted.WithLabelValues(queueName).Add(float64(count))
	e.emit(events.Event{Type: events.TypeClear, Queue: queueName, Payload: map[string]interface{}{"purged_count": count}})
	return count, nil
}
