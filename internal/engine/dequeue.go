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

// Dequeue implements the Dequeue Engine (C5): atomically claim the
// highest-priority, oldest-eligible message of typeFilter (if set) in
// queueName. If none is available and timeoutSeconds > 0, it blocks on the
// store's enqueue notification channel until one arrives or the timeout
// elapses, per spec.md §4.5. A nil Message with a nil error means "timed
// out, nothing to claim."
func (e *Engine) Dequeue(ctx context.Context, queueName string, typeFilter *string, consumerID string, timeoutSeconds int) (*model.Message, error) {
	ctx, span := obs.StartDequeueSpan(ctx, queueName)
	defer span.End()

	q, err := e.resolveQueue(ctx, queueName)
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, err
	}

	opts := store.ClaimOptions{
		QueueName:         queueName,
		Type:              typeFilter,
		ConsumerID:        consumerID,
		AckTimeoutSeconds: q.AckTimeoutSeconds,
	}

	msg, err := e.st.ClaimMessage(ctx, opts, e.detector())
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, err
	}
	if msg != nil {
		e.onClaimed(ctx, queueName, *msg)
		return msg, nil
	}
	if timeoutSeconds <= 0 {
		obs.SetSpanSuccess(ctx)
		return nil, nil
	}

	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	woke := make(chan struct{}, 1)
	listenCtx, cancelListen := context.WithCancel(ctx)
	defer cancelListen()

	channel := e.cfg.Events.ChannelName
	if err := e.st.Listen(listenCtx, channel, func(payload string) {
		select {
		case woke <- struct{}{}:
		default:
		}
	}); err != nil {
		obs.RecordError(ctx, err)
		return nil, err
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			obs.SetSpanSuccess(ctx)
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, model.Cancelled("dequeue cancelled")
		case <-timer.C:
			return nil, nil
		case <-woke:
			timer.Stop()
		}

		msg, err := e.st.ClaimMessage(ctx, opts, e.detector())
		if err != nil {
			obs.RecordError(ctx, err)
			return nil, err
		}
		if msg != nil {
			e.onClaimed(ctx, queueName, *msg)
			return msg, nil
		}
	}
}

func (e *Engine) onClaimed(ctx context.Context, queueName string, msg model.Message) {
	obs.MessagesDequeued.WithLabelValues(queueName).Inc()
	obs.SetSpanSuccess(ctx)
	e.emit(events.Event{Type: events.TypeDequeue, Queue: queueName, Payload: map[string]interface{}{
		"message_id": msg.ID, "consumer_id": msg.ConsumerID, "attempt_count": msg.AttemptCount,
	}})
}
