// Copyright 2025 James Ross

// Package events implements the in-process Event Emitter (C9): best-effort
// publish/subscribe over queue state transitions, adapted from the
// teacher's event-hooks worker-pool/buffered-channel design but scoped down
// to spec.md §4.9's simpler contract — no Redis persistence, no retry or
// dead-letter-hook queues, just per-subscriber bounded delivery.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mood-agency/relay/internal/obs"
)

// Type is the kind of state transition an Event reports, per spec.md §4.9.
type Type string

const (
	TypeEnqueue Type = "enqueue"
	TypeDequeue Type = "dequeue"
	TypeAck     Type = "ack"
	TypeNack    Type = "nack"
	TypeRequeue Type = "requeue"
	TypeTimeout Type = "timeout"
	TypeMove    Type = "move"
	TypeDelete  Type = "delete"
	TypeClear   Type = "clear"
)

// Event is the payload every subscriber receives.
type Event struct {
	Type      Type                   `json:"type"`
	Queue     string                 `json:"queue"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Bus is the process-wide event fan-out. Each subscriber owns a dedicated
// buffered channel and delivery goroutine so one slow subscriber never
// blocks another or the emitting caller.
type Bus struct {
	bufferSize int
	logger     *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	id      string
	ch      chan Event
	done    chan struct{}
	handler func(Event)
}

func New(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{bufferSize: bufferSize, logger: logger, subs: map[string]*subscriber{}}
}

// Subscribe registers handler to receive every future event until the
// returned unsubscribe function is called. Delivery to this subscriber is
// strictly FIFO; no ordering is guaranteed across subscribers.
func (b *Bus) Subscribe(handler func(Event)) (unsubscribe func()) {
	sub := &subscriber{
		id:      uuid.New().String(),
		ch:      make(chan Event, b.bufferSize),
		done:    make(chan struct{}),
		handler: handler,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	obs.EventSubscribers.Inc()

	go sub.run()

	return func() {
		b.mu.Lock()
		if _, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(sub.done)
			obs.EventSubscribers.Dec()
		}
		b.mu.Unlock()
	}
}

func (s *subscriber) run() {
	for {
		select {
		case ev := <-s.ch:
			s.handler(ev)
		case <-s.done:
			return
		}
	}
}

// Emit delivers ev to every current subscriber. Delivery is best-effort: if
// a subscriber's buffer is full its event is dropped rather than blocking
// the caller, matching spec.md §4.9's "may drop for that subscriber after a
// bounded buffer" contract.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			obs.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
			if b.logger != nil {
				b.logger.Warn("event dropped, subscriber buffer full", "subscriber_id", sub.id, "event_type", string(ev.Type))
			}
		}
	}
}

// SubscriberCount reports the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
