// Copyright 2025 James Ross
package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesEmittedEvents(t *testing.T) {
	b := New(8, nil)
	var mu sync.Mutex
	var received []Event
	unsub := b.Subscribe(func(ev Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	defer unsub()

	b.Emit(Event{Type: TypeEnqueue, Queue: "q"})
	b.Emit(Event{Type: TypeDequeue, Queue: "q"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, TypeEnqueue, received[0].Type)
	assert.Equal(t, TypeDequeue, received[1].Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(8, nil)
	var count int
	var mu sync.Mutex
	unsub := b.Subscribe(func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()
	b.Emit(Event{Type: TypeAck})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestEmitDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New(1, nil)
	block := make(chan struct{})
	unsub := b.Subscribe(func(ev Event) {
		<-block
	})
	defer func() {
		close(block)
		unsub()
	}()

	for i := 0; i < 10; i++ {
		b.Emit(Event{Type: TypeNack})
	}
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestSubscriberCountTracksLifecycle(t *testing.T) {
	b := New(8, nil)
	assert.Equal(t, 0, b.SubscriberCount())
	unsub := b.Subscribe(func(Event) {})
	assert.Equal(t, 1, b.SubscriberCount())
	unsub()
	assert.Equal(t, 0, b.SubscriberCount())
}
