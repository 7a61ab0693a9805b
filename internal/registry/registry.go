// Copyright 2025 James Ross

// Package registry implements the Queue Registry (C3): CRUD over named
// queues, grounded in the teacher's storage-backends config/management
// pattern but rebuilt over the relational store instead of Redis key
// namespaces.
package registry

import (
	"context"
	"time"

	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/store"
)

// Registry owns queue lifecycle operations.
type Registry struct {
	st store.Store
}

func New(st store.Store) *Registry {
	return &Registry{st: st}
}

// Create registers a new queue. AlreadyExists if the name is taken;
// InvalidArgument if a partitioned queue lacks a partition interval.
func (r *Registry) Create(ctx context.Context, q model.Queue) error {
	if q.Name == "" {
		return model.InvalidArgument("queue name must not be empty")
	}
	if q.QueueType == model.QueuePartitioned && q.PartitionInterval <= 0 {
		return model.InvalidArgument("partitioned queues require partition_interval")
	}
	if q.AckTimeoutSeconds <= 0 {
		return model.InvalidArgument("ack_timeout_seconds must be > 0")
	}
	if q.MaxAttempts <= 0 {
		return model.InvalidArgument("max_attempts must be > 0")
	}
	return r.st.CreateQueue(ctx, q)
}

func (r *Registry) Get(ctx context.Context, name string) (model.Queue, error) {
	return r.st.GetQueue(ctx, name)
}

// List returns every queue with its per-status row counts, computed by the
// store via a single indexed aggregate per spec.md §4.3.
func (r *Registry) List(ctx context.Context) ([]model.QueueCounts, error) {
	return r.st.ListQueues(ctx)
}

// Update mutates only ack timeout, max attempts, and retention; queue_type
// is immutable after creation per spec.md §3.
func (r *Registry) Update(ctx context.Context, name string, ackTimeoutSeconds, maxAttempts *int, retention *time.Duration) error {
	return r.st.UpdateQueue(ctx, name, func(q *model.Queue) {
		if ackTimeoutSeconds != nil {
			q.AckTimeoutSeconds = *ackTimeoutSeconds
		}
		if maxAttempts != nil {
			q.MaxAttempts = *maxAttempts
		}
		if retention != nil {
			q.RetentionInterval = *retention
		}
	})
}

// Delete removes a queue. Non-empty queues require force=true.
func (r *Registry) Delete(ctx context.Context, name string, force bool) error {
	return r.st.DeleteQueue(ctx, name, force)
}

// Purge deletes messages in a queue, optionally restricted to one status.
func (r *Registry) Purge(ctx context.Context, name string, status *model.Status) (int64, error) {
	return r.st.PurgeQueue(ctx, name, status)
}
