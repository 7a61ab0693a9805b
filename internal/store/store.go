// Copyright 2025 James Ross

// Package store is the typed access layer to the durable relational store
// (C1): connection pool, schema bootstrap, advisory locks, and a
// LISTEN/NOTIFY subscription. Domain components (registry, engine, activity)
// depend only on the Store interface so the Postgres adapter can be swapped
// for the in-memory fake in tests, mirroring the backend-agnostic interface
// the broader example pack uses for its swappable queue backends.
package store

import (
	"context"
	"time"

	"github.com/mood-agency/relay/internal/model"
)

// MessageFilter narrows ListMessages / getActivityLogs-style queries.
type MessageFilter struct {
	QueueName  string
	Status     *model.Status
	Type       *string
	ConsumerID *string
	Limit      int
	Offset     int
}

// ActivityFilter narrows getActivityLogs queries.
type ActivityFilter struct {
	QueueName *string
	Action    *model.Action
	MessageID *string
	Since     *time.Time
	Limit     int
	Offset    int
}

// AnomalyFilter narrows getAnomalies queries.
type AnomalyFilter struct {
	QueueName *string
	Type      *model.AnomalyType
	Severity  *model.Severity
	Since     *time.Time
	Limit     int
	Offset    int
}

// ClaimOptions parameterizes a single dequeue attempt.
type ClaimOptions struct {
	QueueName         string
	Type              *string
	ConsumerID        string
	AckTimeoutSeconds int
}

// Detector is the shape the activity pipeline hands to state-mutating store
// methods so the resulting anomaly can be attached to the same ActivityLog
// row the mutation writes, inside the same transaction, per spec.md §4.8.
// A nil Detector skips detection (e.g. activity_log_enabled=false).
type Detector func(model.DetectionContext) *model.Anomaly

// Store is the full set of operations the engine, registry, and activity
// pipeline need. The Postgres adapter implements every read with the
// required composite indexes; the in-memory fake implements the same
// contract for unit tests that never touch a real database.
type Store interface {
	// Bootstrap idempotently creates tables and indexes; it creates nothing
	// for advisory locks. Safe to call on every process start.
	Bootstrap(ctx context.Context) error
	Close() error

	// Queue Registry (C3)
	CreateQueue(ctx context.Context, q model.Queue) error
	GetQueue(ctx context.Context, name string) (model.Queue, error)
	ListQueues(ctx context.Context) ([]model.QueueCounts, error)
	UpdateQueue(ctx context.Context, name string, mutate func(*model.Queue)) error
	DeleteQueue(ctx context.Context, name string, force bool) error
	PurgeQueue(ctx context.Context, name string, status *model.Status) (int64, error)

	// Enqueue Path (C4)
	InsertMessage(ctx context.Context, msg model.Message, logCtx map[string]interface{}, detect Detector) error
	InsertMessageBatch(ctx context.Context, msgs []model.Message, batchID string, detect Detector) error

	// Dequeue Engine (C5)
	ClaimMessage(ctx context.Context, opts ClaimOptions, detect Detector) (*model.Message, error)
	Listen(ctx context.Context, channel string, handler func(payload string)) error

	// Completion Engine (C6)
	GetMessage(ctx context.Context, id string) (model.Message, error)
	Ack(ctx context.Context, id, lockToken string, detect Detector) (model.Message, error)
	Nack(ctx context.Context, id, lockToken, reason string, detect Detector) (model.Message, error)
	Touch(ctx context.Context, id, lockToken string, extendSeconds int, detect Detector) (time.Time, error)
	MoveMessage(ctx context.Context, id, destQueue string, destStatus model.Status, detect Detector) (model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, f MessageFilter) ([]model.Message, int64, error)

	// Overdue Requeue Worker (C7)
	WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (acquired bool, err error)
	ClaimOverdue(ctx context.Context, limit int, detect Detector) ([]model.Message, error)

	// Activity & Anomaly Pipeline (C8)
	InsertActivityLog(ctx context.Context, entry model.ActivityLog) error
	GetActivityLogs(ctx context.Context, f ActivityFilter) ([]model.ActivityLog, error)
	GetMessageHistory(ctx context.Context, messageID string) ([]model.ActivityLog, error)
	GetAnomalies(ctx context.Context, f AnomalyFilter) ([]model.ActivityLog, model.AnomalySummary, error)
	UpsertConsumerStats(ctx context.Context, consumerID string, anomaly *model.AnomalyType) error
	GetConsumerStats(ctx context.Context, consumerID string) ([]model.ConsumerStats, error)
	SweepActivityRetention(ctx context.Context, olderThan time.Time) (int64, error)
}
