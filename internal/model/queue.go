// Copyright 2025 James Ross
package model

import "time"

// Queue is a named container for messages. Field names mirror spec.md §3.
type Queue struct {
	Name              string        `json:"name"`
	QueueType         QueueType     `json:"queue_type"`
	AckTimeoutSeconds int           `json:"ack_timeout_seconds"`
	MaxAttempts       int           `json:"max_attempts"`
	PartitionInterval time.Duration `json:"partition_interval,omitempty"`
	RetentionInterval time.Duration `json:"retention_interval,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// QueueCounts is the per-status row count summary returned by list, computed
// via a single indexed aggregate per spec.md §4.3.
type QueueCounts struct {
	Queue     Queue           `json:"queue"`
	ByStatus  map[Status]int64 `json:"by_status"`
}
