// Copyright 2025 James Ross
package model

import "time"

// Action is the kind of event recorded in the activity log, per spec.md §3.
type Action string

const (
	ActionEnqueue Action = "enqueue"
	ActionDequeue Action = "dequeue"
	ActionAck     Action = "ack"
	ActionNack    Action = "nack"
	ActionRequeue Action = "requeue"
	ActionTimeout Action = "timeout"
	ActionTouch   Action = "touch"
	ActionMove    Action = "move"
	ActionDLQ     Action = "dlq"
	ActionDelete  Action = "delete"
	ActionClear   Action = "clear"
)

// Severity classifies an Anomaly, per spec.md §4.8.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnomalyType names the built-in detectors of spec.md §4.8.
type AnomalyType string

const (
	AnomalyFlashMessage   AnomalyType = "flash_message"
	AnomalyLargePayload   AnomalyType = "large_payload"
	AnomalyLongProcessing AnomalyType = "long_processing"
	AnomalyLockStolen     AnomalyType = "lock_stolen"
	AnomalyNearDLQ        AnomalyType = "near_dlq"
	AnomalyDLQMovement    AnomalyType = "dlq_movement"
	AnomalyZombieMessage  AnomalyType = "zombie_message"
	AnomalyBurstDequeue   AnomalyType = "burst_dequeue"
	AnomalyBulkEnqueue    AnomalyType = "bulk_enqueue"
	AnomalyBulkDelete     AnomalyType = "bulk_delete"
	AnomalyBulkMove       AnomalyType = "bulk_move"
	AnomalyQueueCleared   AnomalyType = "queue_cleared"
)

// Anomaly is a typed observation attached to an ActivityLog row.
type Anomaly struct {
	Type     AnomalyType            `json:"type"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// ActivityLog is an append-only audit row, per spec.md §3 and §4.8.
type ActivityLog struct {
	LogID       int64                  `json:"log_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Action      Action                 `json:"action"`
	MessageID   string                 `json:"message_id"`
	QueueName   string                 `json:"queue_name"`
	ConsumerID  *string                `json:"consumer_id,omitempty"`
	MessageType string                 `json:"message_type,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Anomaly     *Anomaly               `json:"anomaly,omitempty"`
}

// DetectionContext is what a detector consumes to decide whether an
// anomaly occurred, per spec.md §4.8. Detectors are pure functions over
// this value plus their own configured thresholds.
type DetectionContext struct {
	Message     Message
	Action      Action
	ConsumerID  string
	ErrorReason string
	Extra       map[string]interface{}
}

// ConsumerStats are derived counters keyed by consumer_id, per spec.md §3.
type ConsumerStats struct {
	ConsumerID      string           `json:"consumer_id"`
	TotalDequeued   int64            `json:"total_dequeued"`
	LastDequeueAt   *time.Time       `json:"last_dequeue_at,omitempty"`
	AnomalyCounts   map[AnomalyType]int64 `json:"anomaly_counts,omitempty"`
}

// AnomalySummary is returned alongside getAnomalies rows, per spec.md §4.8.
type AnomalySummary struct {
	Total      int64                  `json:"total"`
	ByType     map[AnomalyType]int64  `json:"by_type"`
	BySeverity map[Severity]int64     `json:"by_severity"`
}
