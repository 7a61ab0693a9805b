// Copyright 2025 James Ross
package store

// bootstrapDDL creates every table and index the Postgres adapter depends
// on. Statements are idempotent (IF NOT EXISTS) so Bootstrap can run on
// every process start without a migration tool, per spec.md §4.1.
//
// Every queue_type shares the single messages table. unlogged and
// partitioned queues are registry-level metadata only: routing unlogged
// rows to a physically UNLOGGED table would require threading queue_type
// through every id-keyed completion lookup (ack/nack/touch/move/delete),
// and true declarative partitioning needs a migration tool this adapter
// does not own. See DESIGN.md for the tradeoff.
var bootstrapDDL = []string{
	`CREATE TABLE IF NOT EXISTS queues (
		name                TEXT PRIMARY KEY,
		queue_type          TEXT NOT NULL DEFAULT 'standard',
		ack_timeout_seconds INTEGER NOT NULL,
		max_attempts        INTEGER NOT NULL,
		partition_interval  BIGINT,
		retention_interval  BIGINT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                  TEXT PRIMARY KEY,
		queue_name          TEXT NOT NULL REFERENCES queues(name),
		type                TEXT NOT NULL DEFAULT '',
		payload             JSONB NOT NULL,
		priority            INTEGER NOT NULL DEFAULT 0,
		status              TEXT NOT NULL DEFAULT 'queued',
		attempt_count       INTEGER NOT NULL DEFAULT 0,
		max_attempts        INTEGER NOT NULL DEFAULT 0,
		ack_timeout_seconds INTEGER NOT NULL DEFAULT 0,
		lock_token          TEXT,
		locked_until        TIMESTAMPTZ,
		consumer_id         TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		dequeued_at         TIMESTAMPTZ,
		acknowledged_at     TIMESTAMPTZ,
		last_error          TEXT,
		payload_size        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_dequeue ON messages (queue_name, status, priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_overdue ON messages (status, locked_until ASC)`,
	`CREATE TABLE IF NOT EXISTS activity_logs (
		log_id      BIGSERIAL PRIMARY KEY,
		timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
		action      TEXT NOT NULL,
		message_id  TEXT NOT NULL,
		queue_name  TEXT NOT NULL,
		consumer_id TEXT,
		message_type TEXT,
		context     JSONB,
		anomaly_type     TEXT,
		anomaly_severity TEXT,
		anomaly_details  JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_message ON activity_logs (message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON activity_logs (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_queue ON activity_logs (queue_name, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS consumer_stats (
		consumer_id     TEXT PRIMARY KEY,
		total_dequeued  BIGINT NOT NULL DEFAULT 0,
		last_dequeue_at TIMESTAMPTZ,
		anomaly_counts  JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_consumer_stats_id ON consumer_stats (consumer_id)`,
}
