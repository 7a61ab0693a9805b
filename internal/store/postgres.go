// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mood-agency/relay/internal/breaker"
	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/obs"
)

// Postgres is the concrete Store adapter over database/sql + lib/pq. It
// owns the connection pool and a single dedicated connection for
// LISTEN/NOTIFY, per spec.md §4.1 and §5.
type Postgres struct {
	db            *sql.DB
	listener      *pq.Listener
	dsn           string
	br            *breaker.CircuitBreaker
	retryMax      int
	backoffBase   time.Duration
	backoffMax    time.Duration
	notifyChannel string
}

// PostgresOptions configures pool sizing and retry policy.
type PostgresOptions struct {
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	RetryMaxAttempts int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	// NotifyChannel is the pg_notify channel fired on every successful
	// insert, so blocking dequeue(timeout_seconds > 0) callers wake up
	// instead of polling. Defaults to "relay_enqueue".
	NotifyChannel string
}

// NewPostgres opens the pool and the dedicated LISTEN connection.
func NewPostgres(dsn string, opts PostgresOptions) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, nil)

	channel := opts.NotifyChannel
	if channel == "" {
		channel = "relay_enqueue"
	}

	br := breaker.New(30*time.Second, 5*time.Second, 0.5, 5)
	br.OnTransition(func(s breaker.State) {
		obs.StoreBreakerState.Set(float64(s))
	})

	return &Postgres{
		db:            db,
		listener:      listener,
		dsn:           dsn,
		br:            br,
		retryMax:      opts.RetryMaxAttempts,
		backoffBase:   opts.RetryBackoffBase,
		backoffMax:    opts.RetryBackoffMax,
		notifyChannel: channel,
	}, nil
}

func (p *Postgres) Close() error {
	_ = p.listener.Close()
	return p.db.Close()
}

// withRetry retries StoreTransient failures with bounded exponential
// backoff, gated by the breaker so a degraded store doesn't get hammered by
// every concurrent caller at once.
func (p *Postgres) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := p.backoffBase
	var lastErr error
	for attempt := 0; attempt <= p.retryMax; attempt++ {
		if !p.br.Allow() {
			return model.StoreTransient(op, lastErr)
		}
		err := fn(ctx)
		if err == nil {
			p.br.Record(true)
			return nil
		}
		classified := classify(op, err)
		if model.KindOf(classified) != model.KindStoreTransient {
			p.br.Record(true) // not a store-health signal
			return classified
		}
		p.br.Record(false)
		obs.StoreTransientErrors.Inc()
		lastErr = classified
		if attempt == p.retryMax {
			break
		}
		select {
		case <-ctx.Done():
			return model.Cancelled(op)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.backoffMax {
			backoff = p.backoffMax
		}
	}
	return model.StoreFailure(op+": retries exhausted", lastErr)
}

func (p *Postgres) tx(ctx context.Context, level sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return classify("begin tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

// Bootstrap idempotently creates tables, indexes and the base schema.
func (p *Postgres) Bootstrap(ctx context.Context) error {
	for _, stmt := range bootstrapDDL {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return nil
}

// --- Queue Registry (C3) ---

func (p *Postgres) CreateQueue(ctx context.Context, q model.Queue) error {
	return p.withRetry(ctx, "create queue", func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO queues (name, queue_type, ack_timeout_seconds, max_attempts, partition_interval, retention_interval, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,now(),now())`,
			q.Name, string(q.QueueType), q.AckTimeoutSeconds, q.MaxAttempts,
			nullableDuration(q.PartitionInterval), nullableDuration(q.RetentionInterval))
		return err
	})
}

func (p *Postgres) GetQueue(ctx context.Context, name string) (model.Queue, error) {
	var q model.Queue
	var queueType string
	var partition, retention sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT name, queue_type, ack_timeout_seconds, max_attempts, partition_interval, retention_interval, created_at, updated_at
		FROM queues WHERE name = $1`, name).
		Scan(&q.Name, &queueType, &q.AckTimeoutSeconds, &q.MaxAttempts, &partition, &retention, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return model.Queue{}, classify("get queue", err)
	}
	q.QueueType = model.QueueType(queueType)
	if partition.Valid {
		q.PartitionInterval = time.Duration(partition.Int64)
	}
	if retention.Valid {
		q.RetentionInterval = time.Duration(retention.Int64)
	}
	return q, nil
}

func (p *Postgres) ListQueues(ctx context.Context) ([]model.QueueCounts, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT q.name, q.queue_type, q.ack_timeout_seconds, q.max_attempts, q.partition_interval, q.retention_interval, q.created_at, q.updated_at,
		       m.status, count(*)
		FROM queues q
		LEFT JOIN messages m ON m.queue_name = q.name
		GROUP BY q.name, q.queue_type, q.ack_timeout_seconds, q.max_attempts, q.partition_interval, q.retention_interval, q.created_at, q.updated_at, m.status
		ORDER BY q.name`)
	if err != nil {
		return nil, classify("list queues", err)
	}
	defer rows.Close()

	byName := map[string]*model.QueueCounts{}
	var order []string
	for rows.Next() {
		var q model.Queue
		var queueType string
		var partition, retention sql.NullInt64
		var status sql.NullString
		var count int64
		if err := rows.Scan(&q.Name, &queueType, &q.AckTimeoutSeconds, &q.MaxAttempts, &partition, &retention, &q.CreatedAt, &q.UpdatedAt, &status, &count); err != nil {
			return nil, classify("list queues scan", err)
		}
		q.QueueType = model.QueueType(queueType)
		if partition.Valid {
			q.PartitionInterval = time.Duration(partition.Int64)
		}
		if retention.Valid {
			q.RetentionInterval = time.Duration(retention.Int64)
		}
		entry, ok := byName[q.Name]
		if !ok {
			entry = &model.QueueCounts{Queue: q, ByStatus: map[model.Status]int64{}}
			byName[q.Name] = entry
			order = append(order, q.Name)
		}
		if status.Valid {
			entry.ByStatus[model.Status(status.String)] = count
		}
	}
	out := make([]model.QueueCounts, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}

func (p *Postgres) UpdateQueue(ctx context.Context, name string, mutate func(*model.Queue)) error {
	return p.withRetry(ctx, "update queue", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			q, err := p.getQueueTx(ctx, tx, name)
			if err != nil {
				return err
			}
			mutate(&q)
			_, err = tx.ExecContext(ctx, `
				UPDATE queues SET ack_timeout_seconds=$2, max_attempts=$3, retention_interval=$4, updated_at=now()
				WHERE name=$1`, name, q.AckTimeoutSeconds, q.MaxAttempts, nullableDuration(q.RetentionInterval))
			return err
		})
	})
}

func (p *Postgres) getQueueTx(ctx context.Context, tx *sql.Tx, name string) (model.Queue, error) {
	var q model.Queue
	var queueType string
	var partition, retention sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT name, queue_type, ack_timeout_seconds, max_attempts, partition_interval, retention_interval, created_at, updated_at
		FROM queues WHERE name = $1 FOR UPDATE`, name).
		Scan(&q.Name, &queueType, &q.AckTimeoutSeconds, &q.MaxAttempts, &partition, &retention, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return model.Queue{}, classify("get queue for update", err)
	}
	q.QueueType = model.QueueType(queueType)
	if partition.Valid {
		q.PartitionInterval = time.Duration(partition.Int64)
	}
	if retention.Valid {
		q.RetentionInterval = time.Duration(retention.Int64)
	}
	return q, nil
}

func (p *Postgres) DeleteQueue(ctx context.Context, name string, force bool) error {
	return p.withRetry(ctx, "delete queue", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			if !force {
				var n int64
				if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE queue_name=$1`, name).Scan(&n); err != nil {
					return err
				}
				if n > 0 {
					return model.Conflict("queue is not empty; pass force=true")
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE queue_name=$1`, name); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM queues WHERE name=$1`, name)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				return model.QueueNotFound(name)
			}
			return nil
		})
	})
}

func (p *Postgres) PurgeQueue(ctx context.Context, name string, status *model.Status) (int64, error) {
	var n int64
	err := p.withRetry(ctx, "purge queue", func(ctx context.Context) error {
		var res sql.Result
		var err error
		if status != nil {
			res, err = p.db.ExecContext(ctx, `DELETE FROM messages WHERE queue_name=$1 AND status=$2`, name, string(*status))
		} else {
			res, err = p.db.ExecContext(ctx, `DELETE FROM messages WHERE queue_name=$1`, name)
		}
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// --- Enqueue Path (C4) ---

func (p *Postgres) InsertMessage(ctx context.Context, msg model.Message, logCtx map[string]interface{}, detect Detector) error {
	return p.withRetry(ctx, "insert message", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			if err := insertMessageTx(ctx, tx, msg); err != nil {
				return err
			}
			entry := model.ActivityLog{
				Timestamp: msg.CreatedAt, Action: model.ActionEnqueue, MessageID: msg.ID,
				QueueName: msg.QueueName, MessageType: msg.Type, Context: logCtx,
			}
			if detect != nil {
				entry.Anomaly = detect(model.DetectionContext{Message: msg, Action: model.ActionEnqueue, Extra: logCtx})
			}
			if err := insertActivityTx(ctx, tx, entry); err != nil {
				return err
			}
			return notifyTx(ctx, tx, p.notifyChannel, msg.QueueName)
		})
	})
}

func notifyTx(ctx context.Context, tx *sql.Tx, channel, payload string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, msg model.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, queue_name, type, payload, priority, status, attempt_count, max_attempts,
			ack_timeout_seconds, created_at, payload_size)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		msg.ID, msg.QueueName, msg.Type, []byte(msg.Payload), msg.Priority, string(msg.Status),
		msg.AttemptCount, msg.MaxAttempts, msg.AckTimeoutSecs, msg.CreatedAt, msg.PayloadSize)
	return err
}

func insertActivityTx(ctx context.Context, tx *sql.Tx, entry model.ActivityLog) error {
	ctxJSON, err := marshalOrNil(entry.Context)
	if err != nil {
		return err
	}
	var anomalyType, anomalySeverity *string
	var anomalyDetails []byte
	if entry.Anomaly != nil {
		t := string(entry.Anomaly.Type)
		s := string(entry.Anomaly.Severity)
		anomalyType, anomalySeverity = &t, &s
		anomalyDetails, err = marshalOrNil(entry.Anomaly.Details)
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO activity_logs (timestamp, action, message_id, queue_name, consumer_id, message_type, context, anomaly_type, anomaly_severity, anomaly_details)
		VALUES (now(), $1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		string(entry.Action), entry.MessageID, entry.QueueName, entry.ConsumerID, entry.MessageType,
		ctxJSON, anomalyType, anomalySeverity, anomalyDetails)
	return err
}

func (p *Postgres) InsertMessageBatch(ctx context.Context, msgs []model.Message, batchID string, detect Detector) error {
	return p.withRetry(ctx, "insert message batch", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			for _, msg := range msgs {
				if err := insertMessageTx(ctx, tx, msg); err != nil {
					return err
				}
			}
			if len(msgs) == 0 {
				return nil
			}
			extra := map[string]interface{}{"batch_id": batchID, "count": len(msgs)}
			entry := model.ActivityLog{
				Action: model.ActionEnqueue, MessageID: msgs[0].ID, QueueName: msgs[0].QueueName, Context: extra,
			}
			if detect != nil {
				entry.Anomaly = detect(model.DetectionContext{Message: msgs[0], Action: model.ActionEnqueue, Extra: extra})
			}
			if err := insertActivityTx(ctx, tx, entry); err != nil {
				return err
			}
			return notifyTx(ctx, tx, p.notifyChannel, msgs[0].QueueName)
		})
	})
}

// --- Dequeue Engine (C5) ---

func (p *Postgres) ClaimMessage(ctx context.Context, opts ClaimOptions, detect Detector) (*model.Message, error) {
	var claimed *model.Message
	err := p.withRetry(ctx, "claim message", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				SELECT id, type, payload, priority, attempt_count, max_attempts, ack_timeout_seconds, created_at, payload_size
				FROM messages
				WHERE queue_name = $1 AND status = 'queued' AND ($2::text IS NULL OR type = $2)
				ORDER BY priority DESC, created_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED`, opts.QueueName, opts.Type)

			var m model.Message
			var payload []byte
			if err := row.Scan(&m.ID, &m.Type, &payload, &m.Priority, &m.AttemptCount, &m.MaxAttempts, &m.AckTimeoutSecs, &m.CreatedAt, &m.PayloadSize); err != nil {
				if err == sql.ErrNoRows {
					return nil // no candidate; claimed stays nil
				}
				return err
			}

			lockToken := model.NewLockToken()
			ackTimeout := m.EffectiveAckTimeoutSeconds(opts.AckTimeoutSeconds, opts.AckTimeoutSeconds)
			lockedUntil := time.Now().Add(time.Duration(ackTimeout) * time.Second)

			_, err := tx.ExecContext(ctx, `
				UPDATE messages SET status='processing', attempt_count=attempt_count+1, lock_token=$2,
					locked_until=$3, dequeued_at=now(), consumer_id=$4
				WHERE id=$1`, m.ID, lockToken, lockedUntil, opts.ConsumerID)
			if err != nil {
				return err
			}

			m.QueueName = opts.QueueName
			m.Payload = payload
			m.Status = model.StatusProcessing
			m.AttemptCount++
			m.LockToken = &lockToken
			m.LockedUntil = &lockedUntil
			m.ConsumerID = &opts.ConsumerID
			now := time.Now()
			m.DequeuedAt = &now

			entry := model.ActivityLog{
				Action: model.ActionDequeue, MessageID: m.ID, QueueName: opts.QueueName,
				ConsumerID: &opts.ConsumerID, MessageType: m.Type,
				Context: map[string]interface{}{"attempt_count": m.AttemptCount},
			}
			if detect != nil {
				entry.Anomaly = detect(model.DetectionContext{Message: m, Action: model.ActionDequeue, ConsumerID: opts.ConsumerID})
			}
			if err := insertActivityTx(ctx, tx, entry); err != nil {
				return err
			}
			claimed = &m
			return nil
		})
	})
	return claimed, err
}

func (p *Postgres) Listen(ctx context.Context, channel string, handler func(payload string)) error {
	if err := p.listener.Listen(channel); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = p.listener.Unlisten(channel)
				return
			case notif, ok := <-p.listener.Notify:
				if !ok {
					return
				}
				if notif == nil {
					continue // reconnected; caller should re-poll
				}
				handler(notif.Extra)
			}
		}
	}()
	return nil
}

// --- Completion Engine (C6) ---

func (p *Postgres) GetMessage(ctx context.Context, id string) (model.Message, error) {
	var m model.Message
	var payload []byte
	var lockToken, consumerID, lastError sql.NullString
	var lockedUntil, dequeuedAt, acknowledgedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, queue_name, type, payload, priority, status, attempt_count, max_attempts, ack_timeout_seconds,
			lock_token, locked_until, consumer_id, created_at, dequeued_at, acknowledged_at, last_error, payload_size
		FROM messages WHERE id=$1`, id).Scan(
		&m.ID, &m.QueueName, &m.Type, &payload, &m.Priority, (*string)(&m.Status), &m.AttemptCount, &m.MaxAttempts,
		&m.AckTimeoutSecs, &lockToken, &lockedUntil, &consumerID, &m.CreatedAt, &dequeuedAt, &acknowledgedAt,
		&lastError, &m.PayloadSize)
	if err != nil {
		return model.Message{}, classify("get message", err)
	}
	m.Payload = payload
	if lockToken.Valid {
		m.LockToken = &lockToken.String
	}
	if lockedUntil.Valid {
		m.LockedUntil = &lockedUntil.Time
	}
	if consumerID.Valid {
		m.ConsumerID = &consumerID.String
	}
	if dequeuedAt.Valid {
		m.DequeuedAt = &dequeuedAt.Time
	}
	if acknowledgedAt.Valid {
		m.AcknowledgedAt = &acknowledgedAt.Time
	}
	if lastError.Valid {
		m.LastError = &lastError.String
	}
	return m, nil
}

// logLockMismatch records the lock_stolen anomaly for a rejected
// ack/nack/touch attempt. The invariant that mismatches never mutate state
// still holds; this only appends an audit row.
func logLockMismatch(ctx context.Context, tx *sql.Tx, action model.Action, m model.Message, presentedToken string) error {
	var stored string
	if m.LockToken != nil {
		stored = *m.LockToken
	}
	return insertActivityTx(ctx, tx, model.ActivityLog{
		Action: action, MessageID: m.ID, QueueName: m.QueueName, ConsumerID: m.ConsumerID, MessageType: m.Type,
		Anomaly: &model.Anomaly{
			Type: model.AnomalyLockStolen, Severity: model.SeverityCritical,
			Details: map[string]interface{}{"presented_token": presentedToken, "stored_token": stored},
		},
	})
}

func (p *Postgres) Ack(ctx context.Context, id, lockToken string, detect Detector) (model.Message, error) {
	var result model.Message
	err := p.withRetry(ctx, "ack", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			m, err := lockTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if m.Status != model.StatusProcessing || m.LockToken == nil || *m.LockToken != lockToken {
				if logErr := logLockMismatch(ctx, tx, model.ActionAck, m, lockToken); logErr != nil {
					return logErr
				}
				return model.LockLost("lock token mismatch on ack")
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET status='acknowledged', acknowledged_at=now(), lock_token=NULL WHERE id=$1`, id)
			if err != nil {
				return err
			}
			now := time.Now()
			m.Status = model.StatusAcknowledged
			m.AcknowledgedAt = &now
			m.LockToken = nil
			entry := model.ActivityLog{
				Action: model.ActionAck, MessageID: id, QueueName: m.QueueName, ConsumerID: m.ConsumerID, MessageType: m.Type,
			}
			if detect != nil {
				entry.Anomaly = detect(model.DetectionContext{Message: m, Action: model.ActionAck})
			}
			if err := insertActivityTx(ctx, tx, entry); err != nil {
				return err
			}
			result = m
			return nil
		})
	})
	return result, err
}

func (p *Postgres) Nack(ctx context.Context, id, lockToken, reason string, detect Detector) (model.Message, error) {
	var result model.Message
	err := p.withRetry(ctx, "nack", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			m, err := lockTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if m.Status != model.StatusProcessing || m.LockToken == nil || *m.LockToken != lockToken {
				if logErr := logLockMismatch(ctx, tx, model.ActionNack, m, lockToken); logErr != nil {
					return logErr
				}
				return model.LockLost("lock token mismatch on nack")
			}
			effMax := m.EffectiveMaxAttempts(m.MaxAttempts, m.MaxAttempts)
			if m.AttemptCount >= effMax {
				_, err = tx.ExecContext(ctx, `
					UPDATE messages SET status='dead', last_error=$2, lock_token=NULL, locked_until=NULL WHERE id=$1`, id, reason)
				m.Status = model.StatusDead
			} else {
				_, err = tx.ExecContext(ctx, `
					UPDATE messages SET status='queued', last_error=$2, lock_token=NULL, locked_until=NULL, dequeued_at=NULL WHERE id=$1`, id, reason)
				m.Status = model.StatusQueued
			}
			if err != nil {
				return err
			}
			m.LastError = &reason
			m.LockToken = nil
			entry := model.ActivityLog{
				Action: model.ActionNack, MessageID: id, QueueName: m.QueueName, ConsumerID: m.ConsumerID, MessageType: m.Type,
				Context: map[string]interface{}{"error_reason": reason, "attempt_count": m.AttemptCount},
			}
			if detect != nil {
				entry.Anomaly = detect(model.DetectionContext{Message: m, Action: model.ActionNack, ErrorReason: reason})
			}
			if err := insertActivityTx(ctx, tx, entry); err != nil {
				return err
			}
			if m.Status == model.StatusQueued {
				if err := notifyTx(ctx, tx, p.notifyChannel, m.QueueName); err != nil {
					return err
				}
			}
			result = m
			return nil
		})
	})
	return result, err
}

func (p *Postgres) Touch(ctx context.Context, id, lockToken string, extendSeconds int, detect Detector) (time.Time, error) {
	var newDeadline time.Time
	err := p.withRetry(ctx, "touch", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			m, err := lockTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if m.Status != model.StatusProcessing || m.LockToken == nil || *m.LockToken != lockToken {
				if logErr := logLockMismatch(ctx, tx, model.ActionTouch, m, lockToken); logErr != nil {
					return logErr
				}
				return model.LockLost("lock token mismatch on touch")
			}
			extend := m.EffectiveAckTimeoutSeconds(extendSeconds, m.AckTimeoutSecs)
			if extendSeconds > 0 {
				extend = extendSeconds
			}
			newDeadline = time.Now().Add(time.Duration(extend) * time.Second)
			_, err = tx.ExecContext(ctx, `UPDATE messages SET locked_until=$2 WHERE id=$1`, id, newDeadline)
			if err != nil {
				return err
			}
			return insertActivityTx(ctx, tx, model.ActivityLog{
				Action: model.ActionTouch, MessageID: id, QueueName: m.QueueName, ConsumerID: m.ConsumerID, MessageType: m.Type,
			})
		})
	})
	return newDeadline, err
}

func lockTx(ctx context.Context, tx *sql.Tx, id string) (model.Message, error) {
	var m model.Message
	var lockToken, consumerID sql.NullString
	var dequeuedAt sql.NullTime
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT id, queue_name, type, status, attempt_count, max_attempts, ack_timeout_seconds, lock_token, consumer_id, dequeued_at
		FROM messages WHERE id=$1 FOR UPDATE`, id).
		Scan(&m.ID, &m.QueueName, &m.Type, &status, &m.AttemptCount, &m.MaxAttempts, &m.AckTimeoutSecs, &lockToken, &consumerID, &dequeuedAt)
	if err != nil {
		return model.Message{}, classify("lock message", err)
	}
	m.Status = model.Status(status)
	if lockToken.Valid {
		m.LockToken = &lockToken.String
	}
	if consumerID.Valid {
		m.ConsumerID = &consumerID.String
	}
	if dequeuedAt.Valid {
		m.DequeuedAt = &dequeuedAt.Time
	}
	return m, nil
}

func (p *Postgres) MoveMessage(ctx context.Context, id, destQueue string, destStatus model.Status, detect Detector) (model.Message, error) {
	var result model.Message
	err := p.withRetry(ctx, "move message", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			m, err := lockTx(ctx, tx, id)
			if err != nil {
				return err
			}
			srcQueue := m.QueueName
			if destStatus == model.StatusProcessing {
				token := model.NewLockToken()
				_, err = tx.ExecContext(ctx, `
					UPDATE messages SET queue_name=$2, status=$3, lock_token=$4 WHERE id=$1`, id, destQueue, string(destStatus), token)
				m.LockToken = &token
			} else {
				_, err = tx.ExecContext(ctx, `
					UPDATE messages SET queue_name=$2, status=$3, lock_token=NULL, locked_until=NULL WHERE id=$1`, id, destQueue, string(destStatus))
			}
			if err != nil {
				return err
			}
			m.QueueName = destQueue
			m.Status = destStatus
			extra := map[string]interface{}{"source_queue": srcQueue, "dest_queue": destQueue, "dest_status": destStatus}
			entry := model.ActivityLog{
				Action: model.ActionMove, MessageID: id, QueueName: destQueue, MessageType: m.Type, Context: extra,
			}
			if detect != nil {
				entry.Anomaly = detect(model.DetectionContext{Message: m, Action: model.ActionMove, Extra: extra})
			}
			if err := insertActivityTx(ctx, tx, entry); err != nil {
				return err
			}
			result = m
			return nil
		})
	})
	return result, err
}

func (p *Postgres) DeleteMessage(ctx context.Context, id string) error {
	return p.withRetry(ctx, "delete message", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			m, err := lockTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, id); err != nil {
				return err
			}
			return insertActivityTx(ctx, tx, model.ActivityLog{
				Action: model.ActionDelete, MessageID: id, QueueName: m.QueueName, MessageType: m.Type,
			})
		})
	})
}

func (p *Postgres) ListMessages(ctx context.Context, f MessageFilter) ([]model.Message, int64, error) {
	where := `WHERE queue_name = $1`
	args := []interface{}{f.QueueName}
	idx := 2
	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, string(*f.Status))
		idx++
	}
	if f.Type != nil {
		where += fmt.Sprintf(" AND type = $%d", idx)
		args = append(args, *f.Type)
		idx++
	}
	if f.ConsumerID != nil {
		where += fmt.Sprintf(" AND consumer_id = $%d", idx)
		args = append(args, *f.ConsumerID)
		idx++
	}

	var total int64
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM messages `+where, args...).Scan(&total); err != nil {
		return nil, 0, classify("count messages", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, queue_name, type, payload, priority, status, attempt_count, max_attempts, ack_timeout_seconds,
			lock_token, locked_until, consumer_id, created_at, dequeued_at, acknowledged_at, last_error, payload_size
		FROM messages `+where+fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1), args...)
	if err != nil {
		return nil, 0, classify("list messages", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var payload []byte
		var status string
		var lockToken, consumerID, lastError sql.NullString
		var lockedUntil, dequeuedAt, acknowledgedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.QueueName, &m.Type, &payload, &m.Priority, &status, &m.AttemptCount, &m.MaxAttempts,
			&m.AckTimeoutSecs, &lockToken, &lockedUntil, &consumerID, &m.CreatedAt, &dequeuedAt, &acknowledgedAt,
			&lastError, &m.PayloadSize); err != nil {
			return nil, 0, classify("scan message", err)
		}
		m.Payload = payload
		m.Status = model.Status(status)
		if lockToken.Valid {
			m.LockToken = &lockToken.String
		}
		if lockedUntil.Valid {
			m.LockedUntil = &lockedUntil.Time
		}
		if consumerID.Valid {
			m.ConsumerID = &consumerID.String
		}
		if dequeuedAt.Valid {
			m.DequeuedAt = &dequeuedAt.Time
		}
		if acknowledgedAt.Valid {
			m.AcknowledgedAt = &acknowledgedAt.Time
		}
		if lastError.Valid {
			m.LastError = &lastError.String
		}
		out = append(out, m)
	}
	return out, total, nil
}

// --- Overdue Requeue Worker (C7) ---

func (p *Postgres) WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, classify("advisory lock conn", err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return false, classify("advisory lock acquire", err)
	}
	if !acquired {
		return false, nil
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)

	return true, fn(ctx)
}

func (p *Postgres) ClaimOverdue(ctx context.Context, limit int, detect Detector) ([]model.Message, error) {
	var out []model.Message
	err := p.withRetry(ctx, "claim overdue", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, `
				SELECT id, queue_name, type, attempt_count, max_attempts, dequeued_at, ack_timeout_seconds
				FROM messages
				WHERE status = 'processing' AND locked_until < now()
				ORDER BY locked_until ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED`, limit)
			if err != nil {
				return err
			}
			var ids []string
			var batch []model.Message
			for rows.Next() {
				var m model.Message
				if err := rows.Scan(&m.ID, &m.QueueName, &m.Type, &m.AttemptCount, &m.MaxAttempts, &m.DequeuedAt, &m.AckTimeoutSecs); err != nil {
					rows.Close()
					return err
				}
				ids = append(ids, m.ID)
				batch = append(batch, m)
			}
			rows.Close()

			for i := range batch {
				m := &batch[i]
				effMax := m.EffectiveMaxAttempts(m.MaxAttempts, m.MaxAttempts)
				if m.AttemptCount >= effMax {
					_, err = tx.ExecContext(ctx, `
						UPDATE messages SET status='dead', last_error='ack timeout exceeded', lock_token=NULL, locked_until=NULL WHERE id=$1`, m.ID)
					m.Status = model.StatusDead
				} else {
					_, err = tx.ExecContext(ctx, `
						UPDATE messages SET status='queued', last_error='ack timeout exceeded', lock_token=NULL, locked_until=NULL, dequeued_at=NULL WHERE id=$1`, m.ID)
					m.Status = model.StatusQueued
				}
				if err != nil {
					return err
				}
				extra := map[string]interface{}{"attempt_count": m.AttemptCount, "dest_status": m.Status}
				entry := model.ActivityLog{
					Action: model.ActionTimeout, MessageID: m.ID, QueueName: m.QueueName, MessageType: m.Type,
					Context: extra,
				}
				if detect != nil {
					entry.Anomaly = detect(model.DetectionContext{Message: *m, Action: model.ActionTimeout, Extra: extra})
				}
				if err := insertActivityTx(ctx, tx, entry); err != nil {
					return err
				}
				if m.Status == model.StatusQueued {
					if err := notifyTx(ctx, tx, p.notifyChannel, m.QueueName); err != nil {
						return err
					}
				}
			}
			out = batch
			return nil
		})
	})
	return out, err
}

// --- Activity & Anomaly Pipeline (C8) ---

func (p *Postgres) InsertActivityLog(ctx context.Context, entry model.ActivityLog) error {
	return p.withRetry(ctx, "insert activity log", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			return insertActivityTx(ctx, tx, entry)
		})
	})
}

func (p *Postgres) GetActivityLogs(ctx context.Context, f ActivityFilter) ([]model.ActivityLog, error) {
	where := "WHERE 1=1"
	var args []interface{}
	idx := 1
	if f.QueueName != nil {
		where += fmt.Sprintf(" AND queue_name = $%d", idx)
		args = append(args, *f.QueueName)
		idx++
	}
	if f.Action != nil {
		where += fmt.Sprintf(" AND action = $%d", idx)
		args = append(args, string(*f.Action))
		idx++
	}
	if f.MessageID != nil {
		where += fmt.Sprintf(" AND message_id = $%d", idx)
		args = append(args, *f.MessageID)
		idx++
	}
	if f.Since != nil {
		where += fmt.Sprintf(" AND timestamp >= $%d", idx)
		args = append(args, *f.Since)
		idx++
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	rows, err := p.db.QueryContext(ctx, `
		SELECT log_id, timestamp, action, message_id, queue_name, consumer_id, message_type, context, anomaly_type, anomaly_severity, anomaly_details
		FROM activity_logs `+where+fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d OFFSET $%d", idx, idx+1), args...)
	if err != nil {
		return nil, classify("get activity logs", err)
	}
	defer rows.Close()
	return scanActivityRows(rows)
}

func (p *Postgres) GetMessageHistory(ctx context.Context, messageID string) ([]model.ActivityLog, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT log_id, timestamp, action, message_id, queue_name, consumer_id, message_type, context, anomaly_type, anomaly_severity, anomaly_details
		FROM activity_logs WHERE message_id = $1 ORDER BY timestamp ASC, log_id ASC`, messageID)
	if err != nil {
		return nil, classify("get message history", err)
	}
	defer rows.Close()
	return scanActivityRows(rows)
}

func scanActivityRows(rows *sql.Rows) ([]model.ActivityLog, error) {
	var out []model.ActivityLog
	for rows.Next() {
		var a model.ActivityLog
		var action string
		var consumerID, messageType, anomalyType, anomalySeverity sql.NullString
		var ctxJSON, detailsJSON []byte
		if err := rows.Scan(&a.LogID, &a.Timestamp, &action, &a.MessageID, &a.QueueName, &consumerID, &messageType,
			&ctxJSON, &anomalyType, &anomalySeverity, &detailsJSON); err != nil {
			return nil, classify("scan activity log", err)
		}
		a.Action = model.Action(action)
		if consumerID.Valid {
			a.ConsumerID = &consumerID.String
		}
		a.MessageType = messageType.String
		if len(ctxJSON) > 0 {
			_ = json.Unmarshal(ctxJSON, &a.Context)
		}
		if anomalyType.Valid {
			a.Anomaly = &model.Anomaly{Type: model.AnomalyType(anomalyType.String), Severity: model.Severity(anomalySeverity.String)}
			if len(detailsJSON) > 0 {
				_ = json.Unmarshal(detailsJSON, &a.Anomaly.Details)
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (p *Postgres) GetAnomalies(ctx context.Context, f AnomalyFilter) ([]model.ActivityLog, model.AnomalySummary, error) {
	where := "WHERE anomaly_type IS NOT NULL"
	var args []interface{}
	idx := 1
	if f.QueueName != nil {
		where += fmt.Sprintf(" AND queue_name = $%d", idx)
		args = append(args, *f.QueueName)
		idx++
	}
	if f.Type != nil {
		where += fmt.Sprintf(" AND anomaly_type = $%d", idx)
		args = append(args, string(*f.Type))
		idx++
	}
	if f.Severity != nil {
		where += fmt.Sprintf(" AND anomaly_severity = $%d", idx)
		args = append(args, string(*f.Severity))
		idx++
	}
	if f.Since != nil {
		where += fmt.Sprintf(" AND timestamp >= $%d", idx)
		args = append(args, *f.Since)
		idx++
	}

	summaryRows, err := p.db.QueryContext(ctx, `SELECT anomaly_type, anomaly_severity, count(*) FROM activity_logs `+where+` GROUP BY anomaly_type, anomaly_severity`, args...)
	if err != nil {
		return nil, model.AnomalySummary{}, classify("anomaly summary", err)
	}
	summary := model.AnomalySummary{ByType: map[model.AnomalyType]int64{}, BySeverity: map[model.Severity]int64{}}
	for summaryRows.Next() {
		var t, s string
		var n int64
		if err := summaryRows.Scan(&t, &s, &n); err != nil {
			summaryRows.Close()
			return nil, model.AnomalySummary{}, err
		}
		summary.Total += n
		summary.ByType[model.AnomalyType(t)] += n
		summary.BySeverity[model.Severity(s)] += n
	}
	summaryRows.Close()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	rows, err := p.db.QueryContext(ctx, `
		SELECT log_id, timestamp, action, message_id, queue_name, consumer_id, message_type, context, anomaly_type, anomaly_severity, anomaly_details
		FROM activity_logs `+where+fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d OFFSET $%d", idx, idx+1), args...)
	if err != nil {
		return nil, model.AnomalySummary{}, classify("get anomalies", err)
	}
	defer rows.Close()
	logs, err := scanActivityRows(rows)
	return logs, summary, err
}

func (p *Postgres) UpsertConsumerStats(ctx context.Context, consumerID string, anomaly *model.AnomalyType) error {
	return p.withRetry(ctx, "upsert consumer stats", func(ctx context.Context) error {
		return p.tx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			var anomalyCounts map[model.AnomalyType]int64
			var countsJSON []byte
			var total int64
			err := tx.QueryRowContext(ctx, `SELECT total_dequeued, anomaly_counts FROM consumer_stats WHERE consumer_id=$1 FOR UPDATE`, consumerID).
				Scan(&total, &countsJSON)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			anomalyCounts = map[model.AnomalyType]int64{}
			if len(countsJSON) > 0 {
				_ = json.Unmarshal(countsJSON, &anomalyCounts)
			}
			total++
			if anomaly != nil {
				anomalyCounts[*anomaly]++
			}
			encoded, err := json.Marshal(anomalyCounts)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO consumer_stats (consumer_id, total_dequeued, last_dequeue_at, anomaly_counts)
				VALUES ($1,$2,now(),$3)
				ON CONFLICT (consumer_id) DO UPDATE SET total_dequeued=$2, last_dequeue_at=now(), anomaly_counts=$3`,
				consumerID, total, encoded)
			return err
		})
	})
}

func (p *Postgres) GetConsumerStats(ctx context.Context, consumerID string) ([]model.ConsumerStats, error) {
	where := ""
	var args []interface{}
	if consumerID != "" {
		where = "WHERE consumer_id = $1"
		args = append(args, consumerID)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT consumer_id, total_dequeued, last_dequeue_at, anomaly_counts FROM consumer_stats `+where, args...)
	if err != nil {
		return nil, classify("get consumer stats", err)
	}
	defer rows.Close()
	var out []model.ConsumerStats
	for rows.Next() {
		var cs model.ConsumerStats
		var lastDequeue sql.NullTime
		var countsJSON []byte
		if err := rows.Scan(&cs.ConsumerID, &cs.TotalDequeued, &lastDequeue, &countsJSON); err != nil {
			return nil, err
		}
		if lastDequeue.Valid {
			cs.LastDequeueAt = &lastDequeue.Time
		}
		cs.AnomalyCounts = map[model.AnomalyType]int64{}
		if len(countsJSON) > 0 {
			_ = json.Unmarshal(countsJSON, &cs.AnomalyCounts)
		}
		out = append(out, cs)
	}
	return out, nil
}

func (p *Postgres) SweepActivityRetention(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := p.withRetry(ctx, "sweep activity retention", func(ctx context.Context) error {
		res, err := p.db.ExecContext(ctx, `DELETE FROM activity_logs WHERE timestamp < $1`, olderThan)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func marshalOrNil(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableDuration(d time.Duration) interface{} {
	if d == 0 {
		return nil
	}
	return int64(d)
}
