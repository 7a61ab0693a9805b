// Copyright 2025 James Ross
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mood-agency/relay/internal/model"
)

// Memory is an in-process fake implementing Store, used by component tests
// that exercise engine/registry/activity logic without a real Postgres
// instance, mirroring the interface-based testing style the corpus uses for
// its other swappable backends.
type Memory struct {
	mu       sync.Mutex
	queues   map[string]model.Queue
	messages map[string]model.Message
	activity []model.ActivityLog
	nextLog  int64
	stats    map[string]model.ConsumerStats
	locks    map[int64]bool
	subs     map[string][]func(string)
}

func NewMemory() *Memory {
	return &Memory{
		queues:   map[string]model.Queue{},
		messages: map[string]model.Message{},
		stats:    map[string]model.ConsumerStats{},
		locks:    map[int64]bool{},
		subs:     map[string][]func(string){},
	}
}

func (m *Memory) Bootstrap(ctx context.Context) error { return nil }
func (m *Memory) Close() error                        { return nil }

func (m *Memory) CreateQueue(ctx context.Context, q model.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[q.Name]; ok {
		return model.AlreadyExists("queue " + q.Name + " already exists")
	}
	q.CreatedAt, q.UpdatedAt = time.Now(), time.Now()
	m.queues[q.Name] = q
	return nil
}

func (m *Memory) GetQueue(ctx context.Context, name string) (model.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return model.Queue{}, model.QueueNotFound(name)
	}
	return q, nil
}

func (m *Memory) ListQueues(ctx context.Context) ([]model.QueueCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]model.QueueCounts, 0, len(names))
	for _, n := range names {
		counts := map[model.Status]int64{}
		for _, msg := range m.messages {
			if msg.QueueName == n {
				counts[msg.Status]++
			}
		}
		out = append(out, model.QueueCounts{Queue: m.queues[n], ByStatus: counts})
	}
	return out, nil
}

func (m *Memory) UpdateQueue(ctx context.Context, name string, mutate func(*model.Queue)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return model.QueueNotFound(name)
	}
	mutate(&q)
	q.UpdatedAt = time.Now()
	m.queues[name] = q
	return nil
}

func (m *Memory) DeleteQueue(ctx context.Context, name string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; !ok {
		return model.QueueNotFound(name)
	}
	if !force {
		for _, msg := range m.messages {
			if msg.QueueName == name {
				return model.Conflict("queue is not empty; pass force=true")
			}
		}
	}
	for id, msg := range m.messages {
		if msg.QueueName == name {
			delete(m.messages, id)
		}
	}
	delete(m.queues, name)
	return nil
}

func (m *Memory) PurgeQueue(ctx context.Context, name string, status *model.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, msg := range m.messages {
		if msg.QueueName != name {
			continue
		}
		if status != nil && msg.Status != *status {
			continue
		}
		delete(m.messages, id)
		n++
	}
	return n, nil
}

func (m *Memory) InsertMessage(ctx context.Context, msg model.Message, logCtx map[string]interface{}, detect Detector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	entry := model.ActivityLog{Timestamp: msg.CreatedAt, Action: model.ActionEnqueue, MessageID: msg.ID, QueueName: msg.QueueName, MessageType: msg.Type, Context: logCtx}
	if detect != nil {
		entry.Anomaly = detect(model.DetectionContext{Message: msg, Action: model.ActionEnqueue, Extra: logCtx})
	}
	m.appendLog(entry)
	return nil
}

func (m *Memory) InsertMessageBatch(ctx context.Context, msgs []model.Message, batchID string, detect Detector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.messages[msg.ID] = msg
	}
	if len(msgs) > 0 {
		extra := map[string]interface{}{"batch_id": batchID, "count": len(msgs)}
		entry := model.ActivityLog{Action: model.ActionEnqueue, MessageID: msgs[0].ID, QueueName: msgs[0].QueueName, Context: extra}
		if detect != nil {
			entry.Anomaly = detect(model.DetectionContext{Message: msgs[0], Action: model.ActionEnqueue, Extra: extra})
		}
		m.appendLog(entry)
	}
	return nil
}

func (m *Memory) ClaimMessage(ctx context.Context, opts ClaimOptions, detect Detector) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *model.Message
	for id, msg := range m.messages {
		if msg.QueueName != opts.QueueName || msg.Status != model.StatusQueued {
			continue
		}
		if opts.Type != nil && msg.Type != *opts.Type {
			continue
		}
		candidate := m.messages[id]
		if best == nil || candidate.Priority > best.Priority ||
			(candidate.Priority == best.Priority && candidate.CreatedAt.Before(best.CreatedAt)) {
			c := candidate
			best = &c
		}
	}
	if best == nil {
		return nil, nil
	}

	lockToken := model.NewLockToken()
	ackTimeout := best.EffectiveAckTimeoutSeconds(opts.AckTimeoutSeconds, opts.AckTimeoutSeconds)
	lockedUntil := time.Now().Add(time.Duration(ackTimeout) * time.Second)
	now := time.Now()

	best.Status = model.StatusProcessing
	best.AttemptCount++
	best.LockToken = &lockToken
	best.LockedUntil = &lockedUntil
	best.ConsumerID = &opts.ConsumerID
	best.DequeuedAt = &now
	m.messages[best.ID] = *best

	extra := map[string]interface{}{"attempt_count": best.AttemptCount}
	entry := model.ActivityLog{Action: model.ActionDequeue, MessageID: best.ID, QueueName: best.QueueName,
		ConsumerID: &opts.ConsumerID, MessageType: best.Type, Context: extra}
	if detect != nil {
		entry.Anomaly = detect(model.DetectionContext{Message: *best, Action: model.ActionDequeue, ConsumerID: opts.ConsumerID, Extra: extra})
	}
	m.appendLog(entry)
	return best, nil
}

func (m *Memory) Listen(ctx context.Context, channel string, handler func(payload string)) error {
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], handler)
	m.mu.Unlock()
	return nil
}

// Notify is a test helper invoking any subscribed handlers, standing in for
// Postgres NOTIFY.
func (m *Memory) Notify(channel, payload string) {
	m.mu.Lock()
	handlers := append([]func(string){}, m.subs[channel]...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (m *Memory) GetMessage(ctx context.Context, id string) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, model.NotFound("message " + id)
	}
	return msg, nil
}

// logLockMismatch records a lock_stolen anomaly for a rejected ack/nack/touch
// without mutating message state, mirroring the Postgres adapter's audit of
// split-brain attempts under the same lock.
func (m *Memory) logLockMismatch(action model.Action, msg model.Message, presented string) {
	var stored string
	if msg.LockToken != nil {
		stored = *msg.LockToken
	}
	m.appendLog(model.ActivityLog{
		Action: action, MessageID: msg.ID, QueueName: msg.QueueName, ConsumerID: msg.ConsumerID, MessageType: msg.Type,
		Anomaly: &model.Anomaly{Type: model.AnomalyLockStolen, Severity: model.SeverityCritical,
			Details: map[string]interface{}{"presented_token": presented, "stored_token": stored}},
	})
}

func (m *Memory) Ack(ctx context.Context, id, lockToken string, detect Detector) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, model.NotFound("message " + id)
	}
	if msg.Status != model.StatusProcessing || msg.LockToken == nil || *msg.LockToken != lockToken {
		m.logLockMismatch(model.ActionAck, msg, lockToken)
		return model.Message{}, model.LockLost("lock token mismatch on ack")
	}
	now := time.Now()
	msg.Status = model.StatusAcknowledged
	msg.AcknowledgedAt = &now
	msg.LockToken = nil
	m.messages[id] = msg
	entry := model.ActivityLog{Action: model.ActionAck, MessageID: id, QueueName: msg.QueueName, ConsumerID: msg.ConsumerID, MessageType: msg.Type}
	if detect != nil {
		entry.Anomaly = detect(model.DetectionContext{Message: msg, Action: model.ActionAck})
	}
	m.appendLog(entry)
	return msg, nil
}

func (m *Memory) Nack(ctx context.Context, id, lockToken, reason string, detect Detector) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, model.NotFound("message " + id)
	}
	if msg.Status != model.StatusProcessing || msg.LockToken == nil || *msg.LockToken != lockToken {
		m.logLockMismatch(model.ActionNack, msg, lockToken)
		return model.Message{}, model.LockLost("lock token mismatch on nack")
	}
	effMax := msg.EffectiveMaxAttempts(msg.MaxAttempts, msg.MaxAttempts)
	if msg.AttemptCount >= effMax {
		msg.Status = model.StatusDead
	} else {
		msg.Status = model.StatusQueued
		msg.DequeuedAt = nil
	}
	msg.LastError = &reason
	msg.LockToken = nil
	msg.LockedUntil = nil
	m.messages[id] = msg
	extra := map[string]interface{}{"error_reason": reason, "attempt_count": msg.AttemptCount}
	entry := model.ActivityLog{Action: model.ActionNack, MessageID: id, QueueName: msg.QueueName, ConsumerID: msg.ConsumerID, MessageType: msg.Type,
		Context: extra}
	if detect != nil {
		entry.Anomaly = detect(model.DetectionContext{Message: msg, Action: model.ActionNack, ErrorReason: reason, Extra: extra})
	}
	m.appendLog(entry)
	return msg, nil
}

func (m *Memory) Touch(ctx context.Context, id, lockToken string, extendSeconds int, detect Detector) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return time.Time{}, model.NotFound("message " + id)
	}
	if msg.Status != model.StatusProcessing || msg.LockToken == nil || *msg.LockToken != lockToken {
		m.logLockMismatch(model.ActionTouch, msg, lockToken)
		return time.Time{}, model.LockLost("lock token mismatch on touch")
	}
	extend := extendSeconds
	if extend <= 0 {
		extend = msg.EffectiveAckTimeoutSeconds(0, msg.AckTimeoutSecs)
	}
	newDeadline := time.Now().Add(time.Duration(extend) * time.Second)
	msg.LockedUntil = &newDeadline
	m.messages[id] = msg
	m.appendLog(model.ActivityLog{Action: model.ActionTouch, MessageID: id, QueueName: msg.QueueName, ConsumerID: msg.ConsumerID, MessageType: msg.Type})
	return newDeadline, nil
}

func (m *Memory) MoveMessage(ctx context.Context, id, destQueue string, destStatus model.Status, detect Detector) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, model.NotFound("message " + id)
	}
	src := msg.QueueName
	msg.QueueName = destQueue
	msg.Status = destStatus
	if destStatus == model.StatusProcessing {
		token := model.NewLockToken()
		msg.LockToken = &token
	} else {
		msg.LockToken = nil
		msg.LockedUntil = nil
	}
	m.messages[id] = msg
	extra := map[string]interface{}{"source_queue": src, "dest_queue": destQueue, "dest_status": destStatus}
	entry := model.ActivityLog{Action: model.ActionMove, MessageID: id, QueueName: destQueue, MessageType: msg.Type, Context: extra}
	if detect != nil {
		entry.Anomaly = detect(model.DetectionContext{Message: msg, Action: model.ActionMove, Extra: extra})
	}
	m.appendLog(entry)
	return msg, nil
}

func (m *Memory) DeleteMessage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return model.NotFound("message " + id)
	}
	delete(m.messages, id)
	m.appendLog(model.ActivityLog{Action: model.ActionDelete, MessageID: id, QueueName: msg.QueueName, MessageType: msg.Type})
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, f MessageFilter) ([]model.Message, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []model.Message
	for _, msg := range m.messages {
		if msg.QueueName != f.QueueName {
			continue
		}
		if f.Status != nil && msg.Status != *f.Status {
			continue
		}
		if f.Type != nil && msg.Type != *f.Type {
			continue
		}
		if f.ConsumerID != nil && (msg.ConsumerID == nil || *msg.ConsumerID != *f.ConsumerID) {
			continue
		}
		matched = append(matched, msg)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := int64(len(matched))
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (m *Memory) WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (bool, error) {
	m.mu.Lock()
	if m.locks[key] {
		m.mu.Unlock()
		return false, nil
	}
	m.locks[key] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}()
	return true, fn(ctx)
}

func (m *Memory) ClaimOverdue(ctx context.Context, limit int, detect Detector) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, msg := range m.messages {
		if msg.Status == model.StatusProcessing && msg.LockedUntil != nil && msg.LockedUntil.Before(time.Now()) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return m.messages[ids[i]].LockedUntil.Before(*m.messages[ids[j]].LockedUntil) })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	var out []model.Message
	for _, id := range ids {
		msg := m.messages[id]
		effMax := msg.EffectiveMaxAttempts(msg.MaxAttempts, msg.MaxAttempts)
		reason := "ack timeout exceeded"
		if msg.AttemptCount >= effMax {
			msg.Status = model.StatusDead
		} else {
			msg.Status = model.StatusQueued
			msg.DequeuedAt = nil
		}
		msg.LastError = &reason
		msg.LockToken = nil
		msg.LockedUntil = nil
		m.messages[id] = msg
		extra := map[string]interface{}{"attempt_count": msg.AttemptCount, "dest_status": msg.Status}
		entry := model.ActivityLog{Action: model.ActionTimeout, MessageID: id, QueueName: msg.QueueName, MessageType: msg.Type, Context: extra}
		if detect != nil {
			entry.Anomaly = detect(model.DetectionContext{Message: msg, Action: model.ActionTimeout, Extra: extra})
		}
		m.appendLog(entry)
		out = append(out, msg)
	}
	return out, nil
}

func (m *Memory) appendLog(entry model.ActivityLog) {
	m.nextLog++
	entry.LogID = m.nextLog
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.activity = append(m.activity, entry)
}

func (m *Memory) InsertActivityLog(ctx context.Context, entry model.ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLog(entry)
	return nil
}

func (m *Memory) GetActivityLogs(ctx context.Context, f ActivityFilter) ([]model.ActivityLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ActivityLog
	for i := len(m.activity) - 1; i >= 0; i-- {
		a := m.activity[i]
		if f.QueueName != nil && a.QueueName != *f.QueueName {
			continue
		}
		if f.Action != nil && a.Action != *f.Action {
			continue
		}
		if f.MessageID != nil && a.MessageID != *f.MessageID {
			continue
		}
		if f.Since != nil && a.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, a)
	}
	return limitLogs(out, f.Limit, f.Offset), nil
}

func (m *Memory) GetMessageHistory(ctx context.Context, messageID string) ([]model.ActivityLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ActivityLog
	for _, a := range m.activity {
		if a.MessageID == messageID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) GetAnomalies(ctx context.Context, f AnomalyFilter) ([]model.ActivityLog, model.AnomalySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := model.AnomalySummary{ByType: map[model.AnomalyType]int64{}, BySeverity: map[model.Severity]int64{}}
	var out []model.ActivityLog
	for i := len(m.activity) - 1; i >= 0; i-- {
		a := m.activity[i]
		if a.Anomaly == nil {
			continue
		}
		if f.QueueName != nil && a.QueueName != *f.QueueName {
			continue
		}
		if f.Type != nil && a.Anomaly.Type != *f.Type {
			continue
		}
		if f.Severity != nil && a.Anomaly.Severity != *f.Severity {
			continue
		}
		if f.Since != nil && a.Timestamp.Before(*f.Since) {
			continue
		}
		summary.Total++
		summary.ByType[a.Anomaly.Type]++
		summary.BySeverity[a.Anomaly.Severity]++
		out = append(out, a)
	}
	return limitLogs(out, f.Limit, f.Offset), summary, nil
}

func limitLogs(logs []model.ActivityLog, limit, offset int) []model.ActivityLog {
	if limit <= 0 {
		limit = 100
	}
	if offset > len(logs) {
		offset = len(logs)
	}
	end := offset + limit
	if end > len(logs) {
		end = len(logs)
	}
	return logs[offset:end]
}

func (m *Memory) UpsertConsumerStats(ctx context.Context, consumerID string, anomaly *model.AnomalyType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.stats[consumerID]
	if !ok {
		cs = model.ConsumerStats{ConsumerID: consumerID, AnomalyCounts: map[model.AnomalyType]int64{}}
	}
	now := time.Now()
	cs.TotalDequeued++
	cs.LastDequeueAt = &now
	if anomaly != nil {
		if cs.AnomalyCounts == nil {
			cs.AnomalyCounts = map[model.AnomalyType]int64{}
		}
		cs.AnomalyCounts[*anomaly]++
	}
	m.stats[consumerID] = cs
	return nil
}

func (m *Memory) GetConsumerStats(ctx context.Context, consumerID string) ([]model.ConsumerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if consumerID != "" {
		if cs, ok := m.stats[consumerID]; ok {
			return []model.ConsumerStats{cs}, nil
		}
		return nil, nil
	}
	out := make([]model.ConsumerStats, 0, len(m.stats))
	for _, cs := range m.stats {
		out = append(out, cs)
	}
	return out, nil
}

func (m *Memory) SweepActivityRetention(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []model.ActivityLog
	var removed int64
	for _, a := range m.activity {
		if a.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.activity = kept
	return removed, nil
}
