// Copyright 2025 James Ross

// Package reaper implements the Overdue Requeue Worker (C7): a single
// goroutine per process, gated by a deployment-wide advisory lock so only
// the replica currently holding it does work on a given tick, mirroring
// the teacher's worker-heartbeat reaper loop but scanning the relational
// store's overdue processing rows instead of Redis processing lists.
package reaper

import (
	"context"
	"time"

	"github.com/mood-agency/relay/internal/activity"
	"github.com/mood-agency/relay/internal/config"
	"github.com/mood-agency/relay/internal/events"
	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/obs"
	"github.com/mood-agency/relay/internal/store"
	"go.uber.org/zap"
)

type Reaper struct {
	cfg *config.RequeueWorker
	st  store.Store
	act *activity.Pipeline
	bus *events.Bus
	log *zap.Logger
}

func New(cfg *config.RequeueWorker, st store.Store, act *activity.Pipeline, bus *events.Bus, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, st: st, act: act, bus: bus, log: log}
}

// Run ticks every CheckInterval until ctx is cancelled. Each tick attempts
// the advisory lock; only the holder scans. The lock is released on every
// exit path by store.WithAdvisoryLock, including the error path below.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) emit(ev events.Event) {
	if r.bus != nil {
		r.bus.Emit(ev)
	}
}

func (r *Reaper) tick(ctx context.Context) {
	var detect store.Detector
	if r.act != nil {
		detect = r.act.Detect
	}

	_, err := r.st.WithAdvisoryLock(ctx, r.cfg.AdvisoryLockKey, func(ctx context.Context) error {
		overdue, err := r.st.ClaimOverdue(ctx, r.cfg.BatchSize, detect)
		if err != nil {
			return err
		}
		for _, m := range overdue {
			switch m.Status {
			case model.StatusDead:
				obs.ReaperDeadLettered.Inc()
				r.log.Warn("overdue message dead-lettered", obs.String("message_id", m.ID), obs.String("queue", m.QueueName))
				r.emit(events.Event{Type: events.TypeMove, Queue: m.QueueName, Payload: map[string]interface{}{"message_id": m.ID, "dest_status": "dead", "reason": "ack timeout exceeded"}})
			case model.StatusQueued:
				obs.ReaperRequeued.Inc()
				r.log.Info("overdue message requeued", obs.String("message_id", m.ID), obs.String("queue", m.QueueName))
				r.emit(events.Event{Type: events.TypeRequeue, Queue: m.QueueName, Payload: map[string]interface{}{"message_id": m.ID, "reason": "ack timeout exceeded"}})
			}
			r.emit(events.Event{Type: events.TypeTimeout, Queue: m.QueueName, Payload: map[string]interface{}{"message_id": m.ID}})
		}
		return nil
	})
	if err != nil {
		r.log.Warn("reaper tick failed", obs.Err(err))
	}
}
