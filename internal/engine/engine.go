// Copyright 2025 James Ross

// Package engine wires the Enqueue Path (C4), Dequeue Engine (C5), and
// Completion Engine (C6) into a single dependency-injected Engine, the way
// the teacher wires a Producer/Worker pair over a shared Redis client and
// config: one struct per concern, constructed once at process start and
// handed the store, registry, activity pipeline, and event bus it needs.
package engine

import (
	"context"

	"github.com/mood-agency/relay/internal/activity"
	"github.com/mood-agency/relay/internal/config"
	"github.com/mood-agency/relay/internal/events"
	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/registry"
	"github.com/mood-agency/relay/internal/store"
	"go.uber.org/zap"
)

// Engine is the broker's public operation surface: every method here is an
// independent task per spec.md §5, safe to call concurrently from many
// goroutines (the HTTP layer spawns one per request).
type Engine struct {
	st       store.Store
	reg      *registry.Registry
	act      *activity.Pipeline
	bus      *events.Bus
	cfg      *config.Config
	log      *zap.Logger
}

func New(st store.Store, reg *registry.Registry, act *activity.Pipeline, bus *events.Bus, cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{st: st, reg: reg, act: act, bus: bus, cfg: cfg, log: log}
}

func (e *Engine) detector() store.Detector {
	if e.act == nil || !e.cfg.Activity.Enabled {
		return nil
	}
	return e.act.Detect
}

func (e *Engine) emit(ev events.Event) {
	if e.bus != nil {
		e.bus.Emit(ev)
	}
}

// resolveQueue loads the named queue, translating a store miss into the
// QueueNotFound kind every enqueue/dequeue caller expects.
func (e *Engine) resolveQueue(ctx context.Context, name string) (model.Queue, error) {
	q, err := e.reg.Get(ctx, name)
	if err != nil {
		if model.KindOf(err) == model.KindNotFound {
			return model.Queue{}, model.QueueNotFound(name)
		}
		return model.Queue{}, err
	}
	return q, nil
}

func effectiveAckTimeout(msgOverride, queueDefault int) int {
	if msgOverride > 0 {
		return msgOverride
	}
	return queueDefault
}

func effectiveMaxAttempts(msgOverride, queueDefault int) int {
	if msgOverride > 0 {
		return msgOverride
	}
	return queueDefault
}

