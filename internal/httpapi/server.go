// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mood-agency/relay/internal/activity"
	"github.com/mood-agency/relay/internal/config"
	"github.com/mood-agency/relay/internal/engine"
	"github.com/mood-agency/relay/internal/events"
	"github.com/mood-agency/relay/internal/registry"
	"go.uber.org/zap"
)

// Server binds the engine, registry, and activity pipeline to the route
// table of spec.md §6, the way the teacher's admin-api.Server binds its
// handlers over a shared Redis client.
type Server struct {
	cfg *config.HTTP
	eng *engine.Engine
	reg *registry.Registry
	act *activity.Pipeline
	bus *events.Bus
	log *zap.Logger

	srv *http.Server
}

func NewServer(cfg *config.HTTP, eng *engine.Engine, reg *registry.Registry, act *activity.Pipeline, bus *events.Bus, log *zap.Logger) *Server {
	return &Server{cfg: cfg, eng: eng, reg: reg, act: act, bus: bus, log: log}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	rl := newRateLimiter(s.cfg.RateLimitPerSec, s.cfg.RateLimitBurst)

	r.HandleFunc("/queue/message", s.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc("/queue/batch", s.handleEnqueueBatch).Methods(http.MethodPost)
	r.HandleFunc("/queue/message", s.handleDequeue).Methods(http.MethodGet)
	r.HandleFunc("/queue/ack", s.handleAck).Methods(http.MethodPost)
	r.HandleFunc("/queue/message/{id}/nack", s.handleNack).Methods(http.MethodPost)
	r.HandleFunc("/queue/message/{id}/touch", s.handleTouch).Methods(http.MethodPut)
	r.HandleFunc("/queue/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/queue/{queueName}/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/queue/move", s.handleMove).Methods(http.MethodPost)
	r.HandleFunc("/queue/message/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/queue/{queueName}/clear", s.handlePurgeStatus).Methods(http.MethodDelete)
	r.HandleFunc("/queue/clear", s.handlePurgeAll).Methods(http.MethodDelete)

	r.HandleFunc("/queue/activity", s.handleActivity).Methods(http.MethodGet)
	r.HandleFunc("/queue/activity/message/{id}", s.handleMessageHistory).Methods(http.MethodGet)
	r.HandleFunc("/queue/activity/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/queue/activity/consumers", s.handleConsumerStats).Methods(http.MethodGet)

	r.HandleFunc("/queue/events", s.handleEvents)

	r.HandleFunc("/queues", s.handleCreateQueue).Methods(http.MethodPost)
	r.HandleFunc("/queues", s.handleListQueues).Methods(http.MethodGet)
	r.HandleFunc("/queues/{name}", s.handleGetQueue).Methods(http.MethodGet)
	r.HandleFunc("/queues/{name}", s.handleUpdateQueue).Methods(http.MethodPut)
	r.HandleFunc("/queues/{name}", s.handleDeleteQueue).Methods(http.MethodDelete)
	r.HandleFunc("/queues/{name}/purge", s.handlePurgeQueue).Methods(http.MethodPost)

	var handler http.Handler = r
	handler = rl.middleware()(handler)
	handler = requestLogMiddleware(s.log)(handler)
	handler = recoveryMiddleware(s.log)(handler)
	return handler
}

func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.Info("starting httpapi server", zap.String("addr", s.cfg.ListenAddr))
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
