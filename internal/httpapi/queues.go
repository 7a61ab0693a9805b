// Copyright 2025 James Ross
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mood-agency/relay/internal/model"
)

type createQueueRequest struct {
	Name              string `json:"name"`
	QueueType         string `json:"queue_type"`
	AckTimeoutSeconds int    `json:"ack_timeout_seconds"`
	MaxAttempts       int    `json:"max_attempts"`
	PartitionInterval string `json:"partition_interval,omitempty"`
	RetentionInterval string `json:"retention_interval,omitempty"`
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	q := model.Queue{
		Name:              req.Name,
		QueueType:         model.QueueType(req.QueueType),
		AckTimeoutSeconds: req.AckTimeoutSeconds,
		MaxAttempts:       req.MaxAttempts,
	}
	if req.QueueType == "" {
		q.QueueType = model.QueueStandard
	}
	if req.PartitionInterval != "" {
		d, err := time.ParseDuration(req.PartitionInterval)
		if err != nil {
			writeError(w, model.InvalidArgument("invalid partition_interval"))
			return
		}
		q.PartitionInterval = d
	}
	if req.RetentionInterval != "" {
		d, err := time.ParseDuration(req.RetentionInterval)
		if err != nil {
			writeError(w, model.InvalidArgument("invalid retention_interval"))
			return
		}
		q.RetentionInterval = d
	}
	if err := s.reg.Create(r.Context(), q); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	counts, err := s.reg.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queues": counts})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	q, err := s.reg.Get(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type updateQueueRequest struct {
	AckTimeoutSeconds *int   `json:"ack_timeout_seconds,omitempty"`
	MaxAttempts       *int   `json:"max_attempts,omitempty"`
	RetentionInterval string `json:"retention_interval,omitempty"`
}

func (s *Server) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req updateQueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var retention *time.Duration
	if req.RetentionInterval != "" {
		d, err := time.ParseDuration(req.RetentionInterval)
		if err != nil {
			writeError(w, model.InvalidArgument("invalid retention_interval"))
			return
		}
		retention = &d
	}
	if err := s.reg.Update(r.Context(), name, req.AckTimeoutSeconds, req.MaxAttempts, retention); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	force := r.URL.Query().Get("force") == "true"
	if err := s.reg.Delete(r.Context(), name, force); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePurgeQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var statusPtr *model.Status
	if st := r.URL.Query().Get("status"); st != "" {
		v := model.Status(st)
		statusPtr = &v
	}
	count, err := s.eng.Purge(r.Context(), name, statusPtr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": count})
}
