// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mood-agency/relay/internal/engine"
	"github.com/mood-agency/relay/internal/model"
	"github.com/mood-agency/relay/internal/store"
)

type enqueueRequest struct {
	Queue             string          `json:"queue"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	Priority          int             `json:"priority"`
	AckTimeoutSeconds int             `json:"ack_timeout_seconds,omitempty"`
	MaxAttempts       int             `json:"max_attempts,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.eng.Enqueue(r.Context(), req.Queue, req.Type, req.Payload, req.Priority, req.AckTimeoutSeconds, req.MaxAttempts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": msg.ID, "queue": msg.QueueName})
}

type enqueueBatchRequest struct {
	Queue    string `json:"queue"`
	Messages []struct {
		Type              string          `json:"type"`
		Payload           json.RawMessage `json:"payload"`
		Priority          int             `json:"priority"`
		AckTimeoutSeconds int             `json:"ack_timeout_seconds,omitempty"`
		MaxAttempts       int             `json:"max_attempts,omitempty"`
	} `json:"messages"`
}

func (s *Server) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req enqueueBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, model.InvalidArgument("messages must not be empty"))
		return
	}
	items := make([]engine.BatchItem, 0, len(req.Messages))
	for _, m := range req.Messages {
		items = append(items, engine.BatchItem{
			Type: m.Type, Payload: m.Payload, Priority: m.Priority,
			MaxAttempts: m.MaxAttempts, AckTimeoutSeconds: m.AckTimeoutSeconds,
		})
	}
	msgs, err := s.eng.EnqueueBatch(r.Context(), req.Queue, items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"count": len(msgs)})
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	queueName := q.Get("queue")
	if queueName == "" {
		writeError(w, model.InvalidArgument("queue is required"))
		return
	}
	consumerID := q.Get("consumerId")
	if consumerID == "" {
		writeError(w, model.InvalidArgument("consumerId is required"))
		return
	}
	timeoutSeconds, _ := strconv.Atoi(q.Get("timeout"))
	var typeFilter *string
	if t := q.Get("type"); t != "" {
		typeFilter = &t
	}

	msg, err := s.eng.Dequeue(r.Context(), queueName, typeFilter, consumerID, timeoutSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	if msg == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NOT_FOUND", Message: "no message available"})
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type ackRequest struct {
	ID        string `json:"id"`
	LockToken string `json:"lock_token"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" || req.LockToken == "" {
		writeError(w, model.InvalidArgument("id and lock_token are required"))
		return
	}
	if _, err := s.eng.Ack(r.Context(), req.ID, req.LockToken); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type nackRequest struct {
	LockToken string `json:"lock_token"`
	Reason    string `json:"reason"`
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req nackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.eng.Nack(r.Context(), id, req.LockToken, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type touchRequest struct {
	LockToken     string `json:"lock_token"`
	ExtendSeconds int    `json:"extend_seconds"`
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req touchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	newDeadline, err := s.eng.Touch(r.Context(), id, req.LockToken, req.ExtendSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"new_timeout_at": newDeadline.Unix(),
		"lock_token":     req.LockToken,
	})
}

type moveRequest struct {
	ID         string       `json:"id"`
	DestQueue  string       `json:"dest_queue"`
	DestStatus model.Status `json:"dest_status"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.eng.Move(r.Context(), req.ID, req.DestQueue, req.DestStatus); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"movedCount": 1})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.eng.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	queueName := mux.Vars(r)["queueName"]
	q := r.URL.Query()
	f := store.MessageFilter{QueueName: queueName, Limit: 100}
	if lim, err := strconv.Atoi(q.Get("limit")); err == nil && lim > 0 {
		f.Limit = lim
	}
	if off, err := strconv.Atoi(q.Get("offset")); err == nil && off > 0 {
		f.Offset = off
	}
	if st := q.Get("status"); st != "" {
		s := model.Status(st)
		f.Status = &s
	}
	if t := q.Get("type"); t != "" {
		f.Type = &t
	}
	msgs, total, err := s.eng.ListMessages(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages":   msgs,
		"pagination": map[string]interface{}{"total": total, "limit": f.Limit, "offset": f.Offset},
	})
}

func (s *Server) handlePurgeStatus(w http.ResponseWriter, r *http.Request) {
	queueName := mux.Vars(r)["queueName"]
	var statusPtr *model.Status
	if st := r.URL.Query().Get("status"); st != "" {
		v := model.Status(st)
		statusPtr = &v
	}
	count, err := s.eng.Purge(r.Context(), queueName, statusPtr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": count})
}

type purgeAllRequest struct {
	Queue string `json:"queue"`
}

func (s *Server) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	var req purgeAllRequest
	_ = decodeJSON(r, &req)
	if req.Queue == "" {
		writeError(w, model.InvalidArgument("queue is required"))
		return
	}
	count, err := s.eng.Purge(r.Context(), req.Queue, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": count})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queueName := r.URL.Query().Get("queueName")
	q, err := s.reg.Get(r.Context(), queueName)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"queue": q}
	if r.URL.Query().Get("include_messages") == "true" {
		msgs, _, err := s.eng.ListMessages(r.Context(), store.MessageFilter{QueueName: queueName, Limit: 50})
		if err != nil {
			writeError(w, err)
			return
		}
		resp["messages"] = msgs
	}
	writeJSON(w, http.StatusOK, resp)
}
