// Copyright 2025 James Ross
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mood-agency/relay/internal/store"
)

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ActivityFilter{Limit: 100}
	if qn := q.Get("queueName"); qn != "" {
		f.QueueName = &qn
	}
	if lim, err := strconv.Atoi(q.Get("limit")); err == nil && lim > 0 {
		f.Limit = lim
	}
	logs, err := s.act.GetActivityLogs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activity": logs})
}

func (s *Server) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	history, err := s.act.GetMessageHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AnomalyFilter{Limit: 100}
	if qn := q.Get("queueName"); qn != "" {
		f.QueueName = &qn
	}
	logs, summary, err := s.act.GetAnomalies(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"anomalies": logs, "summary": summary})
}

func (s *Server) handleConsumerStats(w http.ResponseWriter, r *http.Request) {
	consumerID := r.URL.Query().Get("consumerId")
	stats, err := s.act.GetConsumerStats(r.Context(), consumerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"consumers": stats})
}
