// Copyright 2025 James Ross

// Package httpapi is the thin external-interface binding of spec.md §6: a
// gorilla/mux router over the engine, registry, and activity pipeline.
// Out of scope for correctness per spec.md §1 — this is one concrete
// binding of the route table, status codes, and SSE framing, not a
// hardened public gateway, grounded on the teacher's admin-api package
// shape (Server struct, SetupRoutes, writeError/writeJSON helpers).
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mood-agency/relay/internal/model"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps the error taxonomy of spec.md §7 to HTTP status codes,
// with LockLost pinned to 409 per the fencing contract in §6.
func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindNotFound, model.KindQueueNotFound:
		return http.StatusNotFound
	case model.KindLockLost:
		return http.StatusConflict
	case model.KindInvalidArgument:
		return http.StatusBadRequest
	case model.KindAlreadyExists, model.KindConflict:
		return http.StatusConflict
	case model.KindCancelled:
		return http.StatusServiceUnavailable
	case model.KindStoreTransient, model.KindStoreFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	writeJSON(w, statusFor(kind), errorBody{Error: string(kind), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.InvalidArgument("malformed request body: " + err.Error())
	}
	return nil
}
