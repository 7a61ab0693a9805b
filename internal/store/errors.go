// Copyright 2025 James Ross
package store

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/mood-agency/relay/internal/model"
)

// transientPQCodes are the Postgres SQLSTATEs retried internally with
// bounded backoff before surfacing as StoreFailure, per spec.md §4.1 and §7.
var transientPQCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57P03": true, // cannot_connect_now
}

// classify turns a raw driver error into the model.Error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFound(op + ": not found")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if transientPQCodes[string(pqErr.Code)] {
			return model.StoreTransient(op, err)
		}
		if pqErr.Code == "23505" { // unique_violation
			return model.AlreadyExists(op + ": already exists")
		}
	}
	return model.StoreFailure(op, err)
}
