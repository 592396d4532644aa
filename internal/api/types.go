package api

import (
	jsoniter "github.com/json-iterator/go"

	"versionedkv/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is the wire form of a record. Payload travels as base64.
type Record struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
	Version uint64 `json:"version"`
}

// FieldValue is one value picked out of a JSON payload by a gjson path.
type FieldValue struct {
	ID      string              `json:"id"`
	Version uint64              `json:"version"`
	Path    string              `json:"path"`
	Value   jsoniter.RawMessage `json:"value"`
}

type CreateRecordRequest struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

type ReplaceRecordRequest struct {
	Payload         []byte  `json:"payload"`
	ExpectedVersion *uint64 `json:"expected_version,omitempty"`
}

// ErrorResponse is the body of every non-2xx response. LastVersion and
// Attempts are only set when retries ran out.
type ErrorResponse struct {
	Error       string `json:"error"`
	LastVersion uint64 `json:"last_version,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
}

// UpdateParams are the query parameters shared by the mutating endpoints.
type UpdateParams struct {
	MaxAttempts *int
	Exclusive   *bool
}

func toWire(rec model.Record) Record {
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	return Record{ID: rec.ID, Payload: payload, Version: rec.Version}
}
