package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apapsch/go-jsonmerge/v2"
	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/oapi-codegen/runtime"
	"github.com/tidwall/gjson"

	"versionedkv/internal/model"
	"versionedkv/internal/versioned"
)

const (
	maxBodyBytes = 4 << 20

	// MaxAttemptsLimit caps the max_attempts query parameter.
	MaxAttemptsLimit = 100

	leaseKeyPrefix = "records/"
)

// Options configures NewServer.
type Options struct {
	// Policy bounds updates that do not pass max_attempts. The zero value
	// means versioned.DefaultRetryPolicy.
	Policy versioned.RetryPolicy
	// Locker enables ?exclusive=true on PUT and PATCH. Lease is how long a
	// lease is held before it expires on its own.
	Locker versioned.Locker
	Lease  time.Duration
}

type server struct {
	store *versioned.Store
	opts  Options
}

// NewServer exposes store over HTTP and adds a health check.
func NewServer(store *versioned.Store, opts Options) http.Handler {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = versioned.DefaultRetryPolicy()
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Second
	}
	s := &server{store: store, opts: opts}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/v1/records", func(r chi.Router) {
		r.Post("/", s.createRecord)
		r.Get("/{id}", s.getRecord)
		r.Put("/{id}", s.replaceRecord)
		r.Patch("/{id}", s.patchRecord)
		r.Delete("/{id}", s.deleteRecord)
	})

	return r
}

func (s *server) getRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var path *string
	if err := runtime.BindQueryParameter("form", true, false, "path", r.URL.Query(), &path); err != nil {
		writeError(w, r, badRequest("invalid format for parameter path: %s", err))
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if path == nil {
		writeRecord(w, http.StatusOK, rec)
		return
	}

	if !gjson.ValidBytes(rec.Payload) {
		writeError(w, r, errNotJSON)
		return
	}
	value := gjson.GetBytes(rec.Payload, *path)
	if !value.Exists() {
		writeError(w, r, fmt.Errorf("path %q: %w", *path, versioned.ErrNotFound))
		return
	}
	w.Header().Set("ETag", etag(rec.Version))
	writeJSON(w, http.StatusOK, FieldValue{
		ID:      rec.ID,
		Version: rec.Version,
		Path:    *path,
		Value:   jsoniter.RawMessage(value.Raw),
	})
}

func (s *server) createRecord(w http.ResponseWriter, r *http.Request) {
	var req CreateRecordRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ID == "" {
		writeError(w, r, badRequest("id is required"))
		return
	}
	rec, err := s.store.Create(r.Context(), req.ID, req.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/records/"+req.ID)
	writeRecord(w, http.StatusCreated, rec)
}

// replaceRecord overwrites the payload. With an expected version, from the
// body or If-Match, it is a single conditional write; without one it retries
// on conflict like any other update.
func (s *server) replaceRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	params, err := updateParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ReplaceRecordRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	expected := req.ExpectedVersion
	if expected == nil {
		if expected, err = ifMatch(r); err != nil {
			writeError(w, r, err)
			return
		}
	}

	var rec model.Record
	if expected != nil {
		rec, err = s.store.CompareAndSwap(r.Context(), id, *expected, req.Payload)
	} else {
		payload := req.Payload
		rec, err = s.update(r.Context(), id, func([]byte) ([]byte, error) {
			return payload, nil
		}, params)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRecord(w, http.StatusOK, rec)
}

// patchRecord deep-merges a JSON object into a JSON payload: nested objects
// merge, other values are replaced and new keys are added.
func (s *server) patchRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	params, err := updateParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(patch, &obj); err != nil || obj == nil {
		writeError(w, r, badRequest("merge patch must be a JSON object"))
		return
	}

	rec, err := s.update(r.Context(), id, func(cur []byte) ([]byte, error) {
		return mergePatch(cur, patch)
	}, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRecord(w, http.StatusOK, rec)
}

func mergePatch(cur, patch []byte) ([]byte, error) {
	m := &jsonmerge.Merger{CopyNonexistent: true}
	merged, err := m.MergeBytes(cur, patch)
	if err != nil {
		return nil, fmt.Errorf("payload is not a JSON document: %w", err)
	}
	if len(m.Errors) > 0 {
		return nil, fmt.Errorf("patch does not fit the payload: %w", errors.Join(m.Errors...))
	}
	// the merger re-encodes compactly with sorted keys, so compare against
	// cur in that same form
	canonical, err := (&jsonmerge.Merger{}).MergeBytes(cur, []byte("{}"))
	if err != nil {
		return nil, fmt.Errorf("payload is not a JSON document: %w", err)
	}
	if bytes.Equal(merged, canonical) {
		return nil, versioned.ErrUnchanged
	}
	return merged, nil
}

func (s *server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	params, err := updateParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	policy, err := s.policy(params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.store.Delete(r.Context(), id, policy); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) update(ctx context.Context, id string, mutate versioned.MutateFunc, params UpdateParams) (model.Record, error) {
	policy, err := s.policy(params)
	if err != nil {
		return model.Record{}, err
	}
	if params.Exclusive == nil || !*params.Exclusive {
		return s.store.Update(ctx, id, mutate, policy)
	}
	if s.opts.Locker == nil {
		return model.Record{}, badRequest("exclusive updates are not enabled")
	}
	return s.store.UpdateExclusive(ctx, id, mutate, versioned.ExclusiveOptions{
		Locker:        s.opts.Locker,
		Lease:         s.opts.Lease,
		AcquirePolicy: policy,
		UpdatePolicy:  policy,
		KeyPrefix:     leaseKeyPrefix,
	})
}

func (s *server) policy(params UpdateParams) (versioned.RetryPolicy, error) {
	policy := s.opts.Policy
	if params.MaxAttempts == nil {
		return policy, nil
	}
	n := *params.MaxAttempts
	if n < 1 || n > MaxAttemptsLimit {
		return versioned.RetryPolicy{}, badRequest("max_attempts must be between 1 and %d", MaxAttemptsLimit)
	}
	policy.MaxAttempts = n
	return policy, nil
}

func pathID(r *http.Request) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", badRequest("invalid format for parameter id: %s", err)
	}
	return id, nil
}

func updateParams(r *http.Request) (UpdateParams, error) {
	var params UpdateParams
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "max_attempts", query, &params.MaxAttempts); err != nil {
		return UpdateParams{}, badRequest("invalid format for parameter max_attempts: %s", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "exclusive", query, &params.Exclusive); err != nil {
		return UpdateParams{}, badRequest("invalid format for parameter exclusive: %s", err)
	}
	return params, nil
}

// ifMatch reads a version from an If-Match header in the form ETag sets.
func ifMatch(r *http.Request) (*uint64, error) {
	v := r.Header.Get("If-Match")
	if v == "" {
		return nil, nil
	}
	v = strings.Trim(strings.TrimPrefix(v, "W/"), `"`)
	version, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, badRequest("invalid If-Match header %q", r.Header.Get("If-Match"))
	}
	return &version, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, badRequest("read body: %s", err)
	}
	if len(body) > maxBodyBytes {
		return nil, badRequest("body larger than %d bytes", maxBodyBytes)
	}
	return body, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("invalid request body: %s", err)
	}
	return nil
}

var errNotJSON = errors.New("payload is not a JSON document")

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func writeRecord(w http.ResponseWriter, status int, rec model.Record) {
	w.Header().Set("ETag", etag(rec.Version))
	writeJSON(w, status, toWire(rec))
}

func etag(version uint64) string {
	return `"` + strconv.FormatUint(version, 10) + `"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var (
		status   int
		reqErr   *requestError
		conflict *versioned.ConflictError
	)
	switch {
	case errors.As(err, &reqErr):
		status = http.StatusBadRequest
	case errors.As(err, &conflict):
		status = http.StatusConflict
		resp.LastVersion = conflict.LastVersion
		resp.Attempts = conflict.Attempts
	case errors.Is(err, versioned.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, versioned.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, versioned.ErrVersionMismatch):
		status = http.StatusPreconditionFailed
	case errors.Is(err, versioned.ErrMutationAborted), errors.Is(err, errNotJSON):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, versioned.ErrBusy):
		status = http.StatusLocked
	case errors.Is(err, versioned.ErrStoreFault),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
