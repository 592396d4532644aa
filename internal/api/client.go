package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"versionedkv/internal/versioned"
)

// APIError surfaces non-2xx responses from the server. It matches the
// versioned sentinel errors, so callers branch on errors.Is the same way
// they would against a local Store.
type APIError struct {
	StatusCode  int
	Message     string
	LastVersion uint64
	Attempts    int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, e.Message)
}

//nolint:errorlint
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == versioned.ErrNotFound
	case http.StatusConflict:
		if e.Attempts > 0 {
			return target == versioned.ErrConflictExhausted
		}
		return target == versioned.ErrAlreadyExists
	case http.StatusPreconditionFailed:
		return target == versioned.ErrVersionMismatch
	case http.StatusUnprocessableEntity:
		return target == versioned.ErrMutationAborted
	case http.StatusLocked:
		return target == versioned.ErrBusy
	case http.StatusServiceUnavailable:
		return target == versioned.ErrStoreFault
	}
	return false
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// UpdateOptions are sent as query parameters on mutating calls.
type UpdateOptions struct {
	MaxAttempts int
	Exclusive   bool
}

func (o UpdateOptions) query() url.Values {
	q := url.Values{}
	if o.MaxAttempts > 0 {
		q.Set("max_attempts", strconv.Itoa(o.MaxAttempts))
	}
	if o.Exclusive {
		q.Set("exclusive", "true")
	}
	return q
}

func (c *Client) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodGet, recordPath(id), nil, nil, nil, http.StatusOK, &rec)
	return rec, err
}

// GetPath reads one value out of a JSON payload, addressed with gjson path
// syntax such as "limits.cpu".
func (c *Client) GetPath(ctx context.Context, id, path string) (FieldValue, error) {
	var fv FieldValue
	err := c.do(ctx, http.MethodGet, recordPath(id), url.Values{"path": []string{path}}, nil, nil, http.StatusOK, &fv)
	return fv, err
}

func (c *Client) Create(ctx context.Context, id string, payload []byte) (Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPost, "/v1/records", nil, nil, CreateRecordRequest{ID: id, Payload: payload}, http.StatusCreated, &rec)
	return rec, err
}

// Replace overwrites the payload, retrying on conflict server-side.
func (c *Client) Replace(ctx context.Context, id string, payload []byte, opts UpdateOptions) (Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPut, recordPath(id), opts.query(), nil, ReplaceRecordRequest{Payload: payload}, http.StatusOK, &rec)
	return rec, err
}

// ReplaceIfVersion overwrites the payload only if the record is still at
// version. A moved record yields an error matching versioned.ErrVersionMismatch.
func (c *Client) ReplaceIfVersion(ctx context.Context, id string, payload []byte, version uint64) (Record, error) {
	var rec Record
	header := http.Header{"If-Match": []string{etag(version)}}
	err := c.do(ctx, http.MethodPut, recordPath(id), nil, header, ReplaceRecordRequest{Payload: payload}, http.StatusOK, &rec)
	return rec, err
}

// Patch merges a JSON object into the record's JSON payload.
func (c *Client) Patch(ctx context.Context, id string, patch []byte, opts UpdateOptions) (Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPatch, recordPath(id), opts.query(), nil, rawBody(patch), http.StatusOK, &rec)
	return rec, err
}

func (c *Client) Delete(ctx context.Context, id string, opts UpdateOptions) error {
	return c.do(ctx, http.MethodDelete, recordPath(id), opts.query(), nil, nil, http.StatusNoContent, nil)
}

func recordPath(id string) string {
	return "/v1/records/" + url.PathEscape(id)
}

// rawBody is sent as is instead of being encoded.
type rawBody []byte

func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, body interface{}, want int, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case rawBody:
		reader = bytes.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return newAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %d response: %w", resp.StatusCode, err)
	}
	return nil
}

func newAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Message: string(body)}
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		apiErr.Message = resp.Error
		apiErr.LastVersion = resp.LastVersion
		apiErr.Attempts = resp.Attempts
	}
	return apiErr
}
