package versioned

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Typed stores values of T as JSON payloads.
type Typed[T any] struct {
	store *Store
}

func NewTyped[T any](store *Store) *Typed[T] {
	return &Typed[T]{store: store}
}

func (t *Typed[T]) Get(ctx context.Context, id string) (T, uint64, error) {
	var v T
	rec, err := t.store.Get(ctx, id)
	if err != nil {
		return v, 0, err
	}
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		return v, 0, fmt.Errorf("decode %q: %w", id, err)
	}
	return v, rec.Version, nil
}

func (t *Typed[T]) Create(ctx context.Context, id string, v T) (uint64, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %q: %w", id, err)
	}
	rec, err := t.store.Create(ctx, id, payload)
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// Update decodes the current value, lets fn modify it in place and writes the
// result back. An error from fn aborts the update; so does a payload that no
// longer decodes as T.
func (t *Typed[T]) Update(ctx context.Context, id string, fn func(v *T) error, policy RetryPolicy) (T, uint64, error) {
	var out T
	rec, err := t.store.Update(ctx, id, func(payload []byte) ([]byte, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		if err := fn(&v); err != nil {
			if errors.Is(err, ErrUnchanged) {
				out = v
			}
			return nil, err
		}
		out = v
		return json.Marshal(v)
	}, policy)
	if err != nil {
		var zero T
		return zero, 0, err
	}
	return out, rec.Version, nil
}
