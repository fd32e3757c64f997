// Package envelope implements the wire codec for task envelopes carried by
// the broker. Encoding is a pure transform: JSON with timestamps and
// durations flattened to epoch/interval milliseconds so decoding is
// unambiguous across locales and timezones. Unknown fields are ignored on
// decode for forward compatibility; missing required fields are rejected
// with a DecodeError.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/skovert/relay/internal/task"
)

// DecodeError reports a malformed envelope. Malformed envelopes are
// dead-lettered immediately rather than retried: redelivery cannot fix a
// payload that does not parse.
type DecodeError struct {
	// TaskID is the envelope's id when it parsed before the failing field,
	// uuid.Nil otherwise. A recovered id lets the consumer record a
	// terminal failure for the task even though the envelope is unusable.
	TaskID uuid.UUID

	// Field names the missing or invalid field, when known.
	Field string
	Err   error
}

// Error implements the error interface for DecodeError.
func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode envelope: field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decode envelope: %v", e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// errMissing is the cause recorded for an absent required field.
var errMissing = fmt.Errorf("required field missing")

// wire is the on-the-wire envelope shape. Numeric time fields use
// millisecond integers; the payload rides as base64 via encoding/json's
// []byte handling.
type wire struct {
	ID                  string `json:"id"`
	Handler             string `json:"handler"`
	Payload             []byte `json:"payload,omitempty"`
	SubmittedAtMs       int64  `json:"submitted_at_ms"`
	MaxRetries          int    `json:"max_retries"`
	Attempt             int    `json:"attempt"`
	VisibilityTimeoutMs int64  `json:"visibility_timeout_ms,omitempty"`
	AffinityKey         string `json:"affinity_key,omitempty"`
	Priority            int    `json:"priority,omitempty"`
}

// Encode serializes a task into its broker wire format.
func Encode(t *task.Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	w := wire{
		ID:                  t.ID.String(),
		Handler:             t.Handler,
		Payload:             t.Payload,
		SubmittedAtMs:       t.SubmittedAt.UnixMilli(),
		MaxRetries:          t.MaxRetries,
		Attempt:             t.Attempt,
		VisibilityTimeoutMs: t.VisibilityTimeout.Milliseconds(),
		AffinityKey:         t.AffinityKey,
		Priority:            t.Priority,
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a broker message value back into a task. Unknown fields are
// ignored; absent required fields produce a *DecodeError naming the field.
func Decode(data []byte) (*task.Task, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Err: err}
	}

	if w.ID == "" {
		return nil, &DecodeError{Field: "id", Err: errMissing}
	}
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, &DecodeError{Field: "id", Err: err}
	}

	if w.Handler == "" {
		return nil, &DecodeError{TaskID: id, Field: "handler", Err: errMissing}
	}

	if w.SubmittedAtMs <= 0 {
		return nil, &DecodeError{TaskID: id, Field: "submitted_at_ms", Err: errMissing}
	}

	if w.MaxRetries < 0 {
		return nil, &DecodeError{TaskID: id, Field: "max_retries", Err: fmt.Errorf("must not be negative")}
	}
	if w.Attempt < 0 {
		return nil, &DecodeError{TaskID: id, Field: "attempt", Err: fmt.Errorf("must not be negative")}
	}

	return &task.Task{
		ID:                id,
		Handler:           w.Handler,
		Payload:           w.Payload,
		SubmittedAt:       time.UnixMilli(w.SubmittedAtMs).UTC(),
		MaxRetries:        w.MaxRetries,
		Attempt:           w.Attempt,
		VisibilityTimeout: time.Duration(w.VisibilityTimeoutMs) * time.Millisecond,
		AffinityKey:       w.AffinityKey,
		Priority:          w.Priority,
	}, nil
}
