package task

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// State represents the current lifecycle state of a task
type State string

// Possible task state values
const (
	StateQueued          State = "queued"
	StateInFlight        State = "in_flight"
	StateSucceeded       State = "succeeded"
	StateFailedRetryable State = "failed_retryable"
	StateFailedTerminal  State = "failed_terminal"
)

// Valid reports whether s is a known task state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateInFlight, StateSucceeded, StateFailedRetryable, StateFailedTerminal:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is an absorbing state. Once a task reaches a
// terminal state no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailedTerminal
}

// transitions is the guard table for the task state machine. A claimed task
// moves to in-flight; execution ends in succeeded, failed-retryable, or
// failed-terminal; a retryable failure is requeued or, with retries
// exhausted, dead-lettered.
var transitions = map[State][]State{
	StateQueued:          {StateInFlight},
	StateInFlight:        {StateSucceeded, StateFailedRetryable, StateFailedTerminal},
	StateFailedRetryable: {StateQueued, StateFailedTerminal},
}

// CanTransition reports whether moving from one state to another is a legal
// state-machine transition. Terminal states are absorbing.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Common validation errors for Task
var (
	ErrEmptyTaskID       = errors.New("task ID cannot be empty")
	ErrEmptyHandlerName  = errors.New("task handler name cannot be empty")
	ErrNegativeRetries   = errors.New("task max retries cannot be negative")
	ErrZeroSubmittedAt   = errors.New("task submitted-at timestamp cannot be zero")
	ErrInvalidVisibility = errors.New("task visibility timeout must be positive")
)

// Task represents a unit of deferred work flowing from a producer through the
// broker to a worker slot. The id is immutable once assigned; the attempt
// count advances on every redelivery.
type Task struct {
	ID                uuid.UUID     `json:"id"`
	Handler           string        `json:"handler"`
	Payload           []byte        `json:"payload"`
	SubmittedAt       time.Time     `json:"submitted_at"`
	MaxRetries        int           `json:"max_retries"`
	Attempt           int           `json:"attempt"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	AffinityKey       string        `json:"affinity_key,omitempty"`
	Priority          int           `json:"priority,omitempty"`
}

// Options carries the caller-tunable submission settings for a task.
type Options struct {
	// MaxRetries bounds how many times a failed execution is retried before
	// the task is dead-lettered. The handler runs at most MaxRetries+1 times.
	MaxRetries int

	// AffinityKey, when set, overrides the partition key so tasks for one
	// logical resource are delivered in submission order on one partition.
	AffinityKey string

	// Priority is an optional submission hint. It is carried on the wire and
	// persisted but does not reorder delivery within a partition.
	Priority int

	// VisibilityTimeout bounds how long a claim is honored before the broker
	// makes the task visible to another worker. Zero uses the engine default.
	VisibilityTimeout time.Duration
}

// New creates a new Task for the given handler name and payload.
// It generates a new UUID for the task ID and stamps the submission time.
// Returns an error if validation fails.
func New(handler string, payload []byte, opts Options) (*Task, error) {
	t := &Task{
		ID:                uuid.New(),
		Handler:           handler,
		Payload:           payload,
		SubmittedAt:       time.Now().UTC(),
		MaxRetries:        opts.MaxRetries,
		VisibilityTimeout: opts.VisibilityTimeout,
		AffinityKey:       opts.AffinityKey,
		Priority:          opts.Priority,
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return t, nil
}

// Validate checks if the Task has valid data.
// Returns an error if any field fails validation.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.Handler == "" {
		return ErrEmptyHandlerName
	}

	if t.MaxRetries < 0 {
		return ErrNegativeRetries
	}

	if t.SubmittedAt.IsZero() {
		return ErrZeroSubmittedAt
	}

	if t.VisibilityTimeout < 0 {
		return ErrInvalidVisibility
	}

	return nil
}

// PartitionKey returns the broker message key for the task: the affinity key
// when the caller supplied one, otherwise the task id bytes. Tasks sharing a
// key are delivered in submission order on one partition.
func (t *Task) PartitionKey() []byte {
	if t.AffinityKey != "" {
		return []byte(t.AffinityKey)
	}
	return []byte(t.ID.String())
}

// RetriesExhausted reports whether the current attempt count has consumed
// the retry budget.
func (t *Task) RetriesExhausted() bool {
	return t.Attempt >= t.MaxRetries
}
