package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/skovert/relay/internal/store"
	"github.com/skovert/relay/internal/task"
)

// Action is the retry coordinator's decision for a failed execution.
type Action int

// Possible decisions
const (
	// ActionNone means the task is already finalized; the delivery is
	// committed and nothing else happens.
	ActionNone Action = iota

	// ActionRequeue means the task goes back on the queue after Delay.
	ActionRequeue

	// ActionDeadLetter means retries are exhausted: a terminal failure
	// record is written and the delivery leaves the live queue.
	ActionDeadLetter
)

// Decision pairs an Action with its requeue delay.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Coordinator decides whether a failed task is retried with backoff or
// routed to terminal failure. The result store is consulted first so that
// recomputing the decision for an already-finalized task is a no-op.
type Coordinator struct {
	results task.ResultStore
	base    time.Duration
	cap     time.Duration
	logger  *slog.Logger
}

// NewCoordinator creates a retry coordinator with the given backoff bounds.
func NewCoordinator(results task.ResultStore, base, cap time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		results: results,
		base:    base,
		cap:     cap,
		logger:  logger.With("component", "retry_coordinator"),
	}
}

// OnFailure decides the fate of a failed execution. attempt is the
// zero-based count of the attempt that just failed, including redeliveries
// the transport observed.
func (c *Coordinator) OnFailure(ctx context.Context, t *task.Task, attempt int, cause error) (Decision, error) {
	// Idempotence guard: a redelivered task that already has a terminal
	// record must not be retried or dead-lettered again.
	if _, err := c.results.GetResult(ctx, t.ID); err == nil {
		c.logger.Debug("task already finalized, skipping retry decision",
			"task_id", t.ID,
			"handler", t.Handler)
		return Decision{Action: ActionNone}, nil
	} else if !errors.Is(err, store.ErrResultNotFound) {
		return Decision{}, err
	}

	if attempt >= t.MaxRetries {
		c.logger.Info("retries exhausted, dead-lettering task",
			"task_id", t.ID,
			"handler", t.Handler,
			"attempt", attempt,
			"max_retries", t.MaxRetries,
			"error", cause)
		return Decision{Action: ActionDeadLetter}, nil
	}

	delay := c.Backoff(attempt)
	c.logger.Info("requeueing failed task",
		"task_id", t.ID,
		"handler", t.Handler,
		"attempt", attempt,
		"delay", delay,
		"error", cause)
	return Decision{Action: ActionRequeue, Delay: delay}, nil
}

// Backoff returns the requeue delay for the given zero-based attempt:
// base × 2^attempt, capped, plus up to 50% jitter so redeliveries of many
// tasks failing together do not land in one thundering herd.
func (c *Coordinator) Backoff(attempt int) time.Duration {
	exp := c.exponential(attempt)
	jitter := time.Duration(rand.Float64() * 0.5 * float64(exp))
	return exp + jitter
}

// exponential is the deterministic portion of the backoff schedule. It is
// non-decreasing in the attempt count.
func (c *Coordinator) exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	factor := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(c.base) * factor)

	// Guard against overflow for very large attempt counts.
	if delay <= 0 || delay > c.cap {
		delay = c.cap
	}
	return delay
}
