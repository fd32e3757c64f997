package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/skovert/relay/internal/envelope"
	"github.com/skovert/relay/internal/store"
	"github.com/skovert/relay/internal/task"
	"github.com/skovert/relay/internal/transport"
)

// EngineConfig holds the execution engine settings.
type EngineConfig struct {
	// DeadLetterTopic receives envelopes that are terminally failed:
	// malformed envelopes, unknown handlers, and retry-exhausted tasks.
	DeadLetterTopic string

	// VisibilityTimeout is the default claim lease for tasks that did not
	// carry their own.
	VisibilityTimeout time.Duration

	// StoreWriteRetries bounds the local retries of a failing result-store
	// write before the delivery is left unacked for broker redelivery.
	StoreWriteRetries uint64
}

// ProcessHooks lets the caller observe claim and report transitions, so the
// pool can keep its slot bookkeeping (assigned task, lease expiry) accurate
// without the engine knowing about slots.
type ProcessHooks struct {
	OnClaim  func(taskID uuid.UUID, leaseExpiry time.Time)
	OnReport func()
}

// Engine executes one delivered envelope at a time: decode, claim, run the
// registered handler inside a recovery boundary, then finalize through the
// result store and ack the delivery.
type Engine struct {
	registry  *task.Registry
	results   task.ResultStore
	retry     *Coordinator
	publisher transport.Transport
	cfg       EngineConfig
	logger    *slog.Logger
}

// NewEngine creates an execution engine.
func NewEngine(
	registry *task.Registry,
	results task.ResultStore,
	coordinator *Coordinator,
	publisher transport.Transport,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	if cfg.StoreWriteRetries == 0 {
		cfg.StoreWriteRetries = 3
	}
	return &Engine{
		registry:  registry,
		results:   results,
		retry:     coordinator,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "execution_engine"),
	}
}

// Process drives one delivery through the task state machine. The delivery
// is committed on every terminal outcome; it is deliberately left unacked
// when the result store cannot be written, so the broker redelivers and
// at-least-once is preserved.
func (e *Engine) Process(ctx context.Context, sub transport.Subscription, d *transport.Delivery, hooks ProcessHooks) {
	t, err := envelope.Decode(d.Value)
	if err != nil {
		// Retrying cannot fix a malformed payload: dead-letter immediately.
		e.logger.Error("dropping malformed envelope",
			"topic", d.Topic,
			"error", err)

		// When the envelope's id survived decoding, the failure is still
		// recorded so a producer polling for the result sees a terminal
		// state instead of waiting forever. Id-less garbage has no record
		// to write.
		var decodeErr *envelope.DecodeError
		if errors.As(err, &decodeErr) && decodeErr.TaskID != uuid.Nil {
			if !e.finalize(ctx, task.NewFailedResult(decodeErr.TaskID, err), e.logger) {
				return
			}
		}

		e.publishDeadLetter(ctx, d.Key, d.Value)
		e.commit(ctx, sub, d)
		return
	}

	attempt := t.Attempt + d.Redeliveries
	logger := e.logger.With(
		"task_id", t.ID,
		"handler", t.Handler,
		"attempt", attempt,
	)

	// Redelivery after finalization: the existing record wins, nothing runs.
	if _, err := e.results.GetResult(ctx, t.ID); err == nil {
		logger.Debug("task already finalized, committing redelivery")
		e.commit(ctx, sub, d)
		return
	} else if !errors.Is(err, store.ErrResultNotFound) {
		logger.Error("result store unreadable, leaving delivery unacked", "error", err)
		return
	}

	handler, err := e.registry.Resolve(t.Handler)
	if err != nil {
		// An unregistered handler name cannot be fixed by redelivery any
		// more than a malformed payload can.
		logger.Error("no handler registered for task, dead-lettering")
		if !e.finalize(ctx, task.NewFailedResult(t.ID, err), logger) {
			return
		}
		e.publishDeadLetter(ctx, d.Key, d.Value)
		e.commit(ctx, sub, d)
		return
	}

	visibility := t.VisibilityTimeout
	if visibility == 0 {
		visibility = e.cfg.VisibilityTimeout
	}
	leaseExpiry := time.Now().Add(visibility)
	if hooks.OnClaim != nil {
		hooks.OnClaim(t.ID, leaseExpiry)
	}

	logger.Info("executing task")
	output, execErr := e.execute(ctx, t, handler)

	if hooks.OnReport != nil {
		hooks.OnReport()
	}

	if execErr == nil {
		if !e.finalize(ctx, task.NewSucceededResult(t.ID, output), logger) {
			return
		}
		logger.Info("task succeeded")
		e.commit(ctx, sub, d)
		return
	}

	e.handleFailure(ctx, sub, d, t, attempt, execErr, logger)
}

// execute invokes the handler inside a scoped recovery boundary: a panic in
// task logic is converted into a retryable handler error instead of taking
// the slot down.
func (e *Engine) execute(ctx context.Context, t *task.Task, handler task.Handler) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Handler: t.Handler, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	output, err = handler(ctx, t.Payload)
	if err != nil {
		err = &HandlerError{Handler: t.Handler, Err: err}
	}
	return output, err
}

// handleFailure hands the failed execution to the retry coordinator and
// carries out its decision.
func (e *Engine) handleFailure(
	ctx context.Context,
	sub transport.Subscription,
	d *transport.Delivery,
	t *task.Task,
	attempt int,
	cause error,
	logger *slog.Logger,
) {
	decision, err := e.retry.OnFailure(ctx, t, attempt, cause)
	if err != nil {
		logger.Error("retry decision unavailable, leaving delivery unacked", "error", err)
		return
	}

	switch decision.Action {
	case ActionNone:
		e.commit(ctx, sub, d)

	case ActionRequeue:
		if err := sub.Nack(ctx, d, decision.Delay); err != nil {
			// The lease will lapse and the broker redelivers anyway; the
			// backoff delay is lost, not the task.
			logger.Error("nack failed", "error", err)
		}

	case ActionDeadLetter:
		if !e.finalize(ctx, task.NewFailedResult(t.ID, cause), logger) {
			return
		}
		e.publishDeadLetter(ctx, d.Key, d.Value)
		e.commit(ctx, sub, d)
	}
}

// finalize writes a terminal record, retrying transient store failures at
// the write boundary. Returns false when the store stays unavailable; the
// caller then leaves the delivery unacked so the broker redelivers.
func (e *Engine) finalize(ctx context.Context, record *task.ResultRecord, logger *slog.Logger) bool {
	backoff := retry.WithMaxRetries(e.cfg.StoreWriteRetries, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.results.WriteResult(ctx, record); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		logger.Error("result store write failed, leaving delivery unacked",
			"state", record.State,
			"error", err)
		return false
	}
	return true
}

// publishDeadLetter forwards the raw envelope to the dead-letter topic.
// Best effort: the authoritative terminal state already lives in the result
// store, the dead-letter topic is for operational inspection.
func (e *Engine) publishDeadLetter(ctx context.Context, key, value []byte) {
	if e.cfg.DeadLetterTopic == "" {
		return
	}
	if err := e.publisher.Publish(ctx, e.cfg.DeadLetterTopic, key, value); err != nil {
		e.logger.Error("dead-letter publish failed",
			"topic", e.cfg.DeadLetterTopic,
			"error", err)
	}
}

func (e *Engine) commit(ctx context.Context, sub transport.Subscription, d *transport.Delivery) {
	if err := sub.Commit(ctx, d); err != nil {
		// At-least-once: an uncommitted delivery is redelivered and the
		// idempotent finalization guard absorbs the duplicate.
		e.logger.Error("commit failed", "topic", d.Topic, "error", err)
	}
}
