// Package dispatch implements the enqueue-side front of the engine:
// producers submit tasks and poll for results. Submission is synchronous up
// to broker acknowledgment only; it never waits for execution.
package dispatch

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

// ErrResultPending is returned by GetResult while no terminal record exists
// for the task yet.
var ErrResultPending = errors.New("task result pending")

// Config holds the dispatcher settings.
type Config struct {
	// Topic is the broker topic task envelopes are published to.
	Topic string

	// PublishRetries bounds how many times an Unavailable publish is
	// retried (with backoff) before Submit gives up.
	PublishRetries uint64

	// PublishBackoff is the initial backoff between publish retries.
	PublishBackoff time.Duration
}

// Dispatcher submits tasks to the broker and reads results from the result
// store.
type Dispatcher struct {
	transport transport.Transport
	results   task.ResultStore
	cfg       Config
	logger    *slog.Logger
}

// New creates a dispatcher publishing to cfg.Topic.
func New(tr transport.Transport, results task.ResultStore, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PublishRetries == 0 {
		cfg.PublishRetries = 5
	}
	if cfg.PublishBackoff == 0 {
		cfg.PublishBackoff = 250 * time.Millisecond
	}
	return &Dispatcher{
		transport: tr,
		results:   results,
		cfg:       cfg,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Submit creates a task for the named handler and publishes its envelope,
// returning once the broker acknowledges. An Unavailable broker is retried
// with backoff under the same task id, so a submission never mints
// duplicate ids however many publish attempts it takes.
func (d *Dispatcher) Submit(ctx context.Context, handlerName string, payload []byte, opts task.Options) (uuid.UUID, error) {
	t, err := task.New(handlerName, payload, opts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("submit: %w", err)
	}

	data, err := envelope.Encode(t)
	if err != nil {
		return uuid.Nil, fmt.Errorf("submit: %w", err)
	}

	backoff := retry.WithMaxRetries(d.cfg.PublishRetries, retry.NewExponential(d.cfg.PublishBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.transport.Publish(ctx, d.cfg.Topic, t.PartitionKey(), data); err != nil {
			if transport.IsUnavailable(err) || transport.IsTimeout(err) {
				d.logger.Warn("publish failed, retrying",
					"task_id", t.ID,
					"handler", handlerName,
					"error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("submit task %s: %w", t.ID, err)
	}

	d.logger.Info("task submitted",
		"task_id", t.ID,
		"handler", handlerName,
		"max_retries", t.MaxRetries)
	return t.ID, nil
}

// GetResult reads the terminal record for the task id. It returns
// ErrResultPending while no terminal record exists; it never blocks waiting
// for execution.
func (d *Dispatcher) GetResult(ctx context.Context, taskID uuid.UUID) (*task.ResultRecord, error) {
	record, err := d.results.GetResult(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrResultNotFound) {
			return nil, ErrResultPending
		}
		return nil, fmt.Errorf("get result for task %s: %w", taskID, err)
	}
	return record, nil
}
