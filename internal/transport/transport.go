package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies transport failures.
type ErrorKind string

// Possible transport error kinds
const (
	// KindUnavailable means the broker could not be reached. Callers retry
	// with backoff; the failure is not counted against any task's attempts.
	KindUnavailable ErrorKind = "unavailable"

	// KindTimeout means the broker did not acknowledge in time.
	KindTimeout ErrorKind = "timeout"
)

// Error is the typed failure reported by transport implementations.
type Error struct {
	Kind ErrorKind
	Op   string // the operation that failed (e.g. "publish", "commit")
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Op, e.Kind)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is a broker-unreachable transport error.
func IsUnavailable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindUnavailable
}

// IsTimeout reports whether err is an ack-timeout transport error.
func IsTimeout(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindTimeout
}

// Delivery is one message handed to a consumer, paired with the opaque
// handle the adapter needs to commit or nack it.
type Delivery struct {
	Topic string
	Key   []byte
	Value []byte

	// Redeliveries counts how many times this delivery has already been
	// handed out and taken back, when the adapter can observe that (a
	// lapsed lease or a nack). Adapters that cannot track it report zero;
	// the envelope's own attempt count still advances on every requeue.
	Redeliveries int

	// Handle is adapter-owned state identifying this delivery for
	// Commit/Nack. Callers must treat it as opaque.
	Handle any
}

// Subscription is one consumer-group member's view of a topic: a lazy
// sequence of deliveries plus offset/ack management.
//
// Delivery is at-least-once. Ordering is preserved only within a single
// partition; tasks sharing a message key arrive in submission order, with no
// cross-partition guarantee.
type Subscription interface {
	// Next blocks until a delivery is available or ctx is done.
	Next(ctx context.Context) (*Delivery, error)

	// Commit acknowledges the delivery, removing it from the live queue.
	Commit(ctx context.Context, d *Delivery) error

	// Nack gives the delivery back for redelivery after the given delay.
	Nack(ctx context.Context, d *Delivery, redeliverAfter time.Duration) error

	// Backlog returns the observed pending/unacked message count for the
	// consumer group. The autoscaler samples this.
	Backlog(ctx context.Context) (int64, error)

	// Close releases the subscription. In-flight uncommitted deliveries
	// become redeliverable per at-least-once semantics.
	Close() error
}

// Transport abstracts publish/subscribe over the broker. There is no
// implicit global connection; every component that talks to the broker is
// handed a Transport explicitly.
type Transport interface {
	// Publish sends value to topic. The key drives partition assignment:
	// messages sharing a key land on one partition and keep submission
	// order there.
	Publish(ctx context.Context, topic string, key, value []byte) error

	// Subscribe joins the consumer group for topic and returns the group
	// member's delivery stream.
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)

	// Close tears down the transport's connections.
	Close() error
}
