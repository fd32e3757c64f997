// Package memory provides a mutex-and-slice in-process transport used by
// tests and the single-process demo. It keeps the same contract as the
// broker-backed adapter: at-least-once delivery, per-topic FIFO, and
// lease-expiry redelivery of uncommitted deliveries. Tests drive redelivery
// deterministically through ExpireLeases and ReleaseDelayed instead of
// waiting out real timers.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skovert/relay/internal/transport"
)

// DefaultLease is the visibility window applied to deliveries when the
// transport is constructed without an explicit lease.
const DefaultLease = 30 * time.Second

// message is one retained publication.
type message struct {
	topic string
	key   []byte
	value []byte
}

// pending is a queued or in-flight delivery owned by one subscription.
type pending struct {
	msg          *message
	seq          uint64
	readyAt      time.Time // zero means deliverable now
	leaseExpiry  time.Time // set while in flight
	redeliveries int
}

// Transport is the in-memory broker. The zero value is not usable; call New.
type Transport struct {
	mu     sync.Mutex
	lease  time.Duration
	nextID atomic.Uint64
	log    map[string][]*message    // retained messages per topic
	subs   map[string]*subscription // keyed by topic/group
	closed bool

	failPublishes int
}

// Option configures the transport.
type Option func(*Transport)

// WithLease sets the visibility window for claimed deliveries.
func WithLease(d time.Duration) Option {
	return func(t *Transport) { t.lease = d }
}

// New creates an empty in-memory transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		lease: DefaultLease,
		log:   make(map[string][]*message),
		subs:  make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FailNextPublishes makes the next n Publish calls fail with an
// Unavailable transport error. Tests use it to exercise publish retry.
func (t *Transport) FailNextPublishes(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failPublishes = n
}

// Publish retains the message and hands a copy to every subscribed group.
func (t *Transport) Publish(ctx context.Context, topic string, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &transport.Error{Kind: transport.KindUnavailable, Op: "publish", Err: fmt.Errorf("transport closed")}
	}
	if t.failPublishes > 0 {
		t.failPublishes--
		return &transport.Error{Kind: transport.KindUnavailable, Op: "publish", Err: fmt.Errorf("injected broker outage")}
	}

	msg := &message{topic: topic, key: key, value: value}
	t.log[topic] = append(t.log[topic], msg)

	for _, sub := range t.subs {
		if sub.topic == topic {
			sub.append(t.next(), msg)
		}
	}
	return nil
}

// Subscribe joins the consumer group for topic. A group subscribing for the
// first time receives the topic's retained messages from the beginning;
// repeated calls for the same topic/group share one subscription.
func (t *Transport) Subscribe(ctx context.Context, topic, group string) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, &transport.Error{Kind: transport.KindUnavailable, Op: "subscribe", Err: fmt.Errorf("transport closed")}
	}

	key := topic + "/" + group
	if sub, ok := t.subs[key]; ok {
		return sub, nil
	}

	sub := &subscription{
		parent: t,
		topic:  topic,
		group:  group,
	}
	for _, msg := range t.log[topic] {
		sub.append(t.next(), msg)
	}
	t.subs[key] = sub
	return sub, nil
}

// Close tears down the transport. Subsequent operations fail Unavailable.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// next allocates a delivery sequence number. Atomic, so requeue paths can
// mint one while holding only the subscription mutex.
func (t *Transport) next() uint64 {
	return t.nextID.Add(1)
}

// subscription is one consumer group's delivery stream.
type subscription struct {
	parent *Transport
	topic  string
	group  string

	mu       sync.Mutex
	ready    []*pending
	inflight map[uint64]*pending
	closed   bool
}

// append queues a message for delivery. Caller must not hold s.mu.
func (s *subscription) append(seq uint64, msg *message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		s.inflight = make(map[uint64]*pending)
	}
	s.ready = append(s.ready, &pending{msg: msg, seq: seq})
}

// Next blocks until a delivery is available or ctx is done. Expired leases
// and due nack delays are swept on every call.
func (s *subscription) Next(ctx context.Context) (*transport.Delivery, error) {
	for {
		if d := s.tryNext(time.Now()); d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// tryNext claims the first deliverable pending entry, if any.
func (s *subscription) tryNext(now time.Time) *transport.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.sweepLocked(now)

	for i, p := range s.ready {
		if !p.readyAt.IsZero() && p.readyAt.After(now) {
			continue
		}
		s.ready = append(s.ready[:i], s.ready[i+1:]...)
		p.leaseExpiry = now.Add(s.parent.lease)
		if s.inflight == nil {
			s.inflight = make(map[uint64]*pending)
		}
		s.inflight[p.seq] = p

		return &transport.Delivery{
			Topic:        p.msg.topic,
			Key:          p.msg.key,
			Value:        p.msg.value,
			Redeliveries: p.redeliveries,
			Handle:       p.seq,
		}
	}
	return nil
}

// sweepLocked returns expired in-flight deliveries to the ready queue.
// Each requeued entry gets a fresh sequence number so a handle from the
// lapsed claim cannot alias the re-claim. Caller holds s.mu.
func (s *subscription) sweepLocked(now time.Time) {
	for seq, p := range s.inflight {
		if p.leaseExpiry.After(now) {
			continue
		}
		delete(s.inflight, seq)
		p.seq = s.parent.next()
		p.leaseExpiry = time.Time{}
		p.readyAt = time.Time{}
		p.redeliveries++
		s.ready = append(s.ready, p)
	}
}

// Commit acknowledges the delivery, removing it permanently.
func (s *subscription) Commit(ctx context.Context, d *transport.Delivery) error {
	seq, ok := d.Handle.(uint64)
	if !ok {
		return &transport.Error{Kind: transport.KindUnavailable, Op: "commit", Err: fmt.Errorf("foreign delivery handle %T", d.Handle)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Committing an already-expired (and therefore redelivered) handle is a
	// no-op, matching broker behavior after a lease lapses.
	delete(s.inflight, seq)
	return nil
}

// Nack gives the delivery back for redelivery after the given delay.
func (s *subscription) Nack(ctx context.Context, d *transport.Delivery, redeliverAfter time.Duration) error {
	seq, ok := d.Handle.(uint64)
	if !ok {
		return &transport.Error{Kind: transport.KindUnavailable, Op: "nack", Err: fmt.Errorf("foreign delivery handle %T", d.Handle)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.inflight[seq]
	if !ok {
		return nil
	}
	delete(s.inflight, seq)
	p.seq = s.parent.next()
	p.leaseExpiry = time.Time{}
	p.readyAt = time.Now().Add(redeliverAfter)
	p.redeliveries++
	s.ready = append(s.ready, p)
	return nil
}

// Backlog returns the pending plus unacked delivery count for the group.
func (s *subscription) Backlog(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.ready) + len(s.inflight)), nil
}

// Close releases the subscription. Uncommitted deliveries stay redeliverable
// if the group subscribes again.
func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ExpireLeases forces every in-flight delivery's lease to lapse immediately,
// so the next claim sees the redelivery. Tests use this to simulate a worker
// crash without waiting out the lease.
func (s *subscription) ExpireLeases() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.inflight {
		p.leaseExpiry = time.Time{}
	}
	s.sweepLocked(time.Now())
}

// ReleaseDelayed makes every nacked delivery deliverable immediately,
// skipping its backoff delay.
func (s *subscription) ReleaseDelayed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ready {
		p.readyAt = time.Time{}
	}
}

// ExpireLeases exposes the subscription hook through the transport for
// tests that only hold the transport. It expires leases on every
// subscription.
func (t *Transport) ExpireLeases() {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.ExpireLeases()
	}
}

// ReleaseDelayed releases nack delays on every subscription.
func (t *Transport) ReleaseDelayed() {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.ReleaseDelayed()
	}
}
