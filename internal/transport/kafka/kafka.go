// Package kafka adapts the transport contract onto Kafka via franz-go.
// Consumer groups provide partition assignment, disabled auto-commit gives
// the engine explicit offset/ack control, and uncommitted offsets become
// redeliverable on rebalance or restart, which is what models lease expiry
// on this substrate.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/skovert/relay/internal/transport"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// headerRedeliveries carries the transport-observed redelivery count across
// nack republishes. Kafka itself does not track per-message delivery counts.
const headerRedeliveries = "relay-redeliveries"

// Transport is the Kafka-backed transport. One producer client is shared by
// all publishers; each Subscribe call owns its own consumer-group client.
type Transport struct {
	seeds    []string
	producer *kgo.Client
	logger   *slog.Logger

	mu   sync.Mutex
	subs []*subscription
}

// New connects a producer client to the given seed brokers.
func New(seeds []string, logger *slog.Logger) (*Transport, error) {
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer client: %w", err)
	}

	return &Transport{
		seeds:    seeds,
		producer: producer,
		logger:   logger.With("component", "kafka_transport"),
	}, nil
}

// Publish produces value to topic synchronously. The key drives partition
// assignment, so messages sharing a key keep submission order.
func (t *Transport) Publish(ctx context.Context, topic string, key, value []byte) error {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	if err := t.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return classify("publish", err)
	}
	return nil
}

// Subscribe joins the consumer group for topic with auto-commit disabled;
// offsets advance only through explicit Commit calls.
func (t *Transport) Subscribe(ctx context.Context, topic, group string) (transport.Subscription, error) {
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(t.seeds...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.AllowAutoTopicCreation(),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, classify("subscribe", err)
	}

	sub := &subscription{
		parent:   t,
		consumer: consumer,
		admin:    kadm.NewClient(consumer),
		topic:    topic,
		group:    group,
		logger:   t.logger.With("topic", topic, "group", group),
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	return sub, nil
}

// Close tears down the producer and every open subscription.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	t.producer.Close()
	return nil
}

// subscription is one consumer-group member's delivery stream.
type subscription struct {
	parent   *Transport
	consumer *kgo.Client
	admin    *kadm.Client
	topic    string
	group    string
	logger   *slog.Logger

	mu      sync.Mutex
	buffer  []*kgo.Record
	windows map[tpKey]*offsetWindow
}

// tpKey identifies one topic partition.
type tpKey struct {
	topic     string
	partition int32
}

// offsetWindow tracks one partition's outstanding deliveries in fetch
// order. Committing a Kafka offset implicitly acknowledges every earlier
// offset on the partition, so with several slots processing one partition
// concurrently the group offset may only advance over deliveries that are
// actually done. A delivery deliberately left unacked holds the window
// open and keeps itself redeliverable across restart or rebalance.
type offsetWindow struct {
	pending []*kgo.Record
	acked   map[int64]struct{}
}

// Next returns the next fetched record, polling the broker when the local
// buffer is drained.
func (s *subscription) Next(ctx context.Context) (*transport.Delivery, error) {
	for {
		s.mu.Lock()
		if len(s.buffer) > 0 {
			rec := s.buffer[0]
			s.buffer = s.buffer[1:]
			s.trackLocked(rec)
			s.mu.Unlock()
			return deliveryFromRecord(rec), nil
		}
		s.mu.Unlock()

		fetches := s.consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil, &transport.Error{Kind: transport.KindUnavailable, Op: "next", Err: errors.New("consumer client closed")}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Error("fetch error",
				"topic", topic,
				"partition", partition,
				"error", err)
		})

		var fetched []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			fetched = append(fetched, rec)
		})
		if len(fetched) == 0 {
			continue
		}

		s.mu.Lock()
		s.buffer = append(s.buffer, fetched...)
		s.mu.Unlock()
	}
}

// Commit acknowledges the delivery. The broker offset only moves when the
// partition's low-water mark advances: commits behind an outstanding
// delivery are held locally and folded into a later commit once the gap
// closes.
func (s *subscription) Commit(ctx context.Context, d *transport.Delivery) error {
	rec, ok := d.Handle.(*kgo.Record)
	if !ok {
		return &transport.Error{Kind: transport.KindUnavailable, Op: "commit", Err: fmt.Errorf("foreign delivery handle %T", d.Handle)}
	}

	s.mu.Lock()
	watermark := s.ackLocked(rec)
	s.mu.Unlock()

	if watermark == nil {
		return nil
	}
	if err := s.consumer.CommitRecords(ctx, watermark); err != nil {
		// The local window already advanced; a later commit on this
		// partition re-covers these offsets, and until then uncommitted
		// offsets stay redeliverable.
		return classify("commit", err)
	}
	return nil
}

// trackLocked registers a handed-out record in its partition window.
// Caller holds s.mu.
func (s *subscription) trackLocked(rec *kgo.Record) {
	if s.windows == nil {
		s.windows = make(map[tpKey]*offsetWindow)
	}
	key := tpKey{topic: rec.Topic, partition: rec.Partition}
	w := s.windows[key]
	if w == nil {
		w = &offsetWindow{acked: make(map[int64]struct{})}
		s.windows[key] = w
	}
	w.pending = append(w.pending, rec)
}

// ackLocked marks the record done and returns the newest record whose
// partition predecessors are all done, or nil when the low-water mark
// cannot advance yet. Duplicate and already-covered commits are inert.
// Caller holds s.mu.
func (s *subscription) ackLocked(rec *kgo.Record) *kgo.Record {
	w := s.windows[tpKey{topic: rec.Topic, partition: rec.Partition}]
	if w == nil || len(w.pending) == 0 || rec.Offset < w.pending[0].Offset {
		return nil
	}
	w.acked[rec.Offset] = struct{}{}

	var watermark *kgo.Record
	for len(w.pending) > 0 {
		head := w.pending[0]
		if _, done := w.acked[head.Offset]; !done {
			break
		}
		delete(w.acked, head.Offset)
		w.pending = w.pending[1:]
		watermark = head
	}
	return watermark
}

// Nack makes the delivery visible again after the delay by republishing the
// value with an advanced redelivery count and committing the original
// offset. Kafka has no per-message nack; the delayed republish preserves
// at-least-once at the cost of losing one retry if the process dies inside
// the delay window.
func (s *subscription) Nack(ctx context.Context, d *transport.Delivery, redeliverAfter time.Duration) error {
	rec, ok := d.Handle.(*kgo.Record)
	if !ok {
		return &transport.Error{Kind: transport.KindUnavailable, Op: "nack", Err: fmt.Errorf("foreign delivery handle %T", d.Handle)}
	}

	redelivery := &kgo.Record{
		Topic: rec.Topic,
		Key:   rec.Key,
		Value: rec.Value,
		Headers: []kgo.RecordHeader{{
			Key:   headerRedeliveries,
			Value: []byte(strconv.Itoa(d.Redeliveries + 1)),
		}},
	}

	produce := func() {
		s.parent.producer.Produce(context.Background(), redelivery, func(_ *kgo.Record, err error) {
			if err != nil {
				s.logger.Error("redelivery publish failed",
					"topic", redelivery.Topic,
					"error", err)
			}
		})
	}

	if redeliverAfter > 0 {
		time.AfterFunc(redeliverAfter, produce)
	} else {
		produce()
	}

	return s.Commit(ctx, d)
}

// Backlog reports the consumer group's total lag across partitions.
func (s *subscription) Backlog(ctx context.Context) (int64, error) {
	lags, err := s.admin.Lag(ctx, s.group)
	if err != nil {
		return 0, classify("backlog", err)
	}

	lag, ok := lags[s.group]
	if !ok {
		return 0, nil
	}
	if err := lag.Error(); err != nil {
		return 0, classify("backlog", err)
	}
	return lag.Lag.Total(), nil
}

// Close leaves the consumer group. Uncommitted offsets are redelivered to
// the surviving group members after rebalance.
func (s *subscription) Close() error {
	s.consumer.Close()
	return nil
}

// deliveryFromRecord converts a fetched record, restoring the redelivery
// count carried in the record headers.
func deliveryFromRecord(rec *kgo.Record) *transport.Delivery {
	redeliveries := 0
	for _, h := range rec.Headers {
		if h.Key == headerRedeliveries {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				redeliveries = n
			}
		}
	}

	return &transport.Delivery{
		Topic:        rec.Topic,
		Key:          rec.Key,
		Value:        rec.Value,
		Redeliveries: redeliveries,
		Handle:       rec,
	}
}

// classify maps low-level client errors onto the transport error taxonomy.
func classify(op string, err error) error {
	kind := transport.KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = transport.KindTimeout
	}
	return &transport.Error{Kind: kind, Op: op, Err: err}
}
