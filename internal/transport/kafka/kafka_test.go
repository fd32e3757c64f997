package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func record(topic string, partition int32, offset int64) *kgo.Record {
	return &kgo.Record{Topic: topic, Partition: partition, Offset: offset}
}

// track hands a sequence of records through the subscription's bookkeeping
// the way Next does.
func track(s *subscription, recs ...*kgo.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.trackLocked(rec)
	}
}

func ack(s *subscription, rec *kgo.Record) *kgo.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackLocked(rec)
}

func TestOffsetWindowHoldsBehindUnackedDelivery(t *testing.T) {
	t.Parallel()

	s := &subscription{}
	r5 := record("tasks", 0, 5)
	r6 := record("tasks", 0, 6)
	r7 := record("tasks", 0, 7)
	track(s, r5, r6, r7)

	// Offsets 6 and 7 finish while 5 is still outstanding (a store outage
	// left it unacked). Neither commit may reach the broker, or offset 5
	// would be implicitly acknowledged and the task lost.
	assert.Nil(t, ack(s, r6), "commit behind an outstanding delivery must be held")
	assert.Nil(t, ack(s, r7), "commit behind an outstanding delivery must be held")

	// Once 5 finishes, the whole contiguous run commits in one move.
	watermark := ack(s, r5)
	require.NotNil(t, watermark)
	assert.Equal(t, int64(7), watermark.Offset, "watermark should fold the held commits in")
}

func TestOffsetWindowAdvancesContiguously(t *testing.T) {
	t.Parallel()

	s := &subscription{}
	r0 := record("tasks", 0, 0)
	r1 := record("tasks", 0, 1)
	r2 := record("tasks", 0, 2)
	track(s, r0, r1, r2)

	watermark := ack(s, r0)
	require.NotNil(t, watermark)
	assert.Equal(t, int64(0), watermark.Offset)

	assert.Nil(t, ack(s, r2), "gap at offset 1 blocks the watermark")

	watermark = ack(s, r1)
	require.NotNil(t, watermark)
	assert.Equal(t, int64(2), watermark.Offset)
}

func TestOffsetWindowPartitionsAreIndependent(t *testing.T) {
	t.Parallel()

	s := &subscription{}
	p0 := record("tasks", 0, 3)
	p1 := record("tasks", 1, 9)
	track(s, p0, p1)

	watermark := ack(s, p1)
	require.NotNil(t, watermark)
	assert.Equal(t, int32(1), watermark.Partition)
	assert.Equal(t, int64(9), watermark.Offset, "partition 1 commits regardless of partition 0's claim")

	watermark = ack(s, p0)
	require.NotNil(t, watermark)
	assert.Equal(t, int64(3), watermark.Offset)
}

func TestOffsetWindowStaleAcksAreInert(t *testing.T) {
	t.Parallel()

	s := &subscription{}
	r0 := record("tasks", 0, 0)
	r1 := record("tasks", 0, 1)
	track(s, r0, r1)

	require.NotNil(t, ack(s, r0))

	// A repeat of an already-covered offset neither advances nor corrupts
	// the window.
	assert.Nil(t, ack(s, r0))

	watermark := ack(s, r1)
	require.NotNil(t, watermark)
	assert.Equal(t, int64(1), watermark.Offset)

	// Acking on an untracked partition is a no-op.
	assert.Nil(t, ack(s, record("tasks", 2, 0)))
}

func TestDeliveryFromRecordRestoresRedeliveries(t *testing.T) {
	t.Parallel()

	rec := record("tasks", 0, 4)
	rec.Headers = []kgo.RecordHeader{{Key: headerRedeliveries, Value: []byte("2")}}

	d := deliveryFromRecord(rec)
	assert.Equal(t, 2, d.Redeliveries)
	assert.Same(t, rec, d.Handle)

	assert.Zero(t, deliveryFromRecord(record("tasks", 0, 5)).Redeliveries)
}
