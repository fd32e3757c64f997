package memory

import (
	"context"
	"testing"
	"time"

	"github.com/skovert/relay/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nextWithTimeout fetches one delivery or fails the test.
func nextWithTimeout(t *testing.T, sub transport.Subscription) *transport.Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := sub.Next(ctx)
	require.NoError(t, err)
	return d
}

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	tr := New()
	defer func() { _ = tr.Close() }()

	sub, err := tr.Subscribe(context.Background(), "tasks", "workers")
	require.NoError(t, err)

	require.NoError(t, tr.Publish(context.Background(), "tasks", []byte("k1"), []byte("v1")))
	require.NoError(t, tr.Publish(context.Background(), "tasks", []byte("k2"), []byte("v2")))

	first := nextWithTimeout(t, sub)
	assert.Equal(t, []byte("v1"), first.Value)
	assert.Equal(t, []byte("k1"), first.Key)
	assert.Equal(t, 0, first.Redeliveries)

	second := nextWithTimeout(t, sub)
	assert.Equal(t, []byte("v2"), second.Value, "submission order should be preserved")

	require.NoError(t, sub.Commit(context.Background(), first))
	require.NoError(t, sub.Commit(context.Background(), second))

	backlog, err := sub.Backlog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), backlog)
}

func TestSubscribeReceivesRetainedMessages(t *testing.T) {
	t.Parallel()

	tr := New()
	defer func() { _ = tr.Close() }()

	require.NoError(t, tr.Publish(context.Background(), "tasks", nil, []byte("early")))

	sub, err := tr.Subscribe(context.Background(), "tasks", "late-group")
	require.NoError(t, err)

	d := nextWithTimeout(t, sub)
	assert.Equal(t, []byte("early"), d.Value)
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	t.Parallel()

	tr := New()
	defer func() { _ = tr.Close() }()

	sub, err := tr.Subscribe(context.Background(), "tasks", "workers")
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), "tasks", nil, []byte("v")))

	first := nextWithTimeout(t, sub)
	require.Equal(t, 0, first.Redeliveries)

	// Claimed but never committed: after the lease lapses the delivery
	// must come back with its redelivery count advanced.
	tr.ExpireLeases()

	second := nextWithTimeout(t, sub)
	assert.Equal(t, []byte("v"), second.Value)
	assert.Equal(t, 1, second.Redeliveries)

	// Committing the stale first handle must not remove the live claim.
	require.NoError(t, sub.Commit(context.Background(), first))
	backlog, err := sub.Backlog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog, "redelivered claim should still be unacked")

	require.NoError(t, sub.Commit(context.Background(), second))
}

func TestNackRedeliversAfterDelay(t *testing.T) {
	t.Parallel()

	tr := New()
	defer func() { _ = tr.Close() }()

	sub, err := tr.Subscribe(context.Background(), "tasks", "workers")
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), "tasks", nil, []byte("v")))

	d := nextWithTimeout(t, sub)
	require.NoError(t, sub.Nack(context.Background(), d, time.Hour))

	// Still delayed: nothing deliverable yet.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tr.ReleaseDelayed()

	redelivered := nextWithTimeout(t, sub)
	assert.Equal(t, []byte("v"), redelivered.Value)
	assert.Equal(t, 1, redelivered.Redeliveries)
}

func TestStaleHandleAfterNackIsInert(t *testing.T) {
	t.Parallel()

	tr := New()
	defer func() { _ = tr.Close() }()

	sub, err := tr.Subscribe(context.Background(), "tasks", "workers")
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), "tasks", nil, []byte("v")))

	first := nextWithTimeout(t, sub)
	require.NoError(t, sub.Nack(context.Background(), first, time.Hour))
	tr.ReleaseDelayed()

	second := nextWithTimeout(t, sub)
	require.Equal(t, 1, second.Redeliveries)

	// The nacked claim's handle aliases nothing: neither a second Nack nor
	// a Commit through it may touch the live re-claim.
	require.NoError(t, sub.Nack(context.Background(), first, 0))
	require.NoError(t, sub.Commit(context.Background(), first))

	backlog, err := sub.Backlog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog, "re-claimed delivery should still be unacked")

	require.NoError(t, sub.Commit(context.Background(), second))
	backlog, err = sub.Backlog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), backlog)
}

func TestFailNextPublishes(t *testing.T) {
	t.Parallel()

	tr := New()
	defer func() { _ = tr.Close() }()

	tr.FailNextPublishes(2)

	err := tr.Publish(context.Background(), "tasks", nil, []byte("v"))
	require.Error(t, err)
	assert.True(t, transport.IsUnavailable(err))

	err = tr.Publish(context.Background(), "tasks", nil, []byte("v"))
	assert.True(t, transport.IsUnavailable(err))

	assert.NoError(t, tr.Publish(context.Background(), "tasks", nil, []byte("v")))
}

func TestEachGroupSeesEveryMessage(t *testing.T) {
	t.Parallel()

	tr := New()
	defer func() { _ = tr.Close() }()

	a, err := tr.Subscribe(context.Background(), "tasks", "group-a")
	require.NoError(t, err)
	b, err := tr.Subscribe(context.Background(), "tasks", "group-b")
	require.NoError(t, err)

	require.NoError(t, tr.Publish(context.Background(), "tasks", nil, []byte("v")))

	assert.Equal(t, []byte("v"), nextWithTimeout(t, a).Value)
	assert.Equal(t, []byte("v"), nextWithTimeout(t, b).Value)
}

func TestClosedTransportFailsUnavailable(t *testing.T) {
	t.Parallel()

	tr := New()
	require.NoError(t, tr.Close())

	err := tr.Publish(context.Background(), "tasks", nil, []byte("v"))
	assert.True(t, transport.IsUnavailable(err))

	_, err = tr.Subscribe(context.Background(), "tasks", "workers")
	assert.True(t, transport.IsUnavailable(err))
}
