package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestScaler() *Scaler {
	return NewScaler(nil, ScalerConfig{
		SampleInterval: time.Second,
		SampleWindow:   3,
		ScaleUpBacklog: 100,
		ScaleDownIdle:  2,
		Cooldown:       time.Minute,
	}, testLogger())
}

func TestScalerScaleUpOnSustainedBacklog(t *testing.T) {
	t.Parallel()

	s := newTestScaler()
	now := time.Now()

	// The backlog must stay above the threshold for the whole window.
	assert.Equal(t, scaleHold, s.observe(PoolStats{Backlog: 500}, now))
	assert.Equal(t, scaleHold, s.observe(PoolStats{Backlog: 500}, now.Add(time.Second)))
	assert.Equal(t, scaleUp, s.observe(PoolStats{Backlog: 500}, now.Add(2*time.Second)))
}

func TestScalerBacklogSpikeBelowWindowHolds(t *testing.T) {
	t.Parallel()

	s := newTestScaler()
	now := time.Now()

	assert.Equal(t, scaleHold, s.observe(PoolStats{Backlog: 500}, now))
	assert.Equal(t, scaleHold, s.observe(PoolStats{Backlog: 10}, now.Add(time.Second)))
	assert.Equal(t, scaleHold, s.observe(PoolStats{Backlog: 500}, now.Add(2*time.Second)),
		"one low sample inside the window should block the scale-up")
}

func TestScalerCooldownBlocksConsecutiveActions(t *testing.T) {
	t.Parallel()

	s := newTestScaler()
	now := time.Now()

	for i := 0; i < 2; i++ {
		s.observe(PoolStats{Backlog: 500}, now.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, scaleUp, s.observe(PoolStats{Backlog: 500}, now.Add(2*time.Second)))

	// Backlog stays high, but the cooldown window has not passed.
	for i := 3; i < 10; i++ {
		assert.Equal(t, scaleHold, s.observe(PoolStats{Backlog: 500}, now.Add(time.Duration(i)*time.Second)),
			"no second scale-up inside the cooldown window")
	}

	// Past the cooldown the still-sustained backlog triggers again.
	later := now.Add(2 * time.Minute)
	assert.Equal(t, scaleUp, s.observe(PoolStats{Backlog: 500}, later))
}

func TestScalerScaleDownOnSustainedIdle(t *testing.T) {
	t.Parallel()

	s := newTestScaler()
	now := time.Now()

	assert.Equal(t, scaleHold, s.observe(PoolStats{IdleSlots: 3}, now))
	assert.Equal(t, scaleHold, s.observe(PoolStats{IdleSlots: 4}, now.Add(time.Second)))
	assert.Equal(t, scaleDown, s.observe(PoolStats{IdleSlots: 3}, now.Add(2*time.Second)))
}

func TestScalerIgnoresFailedBacklogSamples(t *testing.T) {
	t.Parallel()

	s := newTestScaler()
	now := time.Now()

	// A backlog of -1 marks a failed sample; it must not count toward the
	// window in either direction.
	for i := 0; i < 5; i++ {
		assert.Equal(t, scaleHold, s.observe(PoolStats{Backlog: -1, IdleSlots: 0}, now.Add(time.Duration(i)*time.Second)))
	}
}
