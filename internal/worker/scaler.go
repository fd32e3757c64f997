package worker

import (
	"context"
	"log/slog"
	"time"
)

// ScalerConfig holds the autoscaling control-loop settings.
type ScalerConfig struct {
	// SampleInterval is how often backlog and idle metrics are read.
	SampleInterval time.Duration

	// SampleWindow is how many consecutive samples must agree before a
	// scale action fires.
	SampleWindow int

	// ScaleUpBacklog is the backlog depth that, sustained over the window,
	// triggers a scale-up.
	ScaleUpBacklog int64

	// ScaleDownIdle is the idle slot count that, sustained over the window,
	// triggers a scale-down.
	ScaleDownIdle int

	// Cooldown is the minimum gap between scale actions, damping
	// oscillation.
	Cooldown time.Duration
}

// Scaler is the autoscaling control loop: an explicit ticker samples the
// pool's backlog and idle metrics and issues discrete grow/shrink commands.
// It runs entirely off the execution hot path.
type Scaler struct {
	pool   *Pool
	cfg    ScalerConfig
	logger *slog.Logger

	backlogSamples []int64
	idleSamples    []int
	lastAction     time.Time
}

// NewScaler creates an autoscaler for the pool.
func NewScaler(pool *Pool, cfg ScalerConfig, logger *slog.Logger) *Scaler {
	return &Scaler{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With("component", "autoscaler"),
	}
}

// Run samples on every tick until ctx is done.
func (s *Scaler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.pool.Stats(ctx)
			switch s.observe(stats, time.Now()) {
			case scaleUp:
				s.pool.Grow(1)
			case scaleDown:
				s.pool.Shrink(1)
			}
		}
	}
}

// scaleDecision is the outcome of one observation.
type scaleDecision int

const (
	scaleHold scaleDecision = iota
	scaleUp
	scaleDown
)

// observe folds one sample into the windows and decides whether to act.
// Separated from the ticker so tests can drive it deterministically.
func (s *Scaler) observe(stats PoolStats, now time.Time) scaleDecision {
	if stats.Backlog >= 0 {
		s.backlogSamples = appendWindow(s.backlogSamples, stats.Backlog, s.cfg.SampleWindow)
	}
	s.idleSamples = appendWindow(s.idleSamples, stats.IdleSlots, s.cfg.SampleWindow)

	if now.Sub(s.lastAction) < s.cfg.Cooldown {
		return scaleHold
	}

	if len(s.backlogSamples) == s.cfg.SampleWindow && allAbove(s.backlogSamples, s.cfg.ScaleUpBacklog) {
		s.logger.Info("backlog sustained above threshold, scaling up",
			"backlog", stats.Backlog,
			"threshold", s.cfg.ScaleUpBacklog)
		s.reset(now)
		return scaleUp
	}

	if len(s.idleSamples) == s.cfg.SampleWindow && allIdleAtLeast(s.idleSamples, s.cfg.ScaleDownIdle) {
		s.logger.Info("idle slots sustained above threshold, scaling down",
			"idle", stats.IdleSlots,
			"threshold", s.cfg.ScaleDownIdle)
		s.reset(now)
		return scaleDown
	}

	return scaleHold
}

// reset stamps the action time and clears the windows so the next decision
// is based on post-action observations only.
func (s *Scaler) reset(now time.Time) {
	s.lastAction = now
	s.backlogSamples = s.backlogSamples[:0]
	s.idleSamples = s.idleSamples[:0]
}

// appendWindow appends keeping at most size trailing samples.
func appendWindow[T any](window []T, sample T, size int) []T {
	window = append(window, sample)
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window
}

func allAbove(samples []int64, threshold int64) bool {
	for _, s := range samples {
		if s <= threshold {
			return false
		}
	}
	return true
}

func allIdleAtLeast(samples []int, threshold int) bool {
	for _, s := range samples {
		if s < threshold {
			return false
		}
	}
	return true
}
