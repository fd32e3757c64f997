package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skovert/relay/internal/transport"
)

// SlotState tracks where a worker slot is in its claim/execute/report loop.
type SlotState string

// Possible slot states
const (
	SlotIdle      SlotState = "idle"
	SlotClaiming  SlotState = "claiming"
	SlotExecuting SlotState = "executing"
	SlotReporting SlotState = "reporting"
	SlotDraining  SlotState = "draining"
)

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	// MinWorkers is the lower bound on concurrently-running slots.
	MinWorkers int

	// MaxWorkers is the upper bound on concurrently-running slots.
	MaxWorkers int

	// FetchBuffer bounds how many deliveries the fetch loop holds ahead of
	// the slots. If zero, defaults to MaxWorkers.
	FetchBuffer int
}

// DefaultPoolConfig returns a PoolConfig with reasonable defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinWorkers: 2,
		MaxWorkers: 16,
	}
}

// PoolStats is the liveness signal the pool exposes for operational tooling.
type PoolStats struct {
	ActiveSlots    int   `json:"active_slots"`
	IdleSlots      int   `json:"idle_slots"`
	ExecutingSlots int   `json:"executing_slots"`
	Backlog        int64 `json:"backlog"`
}

// slot is one worker executor. A slot holds at most one in-flight task at a
// time; all fields are guarded by the pool mutex.
type slot struct {
	id            int
	state         SlotState
	taskID        uuid.UUID
	lastHeartbeat time.Time
	leaseExpiry   time.Time
	drain         chan struct{}
}

// Pool maintains a bounded-but-elastic set of worker slots consuming one
// subscription. A single fetch loop pulls deliveries from the broker and
// fans them out to slot goroutines; scale-down drains a slot (it finishes
// its current task, never aborts mid-execution) and then retires it.
type Pool struct {
	engine *Engine
	sub    transport.Subscription
	cfg    PoolConfig
	logger *slog.Logger

	mu      sync.Mutex
	slots   map[int]*slot
	nextID  int
	started bool

	deliveries chan *transport.Delivery
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewPool creates a worker pool over the given subscription.
func NewPool(engine *Engine, sub transport.Subscription, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if cfg.MinWorkers <= 0 {
		return nil, fmt.Errorf("pool min workers must be positive, got %d", cfg.MinWorkers)
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		return nil, fmt.Errorf("pool max workers %d below min workers %d", cfg.MaxWorkers, cfg.MinWorkers)
	}
	if cfg.FetchBuffer <= 0 {
		cfg.FetchBuffer = cfg.MaxWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		engine:     engine,
		sub:        sub,
		cfg:        cfg,
		logger:     logger.With("component", "worker_pool"),
		slots:      make(map[int]*slot),
		deliveries: make(chan *transport.Delivery, cfg.FetchBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins consuming: one fetch loop plus MinWorkers slots. It fails
// fast when no handlers are registered; a pool without handlers would
// dead-letter every delivery it touches.
func (p *Pool) Start() error {
	if err := p.engine.registry.Validate(); err != nil {
		return fmt.Errorf("handler registry: %w", err)
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.fetchLoop()

	added := p.Grow(p.cfg.MinWorkers)
	p.logger.Info("worker pool started", "slots", added)
	return nil
}

// Stop shuts the pool down: the fetch loop and all slots exit after their
// current work, then the subscription is closed.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	if err := p.sub.Close(); err != nil {
		p.logger.Error("subscription close failed", "error", err)
	}
	p.logger.Info("worker pool stopped")
}

// Grow adds up to n slots, never exceeding MaxWorkers. Returns how many
// slots were actually added.
func (p *Pool) Grow(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for i := 0; i < n && len(p.slots) < p.cfg.MaxWorkers; i++ {
		p.nextID++
		s := &slot{
			id:            p.nextID,
			state:         SlotIdle,
			lastHeartbeat: time.Now(),
			drain:         make(chan struct{}),
		}
		p.slots[s.id] = s
		p.wg.Add(1)
		go p.runSlot(s)
		added++
	}

	if added > 0 {
		p.logger.Info("scaled up", "added", added, "slots", len(p.slots))
	}
	return added
}

// Shrink signals up to n slots to drain, never dropping below MinWorkers.
// Draining slots finish their current task before exiting. Returns how many
// slots were signaled.
func (p *Pool) Shrink(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	// liveSlotsLocked re-counts on every iteration, so slots marked
	// draining in this loop already fall out of the budget.
	removed := 0
	for _, s := range p.slots {
		if removed >= n || p.liveSlotsLocked() <= p.cfg.MinWorkers {
			break
		}
		if s.state == SlotDraining {
			continue
		}
		s.state = SlotDraining
		close(s.drain)
		removed++
	}

	if removed > 0 {
		p.logger.Info("scaled down", "draining", removed, "slots", len(p.slots))
	}
	return removed
}

// liveSlotsLocked counts slots not already draining. Caller holds p.mu.
func (p *Pool) liveSlotsLocked() int {
	live := 0
	for _, s := range p.slots {
		if s.state != SlotDraining {
			live++
		}
	}
	return live
}

// Stats samples the pool's liveness signal: slot counts plus the observed
// broker backlog.
func (p *Pool) Stats(ctx context.Context) PoolStats {
	p.mu.Lock()
	stats := PoolStats{ActiveSlots: len(p.slots)}
	for _, s := range p.slots {
		switch s.state {
		case SlotIdle:
			stats.IdleSlots++
		case SlotExecuting, SlotReporting, SlotClaiming:
			stats.ExecutingSlots++
		}
	}
	p.mu.Unlock()

	backlog, err := p.sub.Backlog(ctx)
	if err != nil {
		p.logger.Warn("backlog sample failed", "error", err)
		backlog = -1
	}
	stats.Backlog = backlog
	return stats
}

// fetchLoop pulls deliveries from the subscription and fans them out to the
// slots. Transport errors back off briefly instead of spinning.
func (p *Pool) fetchLoop() {
	defer p.wg.Done()
	defer close(p.deliveries)

	for {
		d, err := p.sub.Next(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Error("fetch failed", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case p.deliveries <- d:
		case <-p.ctx.Done():
			return
		}
	}
}

// runSlot is one slot's claim/execute/report loop.
func (p *Pool) runSlot(s *slot) {
	defer p.wg.Done()
	defer p.retire(s)

	p.logger.Debug("slot starting", "slot_id", s.id)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-s.drain:
			p.logger.Debug("slot drained", "slot_id", s.id)
			return
		case d, ok := <-p.deliveries:
			if !ok {
				return
			}
			p.process(s, d)
		}
	}
}

// process runs one delivery through the engine, keeping the slot's claim
// bookkeeping current via the engine hooks.
func (p *Pool) process(s *slot, d *transport.Delivery) {
	p.setSlot(s, SlotClaiming, uuid.Nil, time.Time{})

	var claimed uuid.UUID
	hooks := ProcessHooks{
		OnClaim: func(taskID uuid.UUID, leaseExpiry time.Time) {
			claimed = taskID
			p.setSlot(s, SlotExecuting, taskID, leaseExpiry)
		},
		OnReport: func() {
			p.setSlot(s, SlotReporting, claimed, time.Time{})
		},
	}

	p.engine.Process(p.ctx, p.sub, d, hooks)

	p.setSlot(s, SlotIdle, uuid.Nil, time.Time{})
}

// setSlot updates slot bookkeeping unless the slot is already draining, in
// which case the drain state must survive until the loop observes it.
func (p *Pool) setSlot(s *slot, state SlotState, taskID uuid.UUID, leaseExpiry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.state != SlotDraining {
		s.state = state
	}
	s.taskID = taskID
	s.leaseExpiry = leaseExpiry
	s.lastHeartbeat = time.Now()
}

// retire removes a finished slot from the pool.
func (p *Pool) retire(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slots, s.id)
}
