// Package pool manages the worker processes that execute actions. Each
// environment key owns a bounded slot arena with an idle FIFO and a bounded
// waiter queue. Slots are goroutine-owned: all traffic with one worker flows
// through its slot loop, so a worker never sees interleaved writers.
package pool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"actionserver/internal/actions"
	"actionserver/internal/fault"
	"actionserver/internal/store"
	"actionserver/pkg/logging"
)

// Config tunes the pool. Non-positive values fall back to the listed
// defaults so a zero Config is usable in tests.
type Config struct {
	MinProcesses     int           // warm workers kept per environment (0)
	MaxProcesses     int           // slot arena bound per environment (4)
	ReuseProcess     bool          // return workers to the idle FIFO after a run
	WaiterQueueDepth int           // queued submissions before Overloaded (16)
	IdleTTL          time.Duration // idle workers beyond MinProcesses evicted after this (5m)
	ReadyTimeout     time.Duration // max wait for a worker's ready frame (30s)
	CancelGrace      time.Duration // cooperative cancellation window before SIGKILL (5s)
	PingInterval     time.Duration // idle liveness probe interval (30s)
}

func (c Config) withDefaults() Config {
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = 4
	}
	if c.WaiterQueueDepth <= 0 {
		c.WaiterQueueDepth = 16
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// Submission is one run handed to the pool.
type Submission struct {
	RunID         string
	Action        string // qualified name the worker resolves, "pkg/action"
	Env           actions.EnvironmentRef
	Payload       json.RawMessage
	ManagedParams map[string]json.RawMessage
	Headers       map[string]string

	// OnDispatch runs on the slot goroutine the moment a worker accepts the
	// run, before the request frame is written. It returns the artifact
	// directory the worker should fill. An error aborts the dispatch.
	OnDispatch func() (string, error)
}

// Outcome is the pool's terminal verdict for a submission. Status is the
// verdict as the pool saw it; a run that was never dispatched (OnDispatch
// never ran) still reads NOT_RUN in the store and the caller must map the
// verdict onto a legal transition.
type Outcome struct {
	RunID  string
	Status store.RunStatus
	Result json.RawMessage
	Err    error
}

// active is one submission from acceptance to resolution.
type active struct {
	sub       Submission
	out       chan Outcome
	cancelCh  chan struct{}
	cancelled atomic.Bool
	once      sync.Once
}

func (a *active) resolve(o Outcome) {
	a.once.Do(func() { a.out <- o })
}

func (a *active) requestCancel() {
	if a.cancelled.CompareAndSwap(false, true) {
		close(a.cancelCh)
	}
}

// envPool is the per-environment arena.
type envPool struct {
	env        actions.EnvironmentRef
	slots      map[string]*slot
	idle       []*slot // FIFO: front is the least recently used
	waiters    []*active
	retired    bool
	failStreak int
}

// maxSpawnFailStreak bounds consecutive failed spawns for one environment
// before its queued waiters are failed instead of respawned.
const maxSpawnFailStreak = 3

// Pool owns every worker process.
type Pool struct {
	cfg      Config
	launcher Launcher

	mu     sync.Mutex
	envs   map[string]*envPool
	closed bool

	done   chan struct{}
	forced atomic.Bool
	wg     sync.WaitGroup

	sweepStop chan struct{}
}

// New builds a pool over the given launcher and starts the idle sweeper.
func New(cfg Config, launcher Launcher) *Pool {
	p := &Pool{
		cfg:       cfg.withDefaults(),
		launcher:  launcher,
		envs:      make(map[string]*envPool),
		done:      make(chan struct{}),
		sweepStop: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Submit routes one run: an idle slot dispatches immediately, a free arena
// position spawns a worker, otherwise the run queues. A saturated queue
// rejects with fault.Overloaded. The returned channel delivers exactly one
// Outcome.
func (p *Pool) Submit(ctx context.Context, sub Submission) (<-chan Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	act := &active{
		sub:      sub,
		out:      make(chan Outcome, 1),
		cancelCh: make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fault.New(fault.KindInternal, "pool is shut down")
	}
	ep := p.ensureEnvLocked(sub.Env)

	if s := p.takeIdleLocked(ep, act); s != nil {
		// The work channel of an idle slot is always empty, so this send
		// cannot block. Sending under the lock keeps discardSlot's drain
		// from observing a half-dispatched run.
		s.work <- act
		p.mu.Unlock()
		return act.out, nil
	}

	if len(ep.waiters) >= p.cfg.WaiterQueueDepth {
		p.mu.Unlock()
		return nil, fault.New(fault.KindOverloaded, "environment %s has %d queued runs", sub.Env.Key, p.cfg.WaiterQueueDepth)
	}
	ep.waiters = append(ep.waiters, act)

	// One spawn per waiter not yet covered by a starting slot.
	if starting := ep.countLocked(slotStarting); len(ep.waiters) > starting && len(ep.slots) < p.cfg.MaxProcesses {
		p.spawnLocked(ep)
	}
	p.mu.Unlock()
	return act.out, nil
}

// Cancel interrupts a run. A queued run resolves CANCELLED without ever
// dispatching; a running one gets a cancel frame, the grace window, then
// SIGKILL. Unknown ids are a no-op.
func (p *Pool) Cancel(runID string) bool {
	p.mu.Lock()
	for _, ep := range p.envs {
		for i, act := range ep.waiters {
			if act.sub.RunID != runID {
				continue
			}
			ep.waiters = append(ep.waiters[:i], ep.waiters[i+1:]...)
			p.mu.Unlock()
			act.cancelled.Store(true)
			act.resolve(cancelledOutcome(act, "cancelled while queued"))
			return true
		}
	}
	for _, ep := range p.envs {
		for _, s := range ep.slots {
			if s.state == slotBusy && s.current != nil && s.current.sub.RunID == runID {
				act := s.current
				p.mu.Unlock()
				act.requestCancel()
				return true
			}
		}
	}
	p.mu.Unlock()
	return false
}

// Prewarm spawns up to MinProcesses workers for env ahead of traffic.
func (p *Pool) Prewarm(env actions.EnvironmentRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	ep := p.ensureEnvLocked(env)
	for len(ep.slots) < p.cfg.MinProcesses && len(ep.slots) < p.cfg.MaxProcesses {
		p.spawnLocked(ep)
	}
}

// RetireEnv drains an environment whose definition was replaced: idle
// workers terminate now, busy ones after their current run, and queued
// waiters resolve CANCELLED. New submissions for the same key start a
// fresh arena.
func (p *Pool) RetireEnv(envKey string) {
	p.mu.Lock()
	ep, ok := p.envs[envKey]
	if !ok {
		p.mu.Unlock()
		return
	}
	ep.retired = true
	for _, s := range ep.idle {
		s.state = slotRetiring
		close(s.evict)
	}
	ep.idle = nil
	cancelled := ep.waiters
	ep.waiters = nil
	if len(ep.slots) == 0 {
		delete(p.envs, envKey)
	}
	p.mu.Unlock()

	for _, act := range cancelled {
		act.cancelled.Store(true)
		act.resolve(cancelledOutcome(act, "environment replaced before the run started"))
	}
}

// Stats is a point-in-time census for metrics.
type Stats struct {
	Environments int
	Starting     int
	Idle         int
	Busy         int
	Waiters      int
}

// Stats counts slots and waiters across all environments.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Environments: len(p.envs)}
	for _, ep := range p.envs {
		st.Starting += ep.countLocked(slotStarting)
		st.Idle += ep.countLocked(slotIdle)
		st.Busy += ep.countLocked(slotBusy)
		st.Waiters += len(ep.waiters)
	}
	return st
}

// Shutdown refuses new submissions, resolves queued runs CANCELLED, lets
// running workers finish until ctx expires, then kills the rest. Interrupted
// runs resolve CANCELLED.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	close(p.sweepStop)
	for _, ep := range p.envs {
		for _, act := range ep.waiters {
			act.cancelled.Store(true)
			act.resolve(cancelledOutcome(act, "server shutting down"))
		}
		ep.waiters = nil
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		p.forced.Store(true)
		p.mu.Lock()
		for _, ep := range p.envs {
			for _, s := range ep.slots {
				if s.worker != nil {
					_ = s.worker.Terminate(true)
				}
			}
		}
		p.mu.Unlock()
		<-finished
	}
}

// ensureEnvLocked returns the arena for env, creating it (and replacing a
// retired one) as needed.
func (p *Pool) ensureEnvLocked(env actions.EnvironmentRef) *envPool {
	ep, ok := p.envs[env.Key]
	if ok && !ep.retired {
		return ep
	}
	ep = &envPool{env: env, slots: make(map[string]*slot)}
	p.envs[env.Key] = ep
	return ep
}

// takeIdleLocked pops the least recently used idle slot and binds act to it.
func (p *Pool) takeIdleLocked(ep *envPool, act *active) *slot {
	for len(ep.idle) > 0 {
		s := ep.idle[0]
		ep.idle = ep.idle[1:]
		if s.state != slotIdle {
			continue
		}
		s.state = slotBusy
		s.current = act
		return s
	}
	return nil
}

func (ep *envPool) countLocked(state slotState) int {
	n := 0
	for _, s := range ep.slots {
		if s.state == state {
			n++
		}
	}
	return n
}

// sweepLoop evicts idle workers beyond MinProcesses whose TTL expired.
func (p *Pool) sweepLoop() {
	interval := p.cfg.IdleTTL / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.sweepStop:
			return
		}
	}
}

func (p *Pool) sweepIdle() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.envs {
		for len(ep.idle) > p.cfg.MinProcesses {
			s := ep.idle[0]
			if now.Sub(s.idleSince) < p.cfg.IdleTTL {
				break
			}
			ep.idle = ep.idle[1:]
			s.state = slotRetiring
			logging.Debug("Pool", "Evicting idle worker for environment %s", ep.env.Key)
			close(s.evict)
		}
	}
}

func cancelledOutcome(act *active, msg string) Outcome {
	return Outcome{
		RunID:  act.sub.RunID,
		Status: store.StatusCancelled,
		Err:    fault.New(fault.KindCancellationAcknowledged, "%s", msg),
	}
}
