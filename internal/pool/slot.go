package pool

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"actionserver/internal/actions"
	"actionserver/internal/fault"
	"actionserver/internal/store"
	"actionserver/internal/workerproto"
	"actionserver/pkg/logging"
)

type slotState int

const (
	slotStarting slotState = iota
	slotIdle
	slotBusy
	slotRetiring
)

// slot is one arena position. Exactly one goroutine (slotLoop) talks to the
// worker; the pool hands it runs through the work channel and signals
// eviction through evict.
type slot struct {
	id        string
	envKey    string
	worker    Worker
	work      chan *active
	evict     chan struct{}
	state     slotState
	current   *active
	idleSince time.Time
}

func (p *Pool) spawnLocked(ep *envPool) {
	s := &slot{
		id:     uuid.NewString(),
		envKey: ep.env.Key,
		work:   make(chan *active, 1),
		evict:  make(chan struct{}),
		state:  slotStarting,
	}
	ep.slots[s.id] = s
	p.wg.Add(1)
	go p.slotLoop(ep.env, s)
}

func (p *Pool) slotLoop(env actions.EnvironmentRef, s *slot) {
	defer p.wg.Done()

	worker, err := p.launcher.Launch(context.Background(), env)
	if err != nil {
		logging.Error("Pool", err, "Launching worker for environment %s", env.Key)
		p.discardSlot(s, true)
		return
	}
	p.mu.Lock()
	s.worker = worker
	p.mu.Unlock()

	if !p.awaitReady(s) {
		_ = worker.Terminate(true)
		p.discardSlot(s, true)
		return
	}
	logging.Debug("Pool", "Worker %d ready for environment %s", worker.Pid(), env.Key)
	p.mu.Lock()
	if ep, ok := p.envs[s.envKey]; ok {
		ep.failStreak = 0
	}
	p.mu.Unlock()

	for {
		act, retire := p.nextWork(s)
		if retire {
			p.gracefulStop(s)
			p.discardSlot(s, false)
			return
		}
		if act == nil {
			var exit bool
			act, exit = p.idleWait(s)
			if exit {
				p.gracefulStop(s)
				p.discardSlot(s, false)
				return
			}
		}
		healthy := p.runOne(s, act)
		if !healthy {
			_ = s.worker.Terminate(true)
			p.discardSlot(s, false)
			return
		}
		if !p.cfg.ReuseProcess {
			p.gracefulStop(s)
			p.discardSlot(s, false)
			return
		}
	}
}

// awaitReady consumes frames until the worker announces itself, the ready
// timeout expires, or the process dies.
func (p *Pool) awaitReady(s *slot) bool {
	timer := time.NewTimer(p.cfg.ReadyTimeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-s.worker.Frames():
			if !ok {
				return false
			}
			if msg.Kind == workerproto.KindReady {
				return true
			}
		case <-s.worker.Exited():
			return false
		case <-timer.C:
			logging.Warn("Pool", "Worker for environment %s missed the ready deadline", s.envKey)
			return false
		case <-p.done:
			return false
		}
	}
}

// nextWork is called when the slot becomes free: hand it the oldest waiter,
// park it on the idle FIFO, or tell it to retire.
func (p *Pool) nextWork(s *slot) (*active, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.current = nil

	ep, ok := p.envs[s.envKey]
	if !ok || p.closed || ep.retired {
		s.state = slotRetiring
		return nil, true
	}
	if len(ep.waiters) > 0 {
		act := ep.waiters[0]
		ep.waiters = ep.waiters[1:]
		s.state = slotBusy
		s.current = act
		return act, false
	}
	s.state = slotIdle
	s.idleSince = time.Now()
	ep.idle = append(ep.idle, s)
	return nil, false
}

// idleWait blocks until the pool binds a run to this slot or the slot must
// exit (crash, missed liveness probe, eviction, shutdown).
func (p *Pool) idleWait(s *slot) (*active, bool) {
	ping := time.NewTicker(p.cfg.PingInterval)
	defer ping.Stop()
	awaitingPong := false
	for {
		select {
		case act := <-s.work:
			return act, false
		case msg, ok := <-s.worker.Frames():
			if !ok {
				return nil, true
			}
			if msg.Kind == workerproto.KindPong {
				awaitingPong = false
			}
		case <-s.worker.Exited():
			return nil, true
		case <-ping.C:
			if awaitingPong {
				logging.Warn("Pool", "Worker %d missed its pong deadline", s.worker.Pid())
				return nil, true
			}
			if s.worker.Send(workerproto.Message{Kind: workerproto.KindPing}) != nil {
				return nil, true
			}
			awaitingPong = true
		case <-s.evict:
			return nil, true
		case <-p.done:
			return nil, true
		}
	}
}

// runOne drives a single dispatch to resolution. The returned bool reports
// whether the worker is still trustworthy.
func (p *Pool) runOne(s *slot, act *active) bool {
	// A cancel that raced the dequeue wins before any dispatch effect.
	select {
	case <-act.cancelCh:
		act.resolve(cancelledOutcome(act, "cancelled while queued"))
		return true
	default:
	}

	var artifactDir string
	if act.sub.OnDispatch != nil {
		dir, err := act.sub.OnDispatch()
		if err != nil {
			act.resolve(Outcome{
				RunID:  act.sub.RunID,
				Status: store.StatusFail,
				Err:    fault.Wrap(fault.KindInternal, err, "dispatching run %s", act.sub.RunID),
			})
			return true
		}
		artifactDir = dir
	}

	err := s.worker.Send(workerproto.Message{
		Kind:          workerproto.KindRequest,
		RunID:         act.sub.RunID,
		Action:        act.sub.Action,
		Payload:       act.sub.Payload,
		ManagedParams: act.sub.ManagedParams,
		Headers:       act.sub.Headers,
		ArtifactDir:   artifactDir,
	})
	if err != nil {
		act.resolve(p.crashOutcome(act))
		return false
	}

	cancelC := act.cancelCh
	var grace *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	for {
		select {
		case msg, ok := <-s.worker.Frames():
			if !ok {
				act.resolve(p.crashOutcome(act))
				return false
			}
			switch msg.Kind {
			case workerproto.KindResult:
				if msg.RunID != act.sub.RunID {
					logging.Warn("Pool", "Worker %d sent a result for unknown run %s", s.worker.Pid(), msg.RunID)
					continue
				}
				act.resolve(resultOutcome(act, msg))
				return true
			case workerproto.KindPong:
			default:
			}
		case <-cancelC:
			cancelC = nil
			_ = s.worker.Send(workerproto.Message{Kind: workerproto.KindCancel, RunID: act.sub.RunID})
			grace = time.NewTimer(p.cfg.CancelGrace)
			graceC = grace.C
		case <-graceC:
			graceC = nil
			logging.Warn("Pool", "Run %s ignored cancellation for %s, killing worker %d",
				act.sub.RunID, p.cfg.CancelGrace, s.worker.Pid())
			_ = s.worker.Terminate(true)
		case <-s.worker.Exited():
			act.resolve(p.crashOutcome(act))
			return false
		}
	}
}

// gracefulStop asks the worker to exit and enforces it in the background.
func (p *Pool) gracefulStop(s *slot) {
	if s.worker == nil {
		return
	}
	_ = s.worker.Send(workerproto.Message{Kind: workerproto.KindShutdown})
	_ = s.worker.Terminate(false)
	w := s.worker
	go func() {
		select {
		case <-w.Exited():
		case <-time.After(3 * time.Second):
			_ = w.Terminate(true)
		}
	}()
}

// discardSlot removes the slot from its arena, requeues a submission that
// was bound but never dispatched, and keeps the waiter queue moving.
func (p *Pool) discardSlot(s *slot, preReady bool) {
	p.mu.Lock()
	ep, ok := p.envs[s.envKey]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(ep.slots, s.id)
	for i, other := range ep.idle {
		if other == s {
			ep.idle = append(ep.idle[:i], ep.idle[i+1:]...)
			break
		}
	}
	select {
	case act := <-s.work:
		if p.closed {
			// Shutdown already flushed the queue; resolve the straggler
			// the same way instead of requeueing it onto a dead arena.
			act.cancelled.Store(true)
			act.resolve(cancelledOutcome(act, "server shutting down"))
		} else {
			ep.waiters = append([]*active{act}, ep.waiters...)
		}
	default:
	}
	if preReady {
		ep.failStreak++
	}

	var failed []*active
	if !p.closed && !ep.retired && len(ep.waiters) > 0 {
		if ep.failStreak >= maxSpawnFailStreak && len(ep.slots) == 0 {
			failed = ep.waiters
			ep.waiters = nil
		} else if len(ep.slots) < p.cfg.MaxProcesses && ep.countLocked(slotStarting) < len(ep.waiters) {
			p.spawnLocked(ep)
		}
	}
	if ep.retired && len(ep.slots) == 0 {
		delete(p.envs, s.envKey)
	}
	p.mu.Unlock()

	for _, act := range failed {
		act.resolve(Outcome{
			RunID:  act.sub.RunID,
			Status: store.StatusFail,
			Err:    fault.New(fault.KindWorkerCrash, "workers for environment %s keep failing to start", s.envKey),
		})
	}
}

func (p *Pool) crashOutcome(act *active) Outcome {
	if act.cancelled.Load() || p.forced.Load() {
		return cancelledOutcome(act, "worker terminated during cancellation")
	}
	return Outcome{
		RunID:  act.sub.RunID,
		Status: store.StatusFail,
		Err:    fault.New(fault.KindWorkerCrash, "worker terminated during run"),
	}
}

func resultOutcome(act *active, msg workerproto.Message) Outcome {
	if act.cancelled.Load() {
		return cancelledOutcome(act, "cancellation acknowledged by worker")
	}
	if msg.Status == workerproto.StatusPass {
		return Outcome{RunID: act.sub.RunID, Status: store.StatusPass, Result: msg.Result}
	}
	errMsg := msg.Error
	if errMsg == "" {
		errMsg = "action failed"
	}
	return Outcome{
		RunID:  act.sub.RunID,
		Status: store.StatusFail,
		Result: msg.Result,
		Err:    errors.New(errMsg),
	}
}
