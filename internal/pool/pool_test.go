package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionserver/internal/actions"
	"actionserver/internal/fault"
	"actionserver/internal/store"
	"actionserver/internal/workerproto"
)

// fakeWorker is an in-memory Worker. behavior runs synchronously on every
// frame the pool sends.
type fakeWorker struct {
	pid        int
	behavior   func(w *fakeWorker, msg workerproto.Message)
	ignoreTerm bool

	frames chan workerproto.Message
	exited chan struct{}

	mu   sync.Mutex
	dead bool
	sent []workerproto.Message
}

func newFakeWorker(pid int, behavior func(*fakeWorker, workerproto.Message)) *fakeWorker {
	return &fakeWorker{
		pid:      pid,
		behavior: behavior,
		frames:   make(chan workerproto.Message, 32),
		exited:   make(chan struct{}),
	}
}

func (w *fakeWorker) emit(msg workerproto.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return
	}
	w.frames <- msg
}

func (w *fakeWorker) exit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return
	}
	w.dead = true
	close(w.frames)
	close(w.exited)
}

func (w *fakeWorker) isDead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead
}

func (w *fakeWorker) sentKinds() []workerproto.Kind {
	w.mu.Lock()
	defer w.mu.Unlock()
	kinds := make([]workerproto.Kind, len(w.sent))
	for i, m := range w.sent {
		kinds[i] = m.Kind
	}
	return kinds
}

func (w *fakeWorker) sentMessages() []workerproto.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]workerproto.Message(nil), w.sent...)
}

func (w *fakeWorker) Send(msg workerproto.Message) error {
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return fmt.Errorf("worker %d is dead", w.pid)
	}
	w.sent = append(w.sent, msg)
	w.mu.Unlock()
	if w.behavior != nil {
		w.behavior(w, msg)
	}
	return nil
}

func (w *fakeWorker) Frames() <-chan workerproto.Message { return w.frames }
func (w *fakeWorker) Exited() <-chan struct{}            { return w.exited }
func (w *fakeWorker) Pid() int                           { return w.pid }

func (w *fakeWorker) Terminate(force bool) error {
	if !force && w.ignoreTerm {
		return nil
	}
	w.exit()
	return nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	made  []*fakeWorker
	build func(i int) (*fakeWorker, error)
}

func (l *fakeLauncher) Launch(ctx context.Context, env actions.EnvironmentRef) (Worker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, err := l.build(len(l.made) + 1)
	if err != nil {
		return nil, err
	}
	l.made = append(l.made, w)
	return w, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.made)
}

func (l *fakeLauncher) worker(i int) *fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.made[i]
}

// echoing answers every request with PASS and every ping with pong.
func echoing(w *fakeWorker, msg workerproto.Message) {
	switch msg.Kind {
	case workerproto.KindRequest:
		w.emit(workerproto.Message{
			Kind:   workerproto.KindResult,
			RunID:  msg.RunID,
			Status: workerproto.StatusPass,
			Result: msg.Payload,
		})
	case workerproto.KindPing:
		w.emit(workerproto.Message{Kind: workerproto.KindPong})
	}
}

// holding parks requests until a token arrives on release.
func holding(release <-chan struct{}) func(*fakeWorker, workerproto.Message) {
	return func(w *fakeWorker, msg workerproto.Message) {
		switch msg.Kind {
		case workerproto.KindRequest:
			go func(runID string, payload json.RawMessage) {
				select {
				case <-release:
					w.emit(workerproto.Message{
						Kind:   workerproto.KindResult,
						RunID:  runID,
						Status: workerproto.StatusPass,
						Result: payload,
					})
				case <-w.exited:
				}
			}(msg.RunID, msg.Payload)
		case workerproto.KindPing:
			w.emit(workerproto.Message{Kind: workerproto.KindPong})
		}
	}
}

// cooperative parks requests and answers a cancel frame with a FAIL result.
func cooperative(w *fakeWorker, msg workerproto.Message) {
	switch msg.Kind {
	case workerproto.KindCancel:
		w.emit(workerproto.Message{
			Kind:   workerproto.KindResult,
			RunID:  msg.RunID,
			Status: workerproto.StatusFail,
			Error:  "interrupted",
		})
	case workerproto.KindPing:
		w.emit(workerproto.Message{Kind: workerproto.KindPong})
	}
}

// stubborn ignores requests, cancels, and SIGTERM.
func stubborn(w *fakeWorker, msg workerproto.Message) {}

// crashing dies the moment it receives a request.
func crashing(w *fakeWorker, msg workerproto.Message) {
	if msg.Kind == workerproto.KindRequest {
		w.exit()
	}
}

func readyLauncher(behavior func(*fakeWorker, workerproto.Message)) *fakeLauncher {
	return &fakeLauncher{build: func(i int) (*fakeWorker, error) {
		w := newFakeWorker(1000+i, behavior)
		w.emit(workerproto.Message{Kind: workerproto.KindReady})
		return w, nil
	}}
}

func testConfig() Config {
	return Config{
		MaxProcesses:     2,
		ReuseProcess:     true,
		WaiterQueueDepth: 4,
		IdleTTL:          time.Minute,
		ReadyTimeout:     time.Second,
		CancelGrace:      200 * time.Millisecond,
		PingInterval:     time.Hour,
	}
}

func testEnv() actions.EnvironmentRef {
	return actions.EnvironmentRef{Key: "env1", Dir: "/tmp", WorkerCommand: []string{"worker"}}
}

type submitOpts struct {
	dispatched chan struct{}
	onDispatch func() (string, error)
}

func submitRun(t *testing.T, p *Pool, runID string, opts submitOpts) <-chan Outcome {
	t.Helper()
	sub := Submission{
		RunID:   runID,
		Action:  "pkg/act",
		Env:     testEnv(),
		Payload: json.RawMessage(`{"n":1}`),
		OnDispatch: func() (string, error) {
			if opts.dispatched != nil {
				close(opts.dispatched)
			}
			if opts.onDispatch != nil {
				return opts.onDispatch()
			}
			return "runs/1-pkg-act", nil
		},
	}
	out, err := p.Submit(context.Background(), sub)
	require.NoError(t, err)
	return out
}

func awaitOutcome(t *testing.T, out <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func shutdownPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestSubmitEchoesAndReusesWorker(t *testing.T) {
	launcher := readyLauncher(echoing)
	p := New(testConfig(), launcher)
	defer shutdownPool(t, p)

	first := awaitOutcome(t, submitRun(t, p, "r1", submitOpts{}))
	assert.Equal(t, store.StatusPass, first.Status)
	assert.JSONEq(t, `{"n":1}`, string(first.Result))

	second := awaitOutcome(t, submitRun(t, p, "r2", submitOpts{}))
	assert.Equal(t, store.StatusPass, second.Status)
	assert.Equal(t, 1, launcher.launches())

	// The request frame carries the artifact dir from OnDispatch.
	var req *workerproto.Message
	for _, m := range launcher.worker(0).sentMessages() {
		if m.Kind == workerproto.KindRequest {
			req = &m
			break
		}
	}
	require.NotNil(t, req)
	assert.Equal(t, "runs/1-pkg-act", req.ArtifactDir)
	assert.Equal(t, "pkg/act", req.Action)
}

func TestQueueDrainsInSubmissionOrder(t *testing.T) {
	release := make(chan struct{})
	launcher := readyLauncher(holding(release))
	cfg := testConfig()
	cfg.MaxProcesses = 1
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	d1 := make(chan struct{})
	out1 := submitRun(t, p, "r1", submitOpts{dispatched: d1})
	<-d1

	out2 := submitRun(t, p, "r2", submitOpts{})
	out3 := submitRun(t, p, "r3", submitOpts{})

	release <- struct{}{}
	assert.Equal(t, "r1", awaitOutcome(t, out1).RunID)
	release <- struct{}{}
	assert.Equal(t, "r2", awaitOutcome(t, out2).RunID)
	release <- struct{}{}
	assert.Equal(t, "r3", awaitOutcome(t, out3).RunID)

	assert.Equal(t, 1, launcher.launches())
}

func TestOverloadedRejection(t *testing.T) {
	release := make(chan struct{})
	launcher := readyLauncher(holding(release))
	cfg := testConfig()
	cfg.MaxProcesses = 1
	cfg.WaiterQueueDepth = 1
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	d1 := make(chan struct{})
	out1 := submitRun(t, p, "r1", submitOpts{dispatched: d1})
	<-d1
	_ = submitRun(t, p, "r2", submitOpts{})

	_, err := p.Submit(context.Background(), Submission{RunID: "r3", Action: "pkg/act", Env: testEnv()})
	require.Error(t, err)
	assert.Equal(t, fault.KindOverloaded, fault.KindOf(err))

	release <- struct{}{}
	awaitOutcome(t, out1)
	release <- struct{}{}
}

func TestWorkerCrashFailsRunAndFreshSlotServes(t *testing.T) {
	crashed := false
	launcher := &fakeLauncher{build: func(i int) (*fakeWorker, error) {
		behavior := echoing
		if !crashed {
			crashed = true
			behavior = crashing
		}
		w := newFakeWorker(1000+i, behavior)
		w.emit(workerproto.Message{Kind: workerproto.KindReady})
		return w, nil
	}}
	p := New(testConfig(), launcher)
	defer shutdownPool(t, p)

	out := awaitOutcome(t, submitRun(t, p, "r1", submitOpts{}))
	assert.Equal(t, store.StatusFail, out.Status)
	assert.Equal(t, fault.KindWorkerCrash, fault.KindOf(out.Err))

	out = awaitOutcome(t, submitRun(t, p, "r2", submitOpts{}))
	assert.Equal(t, store.StatusPass, out.Status)
	assert.Equal(t, 2, launcher.launches())
}

func TestCancelQueuedRunNeverDispatches(t *testing.T) {
	release := make(chan struct{})
	launcher := readyLauncher(holding(release))
	cfg := testConfig()
	cfg.MaxProcesses = 1
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	d1 := make(chan struct{})
	out1 := submitRun(t, p, "r1", submitOpts{dispatched: d1})
	<-d1

	var dispatched2 atomic.Int32
	out2 := submitRun(t, p, "r2", submitOpts{onDispatch: func() (string, error) {
		dispatched2.Add(1)
		return "", nil
	}})

	require.True(t, p.Cancel("r2"))
	o2 := awaitOutcome(t, out2)
	assert.Equal(t, store.StatusCancelled, o2.Status)
	assert.Equal(t, fault.KindCancellationAcknowledged, fault.KindOf(o2.Err))
	assert.Equal(t, int32(0), dispatched2.Load())

	release <- struct{}{}
	assert.Equal(t, store.StatusPass, awaitOutcome(t, out1).Status)
}

func TestCancelRunningCooperative(t *testing.T) {
	launcher := readyLauncher(cooperative)
	p := New(testConfig(), launcher)
	defer shutdownPool(t, p)

	d := make(chan struct{})
	out := submitRun(t, p, "r1", submitOpts{dispatched: d})
	<-d

	require.True(t, p.Cancel("r1"))
	o := awaitOutcome(t, out)
	assert.Equal(t, store.StatusCancelled, o.Status)
	assert.Equal(t, fault.KindCancellationAcknowledged, fault.KindOf(o.Err))

	// The worker honored the cancel, so the slot survives.
	assert.Eventually(t, func() bool { return p.Stats().Idle == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, launcher.launches())
}

func TestCancelRunningForcedAfterGrace(t *testing.T) {
	launcher := readyLauncher(stubborn)
	p := New(testConfig(), launcher)
	defer shutdownPool(t, p)

	d := make(chan struct{})
	out := submitRun(t, p, "r1", submitOpts{dispatched: d})
	<-d

	require.True(t, p.Cancel("r1"))
	o := awaitOutcome(t, out)
	assert.Equal(t, store.StatusCancelled, o.Status)
	assert.True(t, launcher.worker(0).isDead())

	kinds := launcher.worker(0).sentKinds()
	assert.Contains(t, kinds, workerproto.KindCancel)
}

func TestCancelUnknownRunIsNoop(t *testing.T) {
	p := New(testConfig(), readyLauncher(echoing))
	defer shutdownPool(t, p)
	assert.False(t, p.Cancel("nope"))
}

func TestShutdownDrainsRunningRun(t *testing.T) {
	release := make(chan struct{}, 1)
	launcher := readyLauncher(holding(release))
	p := New(testConfig(), launcher)

	d := make(chan struct{})
	out := submitRun(t, p, "r1", submitOpts{dispatched: d})
	<-d

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Shutdown(ctx)
		close(done)
	}()

	release <- struct{}{}
	assert.Equal(t, store.StatusPass, awaitOutcome(t, out).Status)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not return after drain")
	}
}

func TestShutdownForceCancelsStuckRun(t *testing.T) {
	launcher := readyLauncher(stubborn)
	p := New(testConfig(), launcher)

	d := make(chan struct{})
	out := submitRun(t, p, "r1", submitOpts{dispatched: d})
	<-d

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)

	o := awaitOutcome(t, out)
	assert.Equal(t, store.StatusCancelled, o.Status)
}

func TestShutdownCancelsQueuedRuns(t *testing.T) {
	release := make(chan struct{}, 1)
	launcher := readyLauncher(holding(release))
	cfg := testConfig()
	cfg.MaxProcesses = 1
	p := New(cfg, launcher)

	d := make(chan struct{})
	running := submitRun(t, p, "r1", submitOpts{dispatched: d})
	<-d
	queued := submitRun(t, p, "r2", submitOpts{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		release <- struct{}{}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	assert.Equal(t, store.StatusCancelled, awaitOutcome(t, queued).Status)
	assert.Equal(t, store.StatusPass, awaitOutcome(t, running).Status)

	_, err := p.Submit(context.Background(), Submission{RunID: "r3", Env: testEnv()})
	assert.Error(t, err)
}

func TestIdleWorkerEvictedAfterTTL(t *testing.T) {
	launcher := readyLauncher(echoing)
	cfg := testConfig()
	cfg.IdleTTL = 40 * time.Millisecond
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	awaitOutcome(t, submitRun(t, p, "r1", submitOpts{}))

	assert.Eventually(t, func() bool {
		return p.Stats().Idle == 0 && launcher.worker(0).isDead()
	}, 2*time.Second, 10*time.Millisecond)

	// A new submission spawns a fresh worker.
	out := awaitOutcome(t, submitRun(t, p, "r2", submitOpts{}))
	assert.Equal(t, store.StatusPass, out.Status)
	assert.Equal(t, 2, launcher.launches())
}

func TestMinProcessesSurviveEviction(t *testing.T) {
	launcher := readyLauncher(echoing)
	cfg := testConfig()
	cfg.MinProcesses = 1
	cfg.IdleTTL = 30 * time.Millisecond
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	awaitOutcome(t, submitRun(t, p, "r1", submitOpts{}))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, p.Stats().Idle)
	assert.False(t, launcher.worker(0).isDead())
}

func TestReadyTimeoutEventuallyFailsWaiters(t *testing.T) {
	launcher := &fakeLauncher{build: func(i int) (*fakeWorker, error) {
		return newFakeWorker(1000+i, stubborn), nil // never sends ready
	}}
	cfg := testConfig()
	cfg.ReadyTimeout = 30 * time.Millisecond
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	out := submitRun(t, p, "r1", submitOpts{})
	o := awaitOutcome(t, out)
	assert.Equal(t, store.StatusFail, o.Status)
	assert.Equal(t, fault.KindWorkerCrash, fault.KindOf(o.Err))
	assert.Equal(t, maxSpawnFailStreak, launcher.launches())
}

func TestLaunchErrorEventuallyFailsWaiters(t *testing.T) {
	launcher := &fakeLauncher{build: func(i int) (*fakeWorker, error) {
		return nil, fmt.Errorf("no such binary")
	}}
	p := New(testConfig(), launcher)
	defer shutdownPool(t, p)

	out := submitRun(t, p, "r1", submitOpts{})
	o := awaitOutcome(t, out)
	assert.Equal(t, store.StatusFail, o.Status)
	assert.Equal(t, fault.KindWorkerCrash, fault.KindOf(o.Err))
}

func TestSilentIdleWorkerDiscarded(t *testing.T) {
	// Answers requests but never pongs.
	mute := func(w *fakeWorker, msg workerproto.Message) {
		if msg.Kind == workerproto.KindRequest {
			w.emit(workerproto.Message{
				Kind: workerproto.KindResult, RunID: msg.RunID, Status: workerproto.StatusPass,
			})
		}
	}
	launcher := readyLauncher(mute)
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	awaitOutcome(t, submitRun(t, p, "r1", submitOpts{}))

	assert.Eventually(t, func() bool {
		return launcher.worker(0).isDead() && p.Stats().Idle == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoReuseRetiresWorkerAfterRun(t *testing.T) {
	launcher := readyLauncher(echoing)
	cfg := testConfig()
	cfg.ReuseProcess = false
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	awaitOutcome(t, submitRun(t, p, "r1", submitOpts{}))
	awaitOutcome(t, submitRun(t, p, "r2", submitOpts{}))
	assert.Equal(t, 2, launcher.launches())
}

func TestPrewarmSpawnsMinWorkers(t *testing.T) {
	launcher := readyLauncher(echoing)
	cfg := testConfig()
	cfg.MinProcesses = 2
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	p.Prewarm(testEnv())
	assert.Eventually(t, func() bool { return p.Stats().Idle == 2 }, time.Second, 10*time.Millisecond)

	awaitOutcome(t, submitRun(t, p, "r1", submitOpts{}))
	assert.Equal(t, 2, launcher.launches())
}

func TestRetireEnvTerminatesIdleWorkers(t *testing.T) {
	launcher := readyLauncher(echoing)
	p := New(testConfig(), launcher)
	defer shutdownPool(t, p)

	awaitOutcome(t, submitRun(t, p, "r1", submitOpts{}))
	assert.Eventually(t, func() bool { return p.Stats().Idle == 1 }, time.Second, 10*time.Millisecond)

	p.RetireEnv(testEnv().Key)
	assert.Eventually(t, func() bool {
		return launcher.worker(0).isDead() && p.Stats().Environments == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetireEnvCancelsQueuedRuns(t *testing.T) {
	release := make(chan struct{}, 1)
	launcher := readyLauncher(holding(release))
	cfg := testConfig()
	cfg.MaxProcesses = 1
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	d := make(chan struct{})
	running := submitRun(t, p, "r1", submitOpts{dispatched: d})
	<-d
	queued := submitRun(t, p, "r2", submitOpts{})

	p.RetireEnv(testEnv().Key)
	o := awaitOutcome(t, queued)
	assert.Equal(t, store.StatusCancelled, o.Status)
	assert.Contains(t, o.Err.Error(), "environment replaced")

	// The busy worker finishes its run, then retires.
	release <- struct{}{}
	assert.Equal(t, store.StatusPass, awaitOutcome(t, running).Status)
	assert.Eventually(t, func() bool { return p.Stats().Environments == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStatsCensus(t *testing.T) {
	release := make(chan struct{}, 2)
	launcher := readyLauncher(holding(release))
	cfg := testConfig()
	cfg.MaxProcesses = 1
	p := New(cfg, launcher)
	defer shutdownPool(t, p)

	d := make(chan struct{})
	out := submitRun(t, p, "r1", submitOpts{dispatched: d})
	<-d
	_ = submitRun(t, p, "r2", submitOpts{})

	st := p.Stats()
	assert.Equal(t, 1, st.Busy)
	assert.Equal(t, 1, st.Waiters)
	assert.Equal(t, 1, st.Environments)

	release <- struct{}{}
	awaitOutcome(t, out)
	release <- struct{}{}
}
