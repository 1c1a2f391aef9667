// Package lifecycle drives runs from submission to their terminal status:
// catalog lookup, input validation, persistence, pool dispatch, live events,
// the post-run hook, and async callback delivery.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"actionserver/internal/actions"
	"actionserver/internal/artifacts"
	"actionserver/internal/bus"
	"actionserver/internal/envelope"
	"actionserver/internal/fault"
	"actionserver/internal/hook"
	"actionserver/internal/pool"
	"actionserver/internal/store"
	"actionserver/pkg/logging"
)

// Deps are the collaborators a Manager composes. All are required except
// ObserveRun.
type Deps struct {
	Store     *store.Store
	Pool      *pool.Pool
	Catalog   *actions.Catalog
	Artifacts *artifacts.Store
	Hook      *hook.Runner
	Bus       *bus.Bus

	CallbackRetries int           // delivery attempts per callback (3)
	CallbackTimeout time.Duration // per-attempt HTTP timeout (10s)
	CallbackBackoff time.Duration // first retry delay, doubled per attempt (1s)

	// ObserveRun records one terminal run for metrics.
	ObserveRun func(status store.RunStatus, duration time.Duration)
}

// flight tracks one in-process run so idempotent resubmissions can attach to
// its completion. run is set before done closes.
type flight struct {
	done chan struct{}
	run  store.Run
}

type compiledSchema struct {
	version int64
	schema  *jsonschema.Schema
}

// Manager owns the run state machine. One instance serves HTTP and MCP.
type Manager struct {
	deps   Deps
	client *http.Client

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*flight
	schemas  map[string]compiledSchema
}

// New wires a Manager. Callback knobs fall back to their defaults when
// non-positive.
func New(deps Deps) *Manager {
	if deps.CallbackRetries <= 0 {
		deps.CallbackRetries = 3
	}
	if deps.CallbackTimeout <= 0 {
		deps.CallbackTimeout = 10 * time.Second
	}
	if deps.CallbackBackoff <= 0 {
		deps.CallbackBackoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:       deps,
		client:     &http.Client{Timeout: deps.CallbackTimeout},
		rootCtx:    ctx,
		rootCancel: cancel,
		inflight:   make(map[string]*flight),
		schemas:    make(map[string]compiledSchema),
	}
}

// SubmitResult is what a submission returns to the transport layer. Pending
// reports that the run was still executing when the response was formed
// (deferred acknowledgement).
type SubmitResult struct {
	Run     store.Run
	Pending bool
}

// Submit validates and executes one invocation of package/action. Synchronous
// submissions block until the run is terminal; deferred ones (envelope async
// hints) return once the deferral window expires. A request-id hit attaches
// to the prior run instead of dispatching again.
func (m *Manager) Submit(ctx context.Context, pkgSlug, actionSlug string, env *envelope.Envelope, input json.RawMessage) (SubmitResult, error) {
	act, entry, ok := m.deps.Catalog.Current().Lookup(pkgSlug, actionSlug)
	if !ok {
		return SubmitResult{}, fault.New(fault.KindUnknownAction, "action %s/%s is not served", pkgSlug, actionSlug)
	}
	if err := m.validateInput(act, input); err != nil {
		return SubmitResult{}, err
	}

	params := store.CreateRunParams{
		ActionID:     act.ID,
		InputPayload: string(input),
	}
	if env.RequestID != "" {
		params.RequestID = &env.RequestID
	}
	if env.CallbackURL != "" {
		params.CallbackURL = &env.CallbackURL
	}

	run, createdNow, err := m.deps.Store.CreateRun(ctx, params)
	if err != nil {
		return SubmitResult{}, fault.Wrap(fault.KindInternal, err, "creating run for %s/%s", pkgSlug, actionSlug)
	}
	if !createdNow {
		logging.Debug("Lifecycle", "Request %s attached to existing run %s", env.RequestID, run.ID)
		return m.attach(ctx, run, env)
	}

	f := &flight{done: make(chan struct{})}
	m.mu.Lock()
	m.inflight[run.ID] = f
	m.mu.Unlock()
	m.publishRun(run)

	var dispatched atomic.Bool
	sub := m.buildSubmission(run, act, entry, env, input, &dispatched)

	out, err := m.deps.Pool.Submit(m.rootCtx, sub)
	if err != nil {
		// The row exists; converge it to a terminal state in the background
		// while the caller gets the rejection.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.finish(f, run, env, pool.Outcome{
				RunID:  run.ID,
				Status: store.StatusCancelled,
				Err:    err,
			}, false)
		}()
		return SubmitResult{}, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		outcome := <-out
		m.finish(f, run, env, outcome, dispatched.Load())
	}()

	return m.wait(ctx, f, run.ID, env)
}

// Cancel interrupts a run. Runs the pool still tracks resolve through the
// normal outcome path; anything else (a stale non-terminal row) is persisted
// directly. Cancelling a terminal run is a no-op returning the run as-is.
func (m *Manager) Cancel(ctx context.Context, runID string) (store.Run, error) {
	run, err := m.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return store.Run{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	if m.deps.Pool.Cancel(runID) {
		return m.deps.Store.GetRun(ctx, runID)
	}

	msg := "cancelled by operator"
	final, err := m.deps.Store.SetStatus(ctx, runID, store.StatusCancelled, store.SetStatusOpts{ErrorMessage: &msg})
	if err != nil {
		if fault.IsKind(err, fault.KindInvalidStateTransition) {
			// Lost the race against the run finishing.
			return m.deps.Store.GetRun(ctx, runID)
		}
		return store.Run{}, err
	}
	m.publishRun(final)
	return final, nil
}

// Close waits for outstanding finishers (persistence, hooks, callbacks). When
// ctx expires first, pending callback retries and hook executions are aborted.
func (m *Manager) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.rootCancel()
		<-done
	}
	m.rootCancel()
}

// attach joins a resubmission to the prior run for its request id.
func (m *Manager) attach(ctx context.Context, run store.Run, env *envelope.Envelope) (SubmitResult, error) {
	if run.Status.Terminal() {
		return SubmitResult{Run: run}, nil
	}
	m.mu.Lock()
	f := m.inflight[run.ID]
	m.mu.Unlock()
	if f == nil {
		// Finished between the idempotency hit and now.
		fresh, err := m.deps.Store.GetRun(ctx, run.ID)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Run: fresh, Pending: !fresh.Status.Terminal()}, nil
	}
	return m.wait(ctx, f, run.ID, env)
}

// wait blocks per the envelope's mode: until terminal for synchronous
// submissions, until the deferral window expires otherwise.
func (m *Manager) wait(ctx context.Context, f *flight, runID string, env *envelope.Envelope) (SubmitResult, error) {
	var timerC <-chan time.Time
	if env.Deferred {
		if env.AsyncTimeout <= 0 {
			return m.pendingResult(ctx, runID)
		}
		timer := time.NewTimer(env.AsyncTimeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-f.done:
		return SubmitResult{Run: f.run}, nil
	case <-timerC:
		return m.pendingResult(ctx, runID)
	case <-ctx.Done():
		// The caller is gone; the run carries on in the background.
		return SubmitResult{}, ctx.Err()
	}
}

func (m *Manager) pendingResult(ctx context.Context, runID string) (SubmitResult, error) {
	run, err := m.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return SubmitResult{}, fault.Wrap(fault.KindInternal, err, "loading run %s", runID)
	}
	return SubmitResult{Run: run, Pending: !run.Status.Terminal()}, nil
}

// buildSubmission assembles the pool submission, resolving managed parameters
// from the envelope by their declared kinds.
func (m *Manager) buildSubmission(run store.Run, act *actions.Action, entry *actions.PackageEntry, env *envelope.Envelope, input json.RawMessage, dispatched *atomic.Bool) pool.Submission {
	managed := make(map[string]json.RawMessage, len(act.ManagedParams))
	for name, kind := range act.ManagedParams {
		switch kind {
		case actions.ManagedSecret:
			if v, ok := env.Secrets[name]; ok {
				managed[name] = jsonString(v)
			}
		case actions.ManagedOAuth2Secret:
			if v, ok := env.OAuth2[name]; ok {
				managed[name] = jsonString(v)
			}
		case actions.ManagedRequest:
			managed[name] = requestParam(run, act, env.RequestID)
		case actions.ManagedDataSource:
			if len(env.DataContext) > 0 {
				managed[name] = env.DataContext
			}
		}
	}

	headers := make(map[string]string, len(env.InvocationContext)+1)
	for k, v := range env.InvocationContext {
		headers[k] = v
	}
	if env.RequestID != "" {
		headers[envelope.HeaderRequestID] = env.RequestID
	}

	return pool.Submission{
		RunID:         run.ID,
		Action:        act.PackageSlug + "/" + act.Slug,
		Env:           entry.Env,
		Payload:       input,
		ManagedParams: managed,
		Headers:       headers,
		OnDispatch: func() (string, error) {
			return m.onDispatch(run, act, input, dispatched)
		},
	}
}

// onDispatch runs on the slot goroutine once a worker accepts the run: it
// bills the run counter, allocates the artifact directory, and moves the row
// to RUNNING. Queue-cancelled runs never reach it, so they consume neither.
func (m *Manager) onDispatch(run store.Run, act *actions.Action, input json.RawMessage, dispatched *atomic.Bool) (string, error) {
	ctx := context.Background()
	number, err := m.deps.Store.NextRunNumber(ctx, act.PackageID, act.Slug)
	if err != nil {
		return "", err
	}
	dir, err := m.deps.Artifacts.Allocate(number, act.PackageSlug, act.Slug)
	if err != nil {
		return "", err
	}
	if err := m.deps.Artifacts.WriteInput(dir, input); err != nil {
		logging.Warn("Lifecycle", "Writing input artifact for run %s: %v", run.ID, err)
	}

	updated, err := m.deps.Store.SetStatus(ctx, run.ID, store.StatusRunning, store.SetStatusOpts{
		RunNumber:   &number,
		ArtifactDir: &dir.Rel,
	})
	if err != nil {
		return "", err
	}
	dispatched.Store(true)
	m.publishRun(updated)
	return dir.Abs, nil
}

// finish persists the terminal verdict, releases waiters, and handles the
// side effects (result artifact, bus events, hook, callback).
func (m *Manager) finish(f *flight, run store.Run, env *envelope.Envelope, outcome pool.Outcome, dispatched bool) {
	status := outcome.Status
	if !dispatched && status == store.StatusFail {
		// The run never left NOT_RUN, which only transitions to CANCELLED.
		status = store.StatusCancelled
	}

	opts := store.SetStatusOpts{}
	if len(outcome.Result) > 0 {
		result := string(outcome.Result)
		opts.Result = &result
	}
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		opts.ErrorMessage = &msg
	}

	ctx := context.Background()
	final, err := m.deps.Store.SetStatus(ctx, run.ID, status, opts)
	if err != nil {
		logging.Error("Lifecycle", err, "Persisting terminal status %s for run %s", status, run.ID)
		if final, err = m.deps.Store.GetRun(ctx, run.ID); err != nil {
			final = run
		}
	}

	if dir := m.deps.Artifacts.Resolve(final.ArtifactDir); dir.Rel != "" && len(outcome.Result) > 0 {
		if err := m.deps.Artifacts.WriteResult(dir, outcome.Result); err != nil {
			logging.Warn("Lifecycle", "Writing result artifact for run %s: %v", final.ID, err)
		}
	}

	m.publishRun(final)
	if m.deps.ObserveRun != nil {
		var d time.Duration
		if final.StartedAt != nil && final.FinishedAt != nil {
			d = final.FinishedAt.Sub(*final.StartedAt)
		}
		m.deps.ObserveRun(final.Status, d)
	}

	// Release attached waiters before the slower side effects.
	f.run = final
	close(f.done)
	m.mu.Lock()
	delete(m.inflight, final.ID)
	m.mu.Unlock()

	m.fireHook(final, env)
	if final.CallbackURL != nil && *final.CallbackURL != "" {
		m.deliverCallback(final)
	}
}

func (m *Manager) fireHook(run store.Run, env *envelope.Envelope) {
	if m.deps.Hook == nil || !m.deps.Hook.Enabled() {
		return
	}
	inv := hook.Invocation{
		RunID:            run.ID,
		ActionName:       run.PackageSlug + "/" + run.ActionSlug,
		BaseArtifactsDir: m.deps.Artifacts.Base(),
		RunArtifactsDir:  m.deps.Artifacts.Resolve(run.ArtifactDir).Abs,
		Context:          env.InvocationContext,
	}
	if err := m.deps.Hook.Fire(m.rootCtx, inv); err != nil {
		logging.Error("Lifecycle", err, "Post-run hook for run %s", run.ID)
	}
}

// deliverCallback POSTs the terminal run to the registered URL with bounded
// retries. Permanent failure is recorded on the run row, never surfaced to
// the worker or the client.
func (m *Manager) deliverCallback(run store.Run) {
	body, err := json.Marshal(run)
	if err != nil {
		logging.Error("Lifecycle", err, "Encoding callback body for run %s", run.ID)
		return
	}

	backoff := m.deps.CallbackBackoff
	var lastErr error
	for attempt := 1; attempt <= m.deps.CallbackRetries; attempt++ {
		if lastErr = m.postCallback(run, body); lastErr == nil {
			logging.Debug("Lifecycle", "Delivered callback for run %s", run.ID)
			return
		}
		logging.Warn("Lifecycle", "Callback attempt %d/%d for run %s: %v",
			attempt, m.deps.CallbackRetries, run.ID, lastErr)
		if attempt == m.deps.CallbackRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-m.rootCtx.Done():
			lastErr = m.rootCtx.Err()
			attempt = m.deps.CallbackRetries
		}
		backoff *= 2
	}

	note := fmt.Sprintf("callback delivery failed after %d attempts: %v", m.deps.CallbackRetries, lastErr)
	if err := m.deps.Store.SetCallbackNote(context.Background(), run.ID, note); err != nil {
		logging.Error("Lifecycle", err, "Recording callback note for run %s", run.ID)
	}
}

func (m *Manager) postCallback(run store.Run, body []byte) error {
	req, err := http.NewRequestWithContext(m.rootCtx, http.MethodPost, *run.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(envelope.HeaderRunID, run.ID)
	if run.RequestID != nil {
		req.Header.Set(envelope.HeaderRequestID, *run.RequestID)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("callback endpoint returned %s", resp.Status)
	}
	return nil
}

func (m *Manager) publishRun(run store.Run) {
	payload, err := json.Marshal(run)
	if err != nil {
		return
	}
	m.deps.Bus.Publish(bus.TopicRuns, payload)
	m.deps.Bus.Publish(bus.RunTopic(run.ID), payload)
}

// validateInput checks the payload against the action's input schema.
// Compiled schemas are cached per action until its metadata version moves.
func (m *Manager) validateInput(act *actions.Action, input json.RawMessage) error {
	if len(act.InputSchema) == 0 || string(act.InputSchema) == "null" {
		return nil
	}
	sch, err := m.compiledSchema(act)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "compiling input schema for %s/%s", act.PackageSlug, act.Slug)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return fault.Wrap(fault.KindBadEnvelope, err, "input payload")
	}
	if err := sch.Validate(inst); err != nil {
		return fault.Wrap(fault.KindSchemaViolation, err, "input for %s/%s", act.PackageSlug, act.Slug)
	}
	return nil
}

func (m *Manager) compiledSchema(act *actions.Action) (*jsonschema.Schema, error) {
	m.mu.Lock()
	if c, ok := m.schemas[act.ID]; ok && c.version == act.MetaVersion {
		m.mu.Unlock()
		return c.schema, nil
	}
	m.mu.Unlock()

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(act.InputSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "schema:///" + act.ID + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.schemas[act.ID] = compiledSchema{version: act.MetaVersion, schema: sch}
	m.mu.Unlock()
	return sch, nil
}

// requestParam is the managed payload for `request`-kind parameters: the
// server-side identity of the invocation.
func requestParam(run store.Run, act *actions.Action, requestID string) json.RawMessage {
	payload := struct {
		RunID     string `json:"run_id"`
		Package   string `json:"package"`
		Action    string `json:"action"`
		RequestID string `json:"request_id,omitempty"`
	}{run.ID, act.PackageSlug, act.Slug, requestID}
	b, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func jsonString(v string) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return b
}
