package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"actionserver/internal/actions"
	"actionserver/internal/pool"
	"actionserver/internal/workerproto"
)

// enumerate boots one transient worker in env and asks it to report its
// package's action metadata. The worker answers the reserved __enumerate__
// request and is shut down afterwards; it never joins the pool.
func enumerate(ctx context.Context, launcher pool.Launcher, env actions.EnvironmentRef, timeout time.Duration) ([]workerproto.ActionMeta, error) {
	worker, err := launcher.Launch(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("launching enumeration worker: %w", err)
	}
	defer func() {
		_ = worker.Send(workerproto.Message{Kind: workerproto.KindShutdown})
		_ = worker.Terminate(false)
		select {
		case <-worker.Exited():
		case <-time.After(3 * time.Second):
			_ = worker.Terminate(true)
		}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if err := awaitReady(ctx, worker, deadline.C); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	err = worker.Send(workerproto.Message{
		Kind:   workerproto.KindRequest,
		RunID:  runID,
		Action: workerproto.EnumerateAction,
	})
	if err != nil {
		return nil, fmt.Errorf("sending enumeration request: %w", err)
	}

	for {
		select {
		case msg, ok := <-worker.Frames():
			if !ok {
				return nil, fmt.Errorf("worker exited before reporting actions")
			}
			if msg.Kind != workerproto.KindResult || msg.RunID != runID {
				continue
			}
			if msg.Status != workerproto.StatusPass {
				reason := msg.Error
				if reason == "" {
					reason = "enumeration failed"
				}
				return nil, fmt.Errorf("worker rejected enumeration: %s", reason)
			}
			var metas []workerproto.ActionMeta
			if err := json.Unmarshal(msg.Result, &metas); err != nil {
				return nil, fmt.Errorf("decoding enumeration result: %w", err)
			}
			return metas, nil
		case <-worker.Exited():
			return nil, fmt.Errorf("worker exited before reporting actions")
		case <-deadline.C:
			return nil, fmt.Errorf("enumeration missed its %s deadline", timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func awaitReady(ctx context.Context, worker pool.Worker, deadline <-chan time.Time) error {
	for {
		select {
		case msg, ok := <-worker.Frames():
			if !ok {
				return fmt.Errorf("worker exited before its ready frame")
			}
			if msg.Kind == workerproto.KindReady {
				return nil
			}
		case <-worker.Exited():
			return fmt.Errorf("worker exited before its ready frame")
		case <-deadline:
			return fmt.Errorf("worker missed its ready deadline")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
