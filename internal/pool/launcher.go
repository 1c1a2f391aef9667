package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"actionserver/internal/actions"
	"actionserver/internal/workerproto"
	"actionserver/pkg/logging"
)

// Launcher spawns worker processes. The pool never touches os/exec directly
// so tests can substitute in-memory workers.
type Launcher interface {
	Launch(ctx context.Context, env actions.EnvironmentRef) (Worker, error)
}

// Worker is the pool's handle on one spawned process. Send is safe for one
// caller at a time (the slot loop); Frames closes when the process's stdout
// ends; Exited closes once the process is reaped.
type Worker interface {
	Send(msg workerproto.Message) error
	Frames() <-chan workerproto.Message
	Exited() <-chan struct{}
	Terminate(force bool) error
	Pid() int
}

// ExecLauncher runs the environment's worker command with stdin/stdout
// pipes carrying the framed protocol. Worker stderr passes through to the
// server's stderr for operator visibility.
type ExecLauncher struct{}

// Launch starts the worker in the environment directory.
func (ExecLauncher) Launch(ctx context.Context, env actions.EnvironmentRef) (Worker, error) {
	if len(env.WorkerCommand) == 0 {
		return nil, fmt.Errorf("environment %s has no worker command", env.Key)
	}

	cmd := exec.Command(env.WorkerCommand[0], env.WorkerCommand[1:]...)
	cmd.Dir = env.Dir
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	logging.Debug("Pool", "Started worker %d: %v", cmd.Process.Pid, env.WorkerCommand)

	w := &execWorker{
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan workerproto.Message, 8),
		exited: make(chan struct{}),
	}
	readDone := make(chan struct{})
	go w.readLoop(stdout, readDone)
	go w.waitLoop(readDone)
	return w, nil
}

type execWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	sendMu sync.Mutex
	frames chan workerproto.Message
	exited chan struct{}
}

func (w *execWorker) readLoop(stdout io.Reader, done chan<- struct{}) {
	defer close(done)
	defer close(w.frames)
	for {
		msg, err := workerproto.ReadMessage(stdout)
		if err != nil {
			if err != io.EOF {
				logging.Debug("Pool", "Worker %d stream ended: %v", w.Pid(), err)
			}
			return
		}
		w.frames <- msg
	}
}

func (w *execWorker) waitLoop(readDone <-chan struct{}) {
	<-readDone
	if err := w.cmd.Wait(); err != nil {
		logging.Debug("Pool", "Worker %d exited: %v", w.Pid(), err)
	}
	close(w.exited)
}

func (w *execWorker) Send(msg workerproto.Message) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return workerproto.WriteMessage(w.stdin, msg)
}

func (w *execWorker) Frames() <-chan workerproto.Message { return w.frames }

func (w *execWorker) Exited() <-chan struct{} { return w.exited }

func (w *execWorker) Pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Terminate signals the process: SIGTERM for a graceful stop, SIGKILL when
// forced. Errors from already-dead processes are returned as-is and safe to
// ignore.
func (w *execWorker) Terminate(force bool) error {
	if w.cmd.Process == nil {
		return nil
	}
	if force {
		return w.cmd.Process.Kill()
	}
	return w.cmd.Process.Signal(syscall.SIGTERM)
}
