package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"actionserver/internal/fault"
	"actionserver/pkg/logging"
)

const (
	// FileName is the lock file inside the data directory.
	FileName = "server.lock"

	// DefaultGrace is how long Acquire retries against a live holder before
	// giving up. A restarting server's predecessor usually releases within
	// this window.
	DefaultGrace = 2 * time.Second

	retryInterval = 100 * time.Millisecond
)

// Options tune Acquire. Force evicts the recorded holder (SIGTERM, then
// SIGKILL after the grace window) before locking.
type Options struct {
	Grace time.Duration
	Force bool
}

// Lock is a held advisory lock on the data directory. The file stays in
// place after Release; the flock, not the file's existence, is authoritative.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the exclusive data-directory lock and records this process's
// pid on the file's first line. A directory locked by a live process yields
// fault.KindDataDirLocked once the grace window runs out.
func Acquire(dataDir string, opts Options) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, FileName)
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	if opts.Force {
		evictHolder(path, grace)
	}

	deadline := time.Now().Add(grace)
	for {
		lock, err := try(path)
		if err == nil {
			logging.Debug("lockfile", "locked %s for pid %d", path, os.Getpid())
			return lock, nil
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) && !errors.Is(err, syscall.EAGAIN) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fault.New(fault.KindDataDirLocked,
				"data directory %s is locked by pid %d", dataDir, holderPID(path))
		}
		time.Sleep(retryInterval)
	}
}

func try(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, err
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	// Closing the descriptor releases the flock.
	return f.Close()
}

// Path is the lock file's location.
func (l *Lock) Path() string { return l.path }

// evictHolder asks the recorded holder to exit, escalating to SIGKILL when it
// ignores SIGTERM for the whole grace window. Dead or unparseable holders are
// skipped; the flock attempt that follows is the real arbiter.
func evictHolder(path string, grace time.Duration) {
	pid := holderPID(path)
	if pid <= 0 || pid == os.Getpid() {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	logging.Warn("lockfile", "forcing lock takeover from pid %d", pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = proc.Signal(syscall.SIGKILL)
}

func holderPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0
	}
	return pid
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
