package guardian

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"actionserver/pkg/logging"
)

// DefaultPollInterval is how often the parent process is checked.
const DefaultPollInterval = time.Second

// Config enables the guardian. A zero ParentPID leaves it off.
type Config struct {
	ParentPID    int
	PollInterval time.Duration
}

// Guardian polls a parent process and fires a callback once when it dies.
// Servers spawned by an editor or supervisor use it to avoid outliving the
// process that owns them: the parent may be killed without a chance to
// deliver a shutdown signal.
type Guardian struct {
	parentPID int
	interval  time.Duration
	onDeath   func()
	alive     func(pid int) bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(cfg Config, onDeath func()) *Guardian {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Guardian{
		parentPID: cfg.ParentPID,
		interval:  interval,
		onDeath:   onDeath,
		alive:     processAlive,
	}
}

// Enabled reports whether a parent pid was configured.
func (g *Guardian) Enabled() bool { return g.parentPID > 0 }

// Start begins polling. A disabled guardian or a second Start is a no-op.
func (g *Guardian) Start() {
	g.mu.Lock()
	if g.running || !g.Enabled() {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.done = make(chan struct{})
	g.mu.Unlock()

	go g.watch()

	logging.Info("guardian", "watching parent pid %d every %s", g.parentPID, g.interval)
}

// Stop ends polling and waits for the poll loop to exit. Safe to call more
// than once and before Start.
func (g *Guardian) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	done := g.done
	g.mu.Unlock()
	<-done
}

func (g *Guardian) watch() {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			if g.alive(g.parentPID) {
				continue
			}
			logging.Warn("guardian", "parent pid %d is gone, shutting down", g.parentPID)
			g.onDeath()
			return
		}
	}
}

// processAlive probes pid with the null signal. EPERM still means the pid is
// occupied by a live process we may not signal.
func processAlive(pid int) bool {
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
