// Package envbuilder prepares the per-environment-key runtime directories
// workers execute in. Builds run an opaque operator-configured subprocess;
// concurrent requests for one key share a single build, and completed builds
// are cached in memory and on disk under <dataDir>/envs/<key>.
package envbuilder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/singleflight"

	"actionserver/internal/actions"
	"actionserver/pkg/logging"
)

const (
	envsDirName    = "envs"
	scratchDirName = "builder-cache"
	markerFile     = ".ready"
	containerFlag  = "--no-env-isolation"
	scratchEnvName = "ACTION_SERVER_BUILDER_CACHE"
)

// Environment is one prepared runtime.
type Environment struct {
	Key        string
	Dir        string
	PackageDir string
	BuiltAt    time.Time

	lastUsed time.Time
}

// Builder runs environment builds and caches the results. When no builder
// command is configured it operates in passthrough mode: the package
// directory doubles as its environment.
type Builder struct {
	dataDir    string
	builderCmd []string
	workerCmd  []string
	container  bool

	group singleflight.Group
	mu    sync.Mutex
	ready map[string]*Environment
}

// New tokenizes both command templates up front. builderCommand may be
// empty (passthrough); workerCommand must produce at least one token.
func New(dataDir, builderCommand, workerCommand string, optimizeForContainer bool) (*Builder, error) {
	b := &Builder{
		dataDir:   dataDir,
		container: optimizeForContainer,
		ready:     make(map[string]*Environment),
	}

	if strings.TrimSpace(builderCommand) != "" {
		argv, err := shellquote.Split(builderCommand)
		if err != nil {
			return nil, fmt.Errorf("tokenizing builder command: %w", err)
		}
		b.builderCmd = argv
	}

	argv, err := shellquote.Split(workerCommand)
	if err != nil {
		return nil, fmt.Errorf("tokenizing worker command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	b.workerCmd = argv

	for _, dir := range []string{b.envsDir(), b.scratchDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return b, nil
}

func (b *Builder) envsDir() string    { return filepath.Join(b.dataDir, envsDirName) }
func (b *Builder) scratchDir() string { return filepath.Join(b.dataDir, scratchDirName) }

// Ensure returns the prepared environment for key, building it if needed.
// Concurrent calls for the same key share one build. Packages with identical
// environment-relevant manifests share the built directory but each caller
// gets a view bound to its own package directory.
func (b *Builder) Ensure(ctx context.Context, key, manifestPath, packageDir string) (*Environment, error) {
	b.mu.Lock()
	if env, ok := b.ready[key]; ok {
		env.lastUsed = time.Now()
		view := b.viewLocked(env, packageDir)
		b.mu.Unlock()
		return view, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		return b.build(ctx, key, manifestPath, packageDir)
	})
	if err != nil {
		return nil, err
	}
	env := v.(*Environment)

	b.mu.Lock()
	env.lastUsed = time.Now()
	b.ready[key] = env
	view := b.viewLocked(env, packageDir)
	b.mu.Unlock()
	return view, nil
}

// viewLocked rebinds a cached environment to the calling package. In
// passthrough mode the package directory doubles as the environment
// directory, so it is rebound too. Callers hold b.mu.
func (b *Builder) viewLocked(env *Environment, packageDir string) *Environment {
	v := *env
	v.PackageDir = packageDir
	if len(b.builderCmd) == 0 {
		v.Dir = packageDir
	}
	return &v
}

func (b *Builder) build(ctx context.Context, key, manifestPath, packageDir string) (*Environment, error) {
	now := time.Now()
	if len(b.builderCmd) == 0 {
		return &Environment{Key: key, Dir: packageDir, PackageDir: packageDir, BuiltAt: now}, nil
	}

	envDir := filepath.Join(b.envsDir(), key)
	env := &Environment{Key: key, Dir: envDir, PackageDir: packageDir, BuiltAt: now}

	marker := filepath.Join(envDir, markerFile)
	if data, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(data)) == key {
		logging.Debug("EnvBuilder", "Environment %s already prepared", key)
		return env, nil
	}

	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating environment dir: %w", err)
	}

	vars := map[string]string{
		"manifest":    manifestPath,
		"env_dir":     envDir,
		"package_dir": packageDir,
	}
	argv := substitute(b.builderCmd, vars)
	if b.container {
		argv = append(argv, containerFlag)
	}

	logging.Info("EnvBuilder", "Building environment %s for %s", key, packageDir)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), scratchEnvName+"="+b.scratchDir())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("environment build %s: %w: %s", key, err, strings.TrimSpace(string(out)))
	}

	if err := os.WriteFile(marker, []byte(key+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing environment marker: %w", err)
	}
	return env, nil
}

// Resolve shapes the catalog's environment record: the concrete worker argv
// for this environment, with $env_dir and $package_dir substituted.
func (b *Builder) Resolve(env *Environment) actions.EnvironmentRef {
	vars := map[string]string{
		"env_dir":     env.Dir,
		"package_dir": env.PackageDir,
	}
	return actions.EnvironmentRef{
		Key:           env.Key,
		Dir:           env.Dir,
		WorkerCommand: substitute(b.workerCmd, vars),
	}
}

// Touch updates last-used accounting for key. Unknown keys are ignored.
func (b *Builder) Touch(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if env, ok := b.ready[key]; ok {
		env.lastUsed = time.Now()
	}
}

// LastUsed reports when key was last ensured or touched.
func (b *Builder) LastUsed(key string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	env, ok := b.ready[key]
	if !ok {
		return time.Time{}, false
	}
	return env.lastUsed, true
}

// CleanCaches wipes builder scratch state. Prepared environments are kept.
func (b *Builder) CleanCaches() error {
	if err := os.RemoveAll(b.scratchDir()); err != nil {
		return fmt.Errorf("removing builder scratch: %w", err)
	}
	return os.MkdirAll(b.scratchDir(), 0o755)
}

func substitute(tokens []string, vars map[string]string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = os.Expand(tok, func(name string) string { return vars[name] })
	}
	return out
}
