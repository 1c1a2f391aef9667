// Package artifacts manages the per-run output tree under the data
// directory: one directory per run holding the input and result payloads
// written by the server and the stdout/stderr/trace files written by the
// worker.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Well-known artifact file names inside a run directory. The server writes
// the payload pair; workers write the capture files.
const (
	InputFile  = "input.json"
	ResultFile = "result.json"
	StdoutFile = "stdout.txt"
	StderrFile = "stderr.txt"
	TraceFile  = "trace.jsonl"
)

const runsDirName = "runs"

// RunDir addresses one run's artifact directory. Rel is what the run row
// stores; Abs is what gets handed to workers and the post-run hook.
type RunDir struct {
	Rel string
	Abs string
}

// Store owns the runs/ tree under the data directory.
type Store struct {
	base string
}

// New opens (creating if needed) the runs/ tree under dataDir.
func New(dataDir string) (*Store, error) {
	base := filepath.Join(dataDir, runsDirName)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root %s: %w", base, err)
	}
	return &Store{base: base}, nil
}

// Base returns the absolute path of the runs/ tree.
func (s *Store) Base() string {
	return s.base
}

// Allocate creates the artifact directory for a dispatched run. The name is
// `<number>-<package>-<action>` so directories sort by run order and stay
// greppable by action.
func (s *Store) Allocate(runNumber int64, packageSlug, actionSlug string) (RunDir, error) {
	rel := fmt.Sprintf("%d-%s-%s", runNumber, packageSlug, actionSlug)
	abs := filepath.Join(s.base, rel)
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return RunDir{}, fmt.Errorf("creating run directory %s: %w", abs, err)
	}
	return RunDir{Rel: rel, Abs: abs}, nil
}

// WriteInput persists the run's input payload.
func (s *Store) WriteInput(dir RunDir, payload []byte) error {
	return os.WriteFile(filepath.Join(dir.Abs, InputFile), payload, 0o644)
}

// WriteResult persists the run's result payload.
func (s *Store) WriteResult(dir RunDir, payload []byte) error {
	return os.WriteFile(filepath.Join(dir.Abs, ResultFile), payload, 0o644)
}

// Resolve turns a run row's relative directory back into a RunDir. An empty
// relative directory (a run cancelled before dispatch) resolves to the zero
// value.
func (s *Store) Resolve(rel string) RunDir {
	if rel == "" {
		return RunDir{}
	}
	return RunDir{Rel: rel, Abs: filepath.Join(s.base, rel)}
}

// Open opens a named artifact inside a run directory for download. Names
// containing path separators or traversal are rejected; so are paths that
// escape the runs/ tree.
func (s *Store) Open(rel, name string) (*os.File, error) {
	if rel == "" {
		return nil, fmt.Errorf("run has no artifact directory")
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("artifact name %q is not a plain file name", name)
	}
	path := filepath.Join(s.base, rel, name)
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(resolved, s.base+string(filepath.Separator)) {
		return nil, fmt.Errorf("artifact path escapes the runs tree")
	}
	return os.Open(resolved)
}
