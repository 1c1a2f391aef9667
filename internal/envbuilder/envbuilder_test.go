package envbuilder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workerTemplate = "python -m actionworker --env $env_dir --package $package_dir"

func TestPassthroughMode(t *testing.T) {
	b, err := New(t.TempDir(), "", workerTemplate, false)
	require.NoError(t, err)

	pkgDir := t.TempDir()
	env, err := b.Ensure(context.Background(), "k1", filepath.Join(pkgDir, "package.yaml"), pkgDir)
	require.NoError(t, err)
	assert.Equal(t, pkgDir, env.Dir)

	ref := b.Resolve(env)
	assert.Equal(t, "k1", ref.Key)
	assert.Equal(t, []string{
		"python", "-m", "actionworker", "--env", pkgDir, "--package", pkgDir,
	}, ref.WorkerCommand)
}

func TestBuildRunsCommandOnceAndWritesMarker(t *testing.T) {
	dataDir := t.TempDir()
	pkgDir := t.TempDir()
	counter := filepath.Join(dataDir, "builds.log")

	// Each build invocation appends a line; the marker must keep reruns at 1.
	builderCmd := `sh -c "mkdir -p $env_dir && echo built >> ` + counter + `"`
	b, err := New(dataDir, builderCmd, workerTemplate, false)
	require.NoError(t, err)

	manifest := filepath.Join(pkgDir, "package.yaml")
	env, err := b.Ensure(context.Background(), "abc123", manifest, pkgDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, "envs", "abc123"), env.Dir)

	marker, err := os.ReadFile(filepath.Join(env.Dir, ".ready"))
	require.NoError(t, err)
	assert.Equal(t, "abc123\n", string(marker))

	// Second Ensure hits the in-memory cache.
	_, err = b.Ensure(context.Background(), "abc123", manifest, pkgDir)
	require.NoError(t, err)

	// A fresh builder instance hits the disk marker.
	b2, err := New(dataDir, builderCmd, workerTemplate, false)
	require.NoError(t, err)
	_, err = b2.Ensure(context.Background(), "abc123", manifest, pkgDir)
	require.NoError(t, err)

	lines, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(lines))
}

func TestConcurrentEnsureSharesOneBuild(t *testing.T) {
	dataDir := t.TempDir()
	pkgDir := t.TempDir()
	counter := filepath.Join(dataDir, "builds.log")

	builderCmd := `sh -c "mkdir -p $env_dir && echo built >> ` + counter + `"`
	b, err := New(dataDir, builderCmd, workerTemplate, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Ensure(context.Background(), "shared", filepath.Join(pkgDir, "package.yaml"), pkgDir)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	lines, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(lines))
}

func TestBuildFailureSurfacesOutput(t *testing.T) {
	b, err := New(t.TempDir(), `sh -c "echo broken manifest >&2; exit 3"`, workerTemplate, false)
	require.NoError(t, err)

	_, err = b.Ensure(context.Background(), "bad", "manifest.yaml", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken manifest")
}

func TestContainerHintAppended(t *testing.T) {
	dataDir := t.TempDir()
	argsFile := filepath.Join(dataDir, "args.txt")

	script := filepath.Join(dataDir, "builder.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" > "+argsFile+"\n"), 0o755))

	b, err := New(dataDir, script+" --manifest $manifest", workerTemplate, true)
	require.NoError(t, err)

	_, err = b.Ensure(context.Background(), "k", "m.yaml", t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "--manifest m.yaml")
	assert.Contains(t, string(data), "--no-env-isolation")
}

func TestCleanCachesKeepsEnvironments(t *testing.T) {
	dataDir := t.TempDir()
	b, err := New(dataDir, "", workerTemplate, false)
	require.NoError(t, err)

	scratch := filepath.Join(dataDir, "builder-cache", "tmp.bin")
	require.NoError(t, os.WriteFile(scratch, []byte("x"), 0o644))
	envFile := filepath.Join(dataDir, "envs", "keep.txt")
	require.NoError(t, os.WriteFile(envFile, []byte("x"), 0o644))

	require.NoError(t, b.CleanCaches())

	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(envFile)
	assert.NoError(t, err)
}

func TestTouchUpdatesLastUsed(t *testing.T) {
	b, err := New(t.TempDir(), "", workerTemplate, false)
	require.NoError(t, err)

	pkgDir := t.TempDir()
	_, err = b.Ensure(context.Background(), "k", "m.yaml", pkgDir)
	require.NoError(t, err)

	first, ok := b.LastUsed("k")
	require.True(t, ok)

	b.Touch("k")
	second, ok := b.LastUsed("k")
	require.True(t, ok)
	assert.False(t, second.Before(first))

	_, ok = b.LastUsed("missing")
	assert.False(t, ok)
}

func TestSharedKeyRebindsPackageDir(t *testing.T) {
	dataDir := t.TempDir()
	dirA := t.TempDir()
	dirB := t.TempDir()

	// Two packages with the same dependency hash share one build but must
	// not share a package directory.
	builderCmd := `sh -c "mkdir -p $env_dir"`
	b, err := New(dataDir, builderCmd, workerTemplate, false)
	require.NoError(t, err)

	envA, err := b.Ensure(context.Background(), "shared", filepath.Join(dirA, "package.yaml"), dirA)
	require.NoError(t, err)
	envB, err := b.Ensure(context.Background(), "shared", filepath.Join(dirB, "package.yaml"), dirB)
	require.NoError(t, err)

	assert.Equal(t, envA.Dir, envB.Dir)
	assert.Equal(t, dirA, envA.PackageDir)
	assert.Equal(t, dirB, envB.PackageDir)

	refB := b.Resolve(envB)
	assert.Contains(t, refB.WorkerCommand, dirB)
	assert.NotContains(t, refB.WorkerCommand, dirA)
}

func TestPassthroughSharedKeyRebindsEnvDir(t *testing.T) {
	b, err := New(t.TempDir(), "", workerTemplate, false)
	require.NoError(t, err)

	dirA := t.TempDir()
	dirB := t.TempDir()
	_, err = b.Ensure(context.Background(), "k", filepath.Join(dirA, "package.yaml"), dirA)
	require.NoError(t, err)
	envB, err := b.Ensure(context.Background(), "k", filepath.Join(dirB, "package.yaml"), dirB)
	require.NoError(t, err)

	assert.Equal(t, dirB, envB.Dir)
	assert.Equal(t, dirB, envB.PackageDir)
}

func TestBadTemplatesRejected(t *testing.T) {
	_, err := New(t.TempDir(), `unclosed "quote`, workerTemplate, false)
	assert.Error(t, err)

	_, err = New(t.TempDir(), "", `unclosed "quote`, false)
	assert.Error(t, err)

	_, err = New(t.TempDir(), "", "", false)
	assert.Error(t, err)
}
