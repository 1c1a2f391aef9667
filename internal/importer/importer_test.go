package importer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionserver/internal/actions"
	"actionserver/internal/bus"
	"actionserver/internal/envbuilder"
	"actionserver/internal/pool"
	"actionserver/internal/store"
	"actionserver/internal/workerproto"
)

// enumWorker answers the enumeration request and nothing else. It stands in
// for a real child process so imports run without any subprocess.
type enumWorker struct {
	frames chan workerproto.Message
	exited chan struct{}

	metas   []workerproto.ActionMeta
	failMsg string

	mu   sync.Mutex
	dead bool
}

func (w *enumWorker) emit(msg workerproto.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return
	}
	w.frames <- msg
}

func (w *enumWorker) exit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return
	}
	w.dead = true
	close(w.frames)
	close(w.exited)
}

func (w *enumWorker) Send(msg workerproto.Message) error {
	switch msg.Kind {
	case workerproto.KindRequest:
		if msg.Action != workerproto.EnumerateAction {
			w.emit(workerproto.Message{
				Kind:   workerproto.KindResult,
				RunID:  msg.RunID,
				Status: workerproto.StatusFail,
				Error:  "unexpected action " + msg.Action,
			})
			return nil
		}
		if w.failMsg != "" {
			w.emit(workerproto.Message{
				Kind:   workerproto.KindResult,
				RunID:  msg.RunID,
				Status: workerproto.StatusFail,
				Error:  w.failMsg,
			})
			return nil
		}
		payload, err := json.Marshal(w.metas)
		if err != nil {
			return err
		}
		w.emit(workerproto.Message{
			Kind:   workerproto.KindResult,
			RunID:  msg.RunID,
			Status: workerproto.StatusPass,
			Result: payload,
		})
	case workerproto.KindShutdown:
		w.exit()
	}
	return nil
}

func (w *enumWorker) Frames() <-chan workerproto.Message { return w.frames }
func (w *enumWorker) Exited() <-chan struct{}            { return w.exited }
func (w *enumWorker) Pid() int                           { return 7777 }

func (w *enumWorker) Terminate(force bool) error {
	w.exit()
	return nil
}

type enumLauncher struct {
	metasFor func(env actions.EnvironmentRef) ([]workerproto.ActionMeta, error)

	mu       sync.Mutex
	launched []actions.EnvironmentRef
}

func (l *enumLauncher) Launch(ctx context.Context, env actions.EnvironmentRef) (pool.Worker, error) {
	l.mu.Lock()
	l.launched = append(l.launched, env)
	l.mu.Unlock()

	w := &enumWorker{
		frames: make(chan workerproto.Message, 16),
		exited: make(chan struct{}),
	}
	metas, err := l.metasFor(env)
	if err != nil {
		w.failMsg = err.Error()
	} else {
		w.metas = metas
	}
	w.emit(workerproto.Message{Kind: workerproto.KindReady})
	return w, nil
}

func (l *enumLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

type retireLog struct {
	mu   sync.Mutex
	keys []string
}

func (r *retireLog) add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *retireLog) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type importOpts struct {
	metasFor     func(env actions.EnvironmentRef) ([]workerproto.ActionMeta, error)
	packageAllow []string
	actionAllow  []string
}

type importHarness struct {
	im       *Importer
	store    *store.Store
	bus      *bus.Bus
	catalog  *actions.Catalog
	launcher *enumLauncher
	retired  *retireLog
	root     string
}

func defaultMetas(env actions.EnvironmentRef) ([]workerproto.ActionMeta, error) {
	return []workerproto.ActionMeta{
		{
			Name:        "Do Thing",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}}}`),
		},
	}, nil
}

func newImportHarness(t *testing.T, opts importOpts) *importHarness {
	t.Helper()
	ctx := context.Background()

	dataDir := t.TempDir()
	root := t.TempDir()

	st, err := store.Open(filepath.Join(dataDir, "actions.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	builder, err := envbuilder.New(dataDir, "", "worker --pkg $package_dir", false)
	require.NoError(t, err)

	if opts.metasFor == nil {
		opts.metasFor = defaultMetas
	}
	launcher := &enumLauncher{metasFor: opts.metasFor}
	retired := &retireLog{}
	b := bus.NewBus(bus.DefaultDepth)

	h := &importHarness{
		store:    st,
		bus:      b,
		catalog:  actions.NewCatalog(),
		launcher: launcher,
		retired:  retired,
		root:     root,
	}
	h.im = New(Deps{
		Store:        st,
		Builder:      builder,
		Catalog:      h.catalog,
		Bus:          b,
		Launcher:     launcher,
		RetireEnv:    retired.add,
		PackagesDir:  root,
		PackageAllow: opts.packageAllow,
		ActionAllow:  opts.actionAllow,
		Parallelism:  2,
		EnumTimeout:  2 * time.Second,
	})

	t.Cleanup(func() {
		b.Shutdown()
		require.NoError(t, st.Close())
	})
	return h
}

func (h *importHarness) writePackage(t *testing.T, dirName, manifest string) string {
	t.Helper()
	dir := filepath.Join(h.root, dirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	return dir
}

func waitEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed before an event arrived")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no bus event within 2s")
		return bus.Event{}
	}
}

func TestImportAllBuildsCatalog(t *testing.T) {
	h := newImportHarness(t, importOpts{})
	alphaDir := h.writePackage(t, "alpha", "name: Alpha Tools\ndependencies:\n  - requests\n")
	h.writePackage(t, "beta", "name: beta\ndependencies:\n  - requests\n")

	sum, err := h.im.ImportAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha-tools", "beta"}, sum.Imported)
	assert.Empty(t, sum.Failed)
	assert.Empty(t, sum.Disabled)
	assert.EqualValues(t, 1, sum.Version)
	assert.Equal(t, 2, sum.Actions)
	assert.Equal(t, 2, h.launcher.count())

	envKey := (&Manifest{Dependencies: []string{"requests"}}).EnvKey()
	snap := h.catalog.Current()
	assert.EqualValues(t, 1, snap.Version)

	alpha, ok := snap.Package("alpha-tools")
	require.True(t, ok)
	assert.Equal(t, "alpha-tools@"+envKey, alpha.Env.Key)
	assert.Equal(t, alphaDir, alpha.Env.Dir)
	assert.Equal(t, envKey, alpha.Package.EnvKey)
	require.Len(t, alpha.Actions, 1)
	assert.Equal(t, "do-thing", alpha.Actions[0].Slug)
	assert.Equal(t, "Do Thing", alpha.Actions[0].Name)
	assert.EqualValues(t, 1, alpha.Actions[0].MetaVersion)

	beta, ok := snap.Package("beta")
	require.True(t, ok)
	assert.Equal(t, "beta@"+envKey, beta.Env.Key)
	assert.Equal(t, envKey, beta.Package.EnvKey, "same dependency list shares one prepared environment")

	pkg, err := h.store.GetPackage(context.Background(), "alpha-tools")
	require.NoError(t, err)
	assert.True(t, pkg.Enabled)
}

func TestImportIgnoresNonPackageEntries(t *testing.T) {
	h := newImportHarness(t, importOpts{})
	h.writePackage(t, "good", "name: good\n")
	require.NoError(t, os.MkdirAll(filepath.Join(h.root, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "README.md"), []byte("not a package"), 0o644))

	sum, err := h.im.ImportAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"good"}, sum.Imported)
	assert.Empty(t, sum.Failed)
	assert.Equal(t, 1, h.launcher.count())
}

func TestMalformedManifestIsDiagnosticOnly(t *testing.T) {
	h := newImportHarness(t, importOpts{})
	badDir := h.writePackage(t, "bad", "name: [broken\n")
	h.writePackage(t, "good", "name: good\n")

	sum, err := h.im.ImportAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"good"}, sum.Imported)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, badDir, sum.Failed[0].Dir)
	assert.Error(t, sum.Failed[0].Err)

	snap := h.catalog.Current()
	_, ok := snap.Package("good")
	assert.True(t, ok)
	assert.Equal(t, 1, len(snap.Packages()))
}

func TestLintDropsUnrepresentableActions(t *testing.T) {
	h := newImportHarness(t, importOpts{
		metasFor: func(env actions.EnvironmentRef) ([]workerproto.ActionMeta, error) {
			return []workerproto.ActionMeta{
				{Name: "Do Thing", InputSchema: json.RawMessage(`{"type":"object"}`)},
				{Name: ""},
				{Name: "do thing"},
				{Name: "Bad Managed", ManagedParams: map[string]string{"x": "bogus"}},
				{Name: "Bad Kind", Kind: "wizard"},
				{Name: "Array Input", InputSchema: json.RawMessage(`{"type":"array"}`)},
				{Name: "Bool Schema", InputSchema: json.RawMessage(`true`)},
				{Name: "Second"},
			}, nil
		},
	})
	h.writePackage(t, "demo", "name: demo\n")

	sum, err := h.im.ImportAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"demo"}, sum.Imported)
	assert.Equal(t, 2, sum.Actions)

	entry, ok := h.catalog.Current().Package("demo")
	require.True(t, ok)
	require.Len(t, entry.Actions, 2)
	assert.Equal(t, "do-thing", entry.Actions[0].Slug)
	assert.Equal(t, "second", entry.Actions[1].Slug)
	assert.JSONEq(t, `{"type":"object"}`, string(entry.Actions[1].InputSchema), "absent schema defaults to the empty object schema")
}

func TestVanishedPackageIsDisabled(t *testing.T) {
	h := newImportHarness(t, importOpts{})
	alphaDir := h.writePackage(t, "alpha", "name: Alpha Tools\ndependencies:\n  - requests\n")
	h.writePackage(t, "beta", "name: beta\n")

	_, err := h.im.ImportAll(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(alphaDir))

	sum, err := h.im.ImportAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha-tools"}, sum.Disabled)
	assert.Equal(t, []string{"beta"}, sum.Imported)
	assert.EqualValues(t, 2, sum.Version)

	snap := h.catalog.Current()
	_, ok := snap.Package("alpha-tools")
	assert.False(t, ok)
	_, ok = snap.Package("beta")
	assert.True(t, ok)

	pkg, err := h.store.GetPackage(context.Background(), "alpha-tools")
	require.NoError(t, err)
	assert.False(t, pkg.Enabled)

	envKey := (&Manifest{Dependencies: []string{"requests"}}).EnvKey()
	assert.Contains(t, h.retired.list(), "alpha-tools@"+envKey)
}

func TestReimportRetiresPackageArena(t *testing.T) {
	h := newImportHarness(t, importOpts{})
	h.writePackage(t, "demo", "name: demo\ndependencies:\n  - requests\n")

	_, err := h.im.ImportAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.retired.list(), "first import has nothing to retire")

	_, err = h.im.ImportAll(context.Background())
	require.NoError(t, err)

	envKey := (&Manifest{Dependencies: []string{"requests"}}).EnvKey()
	assert.Equal(t, []string{"demo@" + envKey}, h.retired.list())
}

func TestDisableDirRemovesPackage(t *testing.T) {
	h := newImportHarness(t, importOpts{})
	demoDir := h.writePackage(t, "demo", "name: demo\n")

	_, err := h.im.ImportAll(context.Background())
	require.NoError(t, err)

	sum, err := h.im.DisableDir(context.Background(), demoDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo"}, sum.Disabled)
	assert.EqualValues(t, 2, sum.Version)

	snap := h.catalog.Current()
	assert.Empty(t, snap.Packages())
	assert.Equal(t, 0, snap.ActionCount())

	pkg, err := h.store.GetPackage(context.Background(), "demo")
	require.NoError(t, err)
	assert.False(t, pkg.Enabled)

	sum, err = h.im.DisableDir(context.Background(), filepath.Join(h.root, "never-imported"))
	require.NoError(t, err)
	assert.Empty(t, sum.Disabled)
	assert.EqualValues(t, 2, h.catalog.Current().Version, "no-op disable must not churn the catalog")
}

func TestEnumerationFailureIsDiagnostic(t *testing.T) {
	h := newImportHarness(t, importOpts{
		metasFor: func(env actions.EnvironmentRef) ([]workerproto.ActionMeta, error) {
			return nil, errors.New("module import exploded")
		},
	})
	demoDir := h.writePackage(t, "demo", "name: demo\n")

	sum, err := h.im.ImportAll(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sum.Imported)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, demoDir, sum.Failed[0].Dir)
	assert.ErrorContains(t, sum.Failed[0].Err, "module import exploded")

	assert.Empty(t, h.catalog.Current().Packages())
	_, err = h.store.GetPackage(context.Background(), "demo")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCatalogEventPublished(t *testing.T) {
	h := newImportHarness(t, importOpts{})
	h.writePackage(t, "demo", "name: demo\n")

	sub, err := h.bus.Subscribe(bus.TopicCatalog)
	require.NoError(t, err)
	defer h.bus.Close(sub)

	_, err = h.im.ImportAll(context.Background())
	require.NoError(t, err)

	ev := waitEvent(t, sub)
	assert.Equal(t, bus.TopicCatalog, ev.Topic)
	assert.Equal(t, bus.EventDelta, ev.Kind)
	assert.EqualValues(t, 1, ev.Seq)

	var payload struct {
		Version  int64 `json:"version"`
		Packages int   `json:"packages"`
		Actions  int   `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.EqualValues(t, 1, payload.Version)
	assert.Equal(t, 1, payload.Packages)
	assert.Equal(t, 1, payload.Actions)
}

func TestPackageWhitelistFiltersCatalog(t *testing.T) {
	h := newImportHarness(t, importOpts{packageAllow: []string{"beta"}})
	h.writePackage(t, "alpha", "name: Alpha Tools\n")
	h.writePackage(t, "beta", "name: beta\n")

	sum, err := h.im.ImportAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha-tools", "beta"}, sum.Imported, "whitelists gate the catalog, not the store")
	assert.Equal(t, 1, sum.Actions)

	snap := h.catalog.Current()
	_, ok := snap.Package("alpha-tools")
	assert.False(t, ok)
	_, ok = snap.Package("beta")
	assert.True(t, ok)

	pkg, err := h.store.GetPackage(context.Background(), "alpha-tools")
	require.NoError(t, err)
	assert.True(t, pkg.Enabled)
}
