package actions

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPackage(slug string) Package {
	return Package{
		ID:      "pkg-" + slug,
		Slug:    slug,
		Name:    slug,
		Dir:     "/packages/" + slug,
		EnvKey:  "env-" + slug,
		Enabled: true,
	}
}

func testAction(pkgSlug, slug string) Action {
	return Action{
		ID:          fmt.Sprintf("act-%s-%s", pkgSlug, slug),
		PackageID:   "pkg-" + pkgSlug,
		PackageSlug: pkgSlug,
		Slug:        slug,
		Name:        slug,
		Kind:        ToolKindAction,
		MetaVersion: 1,
		Enabled:     true,
	}
}

func TestSnapshotLookup(t *testing.T) {
	b := NewSnapshotBuilder(nil, nil)
	b.AddPackage(testPackage("greeter"), EnvironmentRef{Key: "env-greeter"},
		[]Action{testAction("greeter", "greet"), testAction("greeter", "farewell")})
	snap := b.Build(1)

	act, entry, ok := snap.Lookup("greeter", "greet")
	require.True(t, ok)
	assert.Equal(t, "greet", act.Slug)
	assert.Equal(t, "env-greeter", entry.Env.Key)

	_, _, ok = snap.Lookup("greeter", "nonexistent")
	assert.False(t, ok)

	_, _, ok = snap.Lookup("nonexistent", "greet")
	assert.False(t, ok)
}

func TestSnapshotOrdering(t *testing.T) {
	b := NewSnapshotBuilder(nil, nil)
	b.AddPackage(testPackage("zeta"), EnvironmentRef{}, []Action{testAction("zeta", "z")})
	b.AddPackage(testPackage("alpha"), EnvironmentRef{},
		[]Action{testAction("alpha", "second"), testAction("alpha", "first")})
	snap := b.Build(1)

	pkgs := snap.Packages()
	require.Len(t, pkgs, 2)
	assert.Equal(t, "alpha", pkgs[0].Package.Slug)
	assert.Equal(t, "zeta", pkgs[1].Package.Slug)

	// Actions are sorted by slug within a package.
	assert.Equal(t, "first", pkgs[0].Actions[0].Slug)
	assert.Equal(t, "second", pkgs[0].Actions[1].Slug)

	assert.Equal(t, 3, snap.ActionCount())
}

func TestSnapshotWhitelists(t *testing.T) {
	tests := []struct {
		name         string
		packageAllow []string
		actionAllow  []string
		wantPackages []string
		wantActions  int
	}{
		{
			name:         "no filters serves everything",
			wantPackages: []string{"auth", "greeter"},
			wantActions:  3,
		},
		{
			name:         "package filter",
			packageAllow: []string{"greeter"},
			wantPackages: []string{"greeter"},
			wantActions:  2,
		},
		{
			name:         "action filter drops empty packages",
			actionAllow:  []string{"login"},
			wantPackages: []string{"auth"},
			wantActions:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewSnapshotBuilder(tt.packageAllow, tt.actionAllow)
			b.AddPackage(testPackage("greeter"), EnvironmentRef{},
				[]Action{testAction("greeter", "greet"), testAction("greeter", "farewell")})
			b.AddPackage(testPackage("auth"), EnvironmentRef{},
				[]Action{testAction("auth", "login")})
			snap := b.Build(1)

			var got []string
			for _, e := range snap.Packages() {
				got = append(got, e.Package.Slug)
			}
			assert.Equal(t, tt.wantPackages, got)
			assert.Equal(t, tt.wantActions, snap.ActionCount())
		})
	}
}

func TestSnapshotSkipsDisabled(t *testing.T) {
	disabledPkg := testPackage("gone")
	disabledPkg.Enabled = false

	disabledAct := testAction("greeter", "retired")
	disabledAct.Enabled = false

	b := NewSnapshotBuilder(nil, nil)
	b.AddPackage(disabledPkg, EnvironmentRef{}, []Action{testAction("gone", "x")})
	b.AddPackage(testPackage("greeter"), EnvironmentRef{},
		[]Action{testAction("greeter", "greet"), disabledAct})
	snap := b.Build(1)

	_, ok := snap.Package("gone")
	assert.False(t, ok)

	entry, ok := snap.Package("greeter")
	require.True(t, ok)
	assert.Len(t, entry.Actions, 1)
	assert.Equal(t, "greet", entry.Actions[0].Slug)
}

func TestCatalogReplaceAdvancesVersion(t *testing.T) {
	c := NewCatalog()
	assert.Equal(t, int64(0), c.Current().Version)

	next := c.Replace(func(prev *Snapshot) *Snapshot {
		b := NewSnapshotBuilder(nil, nil)
		b.AddPackage(testPackage("greeter"), EnvironmentRef{}, []Action{testAction("greeter", "greet")})
		return b.Build(prev.Version + 1)
	})

	assert.Equal(t, int64(1), next.Version)
	assert.Same(t, next, c.Current())
}

func TestCatalogConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	c := NewCatalog()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers assert each observed snapshot is internally consistent and
	// versions never go backwards.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastVersion int64 = -1
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := c.Current()
				if snap.Version < lastVersion {
					t.Errorf("snapshot version went backwards: %d -> %d", lastVersion, snap.Version)
					return
				}
				lastVersion = snap.Version
				if _, _, ok := snap.Lookup("greeter", "greet"); ok {
					// Entry must be complete once visible.
					entry, _ := snap.Package("greeter")
					if entry.Package.Slug != "greeter" {
						t.Error("incomplete entry visible to reader")
						return
					}
				}
			}
		}()
	}

	for v := 0; v < 50; v++ {
		c.Replace(func(prev *Snapshot) *Snapshot {
			b := NewSnapshotBuilder(nil, nil)
			act := testAction("greeter", "greet")
			act.MetaVersion = prev.Version + 1
			b.AddPackage(testPackage("greeter"), EnvironmentRef{}, []Action{act})
			return b.Build(prev.Version + 1)
		})
	}
	close(stop)
	wg.Wait()
}

func TestCatalogMetadataVersionMonotonic(t *testing.T) {
	c := NewCatalog()

	publish := func(metaVersion int64) *Snapshot {
		return c.Replace(func(prev *Snapshot) *Snapshot {
			b := NewSnapshotBuilder(nil, nil)
			act := testAction("greeter", "greet")
			act.MetaVersion = metaVersion
			b.AddPackage(testPackage("greeter"), EnvironmentRef{}, []Action{act})
			return b.Build(prev.Version + 1)
		})
	}

	first := publish(1)
	second := publish(2)

	a1, _, ok := first.Lookup("greeter", "greet")
	require.True(t, ok)
	a2, _, ok := second.Lookup("greeter", "greet")
	require.True(t, ok)

	assert.GreaterOrEqual(t, a2.MetaVersion, a1.MetaVersion)
}
