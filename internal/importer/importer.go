package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"actionserver/internal/actions"
	"actionserver/internal/bus"
	"actionserver/internal/envbuilder"
	"actionserver/internal/pool"
	"actionserver/internal/store"
	"actionserver/internal/workerproto"
	"actionserver/pkg/logging"
)

const (
	// DefaultParallelism bounds how many packages import at once.
	DefaultParallelism = 4

	// DefaultEnumTimeout bounds one transient worker's boot plus enumeration.
	DefaultEnumTimeout = 60 * time.Second
)

// Deps are the collaborators an Importer composes. RetireEnv is optional; when
// set it is called with the pool environment key of a package that was
// re-imported or disabled, so stale workers get recycled.
type Deps struct {
	Store     *store.Store
	Builder   *envbuilder.Builder
	Catalog   *actions.Catalog
	Bus       *bus.Bus
	Launcher  pool.Launcher
	RetireEnv func(envKey string)

	PackagesDir  string
	PackageAllow []string
	ActionAllow  []string

	Parallelism int
	EnumTimeout time.Duration
}

// Importer turns package directories into catalog entries: parse the
// manifest, ensure the environment, enumerate actions through a transient
// worker, lint, persist, and swap the catalog snapshot.
type Importer struct {
	deps Deps

	mu      sync.Mutex
	envRefs map[string]actions.EnvironmentRef
}

// Failure is one package that could not be imported. The server keeps running
// with whatever state the package had before.
type Failure struct {
	Dir string
	Err error
}

// Summary reports one import pass. Version and Actions describe the catalog
// snapshot published at the end of the pass.
type Summary struct {
	Imported []string
	Disabled []string
	Failed   []Failure
	Actions  int
	Version  int64
}

func New(deps Deps) *Importer {
	if deps.Parallelism <= 0 {
		deps.Parallelism = DefaultParallelism
	}
	if deps.EnumTimeout <= 0 {
		deps.EnumTimeout = DefaultEnumTimeout
	}
	return &Importer{
		deps:    deps,
		envRefs: make(map[string]actions.EnvironmentRef),
	}
}

// ImportAll scans the packages root one level deep, imports every directory
// carrying a manifest, disables packages whose directory vanished, and
// publishes the resulting catalog snapshot. Per-package failures land in the
// summary; only scan and store errors abort the pass.
func (im *Importer) ImportAll(ctx context.Context) (Summary, error) {
	dirs, err := im.discover()
	if err != nil {
		return Summary{}, err
	}

	sum := im.runImports(ctx, dirs)
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	seen := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		seen[dir] = true
	}
	disabled, err := im.disableVanished(ctx, seen)
	if err != nil {
		return sum, err
	}
	sum.Disabled = disabled

	if err := im.refresh(ctx, &sum); err != nil {
		return sum, err
	}
	return sum, nil
}

// ImportDirs re-imports the given package directories and publishes a fresh
// catalog snapshot. Used by the reload watcher after a debounce window.
func (im *Importer) ImportDirs(ctx context.Context, dirs []string) (Summary, error) {
	sum := im.runImports(ctx, dirs)
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	if err := im.refresh(ctx, &sum); err != nil {
		return sum, err
	}
	return sum, nil
}

// DisableDir disables the package whose directory was removed and publishes a
// fresh catalog snapshot. Directories that never held an imported package are
// a no-op.
func (im *Importer) DisableDir(ctx context.Context, dir string) (Summary, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Summary{}, err
	}
	records, err := im.deps.Store.LoadCatalog(ctx)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, rec := range records {
		if rec.Package.Dir != abs || !rec.Package.Enabled {
			continue
		}
		if err := im.deps.Store.DisablePackage(ctx, rec.Package.Slug); err != nil {
			return sum, err
		}
		im.retireSlug(rec.Package.Slug)
		sum.Disabled = append(sum.Disabled, rec.Package.Slug)
		logging.Info("importer", "disabled package %s, its directory is gone", rec.Package.Slug)
	}
	if len(sum.Disabled) == 0 {
		return sum, nil
	}
	if err := im.refresh(ctx, &sum); err != nil {
		return sum, err
	}
	return sum, nil
}

func (im *Importer) discover() ([]string, error) {
	root, err := filepath.Abs(im.deps.PackagesDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading packages root: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		// Stat instead of entry.IsDir so symlinked packages count.
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(path, ManifestFile)); err != nil {
			continue
		}
		dirs = append(dirs, path)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func (im *Importer) runImports(ctx context.Context, dirs []string) Summary {
	var (
		mu  sync.Mutex
		sum Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.deps.Parallelism)
	for _, dir := range dirs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slug, count, err := im.importOne(gctx, dir)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.Error("importer", err, "importing %s failed", dir)
				sum.Failed = append(sum.Failed, Failure{Dir: dir, Err: err})
				return nil
			}
			logging.Info("importer", "imported package %s with %d actions", slug, count)
			sum.Imported = append(sum.Imported, slug)
			return nil
		})
	}
	// Per-package failures are already in the summary; Wait only surfaces
	// cancellation, which the callers re-check on ctx.
	_ = g.Wait()

	sort.Strings(sum.Imported)
	sort.Slice(sum.Failed, func(i, j int) bool { return sum.Failed[i].Dir < sum.Failed[j].Dir })
	return sum
}

func (im *Importer) importOne(ctx context.Context, dir string) (string, int, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", 0, err
	}
	manifestPath := filepath.Join(absDir, ManifestFile)

	manifest, err := ParseManifest(manifestPath)
	if err != nil {
		return "", 0, err
	}
	slug := actions.Slugify(manifest.Name)
	if slug == "" {
		return "", 0, fmt.Errorf("package name %q produces an empty slug", manifest.Name)
	}

	envKey := manifest.EnvKey()
	env, err := im.deps.Builder.Ensure(ctx, envKey, manifestPath, absDir)
	if err != nil {
		return "", 0, fmt.Errorf("preparing environment: %w", err)
	}
	ref := im.deps.Builder.Resolve(env)
	// Each package gets its own pool arena even when the prepared environment
	// is shared, so retiring one package never drains another's workers.
	ref.Key = slug + "@" + envKey

	metas, err := enumerate(ctx, im.deps.Launcher, ref, im.deps.EnumTimeout)
	if err != nil {
		return "", 0, fmt.Errorf("enumerating actions: %w", err)
	}
	acts := lintActions(slug, metas)

	pkg := actions.Package{
		Slug:      slug,
		Name:      manifest.Name,
		Dir:       absDir,
		EnvKey:    envKey,
		Endpoints: manifest.Endpoints,
		Enabled:   true,
	}
	rec, err := im.deps.Store.ReplacePackageActions(ctx, pkg, acts)
	if err != nil {
		return "", 0, err
	}

	im.mu.Lock()
	prev, had := im.envRefs[slug]
	im.envRefs[slug] = ref
	im.mu.Unlock()
	// A re-import means the package's code or environment changed; retire its
	// workers so the next run loads the fresh state.
	if had && im.deps.RetireEnv != nil {
		im.deps.RetireEnv(prev.Key)
	}

	enabled := 0
	for _, a := range rec.Actions {
		if a.Enabled {
			enabled++
		}
	}
	return slug, enabled, nil
}

// disableVanished turns off enabled packages that the scan no longer sees and
// whose manifest is gone from disk. A package with a still-present manifest
// keeps its prior state even when this pass failed to import it.
func (im *Importer) disableVanished(ctx context.Context, seen map[string]bool) ([]string, error) {
	records, err := im.deps.Store.LoadCatalog(ctx)
	if err != nil {
		return nil, err
	}

	var disabled []string
	for _, rec := range records {
		if !rec.Package.Enabled || seen[rec.Package.Dir] {
			continue
		}
		if _, err := os.Stat(filepath.Join(rec.Package.Dir, ManifestFile)); err == nil {
			continue
		}
		if err := im.deps.Store.DisablePackage(ctx, rec.Package.Slug); err != nil {
			return disabled, err
		}
		im.retireSlug(rec.Package.Slug)
		disabled = append(disabled, rec.Package.Slug)
		logging.Info("importer", "disabled package %s, its directory is gone", rec.Package.Slug)
	}
	sort.Strings(disabled)
	return disabled, nil
}

func (im *Importer) retireSlug(slug string) {
	im.mu.Lock()
	prev, had := im.envRefs[slug]
	delete(im.envRefs, slug)
	im.mu.Unlock()
	if had && im.deps.RetireEnv != nil {
		im.deps.RetireEnv(prev.Key)
	}
}

// refresh rebuilds the catalog snapshot from the store and announces it on
// the bus. Enabled packages without a prepared environment (possible only
// before their first import of this process) are left out.
func (im *Importer) refresh(ctx context.Context, sum *Summary) error {
	records, err := im.deps.Store.LoadCatalog(ctx)
	if err != nil {
		return err
	}

	im.mu.Lock()
	refs := make(map[string]actions.EnvironmentRef, len(im.envRefs))
	for slug, ref := range im.envRefs {
		refs[slug] = ref
	}
	im.mu.Unlock()

	snap := im.deps.Catalog.Replace(func(prev *actions.Snapshot) *actions.Snapshot {
		b := actions.NewSnapshotBuilder(im.deps.PackageAllow, im.deps.ActionAllow)
		for _, rec := range records {
			if !rec.Package.Enabled {
				continue
			}
			ref, ok := refs[rec.Package.Slug]
			if !ok {
				logging.Warn("importer", "package %s has no prepared environment, leaving it out of the catalog", rec.Package.Slug)
				continue
			}
			b.AddPackage(rec.Package, ref, rec.Actions)
		}
		return b.Build(prev.Version + 1)
	})

	sum.Version = snap.Version
	sum.Actions = snap.ActionCount()

	payload, err := json.Marshal(map[string]interface{}{
		"version":  snap.Version,
		"packages": len(snap.Packages()),
		"actions":  snap.ActionCount(),
	})
	if err != nil {
		return err
	}
	im.deps.Bus.Publish(bus.TopicCatalog, payload)
	logging.Info("importer", "catalog snapshot v%d holds %d packages and %d actions", snap.Version, len(snap.Packages()), snap.ActionCount())
	return nil
}

// lintActions maps enumerated metadata to catalog actions, dropping entries
// the server cannot represent. Each drop is logged; the package itself stays
// importable.
func lintActions(pkgSlug string, metas []workerproto.ActionMeta) []actions.Action {
	kept := make([]actions.Action, 0, len(metas))
	taken := make(map[string]bool, len(metas))

	for _, meta := range metas {
		slug := actions.Slugify(meta.Name)
		if meta.Name == "" || slug == "" {
			logging.Warn("importer", "package %s reported an action without a usable name, skipping it", pkgSlug)
			continue
		}
		if taken[slug] {
			logging.Warn("importer", "package %s reported %s twice, keeping the first", pkgSlug, slug)
			continue
		}

		input := meta.InputSchema
		if len(input) == 0 {
			input = json.RawMessage(`{"type":"object"}`)
		}
		if err := checkInputSchema(input); err != nil {
			logging.Warn("importer", "package %s action %s: %v, skipping it", pkgSlug, meta.Name, err)
			continue
		}

		managed := make(map[string]actions.ManagedParamKind, len(meta.ManagedParams))
		ok := true
		for name, raw := range meta.ManagedParams {
			kind, err := actions.ParseManagedParamKind(raw)
			if err != nil {
				logging.Warn("importer", "package %s action %s: %v, skipping it", pkgSlug, meta.Name, err)
				ok = false
				break
			}
			managed[name] = kind
		}
		if !ok {
			continue
		}

		kind, err := actions.ParseToolKind(meta.Kind)
		if err != nil {
			logging.Warn("importer", "package %s action %s: %v, skipping it", pkgSlug, meta.Name, err)
			continue
		}

		kept = append(kept, actions.Action{
			PackageSlug:   pkgSlug,
			Slug:          slug,
			Name:          meta.Name,
			DisplayName:   meta.DisplayName,
			InputSchema:   input,
			OutputSchema:  meta.OutputSchema,
			ManagedParams: managed,
			Consequential: meta.Consequential,
			SourceFile:    meta.SourceFile,
			SourceLine:    meta.SourceLine,
			Kind:          kind,
			Enabled:       true,
		})
		taken[slug] = true
	}
	return kept
}

// checkInputSchema rejects schemas whose root is not an object schema or that
// do not compile. Runs accept only JSON object payloads, so anything else
// could never validate a request.
func checkInputSchema(raw json.RawMessage) error {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("input schema is not a JSON object")
	}
	if t, ok := root["type"]; ok {
		var typ string
		if err := json.Unmarshal(t, &typ); err != nil || typ != "object" {
			return fmt.Errorf("input schema root must describe an object")
		}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parsing input schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	const url = "schema:///lint.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("compiling input schema: %w", err)
	}
	if _, err := compiler.Compile(url); err != nil {
		return fmt.Errorf("compiling input schema: %w", err)
	}
	return nil
}
