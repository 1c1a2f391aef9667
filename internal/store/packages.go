package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"actionserver/internal/actions"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PackageRecord pairs a persisted package with its persisted actions.
type PackageRecord struct {
	Package actions.Package
	Actions []actions.Action
}

type pkgRow struct {
	ID        string    `db:"id"`
	Slug      string    `db:"slug"`
	Name      string    `db:"name"`
	Dir       string    `db:"dir"`
	EnvKey    string    `db:"env_key"`
	Endpoints string    `db:"endpoints"`
	Enabled   bool      `db:"enabled"`
	CreatedAt time.Time `db:"created_at"`
}

type actionRow struct {
	ID            string `db:"id"`
	PackageID     string `db:"package_id"`
	Slug          string `db:"slug"`
	Name          string `db:"name"`
	DisplayName   string `db:"display_name"`
	InputSchema   string `db:"input_schema"`
	OutputSchema  string `db:"output_schema"`
	ManagedParams string `db:"managed_params"`
	Consequential bool   `db:"consequential"`
	SourceFile    string `db:"source_file"`
	SourceLine    int    `db:"source_line"`
	Kind          string `db:"kind"`
	MetaVersion   int64  `db:"meta_version"`
	Enabled       bool   `db:"enabled"`
}

func (r pkgRow) toPackage() (actions.Package, error) {
	var endpoints []string
	if r.Endpoints != "" {
		if err := json.Unmarshal([]byte(r.Endpoints), &endpoints); err != nil {
			return actions.Package{}, fmt.Errorf("package %s: malformed endpoints: %w", r.Slug, err)
		}
	}
	return actions.Package{
		ID:        r.ID,
		Slug:      r.Slug,
		Name:      r.Name,
		Dir:       r.Dir,
		EnvKey:    r.EnvKey,
		Endpoints: endpoints,
		Enabled:   r.Enabled,
	}, nil
}

func (r actionRow) toAction(packageSlug string) (actions.Action, error) {
	managed := map[string]actions.ManagedParamKind{}
	if r.ManagedParams != "" {
		if err := json.Unmarshal([]byte(r.ManagedParams), &managed); err != nil {
			return actions.Action{}, fmt.Errorf("action %s: malformed managed params: %w", r.Slug, err)
		}
	}
	return actions.Action{
		ID:            r.ID,
		PackageID:     r.PackageID,
		PackageSlug:   packageSlug,
		Slug:          r.Slug,
		Name:          r.Name,
		DisplayName:   r.DisplayName,
		InputSchema:   json.RawMessage(r.InputSchema),
		OutputSchema:  json.RawMessage(r.OutputSchema),
		ManagedParams: managed,
		Consequential: r.Consequential,
		SourceFile:    r.SourceFile,
		SourceLine:    r.SourceLine,
		Kind:          actions.ToolKind(r.Kind),
		MetaVersion:   r.MetaVersion,
		Enabled:       r.Enabled,
	}, nil
}

func marshalJSONOr(v interface{}, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}

func schemaOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// ReplacePackageActions transactionally rewrites a package's rows: the
// package is upserted by slug, incoming actions are upserted by (package,
// slug) with a bumped meta version, and actions absent from the new set are
// disabled, never deleted. The persisted record (final ids and versions) is
// returned.
func (s *Store) ReplacePackageActions(ctx context.Context, pkg actions.Package, acts []actions.Action) (PackageRecord, error) {
	record := PackageRecord{}

	err := s.write(ctx, func(tx *sqlx.Tx) error {
		pkgID := pkg.ID
		if pkgID == "" {
			pkgID = uuid.NewString()
		}

		var existingID string
		err := tx.GetContext(ctx, &existingID,
			`SELECT id FROM action_package WHERE slug = ?`, pkg.Slug)
		switch {
		case err == nil:
			pkgID = existingID
			_, err = tx.ExecContext(ctx,
				`UPDATE action_package SET name = ?, dir = ?, env_key = ?, endpoints = ?, enabled = 1
				 WHERE id = ?`,
				pkg.Name, pkg.Dir, pkg.EnvKey, marshalJSONOr(pkg.Endpoints, "[]"), pkgID)
			if err != nil {
				return err
			}
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO action_package (id, slug, name, dir, env_key, endpoints, enabled, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
				pkgID, pkg.Slug, pkg.Name, pkg.Dir, pkg.EnvKey,
				marshalJSONOr(pkg.Endpoints, "[]"), time.Now().UTC())
			if err != nil {
				return err
			}
		default:
			return err
		}

		// Existing actions keep their ids; reimports bump the meta version.
		type prior struct {
			ID          string `db:"id"`
			Slug        string `db:"slug"`
			MetaVersion int64  `db:"meta_version"`
		}
		var priors []prior
		if err := tx.SelectContext(ctx, &priors,
			`SELECT id, slug, meta_version FROM action WHERE package_id = ?`, pkgID); err != nil {
			return err
		}
		priorBySlug := make(map[string]prior, len(priors))
		for _, p := range priors {
			priorBySlug[p.Slug] = p
		}

		newSlugs := make([]string, 0, len(acts))
		persisted := make([]actions.Action, 0, len(acts))
		for _, act := range acts {
			newSlugs = append(newSlugs, act.Slug)

			act.PackageID = pkgID
			act.PackageSlug = pkg.Slug
			act.Enabled = true

			if old, ok := priorBySlug[act.Slug]; ok {
				act.ID = old.ID
				act.MetaVersion = old.MetaVersion + 1
				_, err = tx.ExecContext(ctx,
					`UPDATE action SET name = ?, display_name = ?, input_schema = ?, output_schema = ?,
					        managed_params = ?, consequential = ?, source_file = ?, source_line = ?,
					        kind = ?, meta_version = ?, enabled = 1
					 WHERE id = ?`,
					act.Name, act.DisplayName, schemaOrEmpty(act.InputSchema), schemaOrEmpty(act.OutputSchema),
					marshalJSONOr(act.ManagedParams, "{}"), act.Consequential, act.SourceFile, act.SourceLine,
					string(act.Kind), act.MetaVersion, act.ID)
			} else {
				if act.ID == "" {
					act.ID = uuid.NewString()
				}
				act.MetaVersion = 1
				_, err = tx.ExecContext(ctx,
					`INSERT INTO action (id, package_id, slug, name, display_name, input_schema, output_schema,
					        managed_params, consequential, source_file, source_line, kind, meta_version, enabled)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
					act.ID, pkgID, act.Slug, act.Name, act.DisplayName,
					schemaOrEmpty(act.InputSchema), schemaOrEmpty(act.OutputSchema),
					marshalJSONOr(act.ManagedParams, "{}"), act.Consequential,
					act.SourceFile, act.SourceLine, string(act.Kind), act.MetaVersion)
			}
			if err != nil {
				return err
			}
			persisted = append(persisted, act)
		}

		// Obsolete actions are disabled, preserving run history joins.
		if len(newSlugs) > 0 {
			query, args, err := sqlx.In(
				`UPDATE action SET enabled = 0 WHERE package_id = ? AND slug NOT IN (?)`,
				pkgID, newSlugs)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE action SET enabled = 0 WHERE package_id = ?`, pkgID); err != nil {
				return err
			}
		}

		pkg.ID = pkgID
		pkg.Enabled = true
		record = PackageRecord{Package: pkg, Actions: persisted}
		return nil
	})
	return record, err
}

// DisablePackage marks a package (whose directory disappeared) as not
// served. Its rows and run history stay.
func (s *Store) DisablePackage(ctx context.Context, slug string) error {
	return s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE action_package SET enabled = 0 WHERE slug = ?`, slug)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("package %s: %w", slug, ErrNotFound)
		}
		return nil
	})
}

// LoadCatalog reads every package with its actions, enabled or not. The
// catalog builder applies enabled and whitelist filtering.
func (s *Store) LoadCatalog(ctx context.Context) ([]PackageRecord, error) {
	var pkgRows []pkgRow
	if err := s.db.SelectContext(ctx, &pkgRows,
		`SELECT * FROM action_package ORDER BY slug`); err != nil {
		return nil, err
	}

	var actRows []actionRow
	if err := s.db.SelectContext(ctx, &actRows,
		`SELECT * FROM action ORDER BY package_id, slug`); err != nil {
		return nil, err
	}

	slugByID := make(map[string]string, len(pkgRows))
	records := make([]PackageRecord, 0, len(pkgRows))
	indexByID := make(map[string]int, len(pkgRows))
	for i, row := range pkgRows {
		pkg, err := row.toPackage()
		if err != nil {
			return nil, err
		}
		records = append(records, PackageRecord{Package: pkg})
		slugByID[pkg.ID] = pkg.Slug
		indexByID[pkg.ID] = i
	}

	for _, row := range actRows {
		idx, ok := indexByID[row.PackageID]
		if !ok {
			continue
		}
		act, err := row.toAction(slugByID[row.PackageID])
		if err != nil {
			return nil, err
		}
		records[idx].Actions = append(records[idx].Actions, act)
	}
	return records, nil
}

// GetPackage fetches a single package by slug.
func (s *Store) GetPackage(ctx context.Context, slug string) (actions.Package, error) {
	var row pkgRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM action_package WHERE slug = ?`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return actions.Package{}, fmt.Errorf("package %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return actions.Package{}, err
	}
	return row.toPackage()
}
