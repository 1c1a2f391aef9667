package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"actionserver/internal/fault"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RunStatus is the lifecycle state of a run. The values are part of the wire
// contract with workers and clients.
type RunStatus string

const (
	StatusNotRun    RunStatus = "NOT_RUN"
	StatusRunning   RunStatus = "RUNNING"
	StatusPass      RunStatus = "PASS"
	StatusFail      RunStatus = "FAIL"
	StatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == StatusPass || s == StatusFail || s == StatusCancelled
}

// legalNext encodes the transition table: NOT_RUN → RUNNING|CANCELLED,
// RUNNING → PASS|FAIL|CANCELLED.
var legalNext = map[RunStatus][]RunStatus{
	StatusNotRun:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPass, StatusFail, StatusCancelled},
}

func transitionLegal(from, to RunStatus) bool {
	for _, n := range legalNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// ErrNotFound marks lookups that matched no row.
var ErrNotFound = errors.New("not found")

// ErrBadCursor marks a malformed pagination cursor.
var ErrBadCursor = errors.New("malformed cursor")

// Run is a persisted invocation. PackageSlug and ActionSlug are joined in on
// reads for presentation; they are not columns of the run table.
type Run struct {
	ID            string     `db:"id" json:"id"`
	ActionID      string     `db:"action_id" json:"action_id"`
	PackageSlug   string     `db:"package_slug" json:"package_slug"`
	ActionSlug    string     `db:"action_slug" json:"action_slug"`
	Status        RunStatus  `db:"status" json:"status"`
	RunNumber     int64      `db:"run_number" json:"run_number"`
	ArtifactDir   string     `db:"artifact_dir" json:"artifact_dir"`
	InputPayload  string     `db:"input_payload" json:"input_payload"`
	ResultPayload *string    `db:"result_payload" json:"result_payload,omitempty"`
	ErrorMessage  *string    `db:"error_message" json:"error_message,omitempty"`
	RequestID     *string    `db:"request_id" json:"request_id,omitempty"`
	CallbackURL   *string    `db:"callback_url" json:"callback_url,omitempty"`
	CallbackNote  *string    `db:"callback_note" json:"callback_note,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	StartedAt     *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt    *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

const runSelect = `
SELECT r.id, r.action_id, r.status, r.run_number, r.artifact_dir,
       r.input_payload, r.result_payload, r.error_message, r.request_id,
       r.callback_url, r.callback_note, r.created_at, r.started_at, r.finished_at,
       a.slug AS action_slug, p.slug AS package_slug
FROM run r
JOIN action a ON a.id = r.action_id
JOIN action_package p ON p.id = a.package_id`

// CreateRunParams carries everything known at submission time.
type CreateRunParams struct {
	ActionID     string
	InputPayload string
	RequestID    *string
	CallbackURL  *string
}

// CreateRun inserts a NOT_RUN row. When RequestID is set and a run for the
// same (action, request_id) already exists, the existing run is returned
// with createdNow=false and no row is written.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (Run, bool, error) {
	var (
		runID      string
		createdNow bool
	)
	err := s.write(ctx, func(tx *sqlx.Tx) error {
		if p.RequestID != nil {
			var existing string
			err := tx.GetContext(ctx, &existing,
				`SELECT id FROM run WHERE action_id = ? AND request_id = ?`,
				p.ActionID, *p.RequestID)
			switch {
			case err == nil:
				runID = existing
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
		}

		runID = uuid.NewString()
		createdNow = true
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run (id, action_id, status, input_payload, request_id, callback_url, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, p.ActionID, StatusNotRun, p.InputPayload, p.RequestID, p.CallbackURL, time.Now().UTC())
		return err
	})
	if err != nil {
		return Run{}, false, err
	}

	run, err := s.GetRun(ctx, runID)
	return run, createdNow, err
}

// SetStatusOpts carries the optional fields a transition may record.
type SetStatusOpts struct {
	Result       *string
	ErrorMessage *string
	RunNumber    *int64
	ArtifactDir  *string
}

// SetStatus performs a checked transition. RUNNING stamps started_at;
// terminal states stamp finished_at. Illegal transitions fail with
// fault.KindInvalidStateTransition and write nothing.
func (s *Store) SetStatus(ctx context.Context, runID string, next RunStatus, opts SetStatusOpts) (Run, error) {
	err := s.write(ctx, func(tx *sqlx.Tx) error {
		var current RunStatus
		err := tx.GetContext(ctx, &current, `SELECT status FROM run WHERE id = ?`, runID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !transitionLegal(current, next) {
			return fault.New(fault.KindInvalidStateTransition,
				"run %s: %s -> %s", runID, current, next)
		}

		set := []string{"status = ?"}
		args := []interface{}{next}
		now := time.Now().UTC()

		if next == StatusRunning {
			set = append(set, "started_at = ?")
			args = append(args, now)
		}
		if next.Terminal() {
			set = append(set, "finished_at = ?")
			args = append(args, now)
		}
		if opts.Result != nil {
			set = append(set, "result_payload = ?")
			args = append(args, *opts.Result)
		}
		if opts.ErrorMessage != nil {
			set = append(set, "error_message = ?")
			args = append(args, *opts.ErrorMessage)
		}
		if opts.RunNumber != nil {
			set = append(set, "run_number = ?")
			args = append(args, *opts.RunNumber)
		}
		if opts.ArtifactDir != nil {
			set = append(set, "artifact_dir = ?")
			args = append(args, *opts.ArtifactDir)
		}

		args = append(args, runID)
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE run SET %s WHERE id = ?`, strings.Join(set, ", ")), args...)
		return err
	})
	if err != nil {
		return Run{}, err
	}
	return s.GetRun(ctx, runID)
}

// SetCallbackNote records an async-callback delivery failure on the run.
func (s *Store) SetCallbackNote(ctx context.Context, runID, note string) error {
	return s.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE run SET callback_note = ? WHERE id = ?`, note, runID)
		return err
	})
}

// GetRun fetches a run with its package and action slugs joined in.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, runSelect+` WHERE r.id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

// FindRunByRequestID resolves the idempotency handle for an action.
func (s *Store) FindRunByRequestID(ctx context.Context, actionID, requestID string) (Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run,
		runSelect+` WHERE r.action_id = ? AND r.request_id = ?`, actionID, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("request id %s: %w", requestID, ErrNotFound)
	}
	return run, err
}

// ListRunsQuery filters and pages the run listing.
type ListRunsQuery struct {
	Status      RunStatus
	PackageSlug string
	ActionSlug  string
	After       string // cursor from the previous page
	Limit       int
}

// RunPage is one page of the listing in (created_at, id) order.
type RunPage struct {
	Runs       []Run  `json:"runs"`
	NextCursor string `json:"next_cursor,omitempty"`
}

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// ListRuns returns runs in stable (created_at, id) ascending order. The
// returned cursor re-enters the listing after the last row of this page.
func (s *Store) ListRuns(ctx context.Context, q ListRunsQuery) (RunPage, error) {
	where := []string{"1=1"}
	var args []interface{}

	if q.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, q.Status)
	}
	if q.PackageSlug != "" {
		where = append(where, "p.slug = ?")
		args = append(args, q.PackageSlug)
	}
	if q.ActionSlug != "" {
		where = append(where, "a.slug = ?")
		args = append(args, q.ActionSlug)
	}
	if q.After != "" {
		createdAt, id, err := decodeCursor(q.After)
		if err != nil {
			return RunPage{}, err
		}
		where = append(where, "(r.created_at > ? OR (r.created_at = ? AND r.id > ?))")
		args = append(args, createdAt, createdAt, id)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	args = append(args, limit+1)

	var runs []Run
	query := fmt.Sprintf("%s WHERE %s ORDER BY r.created_at, r.id LIMIT ?",
		runSelect, strings.Join(where, " AND "))
	if err := s.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return RunPage{}, err
	}

	page := RunPage{Runs: runs}
	if len(runs) > limit {
		page.Runs = runs[:limit]
		last := page.Runs[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

// ResetNonTerminalToCancelled forcibly terminates runs a previous process
// left behind. Executed exactly once at boot, before the pool accepts work.
func (s *Store) ResetNonTerminalToCancelled(ctx context.Context) (int64, error) {
	var affected int64
	err := s.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE run
			 SET status = ?, finished_at = ?,
			     error_message = COALESCE(error_message, 'server restarted')
			 WHERE status IN (?, ?)`,
			StatusCancelled, time.Now().UTC(), StatusNotRun, StatusRunning)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// NextRunNumber increments and returns the per (package, action) counter
// used for artifact directory naming.
func (s *Store) NextRunNumber(ctx context.Context, packageID, actionSlug string) (int64, error) {
	var n int64
	err := s.write(ctx, func(tx *sqlx.Tx) error {
		return tx.QueryRowxContext(ctx,
			`INSERT INTO counter (package_id, action_slug, value) VALUES (?, ?, 1)
			 ON CONFLICT (package_id, action_slug) DO UPDATE SET value = value + 1
			 RETURNING value`,
			packageID, actionSlug).Scan(&n)
	})
	return n, err
}

func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d:%s", createdAt.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	nanosStr, id, found := strings.Cut(string(raw), ":")
	if !found {
		return time.Time{}, "", ErrBadCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return time.Unix(0, nanos).UTC(), id, nil
}
