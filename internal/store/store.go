package store

import (
	"context"
	"fmt"

	"actionserver/pkg/logging"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the SQLite database inside the data directory.
const DBFileName = "actions.db"

// Store wraps the embedded SQLite database. Reads run concurrently on the
// connection pool; every write goes through a single writer lane so SQLITE_BUSY
// never surfaces under concurrent submissions.
type Store struct {
	db     *sqlx.DB
	writes chan writeOp
	done   chan struct{}
}

type writeOp struct {
	fn   func(tx *sqlx.Tx) error
	done chan error
}

const writeLaneDepth = 64

// Open opens (creating if needed) the database at path and starts the writer
// lane. Callers must Migrate before first use.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=1&_loc=UTC", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	s := &Store{
		db:     db,
		writes: make(chan writeOp, writeLaneDepth),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for op := range s.writes {
		op.done <- s.runWrite(op.fn)
	}
}

func (s *Store) runWrite(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Error("Store", rbErr, "Rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// write enqueues fn on the writer lane and waits for it.
func (s *Store) write(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	op := writeOp{fn: fn, done: make(chan error, 1)}
	select {
	case s.writes <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		// The op still executes; only the caller stops waiting.
		return ctx.Err()
	}
}

// Close drains the writer lane and closes the database.
func (s *Store) Close() error {
	close(s.writes)
	<-s.done
	return s.db.Close()
}
