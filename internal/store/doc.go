// Package store persists packages, actions, runs, and counters in an
// embedded SQLite database.
//
// Schema evolution is handled by ordered goose migrations embedded in the
// binary. Migrate refuses to open a database whose recorded version exceeds
// the binary's newest migration, so a rollback never silently corrupts
// newer state.
//
// Concurrency: reads run directly on the sqlx pool; every write is a closure
// executed on a single writer goroutine inside its own transaction. The lane
// removes SQLITE_BUSY contention without giving up concurrent reads (WAL
// journal mode).
//
// Run status transitions are checked here, not in callers: NOT_RUN may
// become RUNNING or CANCELLED, RUNNING may become PASS, FAIL, or CANCELLED,
// and terminal states are frozen. Anything else is a server bug and fails
// with fault.KindInvalidStateTransition.
package store
