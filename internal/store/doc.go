// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// Two interfaces are implemented by a single SQLiteStore:
//
//   - SessionStore: lookup of the session records owned by the wider product
//   - tasks.Store: durable task state written by the executor
//
// MockStore implements the same interfaces in memory for tests.
//
// # Data Models
//
//   - Session: a chat session owned by one user
//   - tasks.Task: one unit of agent work with its status, attempts and result
//
// # SQLite Configuration
//
// Pragmas are set through the DSN so every pooled connection gets them:
//
//	journal_mode=WAL
//	foreign_keys=ON
//	busy_timeout=5000
//	_txlock=immediate (BEGIN IMMEDIATE for every transaction)
//
// Database file locations:
//
//   - Production: /var/lib/coven-relay/relay.db
//   - Development: ~/.local/share/coven-relay/relay.db
//   - Testing: a file under t.TempDir(), or :memory: with a single connection
//
// # Error Handling
//
//   - ErrNotFound: requested session does not exist
//   - ErrDuplicateSession: session id already taken
//   - tasks.ErrTaskNotFound / tasks.ErrTaskFinished for task operations
//
// Task updates are transactional: the row is read, the mutation applied and
// the UPDATE guarded on a non-terminal status, so a finished task is never
// overwritten.
package store
