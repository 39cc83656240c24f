// Package store provides the council's data model and its SQLite persistence.
//
// # Data Models
//
//   - Conversation: ordered messages plus mode settings
//   - Message: a user, system or agent entry; agent messages carry a
//     summary, response time, audit pipeline and regenerated alternatives
//   - PlanStep / PipelineStep: dynamic plans and per-turn audit trails
//   - Note: long-term memory owned by one agent
//   - TokenUsage: tokens and requests consumed by a backend exchange
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite (no cgo) with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Messages are stored as JSON payloads ordered by position, so new message
// fields need no migration. SaveConversation rewrites the whole message list
// in one transaction.
//
// Use NewSQLiteStore(":memory:") or a file under t.TempDir() in tests.
//
// # Error Handling
//
// ErrNotFound is returned when a conversation or note does not exist.
package store
