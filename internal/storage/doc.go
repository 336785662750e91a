// Package storage persists the bot audience (users and the block list),
// per-user conversation state, payment records and the admin audit log.
//
// Drivers:
//   - "sqlite" (default): pure-Go modernc.org/sqlite, single connection
//   - "postgres": pgx through database/sql, pooled
//   - "memory": process-local maps, for tests and throwaway runs
package storage
