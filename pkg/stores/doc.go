// Package stores provides the persistence layer for the upgrade broker.
// It includes a SQLite journal with WAL mode and embedded migrations that
// records sessions, requests with their outcome, repository sync results
// and package changes, plus a no-op journal used when journaling is off.
package stores
