// Package postgres implements outbox persistence over a PostgreSQL table
// with SKIP LOCKED batch claiming.
package postgres
