// Package idempotency makes retried commands execute exactly once per
// (tenant, idempotency key).
//
// The guard stores a record of every executed command in the same
// transaction as the command's side effects, so a rollback erases both and a
// retry finds either nothing or the committed record. A replayed key with a
// matching fingerprint returns the stored response without re-executing; a
// mismatched fingerprint is a conflict the caller must surface, never retry.
package idempotency
