// Package uow provides tenant-bound units of work over the shared cluster.
//
// A unit of work owns exactly one database transaction. Before any business
// statement runs, the manager binds the tenant to the session with a
// transaction-local setting and verifies the binding by reading it back, so
// row-level-security policies filter every subsequent statement. Write units
// begin on the primary pool; read units begin read-only on the replica side.
//
// The lifecycle is Created -> Active -> Committed or RolledBack. Terminal
// units reject further operations.
package uow
