// Package sitewise is the transactional consistency core shared by services
// that host many tenants ("sites") on a single PostgreSQL cluster.
//
// It provides tenant-scoped units of work with row-level-security session
// binding, optimistic version control, idempotent command execution, audit
// trail recording, and a transactional outbox with a background dispatcher.
//
// Subpackages:
//
//	postgres    dual-pool (primary/replica) connection management
//	tenant      tenant context propagation and host-to-tenant resolution
//	uow         unit of work lifecycle and tenant session binding
//	idempotency execute-once guard keyed by (tenant, idempotency key)
//	version     optimistic concurrency check-and-bump
//	audit       RFC 6902 change recording and history reconstruction
//	outbox      transactional event enqueue and ordered dispatch
//
// All state written by these packages travels inside the caller's
// transaction; a rollback discards business rows, idempotency records,
// audit entries, and outbox events together.
package sitewise
