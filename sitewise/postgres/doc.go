// Package postgres manages the shared PostgreSQL cluster connections.
//
// A Client keeps two database/sql pools, one for the write primary and one
// for the read replica, behind a dbresolver that routes plain queries to the
// replica and everything transactional to the primary. Schema migrations run
// against the primary on connect via golang-migrate.
package postgres
