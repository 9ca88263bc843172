// Package tenant carries tenant identity through call chains and resolves
// request hosts to tenants.
//
// Tenant identity is always explicit: operations take a Context value or read
// one from a context.Context that a transport layer populated. Nothing in the
// library falls back to a process-wide default tenant.
package tenant
