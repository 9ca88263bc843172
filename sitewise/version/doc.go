// Package version implements optimistic concurrency control for tenant
// resources.
//
// Every guarded resource carries a monotonically increasing version. Writers
// pass the version they read; CheckAndBump locks the resource's version row,
// compares, and bumps. A mismatch means another writer won and the caller
// must re-read, not retry blindly.
package version
