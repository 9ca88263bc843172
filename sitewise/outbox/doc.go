// Package outbox implements the transactional outbox: events are enqueued
// inside the caller's unit of work and delivered to a broker by a background
// dispatcher with at-least-once semantics and per-aggregate ordering.
package outbox
