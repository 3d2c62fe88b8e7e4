// Package subscription maintains live change-stream channels against
// the backend, one per (table, filter) pair.
//
// Consumers register interest with Subscribe and receive insert,
// update, and delete notifications through typed callbacks. Duplicate
// registrations for the same (table, filter) share one underlying
// channel and fan out locally, so the invariant of at most one active
// stream per pair always holds.
//
// Each channel runs its own connection loop:
//
//	disconnected -> connecting -> connected
//	connected -> disconnected on remote close or error
//
// Failed connections retry with bounded exponential backoff and full
// jitter until connected or the last consumer unsubscribes. Remote
// events are merged into the local store before fan-out; the store
// remains the single source of truth and callbacks only carry the
// entity's type and id. A failure (or panic) in one consumer's
// callback never prevents delivery to the others.
package subscription
