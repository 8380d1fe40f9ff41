// Package lock provides the distributed lock used to serialize bids on one
// auction. A lock is handed out as a Lease: a random token bound to a resource
// key for a bounded duration, plus an abort signal that fires shortly before
// the lease runs out. Holders must check the signal before committing, so a
// writer that outlived its lease never overwrites the work of the next owner.
//
// Two backends are available: an in-memory one for tests and standalone mode
// and a Redis one (SET NX PX with token-checked extend and delete scripts).
// Waiters are woken early through syncbus when a lock is released.
package lock
