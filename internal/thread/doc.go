// Package thread implements the thread ledger: identity-owned, append-only
// event logs with gapless per-thread sequence numbers.
//
// Sequence allocation and causal-parent assignment happen in one transaction:
// read the current maximum, insert max+1 with the maximum's event as parent.
// Appends to one thread are serialized by a per-thread lock; the
// UNIQUE(thread_id, sequence_number) constraint catches anything that slips
// past it, and such a collision is retried before surfacing as
// SEQUENCE_CONFLICT. Appends to different threads share no lock.
//
// Event types the governance policy marks sensitive are blocked on a
// checkpoint unless the caller presents the grant from its approval.
package thread
