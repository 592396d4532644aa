/*
Package versioned implements read-modify-write over versioned records with
optimistic concurrency control.

Every write goes through a single conditional write on the backing store:

	set payload = new, version = version + 1 WHERE version == observed

A writer that loses the race re-reads the record and re-applies its mutation,
up to the bound given by its RetryPolicy. Nothing is held between attempts,
so callers may abandon an Update at any point without leaving a partial write.

For identifiers that see heavy contention, UpdateExclusive takes a lease from
a Locker before reading, which turns repeated conflicts into a short queue.
The conditional write still guards the record while the lease is held.
*/
package versioned
