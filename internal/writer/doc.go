// Package writer is flostore's storage writer service.
//
// Every write runs the same path under one mutex:
//
//	check := ri.Writer().CheckCommit(stream, expected, ids)  // decision
//	log.Append(ctx, prepares...)                              // durable
//	ri.Writer().PreCommitPrepares(prepares)                   // read-your-writes
//	chaser.Chase(ctx)                                         // indexed
//
// Direct writes are a run of IsCommitted prepares. Explicit transactions are
// a TransactionBegin prepare, any number of data prepares, a TransactionEnd
// prepare and a Commit record. A hard delete appends a StreamDelete
// tombstone; a soft delete writes $tb = DeletedStream to the metastream, and
// the next write to the stream truncates everything before it.
//
// Decisions map to errors: WrongExpectedVersion and CorruptedIdempotency to
// *WrongExpectedVersionError, Deleted to ErrStreamDeleted. An Idempotent
// decision returns the original event numbers with AlreadyCommitted set.
package writer
