// Package eventlog implements flostore's append-only transaction log.
//
// # Overview
//
// The log is a single sequence of Prepare, Commit and System records persisted
// in Pebble. A record's position is a byte offset: the record stored at p with
// encoded length n has pre-position p and post-position p+n, and the next
// record starts at p+n. Keys are lexicographically ordered for range scans:
//   - log/e/{pos_be8}  (records)
//   - chk/{name}       (durable checkpoints: writer, replication, index)
//
// Records are stored as: type(1B) | protowire body | crc32c(type|body).
//
// API surface (internal)
//
//	l, _ := OpenLog(db)
//	// Append a batch atomically; positions are assigned in place
//	pos, _ := l.Append(ctx, &PrepareRecord{TransactionPosition: -1, ...})
//
//	// Sequential reads in both directions, and positional reads
//	r := l.NewReader()
//	r.Reposition(pos[0])
//	res, _ := r.TryReadNext()   // res.PrePosition, res.PostPosition
//	at, _ := r.TryReadAt(pos[0], true)
//
//	// Blocking wait/notify
//	woke := l.WaitForAppend(200 * time.Millisecond)
//
//	// Durable checkpoints; Write is staged until Flush
//	chk, _ := OpenCheckpoint(db, CheckpointReplication, 0)
//	chk.Write(l.WriterCheckpoint().Read())
//	_ = chk.Flush()
//
//	// Scavenging deletes records in place; positions never move
//	_, _ = l.Scavenge(ctx, keepFn, 1024, 0)
//
// Readers tolerate scavenged gaps: sequential reads skip them and positional
// reads report the record as absent.
package eventlog
