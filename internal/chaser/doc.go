// Package chaser keeps the read index caught up with the log.
//
// A Chaser reads every record between its position and the writer
// checkpoint, groups IsCommitted prepares into direct writes, hands explicit
// Commit records to the committer and publishes a CommitAck per indexed
// commit. Each Chase first flushes the replication checkpoint to its target,
// which gates $all reads and is the rebuild position on restart.
//
//	c := chaser.New(log, ri, replication, bus, chaser.DefaultOptions(), logger, reg)
//	_ = c.Chase(ctx)  // synchronous, used by the writer for read-your-writes
//	_ = c.Run(ctx)    // background loop; returns on corruption or cancel
package chaser
