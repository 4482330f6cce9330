// Package readindex keeps the secondary stream index consistent with the
// event log and serves reads from both.
//
// IndexCommitter is the only writer of the index: it rebuilds from the
// persisted checkpoint at startup and then indexes commits as the chaser
// hands them over. IndexReader serves stream reads through the versioned
// caches owned by IndexBackend; the commit path writes those caches
// authoritatively, the read path only fills slots it observed unchanged.
// IndexWriter validates writes before they are appended and keeps
// speculative state for writes that are in the log but not yet indexed.
// AllReader reconstructs the global order from the log without the index.
package readindex
