// Package bus is the in-process message bus of flostore.
//
// The read index publishes EventCommitted and EndOfLogAtNonCommitRecord
// messages and the chaser publishes CommitAck; subscribers (HTTP tails,
// tests) read them from a buffered channel. Slow subscribers lose messages
// rather than stall the committer.
package bus
