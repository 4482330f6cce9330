package readindex

// Publisher receives committer notifications. The bus package implements it.
type Publisher interface {
	Publish(msg any)
}

// EventCommitted is published once per indexed event, in commit order.
type EventCommitted struct {
	CommitPosition int64
	Event          EventRecord
	// IsEndOfLog marks the last event of a commit that ended at the log tail.
	IsEndOfLog bool
}

// EndOfLogAtNonCommitRecord is published once when the rebuild replay
// reaches its build position. Rebuilt commits publish no EventCommitted, so
// this is the only end-of-log signal a subscriber gets for them.
type EndOfLogAtNonCommitRecord struct{}

type nopPublisher struct{}

func (nopPublisher) Publish(any) {}
