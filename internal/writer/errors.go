package writer

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrWrongExpectedVersion = errors.New("writer: wrong expected version")
	ErrStreamDeleted        = errors.New("writer: stream deleted")
	ErrInvalidTransaction   = errors.New("writer: invalid transaction")
	ErrInvalidStream        = errors.New("writer: invalid stream id")
	ErrNoEvents             = errors.New("writer: no events to write")
	// ErrNotReady is returned when an idempotent retry is still waiting for
	// its original write to be indexed.
	ErrNotReady = errors.New("writer: previous write not indexed yet")
)

// WrongExpectedVersionError reports the version the stream was actually at.
type WrongExpectedVersionError struct {
	Stream   string
	Expected int64
	Current  int64
}

func (e *WrongExpectedVersionError) Error() string {
	return fmt.Sprintf("writer: wrong expected version for %q: expected %d, current %d", e.Stream, e.Expected, e.Current)
}

func (e *WrongExpectedVersionError) Is(target error) bool { return target == ErrWrongExpectedVersion }
