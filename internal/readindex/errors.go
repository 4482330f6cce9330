package readindex

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrIndexCorrupted marks integrity violations between the log and the index.
// They are never retried.
var ErrIndexCorrupted = errors.New("readindex: index corrupted")

// CorruptionError describes one integrity violation.
type CorruptionError struct {
	Op     string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("readindex: index corrupted in %s: %s", e.Op, e.Reason)
}

// Is makes errors.Is(err, ErrIndexCorrupted) hold.
func (e *CorruptionError) Is(target error) bool { return target == ErrIndexCorrupted }

func corruption(op, format string, args ...any) error {
	return errors.WithStack(&CorruptionError{Op: op, Reason: fmt.Sprintf(format, args...)})
}

// ErrNotReady is returned by the committer before Init completes.
var ErrNotReady = errors.New("readindex: committer not ready")

// ErrInvalidMaxCount is returned by range reads with a non-positive page size.
var ErrInvalidMaxCount = errors.New("readindex: maxCount must be positive")
