package workers

import (
	"errors"
	"fmt"
)

var (
	ErrStopped         = errors.New("worker pool stopped")
	ErrNilTask         = errors.New("worker pool: nil task")
	ErrSpawnTimeout    = errors.New("worker pool: spawn lock timed out")
	ErrShutdownTimeout = errors.New("worker pool: shutdown timed out with tasks in flight")
)

// TaskError wraps a task failure: either a returned error or a recovered panic.
type TaskError struct {
	Err   error
	Panic any
	Stack string
}

func (e *TaskError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("task panicked: %v", e.Panic)
	}
	return fmt.Sprintf("task failed: %v", e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
