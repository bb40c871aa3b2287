package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for identifiers that were never issued or have
	// been evicted. The two cases are indistinguishable on purpose.
	ErrNotFound = errors.New("task not found")

	// ErrIllegalTransition is returned when a transition would leave a
	// terminal state.
	ErrIllegalTransition = errors.New("illegal task state transition")

	// ErrTimeout is returned when a bounded wait expires. The task is unaffected.
	ErrTimeout = errors.New("timed out waiting for task")

	// ErrTaskFailed matches every *TaskError through errors.Is.
	ErrTaskFailed = errors.New("task failed")

	// ErrCancelled is returned by result() for a cancelled task.
	ErrCancelled = errors.New("task cancelled")

	// ErrNotReady is returned by a non-blocking result read before the task
	// is terminal.
	ErrNotReady = errors.New("task result not ready")

	// ErrUnreachable is returned by the poller when the task became terminal
	// in a state other than the awaited one.
	ErrUnreachable = errors.New("awaited task state is unreachable")

	ErrQueueFull      = errors.New("task queue is full")
	ErrRegistryClosed = errors.New("task registry is closed")
)

// TaskError is the structured failure surfaced to every result() caller of a
// failed task.
type TaskError struct {
	ID      string
	Failure Failure
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed (%s): %s", e.ID, e.Failure.Kind, e.Failure.Message)
}

func (e *TaskError) Is(target error) bool {
	return target == ErrTaskFailed
}

func notFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func cancelledError(id string) error {
	return fmt.Errorf("%w: %s", ErrCancelled, id)
}

func notReadyError(id string, s State) error {
	return fmt.Errorf("%w: task %s is %s", ErrNotReady, id, s)
}

func illegalTransitionError(id string, from, to State) error {
	return fmt.Errorf("%w: task %s %s -> %s", ErrIllegalTransition, id, from, to)
}
