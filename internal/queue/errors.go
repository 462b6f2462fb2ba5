package queue

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common queue errors.
var (
	// ErrSerializerClosed indicates the serializer has been shut down.
	ErrSerializerClosed = errors.New("serializer closed")

	// ErrNilTask indicates a nil task was enqueued.
	ErrNilTask = errors.New("cannot enqueue nil task")

	// ErrShutdownTimeout indicates running tasks outlived the shutdown timeout.
	ErrShutdownTimeout = errors.New("timed out waiting for running tasks")
)

// PanicError is the outcome recorded for a task that panicked.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
