// Package queue serializes work per user: tasks for one user run strictly
// one at a time in arrival order, while different users run concurrently.
package queue

import "context"

// Task is one unit of work for a user. The context is cancelled when the
// serializer shuts down.
type Task func(ctx context.Context) error

// PanicHandler defines how to handle task panics.
type PanicHandler interface {
	// HandlePanic is called with the recovered value and the stack of the
	// panicking task. Draining continues afterwards.
	HandlePanic(userID string, panicValue any, stackTrace []byte)
}
