package queue

import (
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// DefaultPanicHandler logs panics with stack traces.
type DefaultPanicHandler struct{}

// NewDefaultPanicHandler returns the default panic handler.
func NewDefaultPanicHandler() *DefaultPanicHandler {
	return &DefaultPanicHandler{}
}

// HandlePanic logs the panic with its stack trace.
func (h *DefaultPanicHandler) HandlePanic(userID string, panicValue any, stackTrace []byte) {
	log.Error().
		Str("component", "queue").
		Str("user_id", userID).
		Interface("panic", panicValue).
		Str("stack_trace", string(stackTrace)).
		Msg("PANIC in task")
}

// HookPanicHandler runs a hook for every panic before delegating to the
// wrapped handler.
type HookPanicHandler struct {
	wrapped PanicHandler
	onPanic func(userID string, panicValue any)
}

// NewHookPanicHandler wraps another handler with onPanic.
func NewHookPanicHandler(wrapped PanicHandler, onPanic func(string, any)) *HookPanicHandler {
	return &HookPanicHandler{
		wrapped: wrapped,
		onPanic: onPanic,
	}
}

// HandlePanic calls the hook and delegates to the wrapped handler.
func (h *HookPanicHandler) HandlePanic(userID string, panicValue any, stackTrace []byte) {
	if h.onPanic != nil {
		h.onPanic(userID, panicValue)
	}
	if h.wrapped != nil {
		h.wrapped.HandlePanic(userID, panicValue, stackTrace)
	}
}

// handleRecoveredPanic reports a recovered panic with the current stack.
func handleRecoveredPanic(userID string, panicValue any, handler PanicHandler) {
	if handler == nil {
		handler = NewDefaultPanicHandler()
	}
	handler.HandlePanic(userID, panicValue, debug.Stack())
}
