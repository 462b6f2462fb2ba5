package hub

import (
	"encoding/json"
	"sync"
)

// eventBuffer is the number of undelivered events a stream holds before
// the reader waits for its consumer.
const eventBuffer = 64

// Event is one server message routed to a stream.
type Event struct {
	// Target names the client method of a server invocation, e.g. "update".
	// It is empty for stream items.
	Target    string
	Arguments []json.RawMessage
	// Item is the payload of a stream item.
	Item json.RawMessage
}

// InvocationError is the error a server reported when completing an
// invocation.
type InvocationError struct {
	Message string
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	return "hub invocation failed: " + e.Message
}

// Stream is the client side of one streaming invocation.
type Stream struct {
	id        string
	events    chan Event
	abandoned chan struct{}
	err       error
	closeOnce sync.Once
	abandon   sync.Once
	conn      *Conn
}

func newStream(id string, conn *Conn) *Stream {
	return &Stream{
		id:        id,
		events:    make(chan Event, eventBuffer),
		abandoned: make(chan struct{}),
		conn:      conn,
	}
}

// ID returns the invocation id.
func (s *Stream) ID() string {
	return s.id
}

// Events delivers server messages until the invocation completes or the
// connection fails, then it is closed.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err reports why the stream ended. It is only meaningful after Events is
// closed: nil for a clean completion, an *InvocationError when the server
// failed the invocation, or the connection error.
func (s *Stream) Err() error {
	return s.err
}

// Close stops delivery. Events that arrive afterwards are discarded.
func (s *Stream) Close() {
	s.abandon.Do(func() {
		close(s.abandoned)
	})
	s.conn.forget(s.id)
}

// deliver hands ev to the consumer unless the stream was abandoned.
func (s *Stream) deliver(ev Event, done <-chan struct{}) {
	select {
	case s.events <- ev:
	case <-s.abandoned:
	case <-done:
	}
}

// finish records the outcome and closes the event channel. Only the
// connection's reader goroutine and its failure path call it, and each
// stream is finished at most once.
func (s *Stream) finish(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.events)
	})
}
