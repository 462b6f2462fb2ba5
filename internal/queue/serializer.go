package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Serializer runs tasks through per-user FIFO queues. A drain goroutine
// exists for a user only while that user has pending work.
type Serializer struct {
	ctx          context.Context
	cancel       context.CancelFunc
	queues       map[string]*userQueue
	panicHandler PanicHandler
	stats        counters
	wg           sync.WaitGroup
	mu           sync.Mutex
	closed       bool
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithPanicHandler replaces the default panic handler.
func WithPanicHandler(handler PanicHandler) Option {
	return func(s *Serializer) {
		s.panicHandler = handler
	}
}

// NewSerializer creates a serializer whose tasks run with a context derived
// from ctx.
func NewSerializer(ctx context.Context, opts ...Option) *Serializer {
	ctx, cancel := context.WithCancel(ctx)

	s := &Serializer{
		ctx:          ctx,
		cancel:       cancel,
		queues:       make(map[string]*userQueue),
		panicHandler: NewDefaultPanicHandler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends task to the user's queue and starts a drain goroutine if
// none is running for that user.
func (s *Serializer) Enqueue(userID string, task Task) error {
	if task == nil {
		return ErrNilTask
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSerializerClosed
	}

	q, ok := s.queues[userID]
	if !ok {
		q = newUserQueue(userID)
		s.queues[userID] = q
	}
	q.push(task)
	s.stats.enqueued.Add(1)

	if !q.running {
		q.running = true
		s.wg.Add(1)
		go s.drain(q)
	}
	return nil
}

// next pops the user's next task. When the queue is empty it marks the
// drain as finished and forgets the queue, in the same critical section as
// Enqueue's check, so a task can never be left without a drain.
func (s *Serializer) next(q *userQueue) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := q.pop()
	if !ok {
		q.running = false
		delete(s.queues, q.userID)
	}
	return task, ok
}

func (s *Serializer) drain(q *userQueue) {
	defer s.wg.Done()

	logger := log.With().Str("component", "queue").Str("user_id", q.userID).Logger()
	logger.Debug().Msg("drain started")

	for {
		task, ok := s.next(q)
		if !ok {
			logger.Debug().Msg("drain finished")
			return
		}

		if s.ctx.Err() != nil {
			s.stats.dropped.Add(1)
			continue
		}

		err := s.runTask(q.userID, task)
		var panicErr *PanicError
		switch {
		case err == nil:
			s.stats.completed.Add(1)
		case errors.As(err, &panicErr):
			s.stats.panicked.Add(1)
		default:
			s.stats.failed.Add(1)
			logger.Error().Err(err).Msg("task failed")
		}
	}
}

func (s *Serializer) runTask(userID string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			handleRecoveredPanic(userID, r, s.panicHandler)
			err = &PanicError{Value: r}
		}
	}()
	return task(s.ctx)
}

// Shutdown refuses new tasks, cancels the task context and waits up to
// timeout for running tasks to return. Tasks still queued are dropped.
func (s *Serializer) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// idlePollInterval is how often WaitIdle checks for remaining work.
const idlePollInterval = 10 * time.Millisecond

// WaitIdle blocks until no user has queued or running tasks, or ctx ends.
func (s *Serializer) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		idle := len(s.queues) == 0
		s.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot of serializer activity.
func (s *Serializer) Stats() Stats {
	s.mu.Lock()
	active := len(s.queues)
	queued := 0
	for _, q := range s.queues {
		queued += q.size()
	}
	s.mu.Unlock()

	return Stats{
		Enqueued:    s.stats.enqueued.Load(),
		Completed:   s.stats.completed.Load(),
		Failed:      s.stats.failed.Load(),
		Panicked:    s.stats.panicked.Load(),
		Dropped:     s.stats.dropped.Load(),
		ActiveUsers: active,
		Queued:      queued,
	}
}
