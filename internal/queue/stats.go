package queue

import "sync/atomic"

// Stats is a snapshot of serializer activity.
type Stats struct {
	Enqueued    uint64
	Completed   uint64
	Failed      uint64
	Panicked    uint64
	Dropped     uint64
	ActiveUsers int
	Queued      int
}

// counters are updated with atomic operations from drain goroutines.
type counters struct {
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	dropped   atomic.Uint64
}
