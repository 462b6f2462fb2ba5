package queue

import "container/list"

// userQueue holds the pending tasks of a single user. It is not safe for
// concurrent use; the Serializer guards it with its own mutex.
type userQueue struct {
	tasks   *list.List
	userID  string
	running bool
}

func newUserQueue(userID string) *userQueue {
	return &userQueue{
		userID: userID,
		tasks:  list.New(),
	}
}

// push appends a task.
func (q *userQueue) push(task Task) {
	q.tasks.PushBack(task)
}

// pop removes and returns the oldest task.
func (q *userQueue) pop() (Task, bool) {
	front := q.tasks.Front()
	if front == nil {
		return nil, false
	}
	q.tasks.Remove(front)

	task, ok := front.Value.(Task)
	return task, ok
}

// size returns the number of tasks waiting.
func (q *userQueue) size() int {
	return q.tasks.Len()
}
