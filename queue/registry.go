// Package queue implements the Queue Registry: an in-process map
// from queue name to an ordered sequence of pending task items, 1:1 with a
// live worker. New component — the precedent pulls work via direct
// function calls rather than a queue, so this follows only the general
// sync.RWMutex-guarded-map idiom of kanban/state.go's State struct.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-labs/coordinator/internal/coordinatorerr"
)

// TaskItem is an in-memory entry in a queue. It never persists across a
// server restart: the Dispatcher rebuilds queues from
// Ready && Unclaimed tickets instead.
type TaskItem struct {
	TaskID     string
	TicketID   string
	EnqueuedAt time.Time
}

// Status summarizes a single queue for get_queue_status / list_queues.
type Status struct {
	QueueName string
	Depth     int
}

type queueState struct {
	mu    sync.Mutex
	items []TaskItem
}

// Registry is the Queue Registry. The zero value is not usable; construct
// with NewRegistry.
type Registry struct {
	mu sync.RWMutex
	qs map[string]*queueState
}

func NewRegistry() *Registry {
	return &Registry{qs: make(map[string]*queueState)}
}

// Create is idempotent: creating an already-existing queue is a no-op.
func (r *Registry) Create(queueName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.qs[queueName]; !ok {
		r.qs[queueName] = &queueState{}
	}
}

// Delete removes a queue. Callers (the Supervisor) must only call
// this once the owning worker is no longer live and the queue is empty or
// reassigned; Delete itself enforces the "not empty" half of that policy.
func (r *Registry) Delete(queueName string) error {
	qs, err := r.get(queueName)
	if err != nil {
		return err
	}

	qs.mu.Lock()
	empty := len(qs.items) == 0
	qs.mu.Unlock()
	if !empty {
		return coordinatorerr.Conflictf("queue %q is not empty", queueName)
	}

	r.mu.Lock()
	delete(r.qs, queueName)
	r.mu.Unlock()
	return nil
}

// Enqueue appends a task to the named queue, returning a fresh task id.
// The Dispatcher is responsible for the "ticket already in this queue"
// de-duplication guard; Enqueue itself always appends.
func (r *Registry) Enqueue(queueName, ticketID string) (string, error) {
	qs, err := r.get(queueName)
	if err != nil {
		return "", err
	}
	task := TaskItem{TaskID: uuid.NewString(), TicketID: ticketID, EnqueuedAt: time.Now()}

	qs.mu.Lock()
	qs.items = append(qs.items, task)
	qs.mu.Unlock()
	return task.TaskID, nil
}

// Contains reports whether ticketID currently has an in-flight task on the
// named queue, used by the Dispatcher's double-enqueue guard.
func (r *Registry) Contains(queueName, ticketID string) (bool, error) {
	qs, err := r.get(queueName)
	if err != nil {
		return false, err
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	for _, it := range qs.items {
		if it.TicketID == ticketID {
			return true, nil
		}
	}
	return false, nil
}

// Poll performs a FIFO dequeue, atomic with respect to concurrent enqueues
// on the same queue. ok is false when the queue is empty.
func (r *Registry) Poll(queueName string) (task TaskItem, ok bool, err error) {
	qs, err := r.get(queueName)
	if err != nil {
		return TaskItem{}, false, err
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if len(qs.items) == 0 {
		return TaskItem{}, false, nil
	}
	task = qs.items[0]
	qs.items = qs.items[1:]
	return task, true, nil
}

// Peek returns a snapshot of pending tasks without dequeuing them.
func (r *Registry) Peek(queueName string) ([]TaskItem, error) {
	qs, err := r.get(queueName)
	if err != nil {
		return nil, err
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	out := make([]TaskItem, len(qs.items))
	copy(out, qs.items)
	return out, nil
}

// QueueStatus reports the current depth of the named queue.
func (r *Registry) QueueStatus(queueName string) (Status, error) {
	qs, err := r.get(queueName)
	if err != nil {
		return Status{}, err
	}
	qs.mu.Lock()
	depth := len(qs.items)
	qs.mu.Unlock()
	return Status{QueueName: queueName, Depth: depth}, nil
}

// List returns the status of every queue currently registered.
func (r *Registry) List() []Status {
	r.mu.RLock()
	names := make([]string, 0, len(r.qs))
	states := make([]*queueState, 0, len(r.qs))
	for name, qs := range r.qs {
		names = append(names, name)
		states = append(states, qs)
	}
	r.mu.RUnlock()

	out := make([]Status, len(names))
	for i, name := range names {
		states[i].mu.Lock()
		depth := len(states[i].items)
		states[i].mu.Unlock()
		out[i] = Status{QueueName: name, Depth: depth}
	}
	return out
}

func (r *Registry) get(queueName string) (*queueState, error) {
	r.mu.RLock()
	qs, ok := r.qs[queueName]
	r.mu.RUnlock()
	if !ok {
		return nil, coordinatorerr.NotFoundf("queue %q not found", queueName)
	}
	return qs, nil
}
