package distributed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// MemoryFactory is an in-process task queue. Capacity bounds how many tasks may
// be handed out at once across all nodes; zero means no bound.
type MemoryFactory struct {
	name     string
	capacity int

	mu          sync.Mutex
	queue       []Task
	outstanding map[string]string // task id -> node
	completed   []TaskRef
}

func NewMemoryFactory(jobName string, capacity int) *MemoryFactory {
	return &MemoryFactory{name: jobName, capacity: capacity, outstanding: make(map[string]string)}
}

func (f *MemoryFactory) JobName() string { return f.name }

// Add queues one task per payload.
func (f *MemoryFactory) Add(payloads ...json.RawMessage) []Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Task, 0, len(payloads))
	for _, p := range payloads {
		t := Task{ID: uuid.NewString(), JobName: f.name, Payload: p}
		f.queue = append(f.queue, t)
		out = append(out, t)
	}
	return out
}

func (f *MemoryFactory) Fetch(_ context.Context, node string, count int) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capacity > 0 {
		if room := f.capacity - len(f.outstanding); room < count {
			count = room
		}
	}
	if count > len(f.queue) {
		count = len(f.queue)
	}
	if count <= 0 {
		return nil, nil
	}
	out := make([]Task, count)
	copy(out, f.queue[:count])
	f.queue = f.queue[count:]
	for _, t := range out {
		f.outstanding[t.ID] = node
	}
	return out, nil
}

// Abandon puts tasks held by node back at the head of the queue. Tasks the
// factory does not see as outstanding on node are ignored.
func (f *MemoryFactory) Abandon(_ context.Context, node string, tasks []Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var back []Task
	for _, t := range tasks {
		if f.outstanding[t.ID] != node {
			continue
		}
		delete(f.outstanding, t.ID)
		back = append(back, t)
	}
	f.queue = append(back, f.queue...)
	return nil
}

func (f *MemoryFactory) Complete(_ context.Context, node string, refs []TaskRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range refs {
		if f.outstanding[r.ID] != node {
			continue
		}
		delete(f.outstanding, r.ID)
		f.completed = append(f.completed, r)
	}
	return nil
}

func (f *MemoryFactory) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *MemoryFactory) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outstanding)
}

func (f *MemoryFactory) Completed() []TaskRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TaskRef, len(f.completed))
	copy(out, f.completed)
	return out
}
