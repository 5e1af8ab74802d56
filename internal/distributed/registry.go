package distributed

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrNoFactory        = errors.New("no task factory for job")
	ErrDuplicateFactory = errors.New("task factory already registered")
)

// TaskFactory supplies the tasks of one distributed job on the master.
type TaskFactory interface {
	JobName() string
	// Fetch hands out up to count tasks to node.
	Fetch(ctx context.Context, node string, count int) ([]Task, error)
	// Abandon takes back tasks node received but will not execute.
	Abandon(ctx context.Context, node string, tasks []Task) error
}

// Completer is implemented by factories that want to hear about finished tasks.
type Completer interface {
	Complete(ctx context.Context, node string, refs []TaskRef) error
}

// Reclaimer is implemented by factories that can recover tasks stuck with
// consumers that went away.
type Reclaimer interface {
	Reclaim(ctx context.Context) (int, error)
}

// Registry maps job names to factories. It is filled at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]TaskFactory
}

func NewRegistry(factories ...TaskFactory) (*Registry, error) {
	r := &Registry{factories: make(map[string]TaskFactory)}
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds f. A second factory for the same job name is an error.
func (r *Registry) Register(f TaskFactory) error {
	name := f.JobName()
	if name == "" {
		return errors.New("task factory without a job name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.Wrapf(ErrDuplicateFactory, "job %q", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) FindFactory(jobName string) (TaskFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[jobName]
	if !ok {
		return nil, errors.Wrapf(ErrNoFactory, "job %q", jobName)
	}
	return f, nil
}

// Factories returns the registered factories ordered by job name.
func (r *Registry) Factories() []TaskFactory {
	r.mu.RLock()
	out := make([]TaskFactory, 0, len(r.factories))
	for _, f := range r.factories {
		out = append(out, f)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobName() < out[j].JobName() })
	return out
}
