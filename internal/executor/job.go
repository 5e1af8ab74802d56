// Package executor runs recurring jobs on the local node.
package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/rishansujesh/jobcluster/internal/jobs"
	"github.com/rishansujesh/jobcluster/internal/schedule"
)

// JobKind says where a job's enablement and schedule come from.
type JobKind int

const (
	// Managed jobs are governed by their persisted Job and JobNode rows.
	Managed JobKind = iota
	// Unmanaged jobs always run, on the schedule they were declared with.
	Unmanaged
)

func (k JobKind) String() string {
	if k == Managed {
		return "managed"
	}
	return "unmanaged"
}

// ScheduledJob is a recurring job registered at startup.
type ScheduledJob struct {
	Name        string
	Description string
	Kind        JobKind
	// Schedule is the declared schedule. Managed jobs seed their job node with
	// it; the persisted one wins afterwards.
	Schedule schedule.Schedule
	// Enabled is the initial enablement of a managed job.
	Enabled bool
	Run     func(ctx context.Context) error
}

func (j ScheduledJob) validate() error {
	switch {
	case j.Name == "":
		return errors.New("scheduled job without a name")
	case j.Run == nil:
		return errors.Errorf("scheduled job %q has no body", j.Name)
	case j.Schedule.IsZero():
		return errors.Errorf("scheduled job %q has no schedule", j.Name)
	case j.Kind != Managed && j.Kind != Unmanaged:
		return errors.Errorf("scheduled job %q has unknown kind %d", j.Name, j.Kind)
	}
	return nil
}

// Registry holds the recurring jobs of the process.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]ScheduledJob
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]ScheduledJob)}
}

// Register adds j. Names are unique.
func (r *Registry) Register(j ScheduledJob) error {
	if err := j.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.Name]; ok {
		return errors.Errorf("scheduled job %q registered twice", j.Name)
	}
	r.jobs[j.Name] = j
	return nil
}

// MustRegister is Register for static job tables.
func (r *Registry) MustRegister(jobs ...ScheduledJob) {
	for _, j := range jobs {
		if err := r.Register(j); err != nil {
			panic(err)
		}
	}
}

// Jobs returns the registered jobs ordered by name.
func (r *Registry) Jobs() []ScheduledJob {
	r.mu.RLock()
	out := make([]ScheduledJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Declarations lists the managed jobs for reconciliation.
func (r *Registry) Declarations() []jobs.Declaration {
	var out []jobs.Declaration
	for _, j := range r.Jobs() {
		if j.Kind != Managed {
			continue
		}
		s := j.Schedule
		out = append(out, jobs.Declaration{
			Name:        j.Name,
			Description: j.Description,
			Enabled:     j.Enabled,
			Type:        jobs.Type(s.Type()),
			Schedule:    &s,
		})
	}
	return out
}
