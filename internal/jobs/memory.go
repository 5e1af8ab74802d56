package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryRepository is an in-process Repository for single node runs and tests.
// It enforces the same uniqueness, cascade and version rules as the Postgres schema.
type MemoryRepository struct {
	mu       sync.Mutex
	nextID   int64
	jobs     map[int64]Job
	jobNodes map[int64]JobNode
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:     make(map[int64]Job),
		jobNodes: make(map[int64]JobNode),
		now:      time.Now,
	}
}

func (m *MemoryRepository) FindJobs(_ context.Context, c JobCriteria) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if c.Name == "" || c.Name == j.Name {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (m *MemoryRepository) SaveJob(_ context.Context, j Job) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.jobs {
		if other.Name == j.Name && other.ID != j.ID {
			return Job{}, errors.Errorf("job %q already exists", j.Name)
		}
	}
	now := m.now()
	if j.ID == 0 {
		m.nextID++
		j.ID, j.Version, j.CreatedAt, j.UpdatedAt = m.nextID, 1, now, now
		m.jobs[j.ID] = j
		return j, nil
	}
	cur, ok := m.jobs[j.ID]
	if !ok {
		return Job{}, ErrNotFound
	}
	if cur.Version != j.Version {
		return Job{}, errors.Wrapf(ErrVersionConflict, "jobs %d", j.ID)
	}
	j.Version, j.CreatedAt, j.UpdatedAt = cur.Version+1, cur.CreatedAt, now
	m.jobs[j.ID] = j
	return j, nil
}

func (m *MemoryRepository) DeleteJob(_ context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, j.ID)
	for id, jn := range m.jobNodes {
		if jn.JobID == j.ID {
			delete(m.jobNodes, id)
		}
	}
	return nil
}

// withJob fills the fields a job node reads from its job.
func (m *MemoryRepository) withJob(jn JobNode) JobNode {
	j := m.jobs[jn.JobID]
	jn.JobName, jn.JobEnabled = j.Name, j.Enabled
	return jn
}

func (m *MemoryRepository) FindJobNodes(_ context.Context, c JobNodeCriteria) ([]JobNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobNode
	for _, jn := range m.jobNodes {
		jn = m.withJob(jn)
		if matchJobNode(c, jn) {
			out = append(out, jn)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].JobName != out[k].JobName {
			return out[i].JobName < out[k].JobName
		}
		return out[i].Node < out[k].Node
	})
	return out, nil
}

func (m *MemoryRepository) SaveJobNode(_ context.Context, jn JobNode) (JobNode, error) {
	if err := jn.Validate(); err != nil {
		return JobNode{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jn.JobID]; !ok {
		return JobNode{}, errors.Wrapf(ErrNotFound, "job %d", jn.JobID)
	}
	for _, other := range m.jobNodes {
		if other.JobID == jn.JobID && other.Node == jn.Node && other.ID != jn.ID {
			return JobNode{}, errors.Errorf("job node %d/%s already exists", jn.JobID, jn.Node)
		}
	}
	now := m.now()
	if jn.ID == 0 {
		m.nextID++
		jn.ID, jn.Version, jn.CreatedAt, jn.UpdatedAt = m.nextID, 1, now, now
	} else {
		cur, ok := m.jobNodes[jn.ID]
		if !ok {
			return JobNode{}, ErrNotFound
		}
		if cur.Version != jn.Version {
			return JobNode{}, errors.Wrapf(ErrVersionConflict, "job_nodes %d", jn.ID)
		}
		jn.Version, jn.CreatedAt, jn.UpdatedAt = cur.Version+1, cur.CreatedAt, now
	}
	m.jobNodes[jn.ID] = jn
	return m.withJob(jn), nil
}

func (m *MemoryRepository) DeleteJobNode(_ context.Context, jn JobNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobNodes[jn.ID]; !ok {
		return ErrNotFound
	}
	delete(m.jobNodes, jn.ID)
	return nil
}
