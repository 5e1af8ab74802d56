package jobs

import (
	"time"

	"github.com/pkg/errors"

	"github.com/rishansujesh/jobcluster/internal/schedule"
)

// Type is how a job runs on a node.
type Type string

const (
	TypeCron        Type = "CRON"
	TypeFrequency   Type = "FREQUENCY"
	TypeDistributed Type = "DISTRIBUTED"
)

func (t Type) Valid() bool {
	switch t {
	case TypeCron, TypeFrequency, TypeDistributed:
		return true
	}
	return false
}

// ErrInvalidJobNode is returned by Validate for a job node that breaks the
// schedule/task limit rules of its type.
var ErrInvalidJobNode = errors.New("invalid job node")

type Job struct {
	ID          int64     `json:"id"`
	Version     int64     `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobNode binds a Job to one node. JobName and JobEnabled are read from the
// owning job and are not written back.
type JobNode struct {
	ID         int64              `json:"id"`
	Version    int64              `json:"version"`
	JobID      int64              `json:"job_id"`
	JobName    string             `json:"job_name"`
	JobEnabled bool               `json:"job_enabled"`
	Node       string             `json:"node"`
	Enabled    bool               `json:"enabled"`
	Type       Type               `json:"type"`
	Schedule   *schedule.Schedule `json:"schedule,omitempty"`
	TaskLimit  int                `json:"task_limit"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// NewJobNode builds a validated, enabled job node for job on node.
func NewJobNode(job Job, node string, typ Type, sched *schedule.Schedule, taskLimit int) (JobNode, error) {
	jn := JobNode{
		JobID:      job.ID,
		JobName:    job.Name,
		JobEnabled: job.Enabled,
		Node:       node,
		Enabled:    true,
		Type:       typ,
		Schedule:   sched,
		TaskLimit:  taskLimit,
	}
	if err := jn.Validate(); err != nil {
		return JobNode{}, err
	}
	return jn, nil
}

// Validate checks the type rules: CRON and FREQUENCY need a schedule of the same
// type, DISTRIBUTED takes no schedule and a non-negative task limit.
func (jn JobNode) Validate() error {
	if jn.Node == "" {
		return errors.Wrap(ErrInvalidJobNode, "node is required")
	}
	switch jn.Type {
	case TypeCron, TypeFrequency:
		if jn.Schedule == nil || jn.Schedule.IsZero() {
			return errors.Wrapf(ErrInvalidJobNode, "%s job node for %q needs a schedule", jn.Type, jn.JobName)
		}
		if string(jn.Schedule.Type()) != string(jn.Type) {
			return errors.Wrapf(ErrInvalidJobNode, "%s job node for %q has a %s schedule", jn.Type, jn.JobName, jn.Schedule.Type())
		}
	case TypeDistributed:
		if jn.Schedule != nil {
			return errors.Wrapf(ErrInvalidJobNode, "distributed job node for %q cannot have a schedule", jn.JobName)
		}
		if jn.TaskLimit < 0 {
			return errors.Wrapf(ErrInvalidJobNode, "distributed job node for %q has task limit %d", jn.JobName, jn.TaskLimit)
		}
	default:
		return errors.Wrapf(ErrInvalidJobNode, "unknown job type %q", jn.Type)
	}
	return nil
}

// Active reports whether both the job and this job node are enabled.
func (jn JobNode) Active() bool { return jn.JobEnabled && jn.Enabled }

// Declaration is a job as declared in code or configuration for one process.
type Declaration struct {
	Name        string
	Description string
	Enabled     bool
	Type        Type
	Schedule    *schedule.Schedule
	TaskLimit   int
}
