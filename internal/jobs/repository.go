package jobs

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a save carries a stale version. Reload and retry.
	ErrVersionConflict = errors.New("version conflict")
)

type JobCriteria struct {
	Name string
}

type JobNodeCriteria struct {
	Node    string
	JobName string
	Type    Type
}

// Repository persists jobs and job nodes. Saves with ID 0 insert; all other saves
// are checked against the stored version.
type Repository interface {
	FindJobs(ctx context.Context, c JobCriteria) ([]Job, error)
	SaveJob(ctx context.Context, j Job) (Job, error)
	DeleteJob(ctx context.Context, j Job) error

	FindJobNodes(ctx context.Context, c JobNodeCriteria) ([]JobNode, error)
	SaveJobNode(ctx context.Context, jn JobNode) (JobNode, error)
	DeleteJobNode(ctx context.Context, jn JobNode) error
}

func matchJobNode(c JobNodeCriteria, jn JobNode) bool {
	return (c.Node == "" || c.Node == jn.Node) &&
		(c.JobName == "" || c.JobName == jn.JobName) &&
		(c.Type == "" || c.Type == jn.Type)
}
