package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ReconcileLockName is the cluster lock held while declarations are reconciled.
const ReconcileLockName = "JobNodeService"

// Locker runs fn under a transaction scoped cluster lock.
type Locker interface {
	Lock(ctx context.Context, name string, fn func(tx *sql.Tx) error) error
}

// Reconciler brings persisted jobs and this node's job nodes in line with the
// declarations of the running process.
type Reconciler struct {
	Locks Locker
	// Repo returns the repository bound to the lock transaction. tx is nil when
	// the locker has no database behind it.
	Repo func(tx *sql.Tx) Repository
	Log  logrus.FieldLogger
	// MaxElapsed bounds retries after version conflicts. Defaults to 30s.
	MaxElapsed time.Duration
}

type ReconcileResult struct {
	JobsInserted     []string
	JobNodesInserted []string
	JobNodesRepaired []string
	JobNodesDeleted  []string
	JobsDeleted      []string
}

// Reconcile inserts missing jobs and job nodes, repairs job nodes whose type no
// longer matches the declaration, drops this node's undeclared job nodes and
// deletes jobs left without any job node.
// Enabled flags, schedules and limits of existing rows belong to operators and
// are left alone.
func (r *Reconciler) Reconcile(ctx context.Context, node string, decls []Declaration) (ReconcileResult, error) {
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{"component": "reconciler", "node": node})

	seen := make(map[string]bool, len(decls))
	for _, d := range decls {
		if seen[d.Name] {
			return ReconcileResult{}, errors.Errorf("job %q declared twice", d.Name)
		}
		seen[d.Name] = true
		if !d.Type.Valid() {
			return ReconcileResult{}, errors.Errorf("job %q has unknown type %q", d.Name, d.Type)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = r.MaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 30 * time.Second
	}

	var res ReconcileResult
	op := func() error {
		res = ReconcileResult{}
		err := r.Locks.Lock(ctx, ReconcileLockName, func(tx *sql.Tx) error {
			return r.reconcile(ctx, r.Repo(tx), node, decls, &res)
		})
		if errors.Is(err, ErrVersionConflict) {
			log.WithError(err).Warn("reconcile lost a version race, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return ReconcileResult{}, errors.Wrap(err, "reconcile jobs")
	}

	log.WithFields(logrus.Fields{
		"jobs_inserted":      len(res.JobsInserted),
		"job_nodes_inserted": len(res.JobNodesInserted),
		"job_nodes_repaired": len(res.JobNodesRepaired),
		"job_nodes_deleted":  len(res.JobNodesDeleted),
		"jobs_deleted":       len(res.JobsDeleted),
	}).Info("jobs reconciled")
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, repo Repository, node string, decls []Declaration, res *ReconcileResult) error {
	existing, err := repo.FindJobs(ctx, JobCriteria{})
	if err != nil {
		return err
	}
	byName := make(map[string]Job, len(existing))
	for _, j := range existing {
		byName[j.Name] = j
	}

	declared := make(map[string]bool, len(decls))
	for _, d := range decls {
		declared[d.Name] = true
		job, ok := byName[d.Name]
		if !ok {
			job, err = repo.SaveJob(ctx, Job{Name: d.Name, Description: d.Description, Enabled: d.Enabled})
			if err != nil {
				return err
			}
			res.JobsInserted = append(res.JobsInserted, d.Name)
		} else if job.Description != d.Description {
			job.Description = d.Description
			if job, err = repo.SaveJob(ctx, job); err != nil {
				return err
			}
		}

		if err := r.reconcileJobNode(ctx, repo, job, node, d, res); err != nil {
			return err
		}
	}

	// Only this node's rows are dropped. A job goes once no node declares it.
	own, err := repo.FindJobNodes(ctx, JobNodeCriteria{Node: node})
	if err != nil {
		return err
	}
	for _, jn := range own {
		if declared[jn.JobName] {
			continue
		}
		if err := repo.DeleteJobNode(ctx, jn); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		res.JobNodesDeleted = append(res.JobNodesDeleted, jn.JobName)
	}
	for _, j := range existing {
		if declared[j.Name] {
			continue
		}
		left, err := repo.FindJobNodes(ctx, JobNodeCriteria{JobName: j.Name})
		if err != nil {
			return err
		}
		if len(left) > 0 {
			continue
		}
		if err := repo.DeleteJob(ctx, j); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		res.JobsDeleted = append(res.JobsDeleted, j.Name)
	}
	return nil
}

func (r *Reconciler) reconcileJobNode(ctx context.Context, repo Repository, job Job, node string, d Declaration, res *ReconcileResult) error {
	nodes, err := repo.FindJobNodes(ctx, JobNodeCriteria{Node: node, JobName: job.Name})
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		jn, err := NewJobNode(job, node, d.Type, d.Schedule, d.TaskLimit)
		if err != nil {
			return errors.Wrapf(err, "declared job %q", d.Name)
		}
		if _, err := repo.SaveJobNode(ctx, jn); err != nil {
			return err
		}
		res.JobNodesInserted = append(res.JobNodesInserted, d.Name)
		return nil
	}

	jn := nodes[0]
	if jn.Type == d.Type && jn.Validate() == nil {
		return nil
	}
	jn.Type, jn.Schedule, jn.TaskLimit = d.Type, d.Schedule, d.TaskLimit
	if _, err := repo.SaveJobNode(ctx, jn); err != nil {
		return err
	}
	res.JobNodesRepaired = append(res.JobNodesRepaired, d.Name)
	return nil
}
