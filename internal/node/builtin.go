package node

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rishansujesh/jobcluster/internal/executor"
	"github.com/rishansujesh/jobcluster/internal/schedule"
)

// Built-in job names.
const (
	KeepAliveJob      = "Keep alive cluster locks"
	UnlockOldJob      = "Unlock old locks"
	ReclaimTasksJob   = "Reclaim lost node tasks"
	RebuildTrackerJob = "Rebuild tracker cache"
)

func (n *Node) builtins() ([]executor.ScheduledJob, error) {
	sweep, err := n.cfg.Locks.Sweep.Build()
	if err != nil {
		return nil, err
	}
	keepAlive, err := schedule.New(schedule.Frequency, n.cfg.Locks.KeepAlive.String())
	if err != nil {
		return nil, err
	}
	minutely := schedule.MustNew(schedule.Frequency, "1m")

	return []executor.ScheduledJob{
		{
			Name:        KeepAliveJob,
			Description: "Refreshes every cluster lock this node holds.",
			Kind:        executor.Unmanaged,
			Schedule:    keepAlive,
			Run:         n.keepAlive,
		},
		{
			Name:        UnlockOldJob,
			Description: "Releases cluster locks whose owner stopped refreshing them.",
			Kind:        executor.Managed,
			Schedule:    sweep,
			Enabled:     true,
			Run:         n.unlockOld,
		},
		{
			Name:        ReclaimTasksJob,
			Description: "Returns tasks held by lost nodes to their factories.",
			Kind:        executor.Unmanaged,
			Schedule:    minutely,
			Run:         n.reclaimTasks,
		},
		{
			Name:        RebuildTrackerJob,
			Description: "Reloads the job node tracker cache.",
			Kind:        executor.Unmanaged,
			Schedule:    minutely,
			Run:         n.cache.Reload,
		},
	}, nil
}

func (n *Node) keepAlive(ctx context.Context) error {
	n.locks.KeepAlive(ctx)
	return nil
}

// unlockOld sweeps stale leases on the master. The lock keeps two sweeps from
// overlapping across a master change.
func (n *Node) unlockOld(ctx context.Context) error {
	if !n.b.Membership.IsLeader() {
		return nil
	}
	if !n.locks.TryLock(ctx, UnlockOldJob) {
		return nil
	}
	defer n.locks.ReleaseLock(ctx, UnlockOldJob)

	if released := n.manager.UnlockOld(n.cfg.Locks.Threshold); len(released) > 0 {
		n.log.WithField("released", len(released)).Info("stale cluster locks released")
	}
	return nil
}

func (n *Node) reclaimTasks(ctx context.Context) error {
	if !n.b.Membership.IsLeader() {
		return nil
	}
	lost := n.master.ReclaimLostNodes(ctx, n.cfg.Master.LostNodeThreshold)
	idle := n.master.ReclaimIdle(ctx)
	if lost+idle > 0 {
		n.log.WithFields(logrus.Fields{"lost": lost, "idle": idle}).Info("tasks reclaimed")
	}
	return nil
}
