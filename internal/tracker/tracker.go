// Package tracker keeps the in-memory runtime state of this node's job nodes.
package tracker

import (
	"sync/atomic"
	"time"

	"github.com/rishansujesh/jobcluster/internal/jobs"
)

// Tracker is one job node's configuration in a cache snapshot plus the
// counters of that job node. The configuration never changes; a reload builds
// a new Tracker that shares the counters of the previous one.
type Tracker struct {
	jobNode jobs.JobNode
	*counters
}

type counters struct {
	count             atomic.Int64
	lastExecuted      atomic.Int64
	scheduleReference atomic.Int64
}

func newTracker(jn jobs.JobNode, reference time.Time) *Tracker {
	t := &Tracker{jobNode: jn, counters: &counters{}}
	t.scheduleReference.Store(reference.UnixMilli())
	return t
}

// withJobNode returns the tracker for a reloaded jn, keeping t's counters.
func (t *Tracker) withJobNode(jn jobs.JobNode) *Tracker {
	return &Tracker{jobNode: jn, counters: t.counters}
}

// JobNode returns the configuration of the snapshot t belongs to.
func (t *Tracker) JobNode() jobs.JobNode { return t.jobNode }

func (t *Tracker) JobName() string { return t.jobNode.JobName }

// Enabled reports job.enabled AND jobNode.enabled.
func (t *Tracker) Enabled() bool { return t.jobNode.Active() }

func (t *Tracker) Increment() int64 { return t.count.Add(1) }

// Decrement lowers the task count and never takes it below zero. It returns
// false when the count was already zero, which means an unpaired decrement.
func (t *Tracker) Decrement() (int64, bool) {
	for {
		cur := t.count.Load()
		if cur <= 0 {
			return 0, false
		}
		if t.count.CompareAndSwap(cur, cur-1) {
			return cur - 1, true
		}
	}
}

func (t *Tracker) CurrentTaskCount() int64 { return t.count.Load() }

// Required is the task limit minus the running count. It can be zero or negative.
func (t *Tracker) Required() int {
	return t.jobNode.TaskLimit - int(t.count.Load())
}

func (t *Tracker) SetLastExecutedTime(at time.Time) { t.lastExecuted.Store(at.UnixMilli()) }

func (t *Tracker) LastExecutedTime() time.Time {
	ms := t.lastExecuted.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (t *Tracker) ScheduleReferenceTime() time.Time {
	return time.UnixMilli(t.scheduleReference.Load())
}
