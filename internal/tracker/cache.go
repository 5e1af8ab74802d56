package tracker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rishansujesh/jobcluster/internal/cluster"
	"github.com/rishansujesh/jobcluster/internal/jobs"
	"github.com/rishansujesh/jobcluster/internal/schedule"
)

// KindReload asks a node to rebuild its tracker cache.
const KindReload = "trackers.reload"

// Source loads job nodes. jobs.Repository satisfies it.
type Source interface {
	FindJobNodes(ctx context.Context, c jobs.JobNodeCriteria) ([]jobs.JobNode, error)
}

type snapshot struct {
	byID    map[int64]*Tracker
	byName  map[string]*Tracker
	ordered []*Tracker
}

type schedulerKey struct {
	jobNodeID int64
	typ       schedule.Type
	expr      string
}

// Cache is the per process tracker registry. Readers always see one complete
// snapshot; Reload builds a new one and swaps it in.
type Cache struct {
	node       string
	source     Source
	snap       atomic.Pointer[snapshot]
	schedulers sync.Map // schedulerKey -> *schedule.Scheduler
	reloadMu   sync.Mutex
	now        func() time.Time
	log        logrus.FieldLogger
}

func NewCache(node string, source Source, log logrus.FieldLogger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Cache{
		node:   node,
		source: source,
		now:    time.Now,
		log:    log.WithFields(logrus.Fields{"component": "tracker-cache", "node": node}),
	}
	c.snap.Store(&snapshot{byID: map[int64]*Tracker{}, byName: map[string]*Tracker{}})
	return c
}

// Reload rebuilds the cache from the source and swaps the snapshot in. Job
// nodes that still exist keep their counters; trackers of the previous
// snapshot keep their old configuration.
func (c *Cache) Reload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	rows, err := c.source.FindJobNodes(ctx, jobs.JobNodeCriteria{Node: c.node})
	if err != nil {
		return errors.Wrap(err, "load job nodes")
	}

	old := c.snap.Load()
	next := &snapshot{
		byID:    make(map[int64]*Tracker, len(rows)),
		byName:  make(map[string]*Tracker, len(rows)),
		ordered: make([]*Tracker, 0, len(rows)),
	}
	now := c.now()
	for _, jn := range rows {
		t := newTracker(jn, now)
		if prev, ok := old.byID[jn.ID]; ok {
			t = prev.withJobNode(jn)
		}
		next.byID[jn.ID] = t
		next.byName[jn.JobName] = t
		next.ordered = append(next.ordered, t)
	}
	sort.Slice(next.ordered, func(i, j int) bool { return next.ordered[i].JobName() < next.ordered[j].JobName() })
	c.snap.Store(next)

	for id, t := range old.byID {
		if _, ok := next.byID[id]; !ok && t.CurrentTaskCount() > 0 {
			c.log.WithFields(logrus.Fields{"job": t.JobName(), "running": t.CurrentTaskCount()}).
				Warn("job node removed while tasks are running")
		}
	}
	c.log.WithField("trackers", len(next.ordered)).Debug("tracker cache reloaded")
	return nil
}

// Get returns the tracker for this node's job node of jobName.
func (c *Cache) Get(jobName string) (*Tracker, bool) {
	t, ok := c.snap.Load().byName[jobName]
	return t, ok
}

func (c *Cache) GetByID(jobNodeID int64) (*Tracker, bool) {
	t, ok := c.snap.Load().byID[jobNodeID]
	return t, ok
}

// Trackers returns the current snapshot ordered by job name.
func (c *Cache) Trackers() []*Tracker {
	s := c.snap.Load().ordered
	out := make([]*Tracker, len(s))
	copy(out, s)
	return out
}

// Scheduler returns the scheduler bound to t's job node and schedule, creating
// it on first use. It returns nil for job nodes without a schedule.
func (c *Cache) Scheduler(t *Tracker) *schedule.Scheduler {
	jn := t.JobNode()
	if jn.Schedule == nil {
		return nil
	}
	key := schedulerKey{jobNodeID: jn.ID, typ: jn.Schedule.Type(), expr: jn.Schedule.Expression()}
	if s, ok := c.schedulers.Load(key); ok {
		return s.(*schedule.Scheduler)
	}
	s, _ := c.schedulers.LoadOrStore(key, schedule.NewScheduler(*jn.Schedule, t.ScheduleReferenceTime()))
	return s.(*schedule.Scheduler)
}

// Register serves KindReload on mux.
func (c *Cache) Register(mux *cluster.Mux) {
	cluster.Handle(mux, KindReload, func(ctx context.Context, source string, _ struct{}) (bool, error) {
		c.log.WithField("source", source).Info("tracker reload requested")
		if err := c.Reload(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
}

// View is a read-only copy of a tracker for reporting.
type View struct {
	JobNode          jobs.JobNode `json:"job_node"`
	CurrentTaskCount int64        `json:"current_task_count"`
	LastExecuted     time.Time    `json:"last_executed,omitempty"`
	NextExecution    time.Time    `json:"next_execution,omitempty"`
}

func (c *Cache) Views() []View {
	ts := c.Trackers()
	out := make([]View, 0, len(ts))
	for _, t := range ts {
		v := View{JobNode: t.JobNode(), CurrentTaskCount: t.CurrentTaskCount(), LastExecuted: t.LastExecutedTime()}
		if s := c.Scheduler(t); s != nil {
			v.NextExecution = s.NextExecution()
		}
		out = append(out, v)
	}
	return out
}
