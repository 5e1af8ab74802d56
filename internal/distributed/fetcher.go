package distributed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rishansujesh/jobcluster/internal/cluster"
	"github.com/rishansujesh/jobcluster/internal/jobs"
	"github.com/rishansujesh/jobcluster/internal/metrics"
	"github.com/rishansujesh/jobcluster/internal/tracker"
)

// TaskRunner executes one task. It must return when ctx is cancelled.
type TaskRunner interface {
	RunTask(ctx context.Context, task Task) error
}

type TaskRunnerFunc func(ctx context.Context, task Task) error

func (f TaskRunnerFunc) RunTask(ctx context.Context, task Task) error { return f(ctx, task) }

type FetcherOptions struct {
	Interval   time.Duration // between scheduled fetch rounds, default 10s
	ForceFetch time.Duration // fetch even with nothing required after this long, default 60s
	Timeout    time.Duration // bound on one master call, default 5m
	DrainPoll  time.Duration // shutdown poll period, default 100ms
	Log        logrus.FieldLogger
	Metrics    *metrics.Collector
}

func (o *FetcherOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.ForceFetch <= 0 {
		o.ForceFetch = 60 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.DrainPoll <= 0 {
		o.DrainPoll = 100 * time.Millisecond
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
}

// Fetcher pulls tasks from the master for this node's distributed job nodes.
// At most one fetch round is in flight; triggers that arrive meanwhile collapse
// into a single follow-up round.
type Fetcher struct {
	node   string
	caller cluster.Caller
	cache  *tracker.Cache
	runner TaskRunner
	opts   FetcherOptions
	now    func() time.Time
	log    logrus.FieldLogger

	base   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	fetching  bool
	waiting   bool
	stopped   bool
	lastFetch time.Time
	pending   *FetchRequest
	running   map[string]*runningTask
	completed []TaskRef
	abandoned []Task
	rounds    int
}

type runningTask struct {
	task    Task
	started time.Time
	cancel  context.CancelFunc
}

func NewFetcher(node string, caller cluster.Caller, cache *tracker.Cache, runner TaskRunner, opts FetcherOptions) *Fetcher {
	opts.defaults()
	base, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		node:    node,
		caller:  caller,
		cache:   cache,
		runner:  runner,
		opts:    opts,
		now:     time.Now,
		log:     opts.Log.WithFields(logrus.Fields{"component": "task-fetcher", "node": node}),
		base:    base,
		cancel:  cancel,
		running: make(map[string]*runningTask),
	}
}

// Run fetches once immediately and then every Interval until ctx is done.
func (f *Fetcher) Run(ctx context.Context) error {
	t := time.NewTicker(f.opts.Interval)
	defer t.Stop()
	f.Fetch(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			f.Fetch(ctx)
		}
	}
}

// Fetch runs fetch rounds until no further round was requested. If a round is
// already in flight it only marks that another one is wanted and returns.
func (f *Fetcher) Fetch(ctx context.Context) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	if f.fetching {
		f.waiting = true
		f.mu.Unlock()
		return
	}
	f.fetching = true
	f.mu.Unlock()

	for {
		f.round(ctx)

		f.mu.Lock()
		again := f.waiting && !f.stopped
		f.waiting = false
		if !again {
			f.fetching = false
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
	}
}

func (f *Fetcher) requirements() ([]Requirement, int) {
	var (
		out   []Requirement
		total int
	)
	for _, t := range f.cache.Trackers() {
		jn := t.JobNode()
		if jn.Type != jobs.TypeDistributed || !t.Enabled() {
			continue
		}
		r := t.Required()
		out = append(out, Requirement{JobName: jn.JobName, JobNodeID: jn.ID, Required: r})
		if r > 0 {
			total += r
		}
	}
	return out, total
}

func (f *Fetcher) round(ctx context.Context) {
	now := f.now()
	reqs, total := f.requirements()

	f.mu.Lock()
	f.rounds++
	req := f.pending
	if req == nil {
		if total <= 0 && now.Sub(f.lastFetch) <= f.opts.ForceFetch {
			f.mu.Unlock()
			f.opts.Metrics.FetchRound("skipped")
			return
		}
		req = &FetchRequest{
			RequestID:    uuid.NewString(),
			Node:         f.node,
			Requirements: reqs,
			Running:      f.runningIDs(),
			Completed:    f.completed,
		}
		f.completed = nil
		f.pending = req
	}
	f.mu.Unlock()

	log := f.log.WithField("request", req.RequestID)
	cctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	var resp FetchResponse
	err := f.caller.Call(cctx, cluster.Master, KindFetch, req, &resp)
	cancel()
	if err != nil {
		cluster.LogCallError(log, err, "fetching tasks from master failed")
		f.opts.Metrics.FetchRound("error")
		return
	}

	f.mu.Lock()
	f.pending = nil
	f.lastFetch = now
	f.mu.Unlock()
	f.opts.Metrics.FetchRound("ok")

	f.dispatch(ctx, log, resp)
}

func (f *Fetcher) runningIDs() []string {
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *Fetcher) dispatch(ctx context.Context, log logrus.FieldLogger, resp FetchResponse) {
	var giveBack []Task
	for _, g := range resp.Grants {
		if g.Error != "" {
			log.WithField("job", g.JobName).Errorf("master could not supply tasks: %s", g.Error)
		}
		if len(g.Tasks) == 0 {
			continue
		}
		t, ok := f.cache.Get(g.JobName)
		if !ok || !t.Enabled() {
			log.WithField("job", g.JobName).Warn("tasks granted for an unknown or disabled job node, returning them")
			giveBack = append(giveBack, g.Tasks...)
			continue
		}
		for _, task := range g.Tasks {
			if !f.start(t, task) {
				giveBack = append(giveBack, task)
			}
		}
	}
	if len(giveBack) > 0 {
		f.release(ctx, nil, giveBack)
	}
}

// start registers task as running and executes it asynchronously. It refuses
// once the fetcher is stopping.
func (f *Fetcher) start(t *tracker.Tracker, task Task) bool {
	now := f.now()
	tctx, cancel := context.WithCancel(f.base)

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		cancel()
		return false
	}
	t.Increment()
	t.SetLastExecutedTime(now)
	f.running[task.ID] = &runningTask{task: task, started: now, cancel: cancel}
	f.mu.Unlock()

	go f.execute(tctx, cancel, t, task)
	return true
}

func (f *Fetcher) execute(ctx context.Context, cancel context.CancelFunc, t *tracker.Tracker, task Task) {
	log := f.log.WithFields(logrus.Fields{"job": task.JobName, "task": task.ID})
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task panicked: %v", r)
		}
		cancel()
		if _, ok := t.Decrement(); !ok {
			log.Error("tracker count already zero when task finished")
		}

		f.mu.Lock()
		delete(f.running, task.ID)
		stopping := f.stopped
		interrupted := err != nil && stopping && ctx.Err() != nil
		if interrupted {
			f.abandoned = append(f.abandoned, task)
		} else {
			ref := TaskRef{ID: task.ID, JobName: task.JobName}
			if err != nil {
				ref.Error = err.Error()
			}
			f.completed = append(f.completed, ref)
		}
		f.mu.Unlock()

		switch {
		case interrupted:
			log.Info("task interrupted by shutdown, returning it")
		case err != nil:
			log.WithError(err).Error("task failed")
			f.opts.Metrics.TaskFinished(task.JobName, err)
		default:
			f.opts.Metrics.TaskFinished(task.JobName, nil)
			if !stopping {
				go f.Fetch(f.base)
			}
		}
	}()
	err = f.runner.RunTask(ctx, task)
}

func (f *Fetcher) release(ctx context.Context, completed []TaskRef, abandoned []Task) {
	if len(completed) == 0 && len(abandoned) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()
	req := ReleaseRequest{Node: f.node, Completed: completed, Abandoned: abandoned}
	var resp ReleaseResponse
	if err := f.caller.Call(cctx, cluster.Master, KindRelease, req, &resp); err != nil {
		cluster.LogCallError(f.log, err, "returning tasks to master failed")
		// Completions wait for the next fetch; abandoned tasks are retried at stop
		// or picked up by the master's reclaim.
		f.mu.Lock()
		f.completed = append(completed, f.completed...)
		f.abandoned = append(abandoned, f.abandoned...)
		f.mu.Unlock()
		return
	}
	for _, t := range abandoned {
		f.opts.Metrics.TasksAbandoned(t.JobName, 1)
	}
}

// Stop refuses new tasks, cancels the running ones and waits until none is left,
// polling every DrainPoll. It then reports completions and interrupted tasks
// to the master. It returns ctx's error if draining takes too long.
func (f *Fetcher) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()

	t := time.NewTicker(f.opts.DrainPoll)
	defer t.Stop()
	for {
		f.mu.Lock()
		n := len(f.running)
		for _, r := range f.running {
			r.cancel()
		}
		f.mu.Unlock()
		if n == 0 {
			break
		}
		f.log.WithField("running", n).Debug("waiting for tasks to stop")
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%d tasks still running", n)
		case <-t.C:
		}
	}
	f.cancel()

	f.mu.Lock()
	completed, abandoned := f.completed, f.abandoned
	f.completed, f.abandoned = nil, nil
	f.mu.Unlock()
	f.release(ctx, completed, abandoned)
	f.log.Info("task fetcher stopped")
	return nil
}

// Status is a snapshot of the fetcher for reporting.
type Status struct {
	Fetching  bool      `json:"fetching"`
	Stopped   bool      `json:"stopped"`
	LastFetch time.Time `json:"last_fetch"`
	Running   []string  `json:"running"`
	Rounds    int       `json:"rounds"`
	Replaying string    `json:"replaying,omitempty"`
}

func (f *Fetcher) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Status{
		Fetching:  f.fetching,
		Stopped:   f.stopped,
		LastFetch: f.lastFetch,
		Running:   f.runningIDs(),
		Rounds:    f.rounds,
	}
	if f.pending != nil {
		s.Replaying = f.pending.RequestID
	}
	return s
}
