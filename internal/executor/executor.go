package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rishansujesh/jobcluster/internal/metrics"
	"github.com/rishansujesh/jobcluster/internal/schedule"
	"github.com/rishansujesh/jobcluster/internal/tracker"
)

type Options struct {
	Tick    time.Duration // default 5s
	Log     logrus.FieldLogger
	Metrics *metrics.Collector
}

// Executor evaluates every registered job once per tick and starts the ones
// that are due, never more than one run per job at a time.
type Executor struct {
	registry *Registry
	cache    *tracker.Cache
	tick     time.Duration
	now      func() time.Time
	log      logrus.FieldLogger
	metrics  *metrics.Collector

	mu         sync.Mutex
	running    map[string]*atomic.Bool
	schedulers map[string]*schedule.Scheduler // unmanaged jobs only
	wg         sync.WaitGroup
}

func New(registry *Registry, cache *tracker.Cache, opts Options) *Executor {
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Executor{
		registry:   registry,
		cache:      cache,
		tick:       opts.Tick,
		now:        time.Now,
		log:        opts.Log.WithField("component", "executor"),
		metrics:    opts.Metrics,
		running:    make(map[string]*atomic.Bool),
		schedulers: make(map[string]*schedule.Scheduler),
	}
}

// Run ticks until ctx is done and then waits for running jobs to return.
func (e *Executor) Run(ctx context.Context) error {
	t := time.NewTicker(e.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return nil
		case <-t.C:
			e.Tick(ctx)
		}
	}
}

// Wait blocks until every dispatched run has returned.
func (e *Executor) Wait() { e.wg.Wait() }

// Tick evaluates every job once.
func (e *Executor) Tick(ctx context.Context) {
	now := e.now()
	for _, j := range e.registry.Jobs() {
		sched, tr, ok := e.eligibility(j, now)
		if !ok {
			continue
		}
		guard := e.guard(j.Name)
		if !guard.CompareAndSwap(false, true) {
			continue
		}
		if !sched.Execute(now) {
			guard.Store(false)
			continue
		}
		e.dispatch(ctx, j, tr, guard, now)
	}
}

// eligibility decides whether j may run and which scheduler times it. Managed
// jobs also return their tracker.
func (e *Executor) eligibility(j ScheduledJob, now time.Time) (*schedule.Scheduler, *tracker.Tracker, bool) {
	switch j.Kind {
	case Managed:
		tr, ok := e.cache.Get(j.Name)
		if !ok {
			e.log.WithField("job", j.Name).Error("no job node for managed job on this node")
			return nil, nil, false
		}
		if !tr.Enabled() {
			return nil, nil, false
		}
		sched := e.cache.Scheduler(tr)
		if sched == nil {
			e.log.WithField("job", j.Name).Error("managed job node has no schedule")
			return nil, nil, false
		}
		return sched, tr, true
	case Unmanaged:
		e.mu.Lock()
		defer e.mu.Unlock()
		s, ok := e.schedulers[j.Name]
		if !ok {
			s = schedule.NewScheduler(j.Schedule, now)
			e.schedulers[j.Name] = s
		}
		return s, nil, true
	}
	return nil, nil, false
}

func (e *Executor) guard(name string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.running[name]
	if !ok {
		g = &atomic.Bool{}
		e.running[name] = g
	}
	return g
}

func (e *Executor) dispatch(ctx context.Context, j ScheduledJob, tr *tracker.Tracker, guard *atomic.Bool, now time.Time) {
	log := e.log.WithFields(logrus.Fields{"job": j.Name, "kind": j.Kind.String()})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer guard.Store(false)
		if tr != nil {
			tr.Increment()
			tr.SetLastExecutedTime(now)
			defer tr.Decrement()
		}

		start := time.Now()
		err := run(ctx, j)
		took := time.Since(start)
		e.metrics.JobRun(j.Name, took.Seconds(), err)
		if err != nil {
			log.WithError(err).Error("scheduled job failed")
			return
		}
		log.WithField("took", took.String()).Debug("scheduled job finished")
	}()
}

func run(ctx context.Context, j ScheduledJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return j.Run(ctx)
}

// Running reports whether a run of name is in flight.
func (e *Executor) Running(name string) bool { return e.guard(name).Load() }
