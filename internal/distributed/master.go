package distributed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rishansujesh/jobcluster/internal/cluster"
	"github.com/rishansujesh/jobcluster/internal/metrics"
)

type MasterOptions struct {
	// GrantTTL is how long answers are kept for replayed requests. Defaults to 10m.
	GrantTTL time.Duration
	Log      logrus.FieldLogger
	Metrics  *metrics.Collector
}

// Master answers fetch and release requests on the elected master node.
type Master struct {
	registry *Registry
	isMaster func() bool
	grantTTL time.Duration
	now      func() time.Time
	log      logrus.FieldLogger
	metrics  *metrics.Collector

	mu    sync.Mutex
	nodes map[string]*nodeState
}

type nodeState struct {
	mu           sync.Mutex // serialises requests from one node
	lastSeen     time.Time
	requirements []Requirement
	outstanding  map[string]Task
	grants       map[string]cachedResponse
}

type cachedResponse struct {
	resp FetchResponse
	at   time.Time
}

// NodeStatus is the master's view of one worker node.
type NodeStatus struct {
	Node         string        `json:"node"`
	LastSeen     time.Time     `json:"last_seen"`
	Requirements []Requirement `json:"requirements"`
	Outstanding  int           `json:"outstanding"`
}

// NewMaster builds the master side handler. isMaster may be nil for a single node setup.
func NewMaster(registry *Registry, isMaster func() bool, opts MasterOptions) *Master {
	if opts.GrantTTL <= 0 {
		opts.GrantTTL = 10 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Master{
		registry: registry,
		isMaster: isMaster,
		grantTTL: opts.GrantTTL,
		now:      time.Now,
		log:      opts.Log.WithField("component", "task-master"),
		metrics:  opts.Metrics,
		nodes:    make(map[string]*nodeState),
	}
}

func (m *Master) Register(mux *cluster.Mux) {
	cluster.Handle(mux, KindFetch, func(ctx context.Context, source string, req FetchRequest) (FetchResponse, error) {
		if req.Node == "" {
			req.Node = source
		}
		return m.Fetch(ctx, req)
	})
	cluster.Handle(mux, KindRelease, func(ctx context.Context, source string, req ReleaseRequest) (ReleaseResponse, error) {
		if req.Node == "" {
			req.Node = source
		}
		return m.Release(ctx, req)
	})
}

func (m *Master) master() bool { return m.isMaster == nil || m.isMaster() }

func (m *Master) state(node string) *nodeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.nodes[node]
	if !ok {
		st = &nodeState{outstanding: make(map[string]Task), grants: make(map[string]cachedResponse)}
		m.nodes[node] = st
	}
	return st
}

// Fetch grants each job node at most its required count. A request id seen
// before is answered from the cache without allocating again.
func (m *Master) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	if !m.master() {
		return FetchResponse{}, cluster.ErrNotInitialized
	}
	if req.Node == "" || req.RequestID == "" {
		return FetchResponse{}, errors.New("fetch request needs a node and a request id")
	}
	log := m.log.WithFields(logrus.Fields{"node": req.Node, "request": req.RequestID})

	st := m.state(req.Node)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := m.now()
	st.lastSeen = now
	st.requirements = req.Requirements
	for id, c := range st.grants {
		if now.Sub(c.at) > m.grantTTL {
			delete(st.grants, id)
		}
	}
	if c, ok := st.grants[req.RequestID]; ok {
		log.Info("replayed fetch answered from cache")
		return c.resp, nil
	}

	m.complete(ctx, log, req.Node, st, req.Completed)
	m.reclaimVanished(ctx, log, req, st)

	resp := FetchResponse{RequestID: req.RequestID, Grants: make([]Grant, 0, len(req.Requirements))}
	for _, r := range req.Requirements {
		if r.Required <= 0 {
			continue
		}
		g := m.grant(ctx, log, req.Node, st, r)
		if len(g.Tasks) > 0 || g.Error != "" {
			resp.Grants = append(resp.Grants, g)
		}
	}
	st.grants[req.RequestID] = cachedResponse{resp: resp, at: now}
	return resp, nil
}

func (m *Master) grant(ctx context.Context, log logrus.FieldLogger, node string, st *nodeState, r Requirement) Grant {
	g := Grant{JobName: r.JobName}
	f, err := m.registry.FindFactory(r.JobName)
	if err != nil {
		log.WithError(err).Error("node asked for tasks of a job without a factory")
		g.Error = err.Error()
		return g
	}
	tasks, err := f.Fetch(ctx, node, r.Required)
	if err != nil {
		log.WithError(err).WithField("job", r.JobName).Error("task factory fetch failed")
		g.Error = err.Error()
		return g
	}
	if len(tasks) > r.Required {
		surplus := tasks[r.Required:]
		tasks = tasks[:r.Required]
		if err := f.Abandon(ctx, node, surplus); err != nil {
			log.WithError(err).WithField("job", r.JobName).Error("returning surplus tasks failed")
		}
		m.metrics.TasksAbandoned(r.JobName, len(surplus))
	}
	for _, t := range tasks {
		st.outstanding[t.ID] = t
		m.metrics.TaskGranted(r.JobName)
	}
	g.Tasks = tasks
	return g
}

func (m *Master) complete(ctx context.Context, log logrus.FieldLogger, node string, st *nodeState, refs []TaskRef) {
	byJob := make(map[string][]TaskRef)
	for _, r := range refs {
		delete(st.outstanding, r.ID)
		byJob[r.JobName] = append(byJob[r.JobName], r)
	}
	for job, refs := range byJob {
		f, err := m.registry.FindFactory(job)
		if err != nil {
			log.WithError(err).Warn("completion for a job without a factory")
			continue
		}
		c, ok := f.(Completer)
		if !ok {
			continue
		}
		if err := c.Complete(ctx, node, refs); err != nil {
			log.WithError(err).WithField("job", job).Error("task completion failed")
		}
	}
}

// reclaimVanished takes back tasks the master believes node holds but the node
// neither runs nor reports finished, i.e. grants that never arrived.
func (m *Master) reclaimVanished(ctx context.Context, log logrus.FieldLogger, req FetchRequest, st *nodeState) {
	if len(st.outstanding) == 0 {
		return
	}
	running := make(map[string]bool, len(req.Running))
	for _, id := range req.Running {
		running[id] = true
	}
	var lost []Task
	for id, t := range st.outstanding {
		if !running[id] {
			lost = append(lost, t)
		}
	}
	if len(lost) == 0 {
		return
	}
	log.WithField("tasks", len(lost)).Warn("node lost granted tasks, returning them")
	m.abandon(ctx, log, req.Node, st, lost)
}

func (m *Master) abandon(ctx context.Context, log logrus.FieldLogger, node string, st *nodeState, tasks []Task) int {
	byJob := make(map[string][]Task)
	for _, t := range tasks {
		delete(st.outstanding, t.ID)
		byJob[t.JobName] = append(byJob[t.JobName], t)
	}
	n := 0
	for job, ts := range byJob {
		f, err := m.registry.FindFactory(job)
		if err != nil {
			log.WithError(err).Error("abandoned tasks for a job without a factory")
			continue
		}
		if err := f.Abandon(ctx, node, ts); err != nil {
			log.WithError(err).WithField("job", job).Error("abandon failed")
			continue
		}
		m.metrics.TasksAbandoned(job, len(ts))
		n += len(ts)
	}
	return n
}

// Release takes back abandoned tasks and records completions.
func (m *Master) Release(ctx context.Context, req ReleaseRequest) (ReleaseResponse, error) {
	if !m.master() {
		return ReleaseResponse{}, cluster.ErrNotInitialized
	}
	log := m.log.WithField("node", req.Node)
	st := m.state(req.Node)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSeen = m.now()

	m.complete(ctx, log, req.Node, st, req.Completed)
	n := m.abandon(ctx, log, req.Node, st, req.Abandoned)
	return ReleaseResponse{Released: n}, nil
}

// ReclaimLostNodes returns the outstanding tasks of nodes not heard from for
// threshold and forgets those nodes.
func (m *Master) ReclaimLostNodes(ctx context.Context, threshold time.Duration) int {
	cutoff := m.now().Add(-threshold)
	m.mu.Lock()
	var lost []string
	for node, st := range m.nodes {
		st.mu.Lock()
		if st.lastSeen.Before(cutoff) {
			lost = append(lost, node)
		}
		st.mu.Unlock()
	}
	m.mu.Unlock()

	total := 0
	for _, node := range lost {
		m.mu.Lock()
		st, ok := m.nodes[node]
		if ok {
			delete(m.nodes, node)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		st.mu.Lock()
		tasks := make([]Task, 0, len(st.outstanding))
		for _, t := range st.outstanding {
			tasks = append(tasks, t)
		}
		log := m.log.WithField("node", node)
		n := m.abandon(ctx, log, node, st, tasks)
		st.mu.Unlock()
		log.WithFields(logrus.Fields{"tasks": n, "last_seen": st.lastSeen}).Warn("reclaimed tasks of lost node")
		total += n
	}
	return total
}

// ReclaimIdle asks every factory that supports it to recover stuck tasks.
func (m *Master) ReclaimIdle(ctx context.Context) int {
	total := 0
	for _, f := range m.registry.Factories() {
		r, ok := f.(Reclaimer)
		if !ok {
			continue
		}
		n, err := r.Reclaim(ctx)
		if err != nil {
			m.log.WithError(err).WithField("job", f.JobName()).Error("reclaim failed")
			continue
		}
		total += n
	}
	return total
}

// IsMaster reports whether this node currently answers as master.
func (m *Master) IsMaster() bool { return m.master() }

func (m *Master) Nodes() []NodeStatus {
	m.mu.Lock()
	states := make(map[string]*nodeState, len(m.nodes))
	for k, v := range m.nodes {
		states[k] = v
	}
	m.mu.Unlock()

	out := make([]NodeStatus, 0, len(states))
	for node, st := range states {
		st.mu.Lock()
		out = append(out, NodeStatus{
			Node:         node,
			LastSeen:     st.lastSeen,
			Requirements: append([]Requirement(nil), st.requirements...),
			Outstanding:  len(st.outstanding),
		})
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}
