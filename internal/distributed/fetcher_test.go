package distributed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishansujesh/jobcluster/internal/cluster"
	"github.com/rishansujesh/jobcluster/internal/jobs"
	"github.com/rishansujesh/jobcluster/internal/tracker"
)

type harness struct {
	repo    *jobs.MemoryRepository
	cache   *tracker.Cache
	factory *MemoryFactory
	master  *Master
	caller  cluster.Caller
}

// newHarness wires node "n1" to master "m" over the local network, with one
// distributed job "orders" limited to limit tasks on n1.
func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	ctx := context.Background()
	repo := jobs.NewMemoryRepository()
	j, err := repo.SaveJob(ctx, jobs.Job{Name: "orders", Enabled: true})
	require.NoError(t, err)
	jn, err := jobs.NewJobNode(j, "n1", jobs.TypeDistributed, nil, limit)
	require.NoError(t, err)
	_, err = repo.SaveJobNode(ctx, jn)
	require.NoError(t, err)

	cache := tracker.NewCache("n1", repo, nil)
	require.NoError(t, cache.Reload(ctx))

	factory := NewMemoryFactory("orders", 0)
	reg, err := NewRegistry(factory)
	require.NoError(t, err)
	master := NewMaster(reg, nil, MasterOptions{})

	net := cluster.NewLocalNetwork()
	masterMux, nodeMux := cluster.NewMux(nil), cluster.NewMux(nil)
	master.Register(masterMux)
	net.Join("m", masterMux)
	net.Join("n1", nodeMux)

	return &harness{
		repo:    repo,
		cache:   cache,
		factory: factory,
		master:  master,
		caller:  cluster.NewClient(cluster.NewStaticResolver("n1", "m", "m"), nodeMux, net, nil),
	}
}

func (h *harness) tracker(t *testing.T) *tracker.Tracker {
	tr, ok := h.cache.Get("orders")
	require.True(t, ok)
	return tr
}

// gateRunner blocks every task until the gate is closed or the task is cancelled.
type gateRunner struct {
	gate    chan struct{}
	started chan Task
	fail    func(Task) error
}

func newGateRunner() *gateRunner {
	return &gateRunner{gate: make(chan struct{}), started: make(chan Task, 64)}
}

func (g *gateRunner) RunTask(ctx context.Context, task Task) error {
	g.started <- task
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	if g.fail != nil {
		return g.fail(task)
	}
	return nil
}

// stubCaller answers cluster calls with fn.
type stubCaller struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, kind cluster.Kind, req any) (any, error)
	requests []any
}

func (s *stubCaller) Call(ctx context.Context, _ cluster.Target, kind cluster.Kind, req, resp any) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.fn
	s.mu.Unlock()
	out, err := fn(ctx, kind, req)
	if err != nil {
		return err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, resp)
}

func (s *stubCaller) Broadcast(context.Context, cluster.Kind, any) map[string]error { return nil }

func (s *stubCaller) fetches() []FetchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FetchRequest
	for _, r := range s.requests {
		if fr, ok := r.(*FetchRequest); ok {
			out = append(out, *fr)
		}
	}
	return out
}

func TestFetchFillsDeficitAndCountsBack(t *testing.T) {
	h := newHarness(t, 3)
	h.factory.Add(payloads(2)...)
	tr := h.tracker(t)
	tr.Increment() // one execution already in flight

	runner := newGateRunner()
	f := NewFetcher("n1", h.caller, h.cache, runner, FetcherOptions{})
	f.Fetch(context.Background())

	assert.Equal(t, int64(3), tr.CurrentTaskCount())
	assert.Equal(t, 2, h.factory.Outstanding())
	assert.Len(t, f.Status().Running, 2)
	assert.False(t, tr.LastExecutedTime().IsZero())

	close(runner.gate)
	require.Eventually(t, func() bool { return tr.CurrentTaskCount() == 1 }, time.Second, 5*time.Millisecond)
	// Success triggers another round that carries the completions.
	require.Eventually(t, func() bool { return len(h.factory.Completed()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.factory.Outstanding())

	tr.Decrement()
	assert.Equal(t, int64(0), tr.CurrentTaskCount())
}

func TestFailedTaskStillDecrements(t *testing.T) {
	h := newHarness(t, 2)
	h.factory.Add(payloads(2)...)
	tr := h.tracker(t)

	runner := newGateRunner()
	runner.fail = func(task Task) error {
		if string(task.Payload) == `{"n":0}` {
			return errors.New("boom")
		}
		return nil
	}
	f := NewFetcher("n1", h.caller, h.cache, runner, FetcherOptions{})
	f.Fetch(context.Background())
	close(runner.gate)

	require.Eventually(t, func() bool { return tr.CurrentTaskCount() == 0 && len(f.Status().Running) == 0 }, time.Second, 5*time.Millisecond)
	f.Fetch(context.Background())
	require.Eventually(t, func() bool { return len(h.factory.Completed()) == 2 }, time.Second, 5*time.Millisecond)

	var failed int
	for _, r := range h.factory.Completed() {
		if r.Failed() {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

// blockingCaller holds fetch calls until released.
type blockingCaller struct {
	cluster.Caller
	mu      sync.Mutex
	fetches int
	entered chan struct{}
	hold    chan struct{}
}

func (b *blockingCaller) Call(ctx context.Context, target cluster.Target, kind cluster.Kind, req, resp any) error {
	if kind == KindFetch {
		b.mu.Lock()
		b.fetches++
		b.mu.Unlock()
		b.entered <- struct{}{}
		<-b.hold
	}
	return b.Caller.Call(ctx, target, kind, req, resp)
}

func (b *blockingCaller) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func TestConcurrentFetchesCoalesce(t *testing.T) {
	h := newHarness(t, 1)
	bc := &blockingCaller{Caller: h.caller, entered: make(chan struct{}, 8), hold: make(chan struct{})}
	f := NewFetcher("n1", bc, h.cache, newGateRunner(), FetcherOptions{})

	done := make(chan struct{})
	go func() {
		f.Fetch(context.Background())
		close(done)
	}()
	<-bc.entered
	f.Fetch(context.Background())
	f.Fetch(context.Background())
	close(bc.hold)
	<-done

	assert.Equal(t, 2, bc.fetchCount())
	assert.False(t, f.Status().Fetching)
}

func TestFetchSkippedWithoutDemandUntilForced(t *testing.T) {
	h := newHarness(t, 0)
	stub := &stubCaller{fn: func(context.Context, cluster.Kind, any) (any, error) {
		return FetchResponse{}, nil
	}}
	f := NewFetcher("n1", stub, h.cache, newGateRunner(), FetcherOptions{})
	now := time.Now()
	f.now = func() time.Time { return now }

	// Never fetched, so the heartbeat is due.
	f.Fetch(context.Background())
	require.Len(t, stub.fetches(), 1)
	assert.Equal(t, []Requirement{{JobName: "orders", JobNodeID: h.tracker(t).JobNode().ID, Required: 0}}, stub.fetches()[0].Requirements)

	now = now.Add(30 * time.Second)
	f.Fetch(context.Background())
	assert.Len(t, stub.fetches(), 1)

	now = now.Add(31 * time.Second)
	f.Fetch(context.Background())
	assert.Len(t, stub.fetches(), 2)
}

func TestFetchTimeoutRetriesSameRequest(t *testing.T) {
	h := newHarness(t, 2)
	h.factory.Add(payloads(2)...)

	var fail = true
	stub := &stubCaller{}
	stub.fn = func(ctx context.Context, kind cluster.Kind, req any) (any, error) {
		if fail {
			<-ctx.Done()
			return nil, errors.Wrap(cluster.ErrNoResponse, ctx.Err().Error())
		}
		if kind == KindFetch {
			return h.master.Fetch(ctx, *req.(*FetchRequest))
		}
		return h.master.Release(ctx, req.(ReleaseRequest))
	}
	runner := newGateRunner()
	f := NewFetcher("n1", stub, h.cache, runner, FetcherOptions{Timeout: 20 * time.Millisecond})

	f.Fetch(context.Background())
	st := f.Status()
	assert.False(t, st.Fetching)
	assert.True(t, st.LastFetch.IsZero())
	assert.NotEmpty(t, st.Replaying)
	assert.Equal(t, 2, h.factory.Pending())

	fail = false
	f.Fetch(context.Background())
	reqs := stub.fetches()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].RequestID, reqs[1].RequestID)
	assert.False(t, f.Status().LastFetch.IsZero())
	assert.Empty(t, f.Status().Replaying)
	assert.Len(t, f.Status().Running, 2)
	close(runner.gate)
}

func TestFetchWithoutMaster(t *testing.T) {
	h := newHarness(t, 1)
	client := cluster.NewClient(cluster.NewStaticResolver("n1", ""), cluster.NewMux(nil), cluster.NewLocalNetwork(), nil)
	f := NewFetcher("n1", client, h.cache, newGateRunner(), FetcherOptions{})
	f.Fetch(context.Background())
	assert.False(t, f.Status().Fetching)
	assert.True(t, f.Status().LastFetch.IsZero())
}

func TestGrantForUnknownJobIsReturned(t *testing.T) {
	h := newHarness(t, 1)
	ghost := Task{ID: "t-ghost", JobName: "ghost"}
	var released []Task
	stub := &stubCaller{fn: func(_ context.Context, kind cluster.Kind, req any) (any, error) {
		if kind == KindRelease {
			released = append(released, req.(ReleaseRequest).Abandoned...)
			return ReleaseResponse{Released: 1}, nil
		}
		return FetchResponse{Grants: []Grant{{JobName: "ghost", Tasks: []Task{ghost}}}}, nil
	}}
	f := NewFetcher("n1", stub, h.cache, newGateRunner(), FetcherOptions{})
	f.Fetch(context.Background())

	assert.Equal(t, []Task{ghost}, released)
	assert.Empty(t, f.Status().Running)
}

func TestStopDrainsAndReturnsTasks(t *testing.T) {
	h := newHarness(t, 2)
	h.factory.Add(payloads(2)...)
	tr := h.tracker(t)
	runner := newGateRunner()
	f := NewFetcher("n1", h.caller, h.cache, runner, FetcherOptions{DrainPoll: 5 * time.Millisecond})

	f.Fetch(context.Background())
	<-runner.started
	<-runner.started
	require.Equal(t, 2, h.factory.Outstanding())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))

	assert.Empty(t, f.Status().Running)
	assert.Equal(t, int64(0), tr.CurrentTaskCount())
	assert.Equal(t, 0, h.factory.Outstanding())
	assert.Equal(t, 2, h.factory.Pending())

	// Stopped fetchers do not fetch.
	f.Fetch(context.Background())
	assert.Equal(t, 2, h.factory.Pending())
}

func TestStopGivesUpAfterDeadline(t *testing.T) {
	h := newHarness(t, 1)
	h.factory.Add(payloads(1)...)
	stuck := make(chan struct{})
	defer close(stuck)
	runner := TaskRunnerFunc(func(context.Context, Task) error {
		<-stuck
		return nil
	})
	f := NewFetcher("n1", h.caller, h.cache, runner, FetcherOptions{DrainPoll: 5 * time.Millisecond})
	f.Fetch(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := f.Stop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)
}
