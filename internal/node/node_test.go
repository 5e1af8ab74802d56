package node

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishansujesh/jobcluster/internal/cluster"
	"github.com/rishansujesh/jobcluster/internal/config"
	"github.com/rishansujesh/jobcluster/internal/distributed"
	"github.com/rishansujesh/jobcluster/internal/jobs"
	"github.com/rishansujesh/jobcluster/internal/lock"
)

type staticMembership struct {
	*cluster.StaticResolver
	leader bool
}

func (m staticMembership) IsLeader() bool { return m.leader }

func (m staticMembership) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Node.Name = "n1"
	cfg.Node.GRPCAddr = "127.0.0.1:0"
	cfg.Node.HTTPAddr = ""
	cfg.Fetcher.Interval = 20 * time.Millisecond
	cfg.Fetcher.ForceFetch = 20 * time.Millisecond
	cfg.Fetcher.DrainPoll = 5 * time.Millisecond
	cfg.Executor.Tick = 20 * time.Millisecond
	limit := 2
	cfg.Jobs = map[string]config.JobOverride{"orders": {TaskLimit: &limit}}
	return cfg
}

func newNode(t *testing.T, opts Options, factories ...distributed.TaskFactory) (*Node, *jobs.MemoryRepository) {
	t.Helper()
	repo := jobs.NewMemoryRepository()
	n, err := New(testConfig(), Backends{
		Repo:       repo,
		RepoTx:     func(*sql.Tx) jobs.Repository { return repo },
		Rows:       lock.NewMemoryRows(),
		Membership: staticMembership{StaticResolver: cluster.NewStaticResolver("n1", "n1"), leader: true},
		Transport:  cluster.NewLocalNetwork(),
		Factories:  factories,
	}, opts, nil)
	require.NoError(t, err)
	return n, repo
}

func TestPrepareReconcilesDeclaredJobs(t *testing.T) {
	n, repo := newNode(t, Options{}, distributed.NewMemoryFactory("orders", 0))
	require.NoError(t, n.Prepare(context.Background()))

	nodes, err := repo.FindJobNodes(context.Background(), jobs.JobNodeCriteria{Node: "n1"})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	byName := map[string]jobs.JobNode{}
	for _, jn := range nodes {
		byName[jn.JobName] = jn
	}
	assert.Equal(t, jobs.TypeFrequency, byName[UnlockOldJob].Type)
	assert.Equal(t, jobs.TypeDistributed, byName["orders"].Type)
	assert.Equal(t, 2, byName["orders"].TaskLimit)

	_, ok := n.Cache().Get("orders")
	assert.True(t, ok)
	// Unmanaged built-ins have no rows.
	_, ok = n.Cache().Get(KeepAliveJob)
	assert.False(t, ok)
}

func TestDistributedJobsGetDefaultTaskLimit(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	cfg := testConfig()
	zero := 0
	cfg.Jobs["paused"] = config.JobOverride{TaskLimit: &zero}
	log, hook := test.NewNullLogger()
	n, err := New(cfg, Backends{
		Repo:       repo,
		RepoTx:     func(*sql.Tx) jobs.Repository { return repo },
		Rows:       lock.NewMemoryRows(),
		Membership: staticMembership{StaticResolver: cluster.NewStaticResolver("n1", "n1"), leader: true},
		Transport:  cluster.NewLocalNetwork(),
		Factories: []distributed.TaskFactory{
			distributed.NewMemoryFactory("orders", 0),
			distributed.NewMemoryFactory("payments", 0),
			distributed.NewMemoryFactory("paused", 0),
		},
	}, Options{}, log)
	require.NoError(t, err)
	require.NoError(t, n.Prepare(context.Background()))

	limits := map[string]int{}
	for _, tr := range n.Cache().Trackers() {
		limits[tr.JobName()] = tr.JobNode().TaskLimit
	}
	assert.Equal(t, 2, limits["orders"])
	assert.Equal(t, cfg.Fetcher.TaskLimit, limits["payments"])
	assert.Equal(t, 0, limits["paused"])

	var warned []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "distributed job enabled with task limit 0, no tasks will be fetched" {
			warned = append(warned, e.Data["job"].(string))
		}
	}
	assert.Equal(t, []string{"paused"}, warned)
}

func TestRunExecutesDistributedTasks(t *testing.T) {
	f := distributed.NewMemoryFactory("orders", 0)
	f.Add(json.RawMessage(`1`), json.RawMessage(`2`), json.RawMessage(`3`))

	var (
		mu   sync.Mutex
		seen []string
	)
	n, _ := newNode(t, Options{Runners: map[string]distributed.TaskRunner{
		"orders": distributed.TaskRunnerFunc(func(_ context.Context, task distributed.Task) error {
			mu.Lock()
			seen = append(seen, string(task.Payload))
			mu.Unlock()
			return nil
		}),
	}}, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, n.Ready, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.Completed()) == 3 }, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []string{"1", "2", "3"}, seen)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
	assert.False(t, n.Ready())
}

func TestUnlockOldSweepsOnlyStaleLeases(t *testing.T) {
	n, _ := newNode(t, Options{})
	n.cfg.Locks.Threshold = 20 * time.Millisecond
	ctx := context.Background()
	require.True(t, n.Locks().TryLock(ctx, "old"))
	time.Sleep(50 * time.Millisecond)
	require.True(t, n.Locks().TryLock(ctx, "fresh"))

	require.NoError(t, n.unlockOld(ctx))

	var names []string
	for _, l := range n.manager.Leases() {
		names = append(names, l.Key.Name)
	}
	assert.Equal(t, []string{"fresh"}, names, "sweep lock released, stale lease gone")
}

func TestBuiltinsSkipOnFollower(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	n, err := New(testConfig(), Backends{
		Repo:       repo,
		RepoTx:     func(*sql.Tx) jobs.Repository { return repo },
		Rows:       lock.NewMemoryRows(),
		Membership: staticMembership{StaticResolver: cluster.NewStaticResolver("n1", "n2")},
		Transport:  cluster.NewLocalNetwork(),
	}, Options{}, nil)
	require.NoError(t, err)

	stale := lock.NewKey("stale", "gone", time.Now().Add(-time.Hour))
	require.True(t, n.manager.TryLock(stale))
	require.NoError(t, n.unlockOld(context.Background()))
	require.NoError(t, n.reclaimTasks(context.Background()))
	assert.Len(t, n.manager.Leases(), 1)
}
