package jobs

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishansujesh/jobcluster/internal/schedule"
)

func sched(t schedule.Type, expr string) *schedule.Schedule {
	s := schedule.MustNew(t, expr)
	return &s
}

func TestJobNodeValidate(t *testing.T) {
	job := Job{ID: 1, Name: "report", Enabled: true}
	cases := []struct {
		name  string
		typ   Type
		sched *schedule.Schedule
		limit int
		ok    bool
	}{
		{"cron with cron schedule", TypeCron, sched(schedule.Cron, "*/5 * * * *"), 0, true},
		{"frequency with frequency schedule", TypeFrequency, sched(schedule.Frequency, "1m"), 0, true},
		{"cron without schedule", TypeCron, nil, 0, false},
		{"cron with frequency schedule", TypeCron, sched(schedule.Frequency, "1m"), 0, false},
		{"distributed", TypeDistributed, nil, 3, true},
		{"distributed zero limit", TypeDistributed, nil, 0, true},
		{"distributed negative limit", TypeDistributed, nil, -1, false},
		{"distributed with schedule", TypeDistributed, sched(schedule.Frequency, "1m"), 1, false},
		{"unknown type", Type("ONCE"), nil, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewJobNode(job, "n1", tc.typ, tc.sched, tc.limit)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidJobNode), "%v", err)
			}
		})
	}
}

func TestJobNodeInvalidCronNeverBuilds(t *testing.T) {
	_, err := schedule.New(schedule.Cron, "61 * * * *")
	require.Error(t, err)
	_, err = NewJobNode(Job{ID: 1, Name: "x"}, "n1", TypeCron, &schedule.Schedule{}, 0)
	assert.True(t, errors.Is(err, ErrInvalidJobNode))
}

func TestMemoryRepositoryVersioning(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	j, err := repo.SaveJob(ctx, Job{Name: "a", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), j.Version)

	_, err = repo.SaveJob(ctx, Job{Name: "a"})
	assert.Error(t, err, "duplicate name")

	stale := j
	j.Enabled = false
	j, err = repo.SaveJob(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, int64(2), j.Version)

	_, err = repo.SaveJob(ctx, stale)
	assert.True(t, errors.Is(err, ErrVersionConflict), "%v", err)

	jn, err := NewJobNode(j, "n1", TypeDistributed, nil, 2)
	require.NoError(t, err)
	jn, err = repo.SaveJobNode(ctx, jn)
	require.NoError(t, err)
	assert.Equal(t, "a", jn.JobName)
	assert.False(t, jn.JobEnabled)
	assert.False(t, jn.Active())

	require.NoError(t, repo.DeleteJob(ctx, j))
	left, err := repo.FindJobNodes(ctx, JobNodeCriteria{})
	require.NoError(t, err)
	assert.Empty(t, left, "job nodes cascade with their job")
	assert.True(t, errors.Is(repo.DeleteJob(ctx, j), ErrNotFound))
}

// mutexLocker serialises like the transaction scoped cluster lock, without a database.
type mutexLocker struct {
	mu    sync.Mutex
	calls int
}

func (l *mutexLocker) Lock(_ context.Context, _ string, fn func(*sql.Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return fn(nil)
}

func newReconciler(repo Repository) (*Reconciler, *mutexLocker) {
	l := &mutexLocker{}
	return &Reconciler{
		Locks:      l,
		Repo:       func(*sql.Tx) Repository { return repo },
		MaxElapsed: time.Second,
	}, l
}

func TestReconcileInsertsRepairsAndSweeps(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	r, locks := newReconciler(repo)

	decls := []Declaration{
		{Name: "Unlock old locks", Enabled: true, Type: TypeFrequency, Schedule: sched(schedule.Frequency, "10m")},
		{Name: "orders", Enabled: true, Type: TypeDistributed, TaskLimit: 4},
	}
	res, err := r.Reconcile(ctx, "n1", decls)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Unlock old locks", "orders"}, res.JobsInserted)
	assert.Len(t, res.JobNodesInserted, 2)
	assert.Equal(t, 1, locks.calls)

	// A second node only adds its own job nodes.
	res, err = r.Reconcile(ctx, "n2", decls)
	require.NoError(t, err)
	assert.Empty(t, res.JobsInserted)
	assert.Len(t, res.JobNodesInserted, 2)

	// Operator changes survive; a diverged type is repaired.
	jns, err := repo.FindJobNodes(ctx, JobNodeCriteria{Node: "n1", JobName: "orders"})
	require.NoError(t, err)
	jn := jns[0]
	jn.Enabled = false
	jn.Type, jn.Schedule, jn.TaskLimit = TypeFrequency, sched(schedule.Frequency, "5m"), 0
	_, err = repo.SaveJobNode(ctx, jn)
	require.NoError(t, err)

	decls = decls[1:]
	res, err = r.Reconcile(ctx, "n1", decls)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, res.JobNodesRepaired)
	assert.Equal(t, []string{"Unlock old locks"}, res.JobNodesDeleted)
	assert.Empty(t, res.JobsDeleted, "n2 still declares it")

	jns, err = repo.FindJobNodes(ctx, JobNodeCriteria{Node: "n1"})
	require.NoError(t, err)
	require.Len(t, jns, 1)
	assert.Equal(t, TypeDistributed, jns[0].Type)
	assert.Equal(t, 4, jns[0].TaskLimit)
	assert.False(t, jns[0].Enabled)

	all, err := repo.FindJobNodes(ctx, JobNodeCriteria{JobName: "Unlock old locks"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "n2", all[0].Node)

	res, err = r.Reconcile(ctx, "n2", decls)
	require.NoError(t, err)
	assert.Equal(t, []string{"Unlock old locks"}, res.JobsDeleted)
	all, err = repo.FindJobNodes(ctx, JobNodeCriteria{JobName: "Unlock old locks"})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReconcileKeepsJobsOtherNodesDeclare(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	r, _ := newReconciler(repo)

	_, err := r.Reconcile(ctx, "a", []Declaration{{Name: "orders", Enabled: true, Type: TypeDistributed, TaskLimit: 3}})
	require.NoError(t, err)
	jns, err := repo.FindJobNodes(ctx, JobNodeCriteria{Node: "a", JobName: "orders"})
	require.NoError(t, err)
	jn := jns[0]
	jn.TaskLimit = 8
	_, err = repo.SaveJobNode(ctx, jn)
	require.NoError(t, err)

	// b runs without the orders stream configured.
	res, err := r.Reconcile(ctx, "b", nil)
	require.NoError(t, err)
	assert.Empty(t, res.JobsDeleted)
	assert.Empty(t, res.JobNodesDeleted)

	jns, err = repo.FindJobNodes(ctx, JobNodeCriteria{Node: "a"})
	require.NoError(t, err)
	require.Len(t, jns, 1)
	assert.Equal(t, 8, jns[0].TaskLimit, "operator limit survives")
	found, err := repo.FindJobs(ctx, JobCriteria{Name: "orders"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestReconcileConcurrentStartups(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	r, _ := newReconciler(repo)
	decls := []Declaration{{Name: "orders", Enabled: true, Type: TypeDistributed, TaskLimit: 1}}

	var wg sync.WaitGroup
	for _, n := range []string{"n1", "n2", "n3", "n4"} {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			_, err := r.Reconcile(ctx, node, decls)
			assert.NoError(t, err)
		}(n)
	}
	wg.Wait()

	jobs, err := repo.FindJobs(ctx, JobCriteria{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	jns, err := repo.FindJobNodes(ctx, JobNodeCriteria{})
	require.NoError(t, err)
	assert.Len(t, jns, 4)
}

// conflictOnce fails the first job node save with a version conflict.
type conflictOnce struct {
	Repository
	failed bool
}

func (c *conflictOnce) SaveJobNode(ctx context.Context, jn JobNode) (JobNode, error) {
	if !c.failed {
		c.failed = true
		return JobNode{}, errors.Wrap(ErrVersionConflict, "injected")
	}
	return c.Repository.SaveJobNode(ctx, jn)
}

func TestReconcileRetriesVersionConflict(t *testing.T) {
	repo := &conflictOnce{Repository: NewMemoryRepository()}
	r, locks := newReconciler(repo)
	_, err := r.Reconcile(context.Background(), "n1", []Declaration{{Name: "orders", Enabled: true, Type: TypeDistributed}})
	require.NoError(t, err)
	assert.Equal(t, 2, locks.calls)
}

func TestReconcileRejectsBadDeclarations(t *testing.T) {
	r, locks := newReconciler(NewMemoryRepository())
	_, err := r.Reconcile(context.Background(), "n1", []Declaration{{Name: "a", Type: TypeDistributed}, {Name: "a", Type: TypeDistributed}})
	assert.Error(t, err)
	_, err = r.Reconcile(context.Background(), "n1", []Declaration{{Name: "a", Type: TypeCron}})
	assert.True(t, errors.Is(err, ErrInvalidJobNode), "%v", err)
	assert.Equal(t, 1, locks.calls)
}

func TestStoreAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("JOBCLUSTER_TEST_DSN")
	if dsn == "" {
		t.Skip("set JOBCLUSTER_TEST_DSN to run store tests")
	}
	ctx := context.Background()
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)

	name := "store-test-" + time.Now().Format("150405.000000")
	j, err := store.SaveJob(ctx, Job{Name: name, Enabled: true})
	require.NoError(t, err)
	defer func() { _ = store.DeleteJob(ctx, j) }()

	jn, err := NewJobNode(j, "n1", TypeCron, sched(schedule.Cron, "0 * * * *"), 0)
	require.NoError(t, err)
	jn, err = store.SaveJobNode(ctx, jn)
	require.NoError(t, err)
	require.NotNil(t, jn.Schedule)
	assert.Equal(t, "0 * * * *", jn.Schedule.Expression())

	stale := jn
	jn.Enabled = false
	_, err = store.SaveJobNode(ctx, jn)
	require.NoError(t, err)
	_, err = store.SaveJobNode(ctx, stale)
	assert.True(t, errors.Is(err, ErrVersionConflict), "%v", err)

	found, err := store.FindJobNodes(ctx, JobNodeCriteria{JobName: name})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.False(t, found[0].Enabled)
}
