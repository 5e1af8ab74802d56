// Package node assembles one cluster node: membership, cluster RPC, locks,
// distributed tasks, the job executor and the admin API.
package node

import (
	"context"
	"database/sql"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rishansujesh/jobcluster/internal/api/server"
	"github.com/rishansujesh/jobcluster/internal/cluster"
	"github.com/rishansujesh/jobcluster/internal/config"
	"github.com/rishansujesh/jobcluster/internal/db"
	"github.com/rishansujesh/jobcluster/internal/distributed"
	"github.com/rishansujesh/jobcluster/internal/executor"
	"github.com/rishansujesh/jobcluster/internal/jobs"
	"github.com/rishansujesh/jobcluster/internal/lock"
	"github.com/rishansujesh/jobcluster/internal/metrics"
	redisx "github.com/rishansujesh/jobcluster/internal/redis"
	"github.com/rishansujesh/jobcluster/internal/tracker"
	"github.com/rishansujesh/jobcluster/internal/worker"
)

// Membership is the cluster view a node runs with.
type Membership interface {
	cluster.Resolver
	IsLeader() bool
	Run(ctx context.Context) error
}

// Backends are the stores and membership a node is built on. Open connects
// the production ones.
type Backends struct {
	Repo       jobs.Repository
	RepoTx     func(tx *sql.Tx) jobs.Repository
	Rows       lock.RowLocker
	Membership Membership
	Transport  cluster.Transport
	Factories  []distributed.TaskFactory
	Close      func()
}

// Open connects Postgres and Redis and builds stream factories for the
// configured distributed jobs.
func Open(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (Backends, error) {
	sqlDB, err := db.Open(ctx, cfg.Postgres.ConnString())
	if err != nil {
		return Backends{}, err
	}
	rdb, err := redisx.NewClientWithBackoff(ctx, cfg.Redis, log)
	if err != nil {
		_ = sqlDB.Close()
		return Backends{}, err
	}
	store := jobs.NewStore(sqlDB)
	transport := cluster.NewGRPCTransport()

	b := Backends{
		Repo:       store,
		RepoTx:     func(tx *sql.Tx) jobs.Repository { return store.WithTx(tx) },
		Rows:       lock.NewPGStore(sqlDB),
		Membership: redisx.NewMembership(rdb, cfg.Node.Name, cfg.Node.AdvertiseAddr, cfg.Cluster.MembershipConfig, log),
		Transport:  transport,
		Close: func() {
			_ = transport.Close()
			_ = rdb.Close()
			_ = sqlDB.Close()
		},
	}
	for _, sc := range cfg.Streams {
		f := redisx.NewStreamFactory(rdb, sc, log)
		if err := f.EnsureGroup(ctx); err != nil {
			b.Close()
			return Backends{}, err
		}
		b.Factories = append(b.Factories, f)
	}
	return b, nil
}

// Options adds application jobs and task runners to a node.
type Options struct {
	Jobs    []executor.ScheduledJob
	Runners map[string]distributed.TaskRunner
}

type Node struct {
	cfg     config.Config
	log     logrus.FieldLogger
	b       Backends
	metrics *metrics.Collector

	mux      *cluster.Mux
	client   *cluster.Client
	manager  *lock.Manager
	locks    *lock.Service
	registry *distributed.Registry
	master   *distributed.Master
	cache    *tracker.Cache
	fetcher  *distributed.Fetcher
	jobs     *executor.Registry
	exec     *executor.Executor
	api      *server.Server

	ready atomic.Bool
}

func New(cfg config.Config, b Backends, opts Options, log logrus.FieldLogger) (*Node, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := cfg.Node.Name
	log = log.WithField("node", name)
	n := &Node{cfg: cfg, log: log, b: b, metrics: metrics.NewCollector()}

	n.mux = cluster.NewMux(log)
	n.client = cluster.NewClient(b.Membership, n.mux, b.Transport, log)

	n.manager = lock.NewManager(b.Membership.IsLeader, log)
	n.manager.Register(n.mux)
	n.locks = lock.NewService(name, n.client, b.Rows, lock.Options{Timeout: cfg.Locks.CallTimeout, Log: log, Metrics: n.metrics})

	var err error
	if n.registry, err = distributed.NewRegistry(b.Factories...); err != nil {
		return nil, err
	}
	n.master = distributed.NewMaster(n.registry, b.Membership.IsLeader, distributed.MasterOptions{
		GrantTTL: cfg.Master.GrantTTL, Log: log, Metrics: n.metrics,
	})
	n.master.Register(n.mux)

	n.cache = tracker.NewCache(name, b.Repo, log)
	n.cache.Register(n.mux)

	runner := worker.NewRunner(log)
	for job, r := range opts.Runners {
		runner.Handle(job, r)
	}
	n.fetcher = distributed.NewFetcher(name, n.client, n.cache, runner, distributed.FetcherOptions{
		Interval:   cfg.Fetcher.Interval,
		ForceFetch: cfg.Fetcher.ForceFetch,
		Timeout:    cfg.Fetcher.Timeout,
		DrainPoll:  cfg.Fetcher.DrainPoll,
		Log:        log,
		Metrics:    n.metrics,
	})

	n.jobs = executor.NewRegistry()
	builtins, err := n.builtins()
	if err != nil {
		return nil, err
	}
	for _, j := range append(builtins, opts.Jobs...) {
		if err := n.jobs.Register(j); err != nil {
			return nil, err
		}
	}
	n.exec = executor.New(n.jobs, n.cache, executor.Options{Tick: cfg.Executor.Tick, Log: log, Metrics: n.metrics})

	n.api = server.New(server.Deps{
		Repo:        b.Repo,
		Cache:       n.cache,
		Locks:       n.locks,
		Master:      n.master,
		Fetcher:     n.fetcher,
		Resolver:    b.Membership,
		Caller:      n.client,
		Metrics:     n.metrics,
		Ready:       n.ready.Load,
		Token:       cfg.Node.AdminToken,
		CallTimeout: cfg.Cluster.CallTimeout,
		Log:         log,
	})
	return n, nil
}

// Declarations lists every job this node declares: managed scheduled jobs and
// one distributed job per task factory, with configuration overrides applied.
func (n *Node) Declarations() ([]jobs.Declaration, error) {
	decls := n.jobs.Declarations()
	for _, f := range n.registry.Factories() {
		decls = append(decls, jobs.Declaration{
			Name: f.JobName(), Enabled: true, Type: jobs.TypeDistributed, TaskLimit: n.cfg.Fetcher.TaskLimit,
		})
	}
	for i, d := range decls {
		var err error
		if decls[i], err = n.cfg.Apply(d); err != nil {
			return nil, err
		}
	}
	return decls, nil
}

// Prepare reconciles this node's job rows and loads the tracker cache.
func (n *Node) Prepare(ctx context.Context) error {
	decls, err := n.Declarations()
	if err != nil {
		return err
	}
	rec := &jobs.Reconciler{Locks: n.locks, Repo: n.b.RepoTx, Log: n.log}
	res, err := rec.Reconcile(ctx, n.cfg.Node.Name, decls)
	if err != nil {
		return errors.Wrap(err, "reconcile jobs")
	}
	n.log.WithFields(logrus.Fields{
		"jobs_inserted":      len(res.JobsInserted),
		"job_nodes_inserted": len(res.JobNodesInserted),
		"job_nodes_repaired": len(res.JobNodesRepaired),
		"job_nodes_deleted":  len(res.JobNodesDeleted),
		"jobs_deleted":       len(res.JobsDeleted),
	}).Info("jobs reconciled")
	if err := n.cache.Reload(ctx); err != nil {
		return errors.Wrap(err, "load trackers")
	}
	for _, t := range n.cache.Trackers() {
		if jn := t.JobNode(); jn.Type == jobs.TypeDistributed && t.Enabled() && jn.TaskLimit == 0 {
			n.log.WithFields(logrus.Fields{"job": jn.JobName, "job_node": jn.ID}).
				Warn("distributed job enabled with task limit 0, no tasks will be fetched")
		}
	}
	return nil
}

// Run prepares the node and serves until ctx ends, then drains running tasks
// and shuts the listeners down.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Prepare(ctx); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", n.cfg.Node.GRPCAddr)
	if err != nil {
		return errors.Wrap(err, "cluster listener")
	}
	gs := grpc.NewServer()
	cluster.NewServer(n.mux, n.log).Register(gs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.b.Membership.Run(gctx) })
	g.Go(func() error {
		n.log.WithField("addr", lis.Addr().String()).Info("cluster RPC listening")
		return errors.Wrap(gs.Serve(lis), "cluster RPC")
	})
	g.Go(func() error { return n.exec.Run(gctx) })
	g.Go(func() error { return n.fetcher.Run(gctx) })
	if n.cfg.Node.HTTPAddr != "" {
		g.Go(func() error { return n.api.Serve(gctx, n.cfg.Node.HTTPAddr) })
	}
	g.Go(func() error {
		<-gctx.Done()
		drain, cancel := context.WithTimeout(context.Background(), n.cfg.Fetcher.Timeout)
		defer cancel()
		if err := n.fetcher.Stop(drain); err != nil {
			n.log.WithError(err).Warn("task drain incomplete")
		}
		for _, k := range n.locks.Held() {
			n.locks.ReleaseLock(drain, k.Name)
		}
		gs.GracefulStop()
		return nil
	})
	n.ready.Store(true)
	n.log.Info("node started")

	err = g.Wait()
	n.ready.Store(false)
	if ctx.Err() != nil {
		n.log.Info("node stopped")
		return nil
	}
	return err
}

// Ready reports whether Run finished starting up.
func (n *Node) Ready() bool { return n.ready.Load() }

func (n *Node) Cache() *tracker.Cache       { return n.cache }
func (n *Node) Locks() *lock.Service        { return n.locks }
func (n *Node) Master() *distributed.Master { return n.master }
