package redisx

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rishansujesh/jobcluster/internal/cluster"
)

type MembershipConfig struct {
	LeaderKey string        `yaml:"leaderKey"` // default "jobcluster:master"
	NodesKey  string        `yaml:"nodesKey"`  // default "jobcluster:nodes"
	TTL       time.Duration `yaml:"ttl"`       // leader lease, default 15s
	Interval  time.Duration `yaml:"interval"`  // heartbeat, default 3s
}

func (c *MembershipConfig) defaults() {
	if c.LeaderKey == "" {
		c.LeaderKey = "jobcluster:master"
	}
	if c.NodesKey == "" {
		c.NodesKey = "jobcluster:nodes"
	}
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
}

// NodeInfo is what a node publishes in the registry hash.
type NodeInfo struct {
	Addr   string `json:"addr"`
	SeenMs int64  `json:"seen_ms"`
}

// renew extends the leader lease only while it still names us.
var renew = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// resign deletes the leader key only while it still names us.
var resign = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Membership elects the master with a Redis lease and publishes every node's
// address in a hash. It is the cluster.Resolver used outside tests.
type Membership struct {
	rdb  redis.Cmdable
	self string
	addr string
	cfg  MembershipConfig
	log  logrus.FieldLogger
	now  func() time.Time

	leader atomic.Bool
	// leaderUntil is when the lease we last acquired or renewed runs out, in
	// unix milliseconds measured from before the Redis call.
	leaderUntil atomic.Int64
	mu          sync.RWMutex
	master      string
}

var _ cluster.Resolver = (*Membership)(nil)

func NewMembership(rdb redis.Cmdable, self, addr string, cfg MembershipConfig, log logrus.FieldLogger) *Membership {
	cfg.defaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Membership{
		rdb:  rdb,
		self: self,
		addr: addr,
		cfg:  cfg,
		log:  log.WithFields(logrus.Fields{"component": "membership", "node": self}),
		now:  time.Now,
	}
}

// Run heartbeats until ctx ends, then leaves the registry and gives up the
// lease if held.
func (m *Membership) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		if err := m.Beat(ctx); err != nil && ctx.Err() == nil {
			m.log.WithError(err).Warn("membership heartbeat failed")
		}
		select {
		case <-ctx.Done():
			m.Leave(context.Background())
			return nil
		case <-t.C:
		}
	}
}

// Beat registers this node, acquires or renews the leader lease and refreshes
// the cached master.
func (m *Membership) Beat(ctx context.Context) error {
	start := m.now()
	was := m.IsLeader()
	info, _ := json.Marshal(NodeInfo{Addr: m.addr, SeenMs: start.UnixMilli()})
	if err := m.rdb.HSet(ctx, m.cfg.NodesKey, m.self, info).Err(); err != nil {
		m.stepDown()
		return errors.Wrap(err, "register node")
	}

	held, err := m.holdLease(ctx, was)
	if err != nil {
		m.stepDown()
		return err
	}
	if held {
		m.leaderUntil.Store(start.Add(m.cfg.TTL).UnixMilli())
	}
	m.leader.Store(held)
	if held != was {
		m.log.WithField("leader", held).Info("master role changed")
	}

	if m.leader.Load() {
		m.prune(ctx)
	}
	_, err = m.ResolveMaster(ctx)
	if errors.Is(err, cluster.ErrNotInitialized) {
		return nil
	}
	return err
}

// holdLease renews the lease we hold or tries to take a free one. A lease
// that still names us after a failed renewal is picked up again by renew.
func (m *Membership) holdLease(ctx context.Context, leader bool) (bool, error) {
	if !leader {
		ok, err := m.rdb.SetNX(ctx, m.cfg.LeaderKey, m.self, m.cfg.TTL).Result()
		if err != nil {
			return false, errors.Wrap(err, "acquire leader lease")
		}
		if ok {
			return true, nil
		}
	}
	n, err := renew.Run(ctx, m.rdb, []string{m.cfg.LeaderKey}, m.self, m.cfg.TTL.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrap(err, "renew leader lease")
	}
	return n == 1, nil
}

// stepDown gives up the master role when Redis cannot confirm the lease.
// Another node may take the key once it expires.
func (m *Membership) stepDown() {
	if m.leader.Swap(false) {
		m.log.Warn("leader lease unconfirmed, stepping down")
	}
}

// prune drops registry entries that stopped heartbeating.
func (m *Membership) prune(ctx context.Context) {
	all, err := m.rdb.HGetAll(ctx, m.cfg.NodesKey).Result()
	if err != nil {
		return
	}
	cutoff := m.now().Add(-3 * m.cfg.TTL).UnixMilli()
	for node, raw := range all {
		var info NodeInfo
		if json.Unmarshal([]byte(raw), &info) != nil || info.SeenMs < cutoff {
			m.rdb.HDel(ctx, m.cfg.NodesKey, node)
			m.log.WithField("gone", node).Info("removed silent node from registry")
		}
	}
}

// Leave removes this node from the registry and releases the lease.
func (m *Membership) Leave(ctx context.Context) {
	m.rdb.HDel(ctx, m.cfg.NodesKey, m.self)
	if m.leader.Swap(false) {
		if err := resign.Run(ctx, m.rdb, []string{m.cfg.LeaderKey}, m.self).Err(); err != nil {
			m.log.WithError(err).Warn("resign leader lease")
		}
	}
}

// IsLeader reports whether this node holds an unexpired leader lease.
func (m *Membership) IsLeader() bool {
	return m.leader.Load() && m.now().UnixMilli() < m.leaderUntil.Load()
}

func (m *Membership) Self() string { return m.self }

func (m *Membership) IsClusterStateInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.master != ""
}

func (m *Membership) ResolveMaster(ctx context.Context) (string, error) {
	master, err := m.rdb.Get(ctx, m.cfg.LeaderKey).Result()
	if errors.Is(err, redis.Nil) {
		master = ""
		err = nil
	}
	if err != nil {
		return "", errors.Wrap(err, "resolve master")
	}
	m.mu.Lock()
	m.master = master
	m.mu.Unlock()
	if master == "" {
		return "", cluster.ErrNotInitialized
	}
	return master, nil
}

func (m *Membership) Address(ctx context.Context, node string) (string, error) {
	raw, err := m.rdb.HGet(ctx, m.cfg.NodesKey, node).Result()
	if errors.Is(err, redis.Nil) {
		return "", errors.Wrapf(cluster.ErrMalformedTarget, "node %q is not registered", node)
	}
	if err != nil {
		return "", errors.Wrap(err, "node address")
	}
	var info NodeInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil || info.Addr == "" {
		return "", errors.Wrapf(cluster.ErrMalformedTarget, "node %q has no address", node)
	}
	return info.Addr, nil
}

// Nodes lists the registered nodes that heartbeated within three lease TTLs.
func (m *Membership) Nodes(ctx context.Context) ([]string, error) {
	all, err := m.rdb.HGetAll(ctx, m.cfg.NodesKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}
	cutoff := m.now().Add(-3 * m.cfg.TTL).UnixMilli()
	out := make([]string, 0, len(all))
	for node, raw := range all {
		var info NodeInfo
		if json.Unmarshal([]byte(raw), &info) == nil && info.SeenMs >= cutoff {
			out = append(out, node)
		}
	}
	sort.Strings(out)
	return out, nil
}
