package lock

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/rishansujesh/jobcluster/internal/cluster"
	"github.com/rishansujesh/jobcluster/internal/metrics"
)

// RowLocker runs fn while holding the storage row lock for name.
type RowLocker interface {
	WithLock(ctx context.Context, name string, fn func(tx *sql.Tx) error) error
}

// Service is the node side lock API.
type Service struct {
	node    string
	caller  cluster.Caller
	rows    RowLocker
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Collector

	mu   sync.Mutex
	held map[string]Key
	// trying joins concurrent TryLock calls for one name into one master call.
	trying singleflight.Group
}

type Options struct {
	// Timeout bounds each call to the master. Defaults to 30s.
	Timeout time.Duration
	Log     logrus.FieldLogger
	Metrics *metrics.Collector
}

func NewService(node string, caller cluster.Caller, rows RowLocker, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Service{
		node:    node,
		caller:  caller,
		rows:    rows,
		timeout: opts.Timeout,
		now:     time.Now,
		log:     opts.Log.WithFields(logrus.Fields{"component": "cluster-lock", "node": node}),
		metrics: opts.Metrics,
		held:    make(map[string]Key),
	}
}

// Lock runs fn inside a transaction holding the row lock for name. The lock is
// released when the transaction ends.
func (s *Service) Lock(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	if s.rows == nil {
		return errors.New("cluster lock: no row store configured")
	}
	err := s.rows.WithLock(ctx, name, fn)
	s.metrics.LockCall("lock", err == nil)
	return err
}

// TryLock acquires the lease for name without blocking. It returns true only when
// the master granted it or this node already holds it. Concurrent calls for the
// same name share one request to the master.
func (s *Service) TryLock(ctx context.Context, name string) bool {
	if s.holds(name) {
		return true
	}
	v, _, _ := s.trying.Do(name, func() (any, error) {
		return s.tryLock(ctx, name), nil
	})
	return v.(bool)
}

func (s *Service) holds(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[name]
	return ok
}

func (s *Service) tryLock(ctx context.Context, name string) bool {
	// A flight that finished just before this one may have stored the key.
	if s.holds(name) {
		return true
	}
	key := NewKey(name, s.node, s.now())
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var granted bool
	if err := s.caller.Call(ctx, cluster.Master, KindTry, key, &granted); err != nil {
		cluster.LogCallError(s.log.WithField("lock", name), err, "try lock failed")
		s.metrics.LockCall("try", false)
		return false
	}
	s.metrics.LockCall("try", granted)
	if !granted {
		return false
	}

	s.mu.Lock()
	s.held[name] = key
	n := len(s.held)
	s.mu.Unlock()
	s.metrics.LocksHeld(n)
	return true
}

// ReleaseLock forgets name locally and then tells the master.
func (s *Service) ReleaseLock(ctx context.Context, name string) {
	s.mu.Lock()
	key, ok := s.held[name]
	delete(s.held, name)
	n := len(s.held)
	s.mu.Unlock()

	log := s.log.WithField("lock", name)
	if !ok {
		log.Error("release of a cluster lock this node does not hold")
		return
	}
	s.metrics.LocksHeld(n)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var released bool
	if err := s.caller.Call(ctx, cluster.Master, KindRelease, key, &released); err != nil {
		cluster.LogCallError(log, err, "release lock failed")
		s.metrics.LockCall("release", false)
		return
	}
	s.metrics.LockCall("release", released)
	if !released {
		log.Warn("master did not know the released lock")
	}
}

// KeepAlive refreshes every held lease. A lease the master no longer knows is
// dropped, and reported as an error only if no concurrent release explains it.
func (s *Service) KeepAlive(ctx context.Context) {
	for _, key := range s.Held() {
		log := s.log.WithField("lock", key.Name)
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		var alive bool
		err := s.caller.Call(cctx, cluster.Master, KindKeepAlive, key, &alive)
		cancel()
		if err != nil {
			cluster.LogCallError(log, err, "keep alive failed")
			s.metrics.LockCall("keepalive", false)
			continue
		}
		s.metrics.LockCall("keepalive", alive)
		if alive {
			continue
		}

		s.mu.Lock()
		cur, present := s.held[key.Name]
		unchanged := present && cur == key
		if unchanged {
			delete(s.held, key.Name)
		}
		n := len(s.held)
		s.mu.Unlock()

		if unchanged {
			s.metrics.LocksHeld(n)
			log.WithField("key", key.String()).Error("master lost a cluster lock this node still holds")
		} else {
			log.Debug("keep alive raced with release")
		}
	}
}

// Held returns the keys this node holds, ordered by name.
func (s *Service) Held() []Key {
	s.mu.Lock()
	out := make([]Key, 0, len(s.held))
	for _, k := range s.held {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Leases asks the master for its lease table.
func (s *Service) Leases(ctx context.Context) ([]Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var out []Lease
	if err := s.caller.Call(ctx, cluster.Master, KindList, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
