package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rishansujesh/jobcluster/internal/cluster"
)

// Lease is a granted key and the last time its owner refreshed it.
type Lease struct {
	Key       Key       `json:"key"`
	Refreshed time.Time `json:"refreshed"`
}

// Manager is the master side lease table. Every node registers one, only the
// node currently elected master answers.
type Manager struct {
	mu       sync.Mutex
	leases   map[string]Lease
	isMaster func() bool
	now      func() time.Time
	log      logrus.FieldLogger
}

// NewManager builds a lease table. isMaster may be nil for a single node setup.
func NewManager(isMaster func() bool, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		leases:   make(map[string]Lease),
		isMaster: isMaster,
		now:      time.Now,
		log:      log.WithField("component", "lock-manager"),
	}
}

// Register installs the lock message handlers on mux.
func (m *Manager) Register(mux *cluster.Mux) {
	cluster.Handle(mux, KindTry, m.guard(m.TryLock))
	cluster.Handle(mux, KindRelease, m.guard(m.Release))
	cluster.Handle(mux, KindKeepAlive, m.guard(m.KeepAlive))
	cluster.Handle(mux, KindList, func(context.Context, string, struct{}) ([]Lease, error) {
		if !m.master() {
			return nil, cluster.ErrNotInitialized
		}
		return m.Leases(), nil
	})
}

func (m *Manager) master() bool { return m.isMaster == nil || m.isMaster() }

func (m *Manager) guard(fn func(Key) bool) func(context.Context, string, Key) (bool, error) {
	return func(_ context.Context, source string, key Key) (bool, error) {
		if !m.master() {
			return false, cluster.ErrNotInitialized
		}
		if key.Owner != source {
			m.log.WithFields(logrus.Fields{"lock": key.Name, "owner": key.Owner, "source": source}).
				Warn("lock request for a key owned by another node")
		}
		return fn(key), nil
	}
}

// TryLock grants key when name is free. Asking again with the same key succeeds.
func (m *Manager) TryLock(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[key.Name]; ok {
		return cur.Key == key
	}
	m.leases[key.Name] = Lease{Key: key, Refreshed: m.now()}
	return true
}

// Release drops the lease if key still holds it.
func (m *Manager) Release(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[key.Name]
	if !ok || cur.Key != key {
		return false
	}
	delete(m.leases, key.Name)
	return true
}

// KeepAlive refreshes the lease held by key. False means the lease is unknown.
func (m *Manager) KeepAlive(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[key.Name]
	if !ok || cur.Key != key {
		return false
	}
	cur.Refreshed = m.now()
	m.leases[key.Name] = cur
	return true
}

// UnlockOld removes every lease whose last sign of life (creation or keep-alive)
// is older than threshold and returns the removed keys.
func (m *Manager) UnlockOld(threshold time.Duration) []Key {
	cutoff := m.now().Add(-threshold)
	m.mu.Lock()
	var removed []Key
	for name, l := range m.leases {
		seen := l.Refreshed
		if c := l.Key.Created(); c.After(seen) {
			seen = c
		}
		if seen.Before(cutoff) {
			delete(m.leases, name)
			removed = append(removed, l.Key)
		}
	}
	m.mu.Unlock()

	for _, k := range removed {
		m.log.WithFields(logrus.Fields{"lock": k.Name, "owner": k.Owner}).Warn("unlocked stale cluster lock")
	}
	return removed
}

func (m *Manager) Leases() []Lease {
	m.mu.Lock()
	out := make([]Lease, 0, len(m.leases))
	for _, l := range m.leases {
		out = append(out, l)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Name < out[j].Key.Name })
	return out
}
