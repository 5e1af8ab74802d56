// Package lock implements cluster-wide mutual exclusion.
//
// Two flavours exist. Lock is transaction scoped: it takes a row lock in
// cluster_locks that lives as long as the enclosing transaction. TryLock is a
// lease held by the elected master; the holder refreshes it with KeepAlive and
// gives it back with ReleaseLock. Leases the master stops hearing about are swept
// by Manager.UnlockOld.
package lock

import (
	"fmt"
	"time"
)

// Message kinds served by the master.
const (
	KindTry       = "lock.try"
	KindRelease   = "lock.release"
	KindKeepAlive = "lock.keepalive"
	KindList      = "lock.list"
)

// Key identifies one lease. Two acquisitions of the same name are different keys.
type Key struct {
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	CreatedMs int64  `json:"created_ms"`
}

func NewKey(name, owner string, now time.Time) Key {
	return Key{Name: name, Owner: owner, CreatedMs: now.UnixMilli()}
}

func (k Key) Created() time.Time { return time.UnixMilli(k.CreatedMs) }

func (k Key) String() string {
	return fmt.Sprintf("%s@%s#%d", k.Name, k.Owner, k.CreatedMs)
}
