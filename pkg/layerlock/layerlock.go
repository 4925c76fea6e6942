// Package layerlock implements the keyed mutex table from spec §4.4: the
// same layer blob can appear under distinct relative paths across images in
// one archive, and the HEAD→POST→PATCH→PUT sequence for a given blob must
// not race with itself. Built on github.com/moby/locker, the Docker daemon's
// own per-key lock used for exactly this kind of cross-goroutine,
// keyed-by-identity exclusion.
package layerlock

import (
	"github.com/moby/locker"
)

// Table grants exclusive access per layer-identity key. It is safe for
// concurrent Acquire calls from multiple workers; moby/locker guards entry
// creation internally so no additional table-level lock is needed here.
type Table struct {
	locks *locker.Locker
}

// New returns an empty lock table.
func New() *Table {
	return &Table{locks: locker.New()}
}

// Handle represents a held lock on a key; it must be passed to Release
// exactly once.
type Handle struct {
	key   string
	table *Table
}

// Acquire blocks until the lock for key is held exclusively by the caller.
// Acquisition is unconditional: there is no timeout.
func (t *Table) Acquire(key string) *Handle {
	t.locks.Lock(key)
	return &Handle{key: key, table: t}
}

// Release releases a previously acquired handle.
func (t *Table) Release(h *Handle) {
	// moby/locker's Unlock only errors if the name was never locked, which
	// cannot happen here since h was returned by Acquire.
	_ = t.locks.Unlock(h.key)
}
