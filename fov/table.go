// Package fov decides which nodes can see each other. The time-based
// model memoizes visibility as pass tables shared through the scenario
// knowledge base; the helper model samples geometry on demand.
package fov

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/orbit"
)

// KBTableKey is the knowledge base slot holding the shared pass table.
const KBTableKey = "fov_pass_table"

// KBSnapshotKey is the knowledge base slot for exported pass snapshots.
const KBSnapshotKey = "fov_pass_snapshot"

type pairKey struct {
	lo, hi int
}

func keyFor(a, b int) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Table memoizes pass lists per unordered node pair. Visibility is
// symmetric, so both endpoints share one entry.
type Table struct {
	mu     sync.RWMutex
	passes map[pairKey][]orbit.Pass
}

// NewTable returns an empty pass table.
func NewTable() *Table {
	return &Table{passes: make(map[pairKey][]orbit.Pass)}
}

// Get returns the memoized passes between a and b.
func (t *Table) Get(a, b int) ([]orbit.Pass, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.passes[keyFor(a, b)]
	return p, ok
}

// Put stores the passes between a and b.
func (t *Table) Put(a, b int, passes []orbit.Pass) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.passes[keyFor(a, b)] = passes
}

// InPass reports whether tm falls inside a memoized pass between a and
// b. The second result is false when the pair has no table entry.
func (t *Table) InPass(a, b int, tm time.Time) (bool, bool) {
	passes, ok := t.Get(a, b)
	if !ok {
		return false, false
	}
	// Passes are disjoint and in time order: the only candidate is the
	// last pass starting at or before tm.
	i := sort.Search(len(passes), func(i int) bool { return passes[i].Start.After(tm) })
	if i > 0 && !tm.After(passes[i-1].End) {
		return true, true
	}
	return false, true
}

// Snapshot exports every entry keyed "lo:hi" for knowledge base
// storage.
func (t *Table) Snapshot() map[string][]orbit.Pass {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]orbit.Pass, len(t.passes))
	for k, v := range t.passes {
		out[fmt.Sprintf("%d:%d", k.lo, k.hi)] = v
	}
	return out
}

// LoadSnapshot merges a Snapshot export back into the table.
func (t *Table) LoadSnapshot(snap map[string][]orbit.Pass) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range snap {
		var lo, hi int
		if _, err := fmt.Sscanf(k, "%d:%d", &lo, &hi); err != nil {
			return fmt.Errorf("bad pass table key %q", k)
		}
		t.passes[pairKey{lo: lo, hi: hi}] = v
	}
	return nil
}
