package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/orbitnet-simulator/kb"
)

// Topology is a named group of nodes. Topologies reference each other only
// through node ids; they own no shared mutable state.
type Topology struct {
	ID    int
	Name  string
	Nodes []*Node
}

// NodeByID returns the member node with the given id, or nil.
func (t *Topology) NodeByID(id int) *Node {
	for _, n := range t.Nodes {
		if n.ID() == id {
			return n
		}
	}
	return nil
}

// Directory is the runtime store of the instantiated scenario: every
// topology and node, indexed for the link fabric and the control plane.
// Reads are concurrency-safe; mutation happens only during orchestration.
//
// The directory also mediates cross-node packet deliveries. In sequential
// mode a delivery runs immediately; in parallel mode it is staged and
// flushed at the epoch-end barrier so receivers observe it next epoch.
type Directory struct {
	mu         sync.RWMutex
	topologies map[int]*Topology
	nodes      map[int]*Node
	byKind     map[Kind][]*Node

	store *kb.KnowledgeBase

	parallel bool
	stageMu  sync.Mutex
	staged   []func()
}

// NewDirectory constructs an empty directory with a fresh knowledge base.
func NewDirectory() *Directory {
	return &Directory{
		topologies: make(map[int]*Topology),
		nodes:      make(map[int]*Node),
		byKind:     make(map[Kind][]*Node),
		store:      kb.New(),
	}
}

// KB returns the shared knowledge base (global dictionaries such as the
// pass tables).
func (d *Directory) KB() *kb.KnowledgeBase { return d.store }

// AddTopology registers a topology and all of its nodes. Node ids must be
// unique across the whole scenario.
func (d *Directory) AddTopology(t *Topology) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.topologies[t.ID]; exists {
		return fmt.Errorf("%w: topology %d", ErrConfig, t.ID)
	}
	seen := make(map[int]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if _, exists := d.nodes[n.ID()]; exists || seen[n.ID()] {
			return fmt.Errorf("%w: %d", ErrDuplicateNode, n.ID())
		}
		seen[n.ID()] = true
	}
	d.topologies[t.ID] = t
	for _, n := range t.Nodes {
		d.nodes[n.ID()] = n
		d.byKind[n.Kind()] = append(d.byKind[n.Kind()], n)
		n.attachDirectory(d)
	}
	return nil
}

// NodeByID returns the node with the given id, or nil.
func (d *Directory) NodeByID(id int) *Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodes[id]
}

// NodesByKind returns all nodes of the given kind, in id order.
func (d *Directory) NodesByKind(kind Kind) []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Node, len(d.byKind[kind]))
	copy(out, d.byKind[kind])
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Nodes returns every node in the scenario, in id order.
func (d *Directory) Nodes() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Topologies returns all topologies in id order.
func (d *Directory) Topologies() []*Topology {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Topology, 0, len(d.topologies))
	for _, t := range d.topologies {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetParallel switches the delivery discipline. Set once by the manager
// before the first epoch.
func (d *Directory) SetParallel(parallel bool) { d.parallel = parallel }

// Parallel reports the current delivery discipline.
func (d *Directory) Parallel() bool { return d.parallel }

// Deliver executes a cross-node delivery. Sequential mode runs it
// immediately so same-epoch reception is possible; parallel mode stages it
// until FlushDeliveries at the epoch barrier.
func (d *Directory) Deliver(fn func()) {
	if !d.parallel {
		fn()
		return
	}
	d.stageMu.Lock()
	d.staged = append(d.staged, fn)
	d.stageMu.Unlock()
}

// FlushDeliveries runs all staged deliveries. Called by the manager at the
// epoch-end barrier; no node advance is concurrent with the flush.
func (d *Directory) FlushDeliveries() {
	d.stageMu.Lock()
	staged := d.staged
	d.staged = nil
	d.stageMu.Unlock()

	for _, fn := range staged {
		fn()
	}
}
