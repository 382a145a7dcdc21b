package core

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/signalsfoundry/orbitnet-simulator/model"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

// PeerResolver is implemented by models that need directory-wide lookups
// after every node exists, e.g. inter-satellite links resolving their
// configured peer ids. The orchestrator calls it once, post-build.
type PeerResolver interface {
	ResolvePeers(dir *Directory) error
}

// Carrier is implemented by radio models that own a frequency. Two
// same-tag carriers on one node with the same frequency make reception
// ambiguous, so orchestration refuses them.
type Carrier interface {
	Frequency() float64
}

// BuildResult is the instantiated scenario, ready for the manager.
type BuildResult struct {
	Dir     *Directory
	Start   time.Time
	End     time.Time
	Delta   time.Duration
	Workers int
	Sink    simlog.Sink
}

// Orchestrator turns a parsed scenario into a populated directory:
// node construction, model construction, dependency validation and the
// per-node dependency ordering.
type Orchestrator struct {
	reg *Registry
}

// NewOrchestrator wraps a populated registry.
func NewOrchestrator(reg *Registry) *Orchestrator {
	return &Orchestrator{reg: reg}
}

// Build instantiates the scenario. All validation failures across all
// nodes are aggregated so a broken scenario reports everything at once.
func (o *Orchestrator) Build(sc *model.Scenario) (*BuildResult, error) {
	start, err := ParseSimTime(sc.SimTime.StartTime)
	if err != nil {
		return nil, err
	}
	end, err := ParseSimTime(sc.SimTime.EndTime)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end_time before start_time", ErrConfig)
	}
	delta := time.Duration(sc.SimTime.Delta * float64(time.Second))
	if delta <= 0 {
		return nil, fmt.Errorf("%w: non-positive delta", ErrConfig)
	}

	sink, defaultLevel, err := openSink(sc.LogSetup)
	if err != nil {
		return nil, err
	}

	dir := NewDirectory()
	var errs *multierror.Error

	for _, tc := range sc.Topologies {
		topo := &Topology{ID: tc.ID, Name: tc.Name}
		for _, nc := range tc.Nodes {
			node, err := o.buildNode(tc.ID, nc, start, end, delta, sink, defaultLevel)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			topo.Nodes = append(topo.Nodes, node)
		}
		if err := dir.AddTopology(topo); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	for _, n := range dir.Nodes() {
		if err := o.checkCarriers(n); err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, m := range n.Models() {
			if pr, ok := m.(PeerResolver); ok {
				if err := pr.ResolvePeers(dir); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("node %d model %s: %w", n.ID(), m.Name(), err))
				}
			}
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	return &BuildResult{
		Dir:     dir,
		Start:   start,
		End:     end,
		Delta:   delta,
		Workers: sc.SimTime.Workers,
		Sink:    sink,
	}, nil
}

func openSink(ls model.LogSetup) (simlog.Sink, simlog.Level, error) {
	handler := ls.Handler
	if handler == "" {
		handler = "LoggerCmd"
	}
	sink, err := simlog.Open(handler, ls.Options)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	level := simlog.LevelInfo
	if ls.LogLevel != "" {
		level, err = simlog.ParseLevel(ls.LogLevel)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	return sink, level, nil
}

func (o *Orchestrator) buildNode(topoID int, nc model.NodeConfig, start, end time.Time, delta time.Duration, sink simlog.Sink, defaultLevel simlog.Level) (*Node, error) {
	kind, err := ParseKind(nc.Type)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", nc.NodeID, err)
	}

	nodeStart, nodeEnd, nodeDelta := start, end, delta
	if nc.StartTime != "" {
		if nodeStart, err = ParseSimTime(nc.StartTime); err != nil {
			return nil, fmt.Errorf("node %d: %w", nc.NodeID, err)
		}
	}
	if nc.EndTime != "" {
		if nodeEnd, err = ParseSimTime(nc.EndTime); err != nil {
			return nil, fmt.Errorf("node %d: %w", nc.NodeID, err)
		}
	}
	if nc.Delta > 0 {
		nodeDelta = time.Duration(nc.Delta * float64(time.Second))
	}

	level := defaultLevel
	if nc.LogLevel != "" {
		if level, err = simlog.ParseLevel(nc.LogLevel); err != nil {
			return nil, fmt.Errorf("node %d: %w", nc.NodeID, err)
		}
	}
	log := simlog.New(nc.NodeID, level, sink)

	factory, err := o.reg.NodeClass(nc.IName)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", nc.NodeID, err)
	}
	node, err := factory(NodeSpec{
		ID:         nc.NodeID,
		TopologyID: topoID,
		Kind:       kind,
		Class:      nc.IName,
		Start:      nodeStart,
		End:        nodeEnd,
		Delta:      nodeDelta,
		Logger:     log,
	}, Args(nc.Raw))
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", nc.NodeID, err)
	}

	models, err := o.buildModels(node, nc.Models)
	if err != nil {
		return nil, err
	}
	node.AttachModels(models)
	return node, nil
}

// buildModels constructs the declared models, validates owner support
// and the CNF dependency expressions, and returns the instances in
// dependency order.
func (o *Orchestrator) buildModels(node *Node, configs []model.ModelConfig) ([]Model, error) {
	var errs *multierror.Error

	instances := make([]Model, 0, len(configs))
	infos := make([]ModelInfo, 0, len(configs))
	for _, mc := range configs {
		info, err := o.reg.ModelClass(mc.IName)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("node %d: %w", node.ID(), err))
			continue
		}
		if !info.Supports(node.ClassName()) {
			errs = multierror.Append(errs, fmt.Errorf("%w: model %s on node class %s (node %d)",
				ErrUnsupportedOwner, mc.IName, node.ClassName(), node.ID()))
			continue
		}
		m, err := info.New(node, Args(mc.Raw), node.Logger())
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("node %d model %s: %w", node.ID(), mc.IName, err))
			continue
		}
		instances = append(instances, m)
		infos = append(infos, info)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	ordered, err := sortByDependencies(node.ID(), instances, infos)
	if err != nil {
		return nil, err
	}
	return ordered, nil
}

// sortByDependencies validates every model's CNF expression against its
// siblings and returns a dependency-respecting order. The sort is
// stable: models with no ordering constraint keep declaration order.
func sortByDependencies(nodeID int, instances []Model, infos []ModelInfo) ([]Model, error) {
	byName := make(map[string][]int)
	for i, m := range instances {
		byName[m.Name()] = append(byName[m.Name()], i)
	}

	var errs *multierror.Error
	edges := make([][]int, len(instances)) // satisfier -> dependents
	indeg := make([]int, len(instances))
	for i, info := range infos {
		for _, clause := range info.Dependencies {
			satisfied := false
			for _, want := range clause {
				for _, j := range byName[want] {
					if j == i {
						continue
					}
					satisfied = true
					edges[j] = append(edges[j], i)
					indeg[i]++
				}
			}
			if !satisfied {
				errs = multierror.Append(errs, fmt.Errorf("%w: node %d model %s needs one of %v",
					ErrUnsatisfiedDependency, nodeID, instances[i].Name(), clause))
			}
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	ordered := make([]Model, 0, len(instances))
	done := make([]bool, len(instances))
	for len(ordered) < len(instances) {
		progressed := false
		for i := range instances {
			if done[i] || indeg[i] > 0 {
				continue
			}
			done[i] = true
			ordered = append(ordered, instances[i])
			for _, dep := range edges[i] {
				indeg[dep]--
			}
			progressed = true
		}
		if !progressed {
			var stuck []string
			for i := range instances {
				if !done[i] {
					stuck = append(stuck, instances[i].Name())
				}
			}
			return nil, fmt.Errorf("%w: node %d models %v", ErrCyclicDependency, nodeID, stuck)
		}
	}
	return ordered, nil
}

// checkCarriers refuses nodes carrying two same-tag radios on the same
// frequency: a frame addressed by tag and frequency would have two
// candidate receivers.
func (o *Orchestrator) checkCarriers(n *Node) error {
	type key struct {
		tag  Tag
		freq float64
	}
	seen := make(map[key]string)
	for _, m := range n.Models() {
		c, ok := m.(Carrier)
		if !ok {
			continue
		}
		k := key{m.Tag(), c.Frequency()}
		if prev, dup := seen[k]; dup {
			return fmt.Errorf("%w: node %d models %s and %s share tag %s frequency %.0f Hz",
				ErrConfig, n.ID(), prev, m.Name(), m.Tag(), c.Frequency())
		}
		seen[k] = m.Name()
	}
	return nil
}
