package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/orbitnet-simulator/internal/logging"
	"github.com/signalsfoundry/orbitnet-simulator/internal/observability"
	"github.com/signalsfoundry/orbitnet-simulator/timectrl"
)

// progressInterval is how many epochs pass between progress log lines.
const progressInterval = 60

// ManagerConfig tunes the epoch loop.
type ManagerConfig struct {
	// Workers > 1 advances nodes concurrently; deliveries are then
	// staged and flushed at the epoch barrier.
	Workers int
	// Pacer gates epoch starts; nil means free-running.
	Pacer timectrl.Pacer
	// Log is the process logger for progress lines; nil means silent.
	Log logging.Logger
	// Metrics receives epoch and domain counters; nil uses the
	// process-wide collector.
	Metrics *observability.SimCollector
}

// Manager owns the epoch loop: it advances every node through every
// epoch of the global window and services runtime calls at epoch
// boundaries, where no model is mid-step.
type Manager struct {
	dir   *Directory
	start time.Time
	end   time.Time
	delta time.Duration

	workers int
	pacer   timectrl.Pacer
	log     logging.Logger
	metrics *observability.SimCollector
	tracer  trace.Tracer

	calls chan *runtimeCall
	done  chan struct{}

	mu      sync.RWMutex
	epoch   int
	now     time.Time
	running bool

	paused   bool
	pauseAt  time.Time
	stepOnce bool
	stopped  bool
}

// NewManager builds a manager for an orchestrated scenario.
func NewManager(build *BuildResult, cfg ManagerConfig) *Manager {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if build.Workers > 1 && cfg.Workers == 0 {
		workers = build.Workers
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = timectrl.FreeRun{}
	}
	log := cfg.Log
	if log == nil {
		log = logging.Noop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Default()
	}
	return &Manager{
		dir:     build.Dir,
		start:   build.Start,
		end:     build.End,
		delta:   build.Delta,
		workers: workers,
		pacer:   pacer,
		log:     log,
		metrics: metrics,
		tracer:  otel.Tracer("orbitnet-simulator/core"),
		calls:   make(chan *runtimeCall, 16),
		done:    make(chan struct{}),
		now:     build.Start,
	}
}

// Runtime returns the thread-safe control surface. Calls are serviced at
// epoch boundaries while Run is active.
func (m *Manager) Runtime() *RuntimeAPI {
	return &RuntimeAPI{mgr: m}
}

// Epoch returns the index of the next epoch to run.
func (m *Manager) Epoch() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// Now returns the simulated time of the most recent epoch.
func (m *Manager) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Epochs returns the total number of epochs in the global window.
func (m *Manager) Epochs() int {
	return EpochCount(m.start, m.end, m.delta)
}

// Run executes the epoch loop to the end of the window, a stop call, or
// context cancellation. It must be called at most once.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(m.done)
	}()

	parallel := m.workers > 1
	m.dir.SetParallel(parallel)
	total := m.Epochs()
	m.log.Info(ctx, "simulation starting",
		logging.Int("epochs", total),
		logging.Int("nodes", len(m.dir.Nodes())),
		logging.Int("workers", m.workers))

	started := time.Now()
	for epoch := 0; ; epoch++ {
		t := m.start.Add(time.Duration(epoch) * m.delta)
		if t.After(m.end) {
			break
		}

		if err := m.serviceCalls(ctx, t); err != nil {
			return err
		}
		if m.stopped {
			m.log.Info(ctx, "simulation stopped",
				logging.Int("epoch", epoch),
				logging.String("sim_time", FormatSimTime(t)))
			return nil
		}

		m.pacer.Wait(epoch, t)
		m.runEpoch(ctx, epoch, t)

		m.mu.Lock()
		m.epoch = epoch + 1
		m.now = t
		m.mu.Unlock()

		if epoch > 0 && epoch%progressInterval == 0 {
			m.log.Info(ctx, "progress",
				logging.Int("epoch", epoch),
				logging.Int("epochs", total),
				logging.String("sim_time", FormatSimTime(t)))
		}
	}

	m.log.Info(ctx, "simulation finished",
		logging.Int("epochs", total),
		logging.String("wall", time.Since(started).Truncate(time.Millisecond).String()))
	return nil
}

// runEpoch advances every node once at simulated time t.
func (m *Manager) runEpoch(ctx context.Context, epoch int, t time.Time) {
	_, span := m.tracer.Start(ctx, "epoch",
		trace.WithAttributes(
			attribute.Int("sim.epoch", epoch),
			attribute.String("sim.time", FormatSimTime(t)),
		))
	defer span.End()

	began := time.Now()
	if m.workers > 1 {
		m.advanceParallel(t)
	} else {
		m.advanceSequential(t)
	}
	m.metrics.Epoch.Set(float64(epoch))
	m.metrics.EpochDuration.Observe(time.Since(began).Seconds())
}

// advanceSequential walks topologies in id order and each topology's
// nodes in declaration order; deliveries run inline so same-epoch
// reception is possible.
func (m *Manager) advanceSequential(t time.Time) {
	for _, topo := range m.dir.Topologies() {
		for _, n := range topo.Nodes {
			n.Advance(t)
		}
	}
}

// advanceParallel fans nodes out over the worker pool and flushes the
// staged deliveries at the barrier, so receivers observe them next
// epoch regardless of scheduling.
func (m *Manager) advanceParallel(t time.Time) {
	nodes := m.dir.Nodes()
	work := make(chan *Node)
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range work {
				n.Advance(t)
			}
		}()
	}
	for _, n := range nodes {
		work <- n
	}
	close(work)
	wg.Wait()
	m.dir.FlushDeliveries()
}

// serviceCalls drains pending runtime calls and, when paused, blocks on
// the call channel until a resume, step or stop arrives.
func (m *Manager) serviceCalls(ctx context.Context, t time.Time) error {
	if !m.pauseAt.IsZero() && !t.Before(m.pauseAt) {
		m.paused = true
		m.pauseAt = time.Time{}
		m.log.Info(ctx, "paused", logging.String("sim_time", FormatSimTime(t)))
	}

	for {
		if m.stepOnce {
			// The loop runs exactly this epoch; the next boundary
			// re-enters the paused wait.
			m.stepOnce = false
			return nil
		}
		if m.paused && !m.stopped {
			select {
			case c := <-m.calls:
				m.handleCall(c, t)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case c := <-m.calls:
			m.handleCall(c, t)
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
}

func (m *Manager) handleCall(c *runtimeCall, t time.Time) {
	out, err := m.dispatch(c.api, c.kw, t)
	c.reply <- callResult{out: out, err: err}
}

func (m *Manager) dispatch(api string, kw Args, t time.Time) (any, error) {
	switch api {
	case "pause_AtTime":
		if !kw.Has("_time") {
			m.paused = true
			return FormatSimTime(t), nil
		}
		at, err := kw.Time("_time")
		if err != nil {
			return nil, err
		}
		m.pauseAt = at
		return FormatSimTime(at), nil

	case "resume":
		m.paused = false
		return true, nil

	case "run_OneStep":
		if !m.paused {
			return nil, ErrPrecondition("not paused")
		}
		m.stepOnce = true
		return FormatSimTime(t), nil

	case "stop_Simulation":
		m.stopped = true
		m.paused = false
		return true, nil

	case "call_ModelAPIsByModelName":
		return m.callModel(kw)

	case "get_NodeInfo":
		return m.nodeInfo(kw)

	case "get_Topologies":
		return m.topologies(), nil

	case "compute_FOVs":
		return m.broadcastFoV("compute_FOVs", kw)

	case "load_FOVs":
		return m.broadcastFoV("load_FOVs", kw)

	case "get_GlobalDictionary":
		name, err := kw.Str("_name")
		if err != nil {
			return nil, err
		}
		v, ok := m.dir.KB().Get(name)
		if !ok {
			return nil, ErrPrecondition(fmt.Sprintf("no global dictionary %q", name))
		}
		return v, nil

	case "set_GlobalDictionary":
		name, err := kw.Str("_name")
		if err != nil {
			return nil, err
		}
		if !kw.Has("_value") {
			return nil, ErrMissingArg("_value")
		}
		v, _ := kw.Any("_value")
		m.dir.KB().Set(name, v)
		return true, nil

	default:
		return nil, ErrUnknownOp(api)
	}
}

// callModel forwards a named operation to one model on one node.
func (m *Manager) callModel(kw Args) (any, error) {
	nodeID, err := kw.Int("_node_id")
	if err != nil {
		return nil, err
	}
	name, err := kw.Str("_model_name")
	if err != nil {
		return nil, err
	}
	api, err := kw.Str("_api")
	if err != nil {
		return nil, err
	}
	n := m.dir.NodeByID(nodeID)
	if n == nil {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
	}
	mdl := n.ModelByClass(name)
	if mdl == nil {
		return nil, fmt.Errorf("%w: %s on node %d", ErrModelNotFound, name, nodeID)
	}
	inner := Args{}
	if kw.Has("_kwargs") {
		v, _ := kw.Any("_kwargs")
		if sub, ok := v.(map[string]any); ok {
			inner = Args(sub)
		}
	}
	return mdl.Invoke(api, inner)
}

func (m *Manager) nodeInfo(kw Args) (any, error) {
	nodeID, err := kw.Int("_node_id")
	if err != nil {
		return nil, err
	}
	n := m.dir.NodeByID(nodeID)
	if n == nil {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
	}
	models := make([]string, 0, len(n.Models()))
	for _, mdl := range n.Models() {
		models = append(models, mdl.Name())
	}
	info := map[string]any{
		"node_id":    n.ID(),
		"topology":   n.TopologyID(),
		"type":       n.Kind().String(),
		"iname":      n.ClassName(),
		"start_time": FormatSimTime(n.Start()),
		"end_time":   FormatSimTime(n.End()),
		"timestamp":  FormatSimTime(n.Timestamp()),
		"models":     models,
	}
	if pos, ok := n.Position(); ok {
		info["position"] = []float64{pos.X, pos.Y, pos.Z}
	}
	return info, nil
}

func (m *Manager) topologies() any {
	var out []map[string]any
	for _, topo := range m.dir.Topologies() {
		ids := make([]int, 0, len(topo.Nodes))
		for _, n := range topo.Nodes {
			ids = append(ids, n.ID())
		}
		out = append(out, map[string]any{
			"id":    topo.ID,
			"name":  topo.Name,
			"nodes": ids,
		})
	}
	return out
}

// broadcastFoV forwards a pass-table operation to every field-of-view
// model in the scenario.
func (m *Manager) broadcastFoV(op string, kw Args) (any, error) {
	count := 0
	for _, n := range m.dir.Nodes() {
		for _, mdl := range n.ModelsByTag(TagViewOfNode) {
			if _, err := mdl.Invoke(op, kw); err != nil {
				if ie, ok := AsInvocationError(err); ok && ie.Kind == UnknownOperation {
					continue
				}
				return nil, fmt.Errorf("node %d model %s: %w", n.ID(), mdl.Name(), err)
			}
			count++
		}
	}
	return count, nil
}
