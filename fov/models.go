package fov

import (
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/orbit"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

// orbitalClasses is the dependency clause every field-of-view model
// shares: any resident geometry oracle will do.
var orbitalClasses = []string{"ModelOrbit", "ModelOrbitOneFullUpdate", "ModelFixedOrbit"}

// ModelFovTimeBased answers visibility from precomputed pass tables.
// Pair tables are computed lazily on first query, shared scenario-wide
// through the knowledge base, and honour the stricter of the two
// endpoints' elevation masks.
type ModelFovTimeBased struct {
	owner   *core.Node
	log     *simlog.Logger
	minElev float64
	table   *Table

	// seen tracks which targets were visible last epoch, for the
	// pass-start and pass-end events.
	seen map[int]bool

	ops core.OpTable
}

func newModelFovTimeBased(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelFovTimeBased, error) {
	m := &ModelFovTimeBased{owner: owner, log: log, seen: make(map[int]bool)}
	if cfg.Has("min_elevation") {
		var err error
		if m.minElev, err = cfg.Float("min_elevation"); err != nil {
			return nil, err
		}
	}
	m.ops = core.OpTable{
		"get_View":         m.opGetView,
		"in_View":          m.opInView,
		"get_Passes":       m.opGetPasses,
		"get_MinElevation": func(core.Args) (any, error) { return m.minElev, nil },
		"compute_FOVs":     m.opComputeFOVs,
		"load_FOVs":        m.opLoadFOVs,
	}
	return m, nil
}

func (m *ModelFovTimeBased) Name() string      { return "ModelFovTimeBased" }
func (m *ModelFovTimeBased) Tag() core.Tag     { return core.TagViewOfNode }
func (m *ModelFovTimeBased) Owner() *core.Node { return m.owner }

func (m *ModelFovTimeBased) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

// Advance emits pass-start and pass-end events for targets whose
// visibility flipped since the previous epoch. Only pairs with a
// memoized table are scanned; lazily computed pairs start reporting
// once something queries them.
func (m *ModelFovTimeBased) Advance(t time.Time) {
	tbl := m.sharedTable()
	for _, target := range m.defaultTargets() {
		in, known := tbl.InPass(m.owner.ID(), target.ID(), t)
		if !known {
			continue
		}
		was := m.seen[target.ID()]
		if in && !was {
			m.log.Log(t, simlog.LevelInfo, simlog.EventPassStart, "pass start with node %d", target.ID())
		} else if !in && was {
			m.log.Log(t, simlog.LevelInfo, simlog.EventPassEnd, "pass end with node %d", target.ID())
		}
		m.seen[target.ID()] = in
	}
}

// sharedTable fetches the scenario-wide pass table, creating it on
// first use.
func (m *ModelFovTimeBased) sharedTable() *Table {
	if m.table != nil {
		return m.table
	}
	store := m.owner.Directory().KB()
	if v, ok := store.Get(KBTableKey); ok {
		if tbl, ok := v.(*Table); ok {
			m.table = tbl
			return tbl
		}
	}
	tbl := NewTable()
	store.Set(KBTableKey, tbl)
	m.table = tbl
	return tbl
}

// defaultTargets is the candidate set when the caller does not filter:
// satellites look at the ground, ground looks at satellites.
func (m *ModelFovTimeBased) defaultTargets() []*core.Node {
	dir := m.owner.Directory()
	if m.owner.Kind() == core.KindSat {
		out := dir.NodesByKind(core.KindGS)
		return append(out, dir.NodesByKind(core.KindIoTDevice)...)
	}
	return dir.NodesByKind(core.KindSat)
}

func (m *ModelFovTimeBased) targetsFromArgs(args core.Args) ([]*core.Node, error) {
	if !args.Has("_target_types") {
		return m.defaultTargets(), nil
	}
	return targetsByType(m.owner, args)
}

// targetsByType resolves the _target_types filter against the
// directory.
func targetsByType(owner *core.Node, args core.Args) ([]*core.Node, error) {
	v, err := args.Any("_target_types")
	if err != nil {
		return nil, err
	}
	raw, ok := v.([]any)
	if !ok {
		if typed, isTyped := v.([]string); isTyped {
			raw = make([]any, len(typed))
			for i, s := range typed {
				raw[i] = s
			}
		} else {
			return nil, core.ErrInvalidArg("_target_types", "not a list")
		}
	}
	dir := owner.Directory()
	var out []*core.Node
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, core.ErrInvalidArg("_target_types", "not a list of strings")
		}
		kind, err := core.ParseKind(s)
		if err != nil {
			return nil, core.ErrInvalidArg("_target_types", err.Error())
		}
		out = append(out, dir.NodesByKind(kind)...)
	}
	return out, nil
}

// pairPasses returns the memoized pass list against target, computing
// and memoizing it on first use. The elevation mask is the stricter of
// both endpoints'.
func (m *ModelFovTimeBased) pairPasses(target *core.Node) ([]orbit.Pass, error) {
	tbl := m.sharedTable()
	if passes, ok := tbl.Get(m.owner.ID(), target.ID()); ok {
		return passes, nil
	}

	minElev := m.minElev
	if peer := target.ModelByTag(core.TagViewOfNode); peer != nil {
		if v, err := peer.Invoke("get_MinElevation", nil); err == nil {
			if f, ok := v.(float64); ok && f > minElev {
				minElev = f
			}
		}
	}

	oracle := m.owner.ModelByTag(core.TagOrbital)
	if oracle == nil {
		return nil, core.ErrPrecondition("no orbital model resident")
	}
	start, end := overlapWindow(m.owner, target)
	if end.Before(start) {
		tbl.Put(m.owner.ID(), target.ID(), nil)
		return nil, nil
	}
	out, err := oracle.Invoke("get_Passes", core.Args{
		"_target_id":     target.ID(),
		"_start":         start,
		"_end":           end,
		"_min_elevation": minElev,
	})
	if err != nil {
		return nil, err
	}
	passes, ok := out.([]orbit.Pass)
	if !ok {
		return nil, fmt.Errorf("unexpected pass result %T", out)
	}
	tbl.Put(m.owner.ID(), target.ID(), passes)
	return passes, nil
}

func overlapWindow(a, b *core.Node) (time.Time, time.Time) {
	start := a.Start()
	if b.Start().After(start) {
		start = b.Start()
	}
	end := a.End()
	if b.End().Before(end) {
		end = b.End()
	}
	return start, end
}

func (m *ModelFovTimeBased) opGetView(args core.Args) (any, error) {
	t := m.owner.Timestamp()
	if args.Has("_time") {
		var err error
		if t, err = args.Time("_time"); err != nil {
			return nil, err
		}
	}
	targets, err := m.targetsFromArgs(args)
	if err != nil {
		return nil, err
	}
	var visible []int
	for _, target := range targets {
		if target.ID() == m.owner.ID() {
			continue
		}
		passes, err := m.pairPasses(target)
		if err != nil {
			return nil, err
		}
		for _, p := range passes {
			if !t.Before(p.Start) && !t.After(p.End) {
				visible = append(visible, target.ID())
				break
			}
		}
	}
	sort.Ints(visible)
	return visible, nil
}

func (m *ModelFovTimeBased) opInView(args core.Args) (any, error) {
	id, err := args.Int("_target_id")
	if err != nil {
		return nil, err
	}
	target := m.owner.Directory().NodeByID(id)
	if target == nil {
		return nil, fmt.Errorf("%w: %d", core.ErrNodeNotFound, id)
	}
	t := m.owner.Timestamp()
	if args.Has("_time") {
		if t, err = args.Time("_time"); err != nil {
			return nil, err
		}
	}
	passes, err := m.pairPasses(target)
	if err != nil {
		return nil, err
	}
	for _, p := range passes {
		if !t.Before(p.Start) && !t.After(p.End) {
			return true, nil
		}
	}
	return false, nil
}

func (m *ModelFovTimeBased) opGetPasses(args core.Args) (any, error) {
	id, err := args.Int("_target_id")
	if err != nil {
		return nil, err
	}
	target := m.owner.Directory().NodeByID(id)
	if target == nil {
		return nil, fmt.Errorf("%w: %d", core.ErrNodeNotFound, id)
	}
	return m.pairPasses(target)
}

// opComputeFOVs fills the table for every default target and publishes
// a snapshot to the knowledge base.
func (m *ModelFovTimeBased) opComputeFOVs(core.Args) (any, error) {
	count := 0
	for _, target := range m.defaultTargets() {
		if target.ID() == m.owner.ID() {
			continue
		}
		if _, err := m.pairPasses(target); err != nil {
			return nil, err
		}
		count++
	}
	m.owner.Directory().KB().Set(KBSnapshotKey, m.sharedTable().Snapshot())
	return count, nil
}

// opLoadFOVs restores the table from a knowledge base snapshot.
func (m *ModelFovTimeBased) opLoadFOVs(core.Args) (any, error) {
	v, ok := m.owner.Directory().KB().Get(KBSnapshotKey)
	if !ok {
		return nil, core.ErrPrecondition("no pass snapshot in knowledge base")
	}
	snap, ok := v.(map[string][]orbit.Pass)
	if !ok {
		return nil, core.ErrPrecondition("pass snapshot has unexpected shape")
	}
	if err := m.sharedTable().LoadSnapshot(snap); err != nil {
		return nil, core.ErrPrecondition(err.Error())
	}
	return len(snap), nil
}

// ---------- ModelHelperFoV ----------

// ModelHelperFoV samples geometry directly instead of consulting pass
// tables. Cheaper to set up, dearer per query.
type ModelHelperFoV struct {
	owner   *core.Node
	log     *simlog.Logger
	minElev float64
	ops     core.OpTable
}

func newModelHelperFoV(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelHelperFoV, error) {
	m := &ModelHelperFoV{owner: owner, log: log}
	if cfg.Has("min_elevation") {
		var err error
		if m.minElev, err = cfg.Float("min_elevation"); err != nil {
			return nil, err
		}
	}
	m.ops = core.OpTable{
		"get_View":         m.opGetView,
		"in_View":          m.opInView,
		"get_MinElevation": func(core.Args) (any, error) { return m.minElev, nil },
	}
	return m, nil
}

func (m *ModelHelperFoV) Name() string      { return "ModelHelperFoV" }
func (m *ModelHelperFoV) Tag() core.Tag     { return core.TagViewOfNode }
func (m *ModelHelperFoV) Owner() *core.Node { return m.owner }
func (m *ModelHelperFoV) Advance(time.Time) {}

func (m *ModelHelperFoV) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

// sees applies line-of-sight plus the elevation mask at the ground
// endpoint.
func (m *ModelHelperFoV) sees(target *core.Node, t time.Time) bool {
	op, ok := m.owner.PositionAt(t)
	if !ok {
		return false
	}
	tp, ok := target.PositionAt(t)
	if !ok {
		return false
	}
	if !orbit.HasLineOfSight(op, tp) {
		return false
	}
	switch {
	case m.owner.Kind() == core.KindSat && target.Kind() != core.KindSat:
		return orbit.ElevationDegrees(tp, op) >= m.minElev
	case m.owner.Kind() != core.KindSat:
		return orbit.ElevationDegrees(op, tp) >= m.minElev
	default:
		return true
	}
}

func (m *ModelHelperFoV) opGetView(args core.Args) (any, error) {
	t := m.owner.Timestamp()
	if args.Has("_time") {
		var err error
		if t, err = args.Time("_time"); err != nil {
			return nil, err
		}
	}
	dir := m.owner.Directory()
	var targets []*core.Node
	if args.Has("_target_types") {
		var err error
		if targets, err = targetsByType(m.owner, args); err != nil {
			return nil, err
		}
	} else if m.owner.Kind() == core.KindSat {
		targets = append(dir.NodesByKind(core.KindGS), dir.NodesByKind(core.KindIoTDevice)...)
	} else {
		targets = dir.NodesByKind(core.KindSat)
	}

	var visible []int
	for _, target := range targets {
		if target.ID() == m.owner.ID() {
			continue
		}
		if m.sees(target, t) {
			visible = append(visible, target.ID())
		}
	}
	sort.Ints(visible)
	return visible, nil
}

func (m *ModelHelperFoV) opInView(args core.Args) (any, error) {
	id, err := args.Int("_target_id")
	if err != nil {
		return nil, err
	}
	target := m.owner.Directory().NodeByID(id)
	if target == nil {
		return nil, fmt.Errorf("%w: %d", core.ErrNodeNotFound, id)
	}
	t := m.owner.Timestamp()
	if args.Has("_time") {
		if t, err = args.Time("_time"); err != nil {
			return nil, err
		}
	}
	return m.sees(target, t), nil
}

// Register installs the field-of-view model classes.
func Register(r *core.Registry) {
	r.RegisterModelClass("ModelFovTimeBased", core.ModelInfo{
		Tag:          core.TagViewOfNode,
		Dependencies: core.DependencyExpr{orbitalClasses},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelFovTimeBased(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelHelperFoV", core.ModelInfo{
		Tag:          core.TagViewOfNode,
		Dependencies: core.DependencyExpr{orbitalClasses},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelHelperFoV(owner, cfg, log)
		},
	})
}
