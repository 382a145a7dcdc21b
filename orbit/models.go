package orbit

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

// defaultPassStep is the coarse scan step for pass prediction when the
// caller does not override it.
const defaultPassStep = 30 * time.Second

// ModelOrbit is the SGP4 geometry oracle resident on satellite nodes.
// Every epoch it refreshes the owner's position; siblings query it by
// named operation for positions, velocities, sunlight state, passes and
// relative motion.
type ModelOrbit struct {
	owner *core.Node
	log   *simlog.Logger
	prop  *Propagator

	// alwaysCalculate skips the per-epoch position refresh; every
	// query propagates on demand.
	alwaysCalculate bool

	ops core.OpTable
}

func newModelOrbit(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelOrbit, error) {
	l1, l2 := owner.TLE()
	if l1 == "" || l2 == "" {
		return nil, fmt.Errorf("%w: node %d has no TLE", core.ErrConfig, owner.ID())
	}
	prop, err := NewPropagator(l1, l2)
	if err != nil {
		return nil, err
	}
	m := &ModelOrbit{owner: owner, log: log, prop: prop}
	if cfg.Has("always_calculate") {
		if m.alwaysCalculate, err = cfg.Bool("always_calculate"); err != nil {
			return nil, err
		}
	}
	m.ops = core.OpTable{
		"get_Position":       m.opGetPosition,
		"get_Velocity":       m.opGetVelocity,
		"in_Sunlight":        m.opInSunlight,
		"get_Passes":         m.opGetPasses,
		"get_RelativeMotion": m.opRelativeMotion,
	}
	return m, nil
}

func (m *ModelOrbit) Name() string      { return "ModelOrbit" }
func (m *ModelOrbit) Tag() core.Tag     { return core.TagOrbital }
func (m *ModelOrbit) Owner() *core.Node { return m.owner }

func (m *ModelOrbit) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelOrbit) Advance(t time.Time) {
	if m.alwaysCalculate {
		return
	}
	m.owner.SetPosition(m.prop.PositionAt(t), t)
}

func (m *ModelOrbit) queryTime(args core.Args) (time.Time, error) {
	if !args.Has("_time") {
		return m.owner.Timestamp(), nil
	}
	return args.Time("_time")
}

func (m *ModelOrbit) opGetPosition(args core.Args) (any, error) {
	t, err := m.queryTime(args)
	if err != nil {
		return nil, err
	}
	return m.prop.PositionAt(t), nil
}

func (m *ModelOrbit) opGetVelocity(args core.Args) (any, error) {
	t, err := m.queryTime(args)
	if err != nil {
		return nil, err
	}
	return m.prop.VelocityAt(t), nil
}

func (m *ModelOrbit) opInSunlight(args core.Args) (any, error) {
	t, err := m.queryTime(args)
	if err != nil {
		return nil, err
	}
	return m.prop.InSunlight(t), nil
}

// opGetPasses predicts visibility intervals against another node. The
// elevation constraint is evaluated at the ground endpoint; between two
// satellites only line-of-sight applies.
func (m *ModelOrbit) opGetPasses(args core.Args) (any, error) {
	target, err := m.targetNode(args)
	if err != nil {
		return nil, err
	}
	start, err := args.Time("_start")
	if err != nil {
		return nil, err
	}
	end, err := args.Time("_end")
	if err != nil {
		return nil, err
	}
	step := defaultPassStep
	if args.Has("_step") {
		if step, err = args.Duration("_step"); err != nil {
			return nil, err
		}
	}
	minElev := 0.0
	if args.Has("_min_elevation") {
		if minElev, err = args.Float("_min_elevation"); err != nil {
			return nil, err
		}
	}

	visible := visibilityTest(m.owner.Kind(), m.prop.PositionAt, target, minElev)
	return FindPasses(visible, start, end, step), nil
}

func (m *ModelOrbit) opRelativeMotion(args core.Args) (any, error) {
	target, err := m.targetNode(args)
	if err != nil {
		return nil, err
	}
	t, err := m.queryTime(args)
	if err != nil {
		return nil, err
	}
	rate, ok := m.prop.RangeRateTo(t, target.PositionAt)
	if !ok {
		return nil, core.ErrPrecondition(fmt.Sprintf("node %d has no position", target.ID()))
	}
	return rate, nil
}

func (m *ModelOrbit) targetNode(args core.Args) (*core.Node, error) {
	id, err := args.Int("_target_id")
	if err != nil {
		return nil, err
	}
	n := m.owner.Directory().NodeByID(id)
	if n == nil {
		return nil, fmt.Errorf("%w: %d", core.ErrNodeNotFound, id)
	}
	return n, nil
}

// visibilityTest builds the pass predicate for a pair of endpoints. The
// observer for the elevation test is whichever endpoint sits on the
// ground.
func visibilityTest(ownerKind core.Kind, ownerPos func(time.Time) core.Location, target *core.Node, minElev float64) func(time.Time) bool {
	return func(t time.Time) bool {
		op := ownerPos(t)
		tp, ok := target.PositionAt(t)
		if !ok {
			return false
		}
		if !HasLineOfSight(op, tp) {
			return false
		}
		switch {
		case ownerKind == core.KindSat && target.Kind() != core.KindSat:
			return ElevationDegrees(tp, op) >= minElev
		case ownerKind != core.KindSat:
			return ElevationDegrees(op, tp) >= minElev
		default:
			return true
		}
	}
}

// ---------- ModelOrbitOneFullUpdate ----------

// ModelOrbitOneFullUpdate propagates the owner's whole window once at
// construction and serves epoch positions from the table. Queries off
// the epoch grid fall back to on-demand propagation.
type ModelOrbitOneFullUpdate struct {
	*ModelOrbit
	table map[int64]core.Location
}

func newModelOrbitOneFullUpdate(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelOrbitOneFullUpdate, error) {
	inner, err := newModelOrbit(owner, cfg, log)
	if err != nil {
		return nil, err
	}
	m := &ModelOrbitOneFullUpdate{ModelOrbit: inner, table: make(map[int64]core.Location)}
	for t := owner.Start(); !t.After(owner.End()); t = t.Add(owner.Delta()) {
		m.table[t.Unix()] = inner.prop.PositionAt(t)
	}
	m.ops["get_Position"] = m.opGetPosition
	return m, nil
}

func (m *ModelOrbitOneFullUpdate) Name() string { return "ModelOrbitOneFullUpdate" }

func (m *ModelOrbitOneFullUpdate) Advance(t time.Time) {
	if loc, ok := m.table[t.Unix()]; ok {
		m.owner.SetPosition(loc, t)
		return
	}
	m.owner.SetPosition(m.prop.PositionAt(t), t)
}

func (m *ModelOrbitOneFullUpdate) opGetPosition(args core.Args) (any, error) {
	t, err := m.queryTime(args)
	if err != nil {
		return nil, err
	}
	if loc, ok := m.table[t.Unix()]; ok {
		return loc, nil
	}
	return m.prop.PositionAt(t), nil
}

// ---------- ModelFixedOrbit ----------

// ModelFixedOrbit serves the static position of ground and IoT nodes
// through the same operation surface the satellite oracle exposes, so
// siblings never care which kind of endpoint they talk to.
type ModelFixedOrbit struct {
	owner *core.Node
	log   *simlog.Logger
	pos   core.Location
	ops   core.OpTable
}

func newModelFixedOrbit(owner *core.Node, _ core.Args, log *simlog.Logger) (*ModelFixedOrbit, error) {
	pos, ok := owner.Position()
	if !ok {
		return nil, fmt.Errorf("%w: node %d has no static position", core.ErrConfig, owner.ID())
	}
	m := &ModelFixedOrbit{owner: owner, log: log, pos: pos}
	m.ops = core.OpTable{
		"get_Position": func(core.Args) (any, error) { return m.pos, nil },
		"get_Velocity": func(core.Args) (any, error) { return core.Location{}, nil },
		"in_Sunlight": func(args core.Args) (any, error) {
			t := m.owner.Timestamp()
			if args.Has("_time") {
				var err error
				if t, err = args.Time("_time"); err != nil {
					return nil, err
				}
			}
			return HasLineOfSight(m.pos, SunECEF(t)), nil
		},
		"get_Passes":         m.opGetPasses,
		"get_RelativeMotion": m.opRelativeMotion,
	}
	return m, nil
}

func (m *ModelFixedOrbit) Name() string      { return "ModelFixedOrbit" }
func (m *ModelFixedOrbit) Tag() core.Tag     { return core.TagOrbital }
func (m *ModelFixedOrbit) Owner() *core.Node { return m.owner }

func (m *ModelFixedOrbit) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelFixedOrbit) Advance(t time.Time) {
	m.owner.SetPosition(m.pos, t)
}

func (m *ModelFixedOrbit) opGetPasses(args core.Args) (any, error) {
	id, err := args.Int("_target_id")
	if err != nil {
		return nil, err
	}
	target := m.owner.Directory().NodeByID(id)
	if target == nil {
		return nil, fmt.Errorf("%w: %d", core.ErrNodeNotFound, id)
	}
	start, err := args.Time("_start")
	if err != nil {
		return nil, err
	}
	end, err := args.Time("_end")
	if err != nil {
		return nil, err
	}
	step := defaultPassStep
	if args.Has("_step") {
		if step, err = args.Duration("_step"); err != nil {
			return nil, err
		}
	}
	minElev := 0.0
	if args.Has("_min_elevation") {
		if minElev, err = args.Float("_min_elevation"); err != nil {
			return nil, err
		}
	}
	self := func(time.Time) core.Location { return m.pos }
	visible := visibilityTest(m.owner.Kind(), self, target, minElev)
	return FindPasses(visible, start, end, step), nil
}

func (m *ModelFixedOrbit) opRelativeMotion(args core.Args) (any, error) {
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
	p1, ok := target.PositionAt(t)
	if !ok {
		return nil, core.ErrPrecondition(fmt.Sprintf("node %d has no position", id))
	}
	p2, ok := target.PositionAt(t.Add(time.Second))
	if !ok {
		return nil, core.ErrPrecondition(fmt.Sprintf("node %d has no position", id))
	}
	return m.pos.DistanceTo(p2) - m.pos.DistanceTo(p1), nil
}
