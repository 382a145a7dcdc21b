package radio

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/orbit"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

var fovClasses = []string{"ModelHelperFoV", "ModelFovTimeBased"}

// radioModel is the generic radio class: a radioCore plus a
// field-of-view targeting policy. The concrete classes differ in name,
// tag and candidate target kinds.
type radioModel struct {
	rc  *radioCore
	ops core.OpTable
}

func newRadioModel(owner *core.Node, cfg core.Args, log *simlog.Logger, class string, tag core.Tag) (*radioModel, error) {
	rc, err := newRadioCore(owner, cfg, log, class, tag)
	if err != nil {
		return nil, err
	}
	m := &radioModel{rc: rc}
	m.ops = rc.baseOps(m)
	return m, nil
}

func (m *radioModel) Name() string       { return m.rc.class }
func (m *radioModel) Tag() core.Tag      { return m.rc.tag }
func (m *radioModel) Owner() *core.Node  { return m.rc.owner }
func (m *radioModel) Frequency() float64 { return m.rc.Frequency() }
func (m *radioModel) coreRef() *radioCore {
	return m.rc
}

func (m *radioModel) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *radioModel) Advance(t time.Time) {
	m.rc.advance(t)
}

// targetKinds is the broadcast candidate set: satellites talk to the
// ground, ground talks to satellites.
func (m *radioModel) targetKinds() []string {
	if m.rc.owner.Kind() == core.KindSat {
		return []string{core.KindGS.String(), core.KindIoTDevice.String()}
	}
	return []string{core.KindSat.String()}
}

func (m *radioModel) targetFor(args core.Args, t time.Time) ([]*core.Node, error) {
	dir := m.rc.owner.Directory()
	if args.Has("_target_id") {
		id, err := args.Int("_target_id")
		if err != nil {
			return nil, err
		}
		n := dir.NodeByID(id)
		if n == nil {
			return nil, fmt.Errorf("%w: %d", core.ErrNodeNotFound, id)
		}
		return []*core.Node{n}, nil
	}

	// Broadcast to everything currently in view.
	fovModel := m.rc.owner.ModelByTag(core.TagViewOfNode)
	if fovModel == nil {
		return nil, core.ErrPrecondition("no field-of-view model resident")
	}
	out, err := fovModel.Invoke("get_View", core.Args{
		"_time":         t,
		"_target_types": m.targetKinds(),
	})
	if err != nil {
		return nil, err
	}
	ids, ok := out.([]int)
	if !ok {
		return nil, fmt.Errorf("unexpected view result %T", out)
	}
	var nodes []*core.Node
	for _, id := range ids {
		if n := dir.NodeByID(id); n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

func (m *radioModel) visible(target *core.Node) bool {
	fovModel := m.rc.owner.ModelByTag(core.TagViewOfNode)
	if fovModel == nil {
		return false
	}
	out, err := fovModel.Invoke("in_View", core.Args{"_target_id": target.ID()})
	if err != nil {
		return false
	}
	in, _ := out.(bool)
	return in
}

// ---------- ModelISL ----------

// ModelISL is the inter-satellite link: fixed peer list from the
// scenario, line-of-sight and range gating instead of elevation masks.
type ModelISL struct {
	rc       *radioCore
	peerIDs  []int
	maxRange float64 // metres, 0 means unlimited
	ops      core.OpTable
}

func newModelISL(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelISL, error) {
	rc, err := newRadioCore(owner, cfg, log, "ModelISL", core.TagISL)
	if err != nil {
		return nil, err
	}
	m := &ModelISL{rc: rc}
	if cfg.Has("max_range") {
		if m.maxRange, err = cfg.Float("max_range"); err != nil {
			return nil, err
		}
	}
	raw, ok := cfg["peers"]
	if !ok {
		return nil, core.ErrMissingArg("peers")
	}
	list, ok := raw.([]any)
	if !ok {
		if typed, isTyped := raw.([]int); isTyped {
			m.peerIDs = typed
		} else {
			return nil, core.ErrInvalidArg("peers", "not a list")
		}
	} else {
		for _, item := range list {
			switch v := item.(type) {
			case int:
				m.peerIDs = append(m.peerIDs, v)
			case float64:
				m.peerIDs = append(m.peerIDs, int(v))
			default:
				return nil, core.ErrInvalidArg("peers", "not a list of node ids")
			}
		}
	}
	m.ops = rc.baseOps(m)
	m.ops["get_Peers"] = func(core.Args) (any, error) {
		out := make([]int, len(m.peerIDs))
		copy(out, m.peerIDs)
		return out, nil
	}
	return m, nil
}

func (m *ModelISL) Name() string       { return "ModelISL" }
func (m *ModelISL) Tag() core.Tag      { return core.TagISL }
func (m *ModelISL) Owner() *core.Node  { return m.rc.owner }
func (m *ModelISL) Frequency() float64 { return m.rc.Frequency() }
func (m *ModelISL) coreRef() *radioCore {
	return m.rc
}

func (m *ModelISL) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelISL) Advance(t time.Time) {
	m.rc.advance(t)
}

// ResolvePeers verifies every configured peer exists and is a
// satellite.
func (m *ModelISL) ResolvePeers(dir *core.Directory) error {
	for _, id := range m.peerIDs {
		n := dir.NodeByID(id)
		if n == nil {
			return fmt.Errorf("%w: ISL peer %d", core.ErrNodeNotFound, id)
		}
		if n.Kind() != core.KindSat {
			return fmt.Errorf("%w: ISL peer %d is %s", core.ErrConfig, id, n.Kind())
		}
	}
	return nil
}

func (m *ModelISL) targetFor(args core.Args, t time.Time) ([]*core.Node, error) {
	dir := m.rc.owner.Directory()
	if args.Has("_target_id") {
		id, err := args.Int("_target_id")
		if err != nil {
			return nil, err
		}
		for _, peer := range m.peerIDs {
			if peer == id {
				n := dir.NodeByID(id)
				if n == nil {
					return nil, fmt.Errorf("%w: %d", core.ErrNodeNotFound, id)
				}
				return []*core.Node{n}, nil
			}
		}
		return nil, core.ErrPrecondition(fmt.Sprintf("node %d is not a configured peer", id))
	}
	var nodes []*core.Node
	for _, id := range m.peerIDs {
		if n := dir.NodeByID(id); n != nil && m.visible(n) {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// visible applies line-of-sight and the optional range limit.
func (m *ModelISL) visible(target *core.Node) bool {
	t := m.rc.owner.Timestamp()
	from, ok := m.rc.owner.PositionAt(t)
	if !ok {
		return false
	}
	to, ok := target.PositionAt(t)
	if !ok {
		return false
	}
	if !orbit.HasLineOfSight(from, to) {
		return false
	}
	return m.maxRange <= 0 || from.DistanceTo(to) <= m.maxRange
}

// Register installs the radio model classes.
func Register(r *core.Registry) {
	lora := func(class string, tag core.Tag) core.ModelFactory {
		return func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newRadioModel(owner, cfg, log, class, tag)
		}
	}
	r.RegisterModelClass("ModelLoraRadio", core.ModelInfo{
		Tag:          core.TagBasicLoraRadio,
		Dependencies: core.DependencyExpr{fovClasses},
		New:          lora("ModelLoraRadio", core.TagBasicLoraRadio),
	})
	r.RegisterModelClass("ModelAggregatorRadio", core.ModelInfo{
		Tag:          core.TagBasicLoraRadio,
		Dependencies: core.DependencyExpr{fovClasses},
		New:          lora("ModelAggregatorRadio", core.TagBasicLoraRadio),
	})
	r.RegisterModelClass("ModelDownlinkRadio", core.ModelInfo{
		Tag:          core.TagImagingRadio,
		Dependencies: core.DependencyExpr{fovClasses},
		New:          lora("ModelDownlinkRadio", core.TagImagingRadio),
	})
	r.RegisterModelClass("ModelImagingRadio", core.ModelInfo{
		Tag:          core.TagImagingRadio,
		Dependencies: core.DependencyExpr{fovClasses},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			if !cfg.Has("num_channels") {
				withDefault := core.Args{"num_channels": 6}
				for k, v := range cfg {
					withDefault[k] = v
				}
				cfg = withDefault
			}
			return newRadioModel(owner, cfg, log, "ModelImagingRadio", core.TagImagingRadio)
		},
	})
	r.RegisterModelClass("ModelISL", core.ModelInfo{
		Tag:                  core.TagISL,
		SupportedNodeClasses: []string{orbit.NodeClassSatellite},
		Dependencies:         core.DependencyExpr{{"ModelOrbit", "ModelOrbitOneFullUpdate"}},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelISL(owner, cfg, log)
		},
	})
}
