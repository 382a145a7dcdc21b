// Package power models the satellite electrical system: a battery in
// joules, per-load draw rates and sunlight-gated generation.
package power

import (
	"fmt"
	"strconv"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/internal/observability"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

// Default electrical parameters, sized for a smallsat bus.
const (
	defaultCapacityJ  = 100_000.0
	defaultMinChargeJ = 5_000.0
	defaultGenWatts   = 20.0
	defaultEfficiency = 0.85
)

// defaultDraw maps load tags to watts when the scenario does not
// override them.
var defaultDraw = map[string]float64{
	"TXRADIO":  2.0,
	"RXRADIO":  0.5,
	"COMPUTE":  5.0,
	"IMAGING":  8.0,
	"ADACS":    3.0,
	"BASELOAD": 1.0,
}

// Stats are the lifetime energy counters of one battery.
type Stats struct {
	ConsumedJ  float64
	GeneratedJ float64
	Refused    int
}

// ModelPower tracks one battery. Consumption is gated twice: the charge
// must cover the requested energy and must not fall below the reserve
// floor afterwards. Generation happens in Advance, only in sunlight.
type ModelPower struct {
	owner *core.Node
	log   *simlog.Logger

	capacityJ  float64
	chargeJ    float64
	minChargeJ float64
	genWatts   float64
	efficiency float64
	draw       map[string]float64
	minByTag   map[string]float64
	alwaysOn   []string

	stats   Stats
	metrics *observability.SimCollector
	gauge   string

	ops core.OpTable
}

func newModelPower(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelPower, error) {
	m := &ModelPower{
		owner:      owner,
		log:        log,
		capacityJ:  defaultCapacityJ,
		minChargeJ: defaultMinChargeJ,
		genWatts:   defaultGenWatts,
		efficiency: defaultEfficiency,
		draw:       map[string]float64{},
		minByTag:   map[string]float64{},
		alwaysOn:   []string{"BASELOAD"},
		metrics:    observability.Default(),
		gauge:      strconv.Itoa(owner.ID()),
	}
	for tag, watts := range defaultDraw {
		m.draw[tag] = watts
	}
	var err error
	if cfg.Has("battery_capacity") {
		if m.capacityJ, err = cfg.Float("battery_capacity"); err != nil {
			return nil, err
		}
		if m.capacityJ <= 0 {
			return nil, core.ErrInvalidArg("battery_capacity", "must be positive")
		}
	}
	m.chargeJ = m.capacityJ
	if cfg.Has("initial_charge") {
		if m.chargeJ, err = cfg.Float("initial_charge"); err != nil {
			return nil, err
		}
		if m.chargeJ < 0 || m.chargeJ > m.capacityJ {
			return nil, core.ErrInvalidArg("initial_charge", "outside battery capacity")
		}
	}
	if cfg.Has("min_charge") {
		if m.minChargeJ, err = cfg.Float("min_charge"); err != nil {
			return nil, err
		}
	}
	if cfg.Has("power_generation") {
		if m.genWatts, err = cfg.Float("power_generation"); err != nil {
			return nil, err
		}
	}
	if cfg.Has("battery_efficiency") {
		if m.efficiency, err = cfg.Float("battery_efficiency"); err != nil {
			return nil, err
		}
		if m.efficiency <= 0 || m.efficiency > 1 {
			return nil, core.ErrInvalidArg("battery_efficiency", "want (0, 1]")
		}
	}
	if cfg.Has("power_consumption") {
		raw, _ := cfg.Any("power_consumption")
		table, ok := raw.(map[string]any)
		if !ok {
			return nil, core.ErrInvalidArg("power_consumption", "want tag to watts map")
		}
		for tag, v := range table {
			watts, ok := toFloat(v)
			if !ok {
				return nil, core.ErrInvalidArg("power_consumption", fmt.Sprintf("tag %s: not a number", tag))
			}
			m.draw[tag] = watts
		}
	}
	if cfg.Has("min_charge_per_tag") {
		raw, _ := cfg.Any("min_charge_per_tag")
		table, ok := raw.(map[string]any)
		if !ok {
			return nil, core.ErrInvalidArg("min_charge_per_tag", "want tag to joules map")
		}
		for tag, v := range table {
			floor, ok := toFloat(v)
			if !ok {
				return nil, core.ErrInvalidArg("min_charge_per_tag", fmt.Sprintf("tag %s: not a number", tag))
			}
			m.minByTag[tag] = floor
		}
	}
	if cfg.Has("always_on") {
		raw, _ := cfg.Any("always_on")
		list, ok := raw.([]any)
		if !ok {
			if typed, isTyped := raw.([]string); isTyped {
				m.alwaysOn = typed
			} else {
				return nil, core.ErrInvalidArg("always_on", "want list of load tags")
			}
		} else {
			m.alwaysOn = nil
			for _, item := range list {
				tag, ok := item.(string)
				if !ok {
					return nil, core.ErrInvalidArg("always_on", "want list of load tags")
				}
				m.alwaysOn = append(m.alwaysOn, tag)
			}
		}
	}
	m.ops = core.OpTable{
		"has_Energy":     m.opHasEnergy,
		"consume_Energy": m.opConsumeEnergy,
		"get_Charge":     func(core.Args) (any, error) { return m.chargeJ, nil },
		"get_Capacity":   func(core.Args) (any, error) { return m.capacityJ, nil },
		"get_Stats":      func(core.Args) (any, error) { return m.stats, nil },
	}
	m.metrics.BatteryJoules.WithLabelValues(m.gauge).Set(m.chargeJ)
	return m, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (m *ModelPower) Name() string      { return "ModelPower" }
func (m *ModelPower) Tag() core.Tag     { return core.TagPower }
func (m *ModelPower) Owner() *core.Node { return m.owner }

func (m *ModelPower) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

// Advance debits the always-on loads, then recharges the battery when
// the orbital model reports sunlight. A node without an orbital model
// never recharges.
func (m *ModelPower) Advance(t time.Time) {
	for _, tag := range m.alwaysOn {
		watts, ok := m.draw[tag]
		if !ok {
			continue
		}
		energy := watts * m.owner.Delta().Seconds()
		if m.chargeJ-energy < m.floorFor(tag) {
			m.stats.Refused++
			continue
		}
		m.chargeJ -= energy
		m.stats.ConsumedJ += energy
	}
	m.metrics.BatteryJoules.WithLabelValues(m.gauge).Set(m.chargeJ)

	if m.genWatts <= 0 {
		return
	}
	orbital := m.owner.ModelByTag(core.TagOrbital)
	if orbital == nil {
		return
	}
	out, err := orbital.Invoke("in_Sunlight", core.Args{"_time": t})
	if err != nil {
		return
	}
	if lit, _ := out.(bool); !lit {
		return
	}
	gained := m.genWatts * m.owner.Delta().Seconds() * m.efficiency
	if m.chargeJ+gained > m.capacityJ {
		gained = m.capacityJ - m.chargeJ
	}
	if gained <= 0 {
		return
	}
	m.chargeJ += gained
	m.stats.GeneratedJ += gained
	m.metrics.BatteryJoules.WithLabelValues(m.gauge).Set(m.chargeJ)
	m.log.Log(t, simlog.LevelDebug, simlog.EventEnergyGenerated,
		"generated %.1f J, charge %.1f/%.1f J", gained, m.chargeJ, m.capacityJ)
}

// floorFor is the reserve charge for one load tag. A per-tag threshold
// overrides the global floor.
func (m *ModelPower) floorFor(tag string) float64 {
	if floor, ok := m.minByTag[tag]; ok {
		return floor
	}
	return m.minChargeJ
}

// requestedEnergy resolves the three accepted request shapes: a load tag
// with a duration, an explicit wattage with a duration, or raw joules.
func (m *ModelPower) requestedEnergy(args core.Args) (energy float64, tag string, err error) {
	if args.Has("_energy") {
		energy, err = args.Float("_energy")
		return energy, "", err
	}
	d, err := args.Duration("_duration")
	if err != nil {
		return 0, "", err
	}
	if args.Has("_watts") {
		watts, err := args.Float("_watts")
		if err != nil {
			return 0, "", err
		}
		return watts * d.Seconds(), "", nil
	}
	if tag, err = args.Str("_tag"); err != nil {
		return 0, "", err
	}
	watts, ok := m.draw[tag]
	if !ok {
		return 0, "", core.ErrInvalidArg("_tag", fmt.Sprintf("unknown load %q", tag))
	}
	return watts * d.Seconds(), tag, nil
}

// opHasEnergy answers whether a request would be granted, without
// mutating the charge.
func (m *ModelPower) opHasEnergy(args core.Args) (any, error) {
	energy, tag, err := m.requestedEnergy(args)
	if err != nil {
		return nil, err
	}
	return m.chargeJ-energy >= m.floorFor(tag), nil
}

// opConsumeEnergy debits the battery, refusing any request that would
// breach the reserve floor.
func (m *ModelPower) opConsumeEnergy(args core.Args) (any, error) {
	energy, tag, err := m.requestedEnergy(args)
	if err != nil {
		return nil, err
	}
	if energy < 0 {
		return nil, core.ErrInvalidArg("_energy", "must be non-negative")
	}
	if floor := m.floorFor(tag); m.chargeJ-energy < floor {
		m.stats.Refused++
		return nil, core.ErrPrecondition(fmt.Sprintf(
			"charge %.1f J cannot cover %.1f J above the %.1f J floor",
			m.chargeJ, energy, floor))
	}
	m.chargeJ -= energy
	m.stats.ConsumedJ += energy
	m.metrics.BatteryJoules.WithLabelValues(m.gauge).Set(m.chargeJ)
	m.log.Log(m.owner.Timestamp(), simlog.LevelDebug, simlog.EventEnergyConsumed,
		"consumed %.2f J, charge %.1f J", energy, m.chargeJ)
	return m.chargeJ, nil
}

// Register installs the power model class.
func Register(r *core.Registry) {
	r.RegisterModelClass("ModelPower", core.ModelInfo{
		Tag: core.TagPower,
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelPower(owner, cfg, log)
		},
	})
}
