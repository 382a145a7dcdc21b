package orbit

import (
	"fmt"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/orbitnet-simulator/core"
)

const kmToM = 1000.0

// Propagator wraps one SGP4-initialised satellite and answers position
// queries in the Earth-fixed frame. Safe for concurrent use; SGP4
// propagation is pure given the element set.
type Propagator struct {
	sat satellite.Satellite
}

// NewPropagator initialises SGP4 from a two-line element set.
func NewPropagator(line1, line2 string) (*Propagator, error) {
	if len(line1) < 69 || len(line2) < 69 {
		return nil, fmt.Errorf("%w: malformed TLE", core.ErrConfig)
	}
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	if sat.Error != 0 {
		return nil, fmt.Errorf("%w: TLE rejected by SGP4 (code %d)", core.ErrConfig, sat.Error)
	}
	return &Propagator{sat: sat}, nil
}

// PositionAt returns the satellite's ECEF position at t, metres.
func (p *Propagator) PositionAt(t time.Time) core.Location {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, _ := satellite.Propagate(p.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)

	return core.Location{
		X: posECEF.X * kmToM,
		Y: posECEF.Y * kmToM,
		Z: posECEF.Z * kmToM,
	}
}

// VelocityAt returns the ECEF velocity at t in m/s, estimated by a
// central difference over one second.
func (p *Propagator) VelocityAt(t time.Time) core.Location {
	before := p.PositionAt(t.Add(-500 * time.Millisecond))
	after := p.PositionAt(t.Add(500 * time.Millisecond))
	return core.Location{
		X: after.X - before.X,
		Y: after.Y - before.Y,
		Z: after.Z - before.Z,
	}
}

// InSunlight reports whether the satellite sees the Sun at t, i.e. the
// Earth sphere does not block the satellite-to-Sun segment.
func (p *Propagator) InSunlight(t time.Time) bool {
	return HasLineOfSight(p.PositionAt(t), SunECEF(t))
}

// RangeRateTo returns the rate of change of the distance to the other
// position function at t, m/s. Negative means approaching.
func (p *Propagator) RangeRateTo(t time.Time, other func(time.Time) (core.Location, bool)) (float64, bool) {
	o1, ok := other(t)
	if !ok {
		return 0, false
	}
	o2, ok := other(t.Add(time.Second))
	if !ok {
		return 0, false
	}
	d1 := p.PositionAt(t).DistanceTo(o1)
	d2 := p.PositionAt(t.Add(time.Second)).DistanceTo(o2)
	return d2 - d1, true
}
