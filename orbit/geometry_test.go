package orbit

import (
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/core"
)

func TestHasLineOfSight_NoObstruction(t *testing.T) {
	// Two satellites on the same side of the Earth, well above the surface.
	a := core.Location{X: 8000e3, Y: 1000e3}
	b := core.Location{X: 8000e3, Y: -1000e3}
	if !HasLineOfSight(a, b) {
		t.Fatal("segment clear of the Earth reported blocked")
	}
}

func TestHasLineOfSight_EarthBlocks(t *testing.T) {
	// Antipodal satellites; the segment passes through the Earth's centre.
	a := core.Location{X: 8000e3}
	b := core.Location{X: -8000e3}
	if HasLineOfSight(a, b) {
		t.Fatal("segment through the Earth reported clear")
	}
}

func TestHasLineOfSight_SamePoint(t *testing.T) {
	above := core.Location{X: 7000e3}
	if !HasLineOfSight(above, above) {
		t.Fatal("a point above the surface sees itself")
	}
	inside := core.Location{X: 1000e3}
	if HasLineOfSight(inside, inside) {
		t.Fatal("a point inside the Earth sees nothing")
	}
}

func TestElevationDegrees(t *testing.T) {
	observer := core.Location{X: EarthRadiusM}

	overhead := core.Location{X: EarthRadiusM + 500e3}
	if el := ElevationDegrees(observer, overhead); math.Abs(el-90) > 0.01 {
		t.Fatalf("overhead elevation %.3f, want 90", el)
	}

	horizon := core.Location{X: EarthRadiusM, Y: 500e3}
	if el := ElevationDegrees(observer, horizon); math.Abs(el) > 0.01 {
		t.Fatalf("horizon elevation %.3f, want 0", el)
	}

	below := core.Location{X: EarthRadiusM - 500e3, Y: 500e3}
	if el := ElevationDegrees(observer, below); el >= 0 {
		t.Fatalf("target below the horizon plane has elevation %.3f", el)
	}
}

func TestGeodeticToECEF(t *testing.T) {
	// Equator at the prime meridian: X is the ellipsoid semi-major axis.
	p := GeodeticToECEF(0, 0, 0)
	if math.Abs(p.X-6378137) > 1 || math.Abs(p.Y) > 1 || math.Abs(p.Z) > 1 {
		t.Fatalf("equator/meridian = %+v", p)
	}

	// North pole: on the Z axis at the polar radius.
	p = GeodeticToECEF(90, 0, 0)
	if math.Abs(p.X) > 1 || math.Abs(p.Y) > 1 || math.Abs(p.Z-6356752.3) > 1 {
		t.Fatalf("north pole = %+v", p)
	}

	// Altitude extends along the local normal.
	sea := GeodeticToECEF(45, 10, 0)
	high := GeodeticToECEF(45, 10, 1000)
	d := sea.DistanceTo(high)
	if math.Abs(d-1000) > 1 {
		t.Fatalf("1 km altitude moved the point by %.1f m", d)
	}
}

func TestSunECEF_Distance(t *testing.T) {
	sun := SunECEF(time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC))
	r := math.Sqrt(sun.X*sun.X + sun.Y*sun.Y + sun.Z*sun.Z)
	// One astronomical unit, within a couple of percent.
	if r < 1.45e11 || r > 1.55e11 {
		t.Fatalf("sun distance %.3e m", r)
	}
}
