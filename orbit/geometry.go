// Package orbit provides the geometry oracle: SGP4 propagation from TLE
// sets, Earth-fixed coordinate conversions, line-of-sight and elevation
// tests, sunlight state and pass prediction.
package orbit

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/orbitnet-simulator/core"
)

const (
	// EarthRadiusM is the mean Earth radius used for line-of-sight and
	// eclipse tests, metres.
	EarthRadiusM = 6371000.0

	// WGS84 ellipsoid, metres.
	wgs84A  = 6378137.0
	wgs84F  = 1.0 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)

	astronomicalUnitM = 1.495978707e11
)

// HasLineOfSight reports whether the straight segment between a and b
// clears the Earth sphere. All positions are ECEF metres.
func HasLineOfSight(a, b core.Location) bool {
	vx, vy, vz := b.X-a.X, b.Y-a.Y, b.Z-a.Z
	vv := vx*vx + vy*vy + vz*vz
	if vv == 0 {
		return a.X*a.X+a.Y*a.Y+a.Z*a.Z > EarthRadiusM*EarthRadiusM
	}

	// Closest point on the segment to the Earth's centre.
	t := -(a.X*vx + a.Y*vy + a.Z*vz) / vv
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	cx, cy, cz := a.X+vx*t, a.Y+vy*t, a.Z+vz*t
	return cx*cx+cy*cy+cz*cz > EarthRadiusM*EarthRadiusM
}

// ElevationDegrees returns the elevation of target above the local
// horizon of observer, degrees. 0 is the geometric horizon, 90 is
// overhead.
func ElevationDegrees(observer, target core.Location) float64 {
	vx, vy, vz := target.X-observer.X, target.Y-observer.Y, target.Z-observer.Z
	vNorm := math.Sqrt(vx*vx + vy*vy + vz*vz)
	if vNorm == 0 {
		return 90
	}
	r := math.Sqrt(observer.X*observer.X + observer.Y*observer.Y + observer.Z*observer.Z)
	if r == 0 {
		return 90
	}
	cosGamma := (vx*observer.X + vy*observer.Y + vz*observer.Z) / (vNorm * r)
	if cosGamma > 1 {
		cosGamma = 1
	} else if cosGamma < -1 {
		cosGamma = -1
	}
	return 90 - math.Acos(cosGamma)*180/math.Pi
}

// GeodeticToECEF converts WGS84 geodetic coordinates (degrees, metres)
// to an Earth-fixed position in metres.
func GeodeticToECEF(latDeg, lonDeg, altM float64) core.Location {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return core.Location{
		X: (n + altM) * cosLat * math.Cos(lon),
		Y: (n + altM) * cosLat * math.Sin(lon),
		Z: (n*(1-wgs84E2) + altM) * sinLat,
	}
}

// SunECEF returns the Sun's position in the Earth-fixed frame at t,
// metres. Low-precision solar ephemeris; accurate to a small fraction
// of a degree, which is ample for eclipse tests.
func SunECEF(t time.Time) core.Location {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, min, sec)

	n := jd - 2451545.0
	meanLon := math.Mod(280.460+0.9856474*n, 360)
	meanAnom := math.Mod(357.528+0.9856003*n, 360) * math.Pi / 180
	eclLon := (meanLon + 1.915*math.Sin(meanAnom) + 0.020*math.Sin(2*meanAnom)) * math.Pi / 180
	obliquity := (23.439 - 0.0000004*n) * math.Pi / 180

	eci := satellite.Vector3{
		X: math.Cos(eclLon),
		Y: math.Cos(obliquity) * math.Sin(eclLon),
		Z: math.Sin(obliquity) * math.Sin(eclLon),
	}
	gmst := satellite.ThetaG_JD(jd)
	ecef := satellite.ECIToECEF(eci, gmst)
	return core.Location{
		X: ecef.X * astronomicalUnitM,
		Y: ecef.Y * astronomicalUnitM,
		Z: ecef.Z * astronomicalUnitM,
	}
}
