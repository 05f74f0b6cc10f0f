// Package gravity evaluates the WGS84 normal gravity model. It supplies the
// ground-truth gravity norm the calibration session consumes as a plain
// scalar, for sites where |g| was not measured directly.
package gravity

import (
	"fmt"
	"math"
)

// WGS84 ellipsoid and normal gravity constants.
const (
	semiMajorAxis    = 6378137.0          // a, metres
	flattening       = 1 / 298.257223563  // f
	equatorGravity   = 9.7803253359       // gamma_e, m/s^2
	poleGravity      = 9.8321849378       // gamma_p, m/s^2
	somiglianaK      = 1.931852652458e-3  // k = (b*gamma_p - a*gamma_e)/(a*gamma_e)
	eccentricitySq   = 6.69437999014e-3   // e^2
	gravityRatioM    = 3.449786506841e-3  // m = omega^2 a^2 b / GM
	standardGravity  = 9.80665            // conventional g0, m/s^2
)

// StandardGravity returns the conventional standard gravity norm g0.
func StandardGravity() float64 { return standardGravity }

// NormalGravity returns the WGS84 normal gravity magnitude at the given
// geodetic latitude (degrees) and height above the ellipsoid (metres),
// using the Somigliana closed form with the second-order free-air height
// correction.
func NormalGravity(latitudeDeg, heightM float64) (float64, error) {
	if latitudeDeg < -90 || latitudeDeg > 90 {
		return 0, fmt.Errorf("latitude must be in [-90, 90] degrees, got %v", latitudeDeg)
	}

	sinLat := math.Sin(latitudeDeg * math.Pi / 180)
	sin2 := sinLat * sinLat

	// Somigliana formula on the ellipsoid surface.
	g0 := equatorGravity * (1 + somiglianaK*sin2) / math.Sqrt(1-eccentricitySq*sin2)

	// Free-air correction with latitude dependence.
	h := heightM / semiMajorAxis
	corr := 1 - 2*(1+flattening+gravityRatioM-2*flattening*sin2)*h + 3*h*h
	return g0 * corr, nil
}
