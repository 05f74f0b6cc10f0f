package accel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Measurement is one static specific-force sample in the accelerometer body
// frame, in m/s^2, with the standard deviation of the sample. Measurements
// are immutable once handed to a Calibrator.
type Measurement struct {
	// F is the measured specific force (fx, fy, fz).
	F [3]float64

	// Sigma is the standard deviation of the sample, used to weight the
	// refinement pass and normalise chi-square residuals. Must be > 0.
	Sigma float64
}

// NewMeasurement builds a Measurement from per-axis specific-force values
// and a standard deviation.
func NewMeasurement(fx, fy, fz, sigma float64) (Measurement, error) {
	m := Measurement{F: [3]float64{fx, fy, fz}, Sigma: sigma}
	if err := m.validate(); err != nil {
		return Measurement{}, err
	}
	return m, nil
}

func (m Measurement) validate() error {
	if m.Sigma <= 0 {
		return fmt.Errorf("%w: measurement sigma must be > 0, got %v", ErrInvalidArgument, m.Sigma)
	}
	for _, v := range m.F {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: measurement contains non-finite component %v", ErrInvalidArgument, v)
		}
	}
	return nil
}

// gravityModel evaluates the static-gravity measurement model for one fixed
// candidate Ma. The measured specific force relates to the true one by
//
//	f_meas = b + (I + Ma) f_true
//
// and at rest the true specific force has magnitude equal to the local
// gravity norm. The model caches (I + Ma)^-1 so that scoring a candidate
// against the whole measurement set inverts the matrix once.
type gravityModel struct {
	inv         *mat.Dense
	bias        [3]float64
	gravityNorm float64
}

func newGravityModel(ma *mat.Dense, bias [3]float64, gravityNorm float64) (*gravityModel, error) {
	inv, err := invertDistortion(ma)
	if err != nil {
		return nil, err
	}
	return &gravityModel{inv: inv, bias: bias, gravityNorm: gravityNorm}, nil
}

// predictedNorm returns the norm of the undistorted specific force implied
// by the measurement under this model.
func (g *gravityModel) predictedNorm(m Measurement) float64 {
	var t [3]float64
	for i := 0; i < 3; i++ {
		d := m.F[i] - g.bias[i]
		t[0] += g.inv.At(0, i) * d
		t[1] += g.inv.At(1, i) * d
		t[2] += g.inv.At(2, i) * d
	}
	return math.Sqrt(t[0]*t[0] + t[1]*t[1] + t[2]*t[2])
}

// residual returns |predicted norm - gravity norm|, the scalar consensus
// residual used for inlier classification.
func (g *gravityModel) residual(m Measurement) float64 {
	return math.Abs(g.predictedNorm(m) - g.gravityNorm)
}

// signedResidual returns predicted norm - gravity norm without the absolute
// value, the form minimised by the least-squares passes.
func (g *gravityModel) signedResidual(m Measurement) float64 {
	return g.predictedNorm(m) - g.gravityNorm
}

// Residual computes the measurement-model residual for a single measurement
// under a candidate Ma: the absolute difference between the undistorted
// specific-force norm and the known gravity norm. Pure function of its
// inputs; it inverts (I + Ma) on every call, so batch scoring should go
// through a Calibrator instead.
func Residual(m Measurement, ma *mat.Dense, bias [3]float64, gravityNorm float64) (float64, error) {
	if r, c := ma.Dims(); r != 3 || c != 3 {
		return 0, fmt.Errorf("%w: Ma must be 3x3, got %dx%d", ErrInvalidArgument, r, c)
	}
	model, err := newGravityModel(ma, bias, gravityNorm)
	if err != nil {
		return 0, err
	}
	return model.residual(m), nil
}
