package accel

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// The scale-factor / cross-coupling matrix Ma is laid out
//
//	[ sx   mxy  mxz ]
//	[ myx  sy   myz ]
//	[ mzx  mzy  sz  ]
//
// with scale factors on the diagonal and misalignment terms off it. The
// parameter vector orders the unknowns scale-first:
//
//	general:     [sx sy sz mxy mxz myx myz mzx mzy]  (9 unknowns)
//	common-axis: [sx sy sz mxy mxz myz]              (6 unknowns)
//
// Under the common-axis fixture constraint the lower-triangle terms
// myx, mzx, mzy are unobservable and structurally zero; they are excluded
// from the unknown vector, and the corresponding rows and columns of any
// reported covariance are exactly zero.

// Parameter counts for the two axis modes.
const (
	numParamsGeneral    = 9
	numParamsCommonAxis = 6
)

// Minimum measurement counts required for readiness in each axis mode.
const (
	MinimumMeasurementsGeneral    = 7
	MinimumMeasurementsCommonAxis = 4
)

// generalParamIndex maps a common-axis parameter index to its position in
// the general 9-parameter vector. Used when expanding reduced covariance
// matrices to the full layout.
var generalParamIndex = [numParamsCommonAxis]int{0, 1, 2, 3, 4, 6}

// gaugePairs lists the general-vector index pairs of transposed off-diagonal
// entries: (mxy, myx), (mxz, mzx), (myz, mzy).
var gaugePairs = [3][2]int{{3, 5}, {4, 7}, {6, 8}}

// numParams returns the unknown count for the given axis mode.
func numParams(commonAxis bool) int {
	if commonAxis {
		return numParamsCommonAxis
	}
	return numParamsGeneral
}

// MinimumMeasurements returns the minimum measurement count required for a
// calibration in the given axis mode.
func MinimumMeasurements(commonAxis bool) int {
	if commonAxis {
		return MinimumMeasurementsCommonAxis
	}
	return MinimumMeasurementsGeneral
}

// maFromParams builds the 3x3 Ma matrix from a parameter vector. The vector
// length selects the mode: 9 fills the full matrix, 6 leaves the
// lower-triangle cross couplings at zero.
func maFromParams(p []float64) (*mat.Dense, error) {
	ma := mat.NewDense(3, 3, nil)
	switch len(p) {
	case numParamsGeneral:
		ma.Set(0, 0, p[0])
		ma.Set(1, 1, p[1])
		ma.Set(2, 2, p[2])
		ma.Set(0, 1, p[3])
		ma.Set(0, 2, p[4])
		ma.Set(1, 0, p[5])
		ma.Set(1, 2, p[6])
		ma.Set(2, 0, p[7])
		ma.Set(2, 1, p[8])
	case numParamsCommonAxis:
		ma.Set(0, 0, p[0])
		ma.Set(1, 1, p[1])
		ma.Set(2, 2, p[2])
		ma.Set(0, 1, p[3])
		ma.Set(0, 2, p[4])
		ma.Set(1, 2, p[5])
	default:
		return nil, fmt.Errorf("%w: parameter vector length %d, want %d or %d",
			ErrInvalidArgument, len(p), numParamsGeneral, numParamsCommonAxis)
	}
	return ma, nil
}

// paramsFromMa flattens a 3x3 Ma matrix into the parameter vector for the
// given axis mode. In common-axis mode the lower-triangle entries are
// dropped (they are structurally zero and not estimated).
func paramsFromMa(ma *mat.Dense, commonAxis bool) []float64 {
	if commonAxis {
		return []float64{
			ma.At(0, 0), ma.At(1, 1), ma.At(2, 2),
			ma.At(0, 1), ma.At(0, 2), ma.At(1, 2),
		}
	}
	return []float64{
		ma.At(0, 0), ma.At(1, 1), ma.At(2, 2),
		ma.At(0, 1), ma.At(0, 2),
		ma.At(1, 0), ma.At(1, 2),
		ma.At(2, 0), ma.At(2, 1),
	}
}

// withGaugeConstraint augments a general-mode residual function with three
// terms pinning the antisymmetric off-diagonal differences to those of the
// reference vector. The gravity-norm residual depends on Ma only through
// (I+Ma)^-T (I+Ma)^-1, which is invariant under a right rotation of I+Ma,
// so the antisymmetric part of a general-mode Ma is unobservable and would
// drift during the damped solve. Common-axis vectors are upper-triangular
// by construction and pass through unconstrained.
func withGaugeConstraint(fn residualFunc, ref []float64) residualFunc {
	if len(ref) != numParamsGeneral {
		return fn
	}
	var anti [3]float64
	for k, pr := range gaugePairs {
		anti[k] = ref[pr[0]] - ref[pr[1]]
	}
	return func(p []float64) ([]float64, error) {
		r, err := fn(p)
		if err != nil {
			return nil, err
		}
		for k, pr := range gaugePairs {
			r = append(r, p[pr[0]]-p[pr[1]]-anti[k])
		}
		return r, nil
	}
}

// symmetricBasis returns the 9x6 basis of the general-mode observable
// subspace: the three scale factors plus the three symmetric off-diagonal
// combinations. Under the gauge constraint each transposed pair moves
// together, so general-mode covariance lives on this subspace.
func symmetricBasis() *mat.Dense {
	b := mat.NewDense(numParamsGeneral, numParamsCommonAxis, nil)
	for i := 0; i < 3; i++ {
		b.Set(i, i, 1)
	}
	for k, pr := range gaugePairs {
		b.Set(pr[0], 3+k, 1)
		b.Set(pr[1], 3+k, 1)
	}
	return b
}

// invertDistortion computes (I + Ma)^-1, the matrix that maps a bias-free
// measured specific force back to the undistorted true specific force.
// Returns an error when I + Ma is singular (candidate discarded upstream).
func invertDistortion(ma *mat.Dense) (*mat.Dense, error) {
	t := mat.NewDense(3, 3, nil)
	t.Copy(ma)
	for i := 0; i < 3; i++ {
		t.Set(i, i, t.At(i, i)+1)
	}
	var inv mat.Dense
	if err := inv.Inverse(t); err != nil {
		return nil, fmt.Errorf("distortion matrix not invertible: %w", err)
	}
	return &inv, nil
}

// expandCovariance lifts a reduced common-axis covariance (6x6, parameter
// order sx sy sz mxy mxz myz) to the full 9x9 layout. Rows and columns of
// the structurally-zero parameters (myx, mzx, mzy) are identically zero.
func expandCovariance(reduced *mat.Dense) *mat.Dense {
	full := mat.NewDense(numParamsGeneral, numParamsGeneral, nil)
	for i := 0; i < numParamsCommonAxis; i++ {
		for j := 0; j < numParamsCommonAxis; j++ {
			full.Set(generalParamIndex[i], generalParamIndex[j], reduced.At(i, j))
		}
	}
	return full
}

// cloneDense returns a defensive copy, or nil for nil input. Getters return
// copies so callers cannot mutate session-owned state.
func cloneDense(m *mat.Dense) *mat.Dense {
	if m == nil {
		return nil
	}
	var c mat.Dense
	c.CloneFrom(m)
	return &c
}
