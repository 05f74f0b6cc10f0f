package accel

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// The refinement stage re-solves the calibration over every inlier of the
// best consensus model with sigma-weighted nonlinear least squares, then
// propagates measurement noise through the linearised residual Jacobian to
// a parameter covariance. With weights 1/sigma the weighted Jacobian J
// already absorbs the measurement covariance, so the parameter covariance
// is (J^T J)^-1, the same normal-matrix inverse the pack's weighted
// least-squares solvers report.

// estimate is the internal outcome of a calibration run. The session copies
// it into its exported getters.
type estimate struct {
	params []float64
	ma     *mat.Dense

	// covariance is the full 9x9 parameter covariance in scale-first
	// order. In common-axis mode the rows and columns of the three
	// structurally-zero parameters are exactly zero; in general mode the
	// gauge-fixed transposed pairs are fully correlated. Nil when
	// covariance retention is disabled or the normal matrix is singular.
	covariance *mat.Dense

	mse   float64
	chiSq float64
}

// refineConfig carries the slice of session configuration the refinement
// pass needs.
type refineConfig struct {
	measurements []Measurement
	bias         [3]float64
	gravityNorm  float64
	commonAxis   bool
	keepCov      bool
}

// refine runs the weighted pass starting from the consensus candidate and
// its inlier set. Non-convergence surfaces as ErrCalibrationFailed.
func refine(cfg refineConfig, cand *candidateModel) (*estimate, error) {
	inliers := make([]int, 0, cand.score.support)
	for i, in := range cand.inlierSet {
		if in {
			inliers = append(inliers, i)
		}
	}
	if len(inliers) == 0 {
		return nil, fmt.Errorf("%w: refinement invoked with empty inlier set", ErrCalibrationFailed)
	}

	fn := func(p []float64) ([]float64, error) {
		ma, err := maFromParams(p)
		if err != nil {
			return nil, err
		}
		model, err := newGravityModel(ma, cfg.bias, cfg.gravityNorm)
		if err != nil {
			return nil, err
		}
		r := make([]float64, len(inliers))
		for i, idx := range inliers {
			m := cfg.measurements[idx]
			r[i] = model.signedResidual(m) / m.Sigma
		}
		return r, nil
	}

	res, err := solveLM(withGaugeConstraint(fn, cand.params), cand.params, defaultLMOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: refinement did not converge: %v", ErrCalibrationFailed, err)
	}

	ma, err := maFromParams(res.params)
	if err != nil {
		return nil, err
	}

	est := &estimate{params: res.params, ma: ma}
	est.mse, est.chiSq, err = fitStatistics(cfg, ma, inliers)
	if err != nil {
		return nil, err
	}

	if cfg.keepCov {
		est.covariance = parameterCovariance(res.jacobian, cfg.commonAxis)
	}
	return est, nil
}

// unrefinedEstimate promotes the consensus candidate directly to the final
// result when refinement is disabled. Fit statistics are still computed
// over the candidate's inliers; no covariance is available.
func unrefinedEstimate(cfg refineConfig, cand *candidateModel) (*estimate, error) {
	ma, err := maFromParams(cand.params)
	if err != nil {
		return nil, err
	}
	inliers := make([]int, 0, cand.score.support)
	for i, in := range cand.inlierSet {
		if in {
			inliers = append(inliers, i)
		}
	}
	est := &estimate{params: cand.params, ma: ma}
	est.mse, est.chiSq, err = fitStatistics(cfg, ma, inliers)
	if err != nil {
		return nil, err
	}
	return est, nil
}

// fitStatistics computes the mean-squared residual and the chi-square
// statistic (sum of squared sigma-normalised residuals) over the inlier
// set. Both are non-negative by construction.
func fitStatistics(cfg refineConfig, ma *mat.Dense, inliers []int) (mse, chiSq float64, err error) {
	model, err := newGravityModel(ma, cfg.bias, cfg.gravityNorm)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrCalibrationFailed, err)
	}
	for _, idx := range inliers {
		m := cfg.measurements[idx]
		r := model.signedResidual(m)
		mse += r * r
		w := r / m.Sigma
		chiSq += w * w
	}
	if len(inliers) > 0 {
		mse /= float64(len(inliers))
	}
	return mse, chiSq, nil
}

// parameterCovariance inverts the normal matrix J^T J of the weighted
// Jacobian at the solution. In common-axis mode the reduced 6x6 matrix is
// expanded to the full 9x9 layout with exact zeros for the structurally-zero
// parameters. In general mode the covariance is formed on the 6-dimensional
// symmetric subspace and lifted back, so the gauge-fixed transposed pairs
// come out fully correlated (the gauge rows of the Jacobian vanish in the
// reduced system). Returns nil when the normal matrix is singular
// (degenerate inlier geometry); the result then simply carries no
// covariance.
func parameterCovariance(jac *mat.Dense, commonAxis bool) *mat.Dense {
	if commonAxis {
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var cov mat.Dense
		if err := cov.Inverse(&jtj); err != nil {
			return nil
		}
		return expandCovariance(&cov)
	}

	basis := symmetricBasis()
	var jb mat.Dense
	jb.Mul(jac, basis)
	var jtj mat.Dense
	jtj.Mul(jb.T(), &jb)
	var reduced mat.Dense
	if err := reduced.Inverse(&jtj); err != nil {
		return nil
	}
	var tmp, cov mat.Dense
	tmp.Mul(basis, &reduced)
	cov.Mul(&tmp, basis.T())
	return &cov
}
