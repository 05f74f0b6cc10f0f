package accel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// levenbergMarquardt minimises 0.5*||r(p)||^2 for a small dense nonlinear
// system. The damped normal equations
//
//	(J^T J + lambda*diag(J^T J)) dp = -J^T r
//
// are solved each step; lambda shrinks on accepted steps and grows on
// rejected ones (Marquardt scaling keeps the damping well-conditioned when
// parameters differ in magnitude). The Jacobian is formed by central
// differences, which keeps the solver independent of the residual form and
// deterministic for identical inputs.
//
// The solve is rank-tolerant: when J^T J is singular (an underdetermined
// subset) the damping term still yields a solvable system and the iteration
// walks to a minimum-correction solution near the starting point.

type lmOptions struct {
	// maxIterations bounds the damped Gauss-Newton loop.
	maxIterations int

	// costTol stops the loop when the relative cost improvement of an
	// accepted step falls below it.
	costTol float64

	// stepTol stops the loop when the accepted parameter step is
	// negligible relative to the parameter magnitude.
	stepTol float64
}

func defaultLMOptions() lmOptions {
	return lmOptions{
		maxIterations: 200,
		costTol:       1e-14,
		stepTol:       1e-14,
	}
}

// residualFunc evaluates the residual vector at a parameter point. An error
// marks the point unevaluable (e.g. singular distortion matrix); the solver
// treats it as a rejected step.
type residualFunc func(p []float64) ([]float64, error)

// lmResult carries the solution and the terms needed for covariance
// propagation at the optimum.
type lmResult struct {
	params   []float64
	cost     float64 // 0.5 * sum of squared residuals
	jacobian *mat.Dense
	nResid   int
}

func solveLM(fn residualFunc, p0 []float64, opts lmOptions) (*lmResult, error) {
	nP := len(p0)
	p := append([]float64(nil), p0...)

	r, err := fn(p)
	if err != nil {
		return nil, fmt.Errorf("initial residual evaluation: %w", err)
	}
	nR := len(r)
	if nR == 0 {
		return nil, fmt.Errorf("%w: empty residual vector", ErrInvalidArgument)
	}
	cost := halfSquaredNorm(r)

	lambda := 1e-3
	const lambdaUp, lambdaDown, lambdaMax = 10.0, 0.1, 1e12

	var jac *mat.Dense
	converged := false

	for iter := 0; iter < opts.maxIterations; iter++ {
		jac, err = numericJacobian(fn, p, r)
		if err != nil {
			return nil, fmt.Errorf("jacobian evaluation: %w", err)
		}

		// Normal-equation terms J^T J and J^T r.
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		rhs := mat.NewVecDense(nP, nil)
		rhs.MulVec(jac.T(), mat.NewVecDense(nR, r))
		rhs.ScaleVec(-1, rhs)

		accepted := false
		for !accepted && lambda <= lambdaMax {
			var damped mat.Dense
			damped.CloneFrom(&jtj)
			for i := 0; i < nP; i++ {
				d := jtj.At(i, i)
				if d == 0 {
					d = 1
				}
				damped.Set(i, i, jtj.At(i, i)+lambda*d)
			}

			var dp mat.VecDense
			if err := dp.SolveVec(&damped, rhs); err != nil {
				lambda *= lambdaUp
				continue
			}

			trial := make([]float64, nP)
			for i := range trial {
				trial[i] = p[i] + dp.AtVec(i)
			}
			trialR, trialErr := fn(trial)
			if trialErr != nil {
				lambda *= lambdaUp
				continue
			}
			trialCost := halfSquaredNorm(trialR)
			if trialCost >= cost {
				lambda *= lambdaUp
				continue
			}

			// Accepted step.
			improvement := (cost - trialCost) / math.Max(cost, 1e-300)
			stepNorm := mat.Norm(&dp, 2)
			pNorm := norm(p)

			p = trial
			r = trialR
			cost = trialCost
			lambda = math.Max(lambda*lambdaDown, 1e-12)
			accepted = true

			if improvement < opts.costTol || stepNorm <= opts.stepTol*(pNorm+opts.stepTol) {
				converged = true
			}
		}

		if !accepted {
			// Damping exhausted without improvement: the current point is
			// a (possibly local) minimum to working precision.
			converged = true
		}
		if converged {
			break
		}
	}

	if !converged {
		return nil, errNotConverged
	}

	// Recompute the Jacobian at the solution for covariance propagation.
	jac, err = numericJacobian(fn, p, r)
	if err != nil {
		return nil, fmt.Errorf("jacobian at solution: %w", err)
	}

	return &lmResult{params: p, cost: cost, jacobian: jac, nResid: nR}, nil
}

// numericJacobian forms d r_i / d p_j by central differences. The step is
// scaled to the parameter magnitude with a floor suited to calibration
// parameters of order 1e-6..1e-1.
func numericJacobian(fn residualFunc, p, r0 []float64) (*mat.Dense, error) {
	nP := len(p)
	nR := len(r0)
	jac := mat.NewDense(nR, nP, nil)
	work := append([]float64(nil), p...)

	for j := 0; j < nP; j++ {
		h := 1e-7 * math.Max(math.Abs(p[j]), 1e-2)

		work[j] = p[j] + h
		rPlus, err := fn(work)
		if err != nil {
			return nil, err
		}
		work[j] = p[j] - h
		rMinus, err := fn(work)
		if err != nil {
			return nil, err
		}
		work[j] = p[j]

		inv2h := 1 / (2 * h)
		for i := 0; i < nR; i++ {
			jac.Set(i, j, (rPlus[i]-rMinus[i])*inv2h)
		}
	}
	return jac, nil
}

func halfSquaredNorm(r []float64) float64 {
	s := 0.0
	for _, v := range r {
		s += v * v
	}
	return 0.5 * s
}

func norm(p []float64) float64 {
	s := 0.0
	for _, v := range p {
		s += v * v
	}
	return math.Sqrt(s)
}
