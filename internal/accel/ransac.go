package accel

import (
	"fmt"
	"math"
	"math/rand"
)

// The consensus engine implements the hypothesize-and-test loop shared by
// every robust method: draw a minimal subset uniformly at random, fit a
// candidate Ma to it with the nonlinear minimal-sample solver, score the
// candidate against the full measurement set, and retain the best model.
// The iteration bound follows the classic sample-consensus formula
//
//	N = log(1 - confidence) / log(1 - w^s)
//
// where w is the current best inlier ratio and s the subset size; the bound
// tightens as better models are found and is always capped by the
// configured maximum.

// progressDelta is the minimum progress change that triggers a listener
// progress notification.
const progressDelta = 0.05

// candidateModel is one scored hypothesis. Only the best survives the loop;
// the per-measurement residuals ride along for inlier bookkeeping and
// optional retention.
type candidateModel struct {
	params    []float64
	score     candidateScore
	inlierSet []bool
	residuals []float64
}

// consensusEngine is a single-use run context: it snapshots the session
// configuration at Calibrate time, so listener callbacks observing the
// session cannot perturb an in-flight search.
type consensusEngine struct {
	measurements []Measurement
	bias         [3]float64
	gravityNorm  float64
	initial      []float64 // initial parameter vector for every solve
	subsetSize   int
	confidence   float64
	maxIter      int
	score        scorer
	rng          *rand.Rand

	onIteration func(iteration int)
	onProgress  func(progress float64)
}

// run executes the consensus search and returns the best candidate, or
// ErrCalibrationFailed when no candidate reaches minimum inlier support
// (the subset size: a model must at least explain the sample that produced
// it).
func (e *consensusEngine) run() (*candidateModel, error) {
	n := len(e.measurements)
	bound := e.maxIter
	lastProgress := 0.0

	var best *candidateModel

	for iter := 0; iter < bound; iter++ {
		subset := sampleWithoutReplacement(e.rng, n, e.subsetSize)

		if cand := e.evaluateSubset(subset); cand != nil {
			if best == nil || e.score.better(cand.score, best.score) {
				best = cand
				ratio := float64(cand.score.support) / float64(n)
				bound = requiredIterations(e.confidence, ratio, e.subsetSize, e.maxIter)
			}
		}

		if e.onIteration != nil {
			e.onIteration(iter + 1)
		}
		if e.onProgress != nil {
			progress := math.Min(float64(iter+1)/float64(bound), 1)
			if progress-lastProgress >= progressDelta || progress == 1 {
				lastProgress = progress
				e.onProgress(progress)
			}
		}
	}

	if best == nil || best.score.support < e.subsetSize {
		return nil, fmt.Errorf("%w: no candidate model reached minimum inlier support", ErrCalibrationFailed)
	}
	return best, nil
}

// evaluateSubset fits a candidate to the sampled subset and scores it over
// the full measurement set. Returns nil when the minimal solve diverges or
// the candidate's distortion matrix is singular; the loop simply moves on
// to the next random subset.
func (e *consensusEngine) evaluateSubset(subset []int) *candidateModel {
	params, err := e.solveMinimal(subset)
	if err != nil {
		return nil
	}

	ma, err := maFromParams(params)
	if err != nil {
		return nil
	}
	model, err := newGravityModel(ma, e.bias, e.gravityNorm)
	if err != nil {
		return nil
	}

	residuals := make([]float64, len(e.measurements))
	for i, m := range e.measurements {
		residuals[i] = model.residual(m)
	}
	sc, mask := e.score.score(residuals)

	return &candidateModel{
		params:    params,
		score:     sc,
		inlierSet: mask,
		residuals: residuals,
	}
}

// solveMinimal runs the minimal-sample solver: unweighted Levenberg-
// Marquardt constraining every subset measurement's undistorted norm to the
// gravity norm, with the general-mode gauge terms holding the antisymmetric
// part of Ma at the initial guess. Deterministic for a fixed subset and
// initial guess.
func (e *consensusEngine) solveMinimal(subset []int) ([]float64, error) {
	fn := func(p []float64) ([]float64, error) {
		ma, err := maFromParams(p)
		if err != nil {
			return nil, err
		}
		model, err := newGravityModel(ma, e.bias, e.gravityNorm)
		if err != nil {
			return nil, err
		}
		r := make([]float64, len(subset))
		for i, idx := range subset {
			r[i] = model.signedResidual(e.measurements[idx])
		}
		return r, nil
	}

	res, err := solveLM(withGaugeConstraint(fn, e.initial), e.initial, defaultLMOptions())
	if err != nil {
		return nil, err
	}
	return res.params, nil
}

// requiredIterations evaluates the sample-consensus iteration bound for the
// given confidence, inlier ratio and subset size, clamped to [1, maxIter].
// A zero ratio (no usable model yet) keeps the bound at maxIter.
func requiredIterations(confidence, inlierRatio float64, subsetSize, maxIter int) int {
	if inlierRatio <= 0 {
		return maxIter
	}
	wS := math.Pow(inlierRatio, float64(subsetSize))
	if wS >= 1 {
		return 1
	}
	denom := math.Log1p(-wS)
	if denom == 0 {
		return maxIter
	}
	n := math.Log1p(-confidence) / denom
	if math.IsInf(n, 0) || n > float64(maxIter) {
		return maxIter
	}
	if n < 1 {
		return 1
	}
	return int(math.Ceil(n))
}

// sampleWithoutReplacement draws k distinct indices from [0, n) uniformly,
// by partial Fisher-Yates over an index slice.
func sampleWithoutReplacement(rng *rand.Rand, n, k int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:k]
}
