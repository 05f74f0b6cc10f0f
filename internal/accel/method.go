package accel

import (
	"fmt"
	"math"
	"sort"
)

// Method selects the consensus-scoring rule used by the robust engine. The
// sampling loop, minimal solver and refinement pass are shared; methods
// differ only in how a candidate's support is measured and compared.
type Method string

const (
	// MethodRANSAC scores a candidate by its inlier count (residual <=
	// threshold), tie-breaking on the lower summed inlier residual.
	MethodRANSAC Method = "ransac"

	// MethodMSAC scores by the truncated quadratic loss
	// sum(min(r^2, threshold^2)); lower is better.
	MethodMSAC Method = "msac"

	// MethodLMedS scores by the median of squared residuals and derives
	// the inlier set from a robust scale estimate rather than the fixed
	// threshold.
	MethodLMedS Method = "lmeds"
)

// QualityScoresApplicable reports whether the method consumes caller-supplied
// per-measurement quality scores. None of the shipped methods do: quality
// scores are accepted and retained by the session so that score-driven
// variants (PROSAC-style guided sampling) can share the configuration
// surface, but these methods ignore them. This is a deliberate no-op
// contract, not a dropped value.
func (m Method) QualityScoresApplicable() bool {
	return false
}

func (m Method) valid() bool {
	switch m {
	case MethodRANSAC, MethodMSAC, MethodLMedS:
		return true
	}
	return false
}

// candidateScore is the comparable support measure of one candidate model.
type candidateScore struct {
	support int     // classified inlier count
	loss    float64 // method-specific aggregate loss, lower is better
}

// scorer is the strategy interface behind Method: it classifies inliers,
// aggregates a candidate's support measure, and orders candidates.
type scorer interface {
	// score classifies residuals and returns the support measure together
	// with the inlier mask (mask[i] true when measurement i supports the
	// candidate).
	score(residuals []float64) (candidateScore, []bool)

	// better reports whether score a beats score b. Must be a strict
	// ordering so that the retained best model is deterministic for a
	// fixed random sequence.
	better(a, b candidateScore) bool
}

func newScorer(m Method, threshold float64) (scorer, error) {
	switch m {
	case MethodRANSAC:
		return ransacScorer{threshold: threshold}, nil
	case MethodMSAC:
		return msacScorer{threshold: threshold}, nil
	case MethodLMedS:
		return lmedsScorer{}, nil
	}
	return nil, fmt.Errorf("%w: unknown robust method %q", ErrInvalidArgument, m)
}

type ransacScorer struct {
	threshold float64
}

func (s ransacScorer) score(residuals []float64) (candidateScore, []bool) {
	mask := make([]bool, len(residuals))
	sc := candidateScore{}
	for i, r := range residuals {
		if r <= s.threshold {
			mask[i] = true
			sc.support++
			sc.loss += r
		}
	}
	return sc, mask
}

// better prefers the larger inlier count; equal counts break the tie on the
// lower summed inlier residual so that repeated runs with the same random
// sequence retain the same model.
func (s ransacScorer) better(a, b candidateScore) bool {
	if a.support != b.support {
		return a.support > b.support
	}
	return a.loss < b.loss
}

type msacScorer struct {
	threshold float64
}

func (s msacScorer) score(residuals []float64) (candidateScore, []bool) {
	mask := make([]bool, len(residuals))
	sc := candidateScore{}
	t2 := s.threshold * s.threshold
	for i, r := range residuals {
		r2 := r * r
		if r2 <= t2 {
			mask[i] = true
			sc.support++
			sc.loss += r2
		} else {
			sc.loss += t2
		}
	}
	return sc, mask
}

func (s msacScorer) better(a, b candidateScore) bool {
	if a.loss != b.loss {
		return a.loss < b.loss
	}
	return a.support > b.support
}

type lmedsScorer struct{}

func (s lmedsScorer) score(residuals []float64) (candidateScore, []bool) {
	n := len(residuals)
	sq := make([]float64, n)
	for i, r := range residuals {
		sq[i] = r * r
	}
	med := medianInPlace(sq)

	// Robust standard deviation from the median of squared residuals
	// (Rousseeuw's consistency factor); inliers sit within 2.5 sigma.
	sigma := 1.4826 * math.Sqrt(med)
	cut := 2.5 * sigma

	mask := make([]bool, n)
	sc := candidateScore{loss: med}
	for i, r := range residuals {
		if r <= cut {
			mask[i] = true
			sc.support++
		}
	}
	return sc, mask
}

func (s lmedsScorer) better(a, b candidateScore) bool {
	if a.loss != b.loss {
		return a.loss < b.loss
	}
	return a.support > b.support
}

// medianInPlace sorts v and returns its median. Zero-length input returns 0.
func medianInPlace(v []float64) float64 {
	n := len(v)
	if n == 0 {
		return 0
	}
	sort.Float64s(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return 0.5 * (v[n/2-1] + v[n/2])
}
