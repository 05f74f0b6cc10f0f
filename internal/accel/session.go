// Package accel estimates the scale-factor and cross-coupling error matrix
// of a triaxial accelerometer from noisy static specific-force measurements,
// given a known bias vector and the known local gravity norm. A fraction of
// the measurements may be gross outliers: the estimation is a robust
// sample-consensus search (RANSAC, MSAC or LMedS scoring) over minimal
// measurement subsets, followed by a sigma-weighted nonlinear refinement
// over the winning model's inliers with covariance and goodness-of-fit
// reporting.
package accel

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// SessionState is the lifecycle state of a Calibrator.
type SessionState int

const (
	// StateNotReady means configuration is incomplete: too few
	// measurements for the axis mode, or no gravity norm.
	StateNotReady SessionState = iota

	// StateReady means Calibrate may run.
	StateReady

	// StateRunning means a calibration is in progress; every mutating
	// call fails with ErrLocked until it completes.
	StateRunning
)

func (s SessionState) String() string {
	switch s {
	case StateNotReady:
		return "not_ready"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Listener observes a calibration run. Callbacks are invoked synchronously
// from within Calibrate on the caller's goroutine. The start, iteration and
// progress callbacks observe a running session: reads are fine, any mutating
// call fails with ErrLocked. OnCalibrateEnd observes the completed session.
type Listener interface {
	// OnCalibrateStart fires after the session transitions to running,
	// before the first consensus iteration.
	OnCalibrateStart(c *Calibrator)

	// OnCalibrateEnd fires after a successful run, once the estimated
	// result is set and the session is back to ready.
	OnCalibrateEnd(c *Calibrator)

	// OnCalibrateNextIteration fires after every consensus iteration
	// with the 1-based iteration number.
	OnCalibrateNextIteration(c *Calibrator, iteration int)

	// OnCalibrateProgressChange fires when run progress advances by at
	// least 5%, with progress in (0, 1].
	OnCalibrateProgressChange(c *Calibrator, progress float64)
}

// InliersData describes the best model's support over the measurement set.
// It is created by a successful Calibrate call when inlier retention is
// enabled and replaced on the next run.
type InliersData struct {
	mask      []bool
	residuals []float64
	count     int
}

// Count returns the number of inliers.
func (d *InliersData) Count() int { return d.count }

// Mask returns a copy of the per-measurement inlier indicators, or nil when
// inlier retention was disabled.
func (d *InliersData) Mask() []bool {
	if d.mask == nil {
		return nil
	}
	return append([]bool(nil), d.mask...)
}

// Residuals returns a copy of the per-measurement residuals under the best
// model, or nil when residual retention was disabled.
func (d *InliersData) Residuals() []float64 {
	if d.residuals == nil {
		return nil
	}
	return append([]float64(nil), d.residuals...)
}

// Configuration defaults.
const (
	// DefaultThreshold is the default inlier residual threshold in m/s^2.
	DefaultThreshold = 1e-2

	// DefaultConfidence is the default consensus confidence.
	DefaultConfidence = 0.99

	// DefaultMaxIterations caps the consensus loop.
	DefaultMaxIterations = 5000
)

// Calibrator is the calibration session: it owns the configuration and the
// measurement sequence, enforces the ready/running/locked lifecycle, drives
// the consensus search and refinement, and exposes the estimated result.
// Execution is synchronous and single-threaded; the running flag exists to
// reject mutation from listener callbacks or other goroutines while a run
// is in flight, not to enable concurrency.
type Calibrator struct {
	mu      sync.Mutex
	running bool

	bias          [3]float64
	initialMa     *mat.Dense
	commonAxis    bool
	measurements  []Measurement
	gravityNorm   *float64
	threshold     float64
	confidence    float64
	maxIterations int
	subsetSize    int // 0 = automatic (minimum for the axis mode)
	keepInliers   bool
	keepResiduals bool
	refineResult  bool
	keepCov       bool
	method        Method
	listener      Listener
	qualityScores []float64
	rng           *rand.Rand

	estimated *estimate
	inliers   *InliersData
}

// NewCalibrator returns a session with default configuration: RANSAC
// scoring, threshold 1e-2 m/s^2, confidence 0.99, 5000 max iterations,
// refinement and covariance retention enabled, inlier/residual retention
// disabled, zero initial Ma, general (non common-axis) mode.
func NewCalibrator() *Calibrator {
	return &Calibrator{
		initialMa:     mat.NewDense(3, 3, nil),
		threshold:     DefaultThreshold,
		confidence:    DefaultConfidence,
		maxIterations: DefaultMaxIterations,
		refineResult:  true,
		keepCov:       true,
		method:        MethodRANSAC,
	}
}

// guardMutable returns ErrLocked while a run is in progress. Callers must
// hold c.mu.
func (c *Calibrator) guardMutable() error {
	if c.running {
		return ErrLocked
	}
	return nil
}

// State returns the current session state.
func (c *Calibrator) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return StateRunning
	}
	if c.readyLocked() {
		return StateReady
	}
	return StateNotReady
}

// IsReady reports whether Calibrate may run with the current configuration:
// a gravity norm is set, the measurement sequence holds at least the
// minimum count for the axis mode, and the preliminary subset size is
// feasible for the measurement count.
func (c *Calibrator) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.running && c.readyLocked()
}

func (c *Calibrator) readyLocked() bool {
	if c.gravityNorm == nil || c.measurements == nil {
		return false
	}
	minMeas := MinimumMeasurements(c.commonAxis)
	if len(c.measurements) < minMeas {
		return false
	}
	subset := c.effectiveSubsetSizeLocked()
	if subset < minMeas || subset > numParams(c.commonAxis) {
		return false
	}
	return subset <= len(c.measurements)
}

func (c *Calibrator) effectiveSubsetSizeLocked() int {
	if c.subsetSize == 0 {
		return MinimumMeasurements(c.commonAxis)
	}
	return c.subsetSize
}

// --- configuration setters -------------------------------------------------

// SetBias sets the known bias from a 3-element vector (m/s^2).
func (c *Calibrator) SetBias(b []float64) error {
	if len(b) != 3 {
		return fmt.Errorf("%w: bias must have exactly 3 elements, got %d", ErrInvalidArgument, len(b))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	copy(c.bias[:], b)
	return nil
}

// SetBiasMatrix sets the known bias from a 3x1 column matrix.
func (c *Calibrator) SetBiasMatrix(b mat.Matrix) error {
	r, cols := b.Dims()
	if r != 3 || cols != 1 {
		return fmt.Errorf("%w: bias matrix must be 3x1, got %dx%d", ErrInvalidArgument, r, cols)
	}
	return c.SetBias([]float64{b.At(0, 0), b.At(1, 0), b.At(2, 0)})
}

// SetBiasCoordinates sets the known bias from per-axis values (m/s^2).
func (c *Calibrator) SetBiasCoordinates(bx, by, bz float64) error {
	return c.SetBias([]float64{bx, by, bz})
}

// Bias returns the known bias vector.
func (c *Calibrator) Bias() [3]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bias
}

// BiasVector returns the known bias as a new 3x1 vector.
func (c *Calibrator) BiasVector() *mat.VecDense {
	b := c.Bias()
	return mat.NewVecDense(3, b[:])
}

// SetInitialMa sets the starting point for every nonlinear solve. A zero
// matrix (the default) assumes a roughly ideal sensor. In general mode the
// antisymmetric part of the initial Ma is unobservable through the gravity
// norm and carries through to the estimate unchanged.
func (c *Calibrator) SetInitialMa(ma mat.Matrix) error {
	r, cols := ma.Dims()
	if r != 3 || cols != 3 {
		return fmt.Errorf("%w: initial Ma must be 3x3, got %dx%d", ErrInvalidArgument, r, cols)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.initialMa.Copy(ma)
	return nil
}

// SetInitialScalingFactorsAndCrossCouplings sets the initial Ma from its
// nine elements in matrix position order.
func (c *Calibrator) SetInitialScalingFactorsAndCrossCouplings(sx, sy, sz, mxy, mxz, myx, myz, mzx, mzy float64) error {
	return c.SetInitialMa(mat.NewDense(3, 3, []float64{
		sx, mxy, mxz,
		myx, sy, myz,
		mzx, mzy, sz,
	}))
}

// InitialMa returns a copy of the initial Ma.
func (c *Calibrator) InitialMa() *mat.Dense {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneDense(c.initialMa)
}

// SetCommonAxisUsed selects the common-axis fixture constraint: three
// lower-triangle cross couplings are structurally zero, the unknown count
// drops from 9 to 6 and the minimum measurement count from 7 to 4.
func (c *Calibrator) SetCommonAxisUsed(used bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.commonAxis = used
	return nil
}

// CommonAxisUsed reports whether the common-axis constraint is enabled.
func (c *Calibrator) CommonAxisUsed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commonAxis
}

// SetMeasurements replaces the measurement sequence. Every measurement is
// validated; the slice is copied, and measurements are treated as immutable
// afterwards. Order is irrelevant to the algorithm.
func (c *Calibrator) SetMeasurements(ms []Measurement) error {
	for i, m := range ms {
		if err := m.validate(); err != nil {
			return fmt.Errorf("measurement %d: %w", i, err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	if ms == nil {
		c.measurements = nil
		return nil
	}
	c.measurements = append([]Measurement(nil), ms...)
	return nil
}

// AddMeasurement appends one measurement to the sequence.
func (c *Calibrator) AddMeasurement(m Measurement) error {
	if err := m.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.measurements = append(c.measurements, m)
	return nil
}

// Measurements returns a copy of the measurement sequence.
func (c *Calibrator) Measurements() []Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.measurements == nil {
		return nil
	}
	return append([]Measurement(nil), c.measurements...)
}

// SetGroundTruthGravityNorm sets |g| at the calibration site in m/s^2.
// A signed acceleration may be passed; its magnitude is used.
func (c *Calibrator) SetGroundTruthGravityNorm(g float64) error {
	norm := math.Abs(g)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return fmt.Errorf("%w: gravity norm must be a non-zero finite value, got %v", ErrInvalidArgument, g)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.gravityNorm = &norm
	return nil
}

// GroundTruthGravityNorm returns the configured gravity norm and whether it
// has been set.
func (c *Calibrator) GroundTruthGravityNorm() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gravityNorm == nil {
		return 0, false
	}
	return *c.gravityNorm, true
}

// SetThreshold sets the inlier residual threshold (m/s^2). Must be > 0.
func (c *Calibrator) SetThreshold(t float64) error {
	if t <= 0 || math.IsNaN(t) {
		return fmt.Errorf("%w: threshold must be > 0, got %v", ErrInvalidArgument, t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.threshold = t
	return nil
}

// Threshold returns the inlier residual threshold.
func (c *Calibrator) Threshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// SetConfidence sets the consensus confidence, in [0, 1].
func (c *Calibrator) SetConfidence(conf float64) error {
	if conf < 0 || conf > 1 || math.IsNaN(conf) {
		return fmt.Errorf("%w: confidence must be in [0, 1], got %v", ErrInvalidArgument, conf)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.confidence = conf
	return nil
}

// Confidence returns the consensus confidence.
func (c *Calibrator) Confidence() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confidence
}

// SetMaxIterations caps the consensus loop. Must be > 0.
func (c *Calibrator) SetMaxIterations(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: max iterations must be > 0, got %d", ErrInvalidArgument, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.maxIterations = n
	return nil
}

// MaxIterations returns the consensus iteration cap.
func (c *Calibrator) MaxIterations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxIterations
}

// SetPreliminarySubsetSize sets the measurement count of each minimal
// sample. The valid range for the current axis mode is [minimum
// measurements, unknown count]: 7..9 in general mode, 4..6 in common-axis
// mode. At the default (the minimum) the minimal system may be
// underdetermined and the solver regularises towards the initial Ma;
// raising the size adds redundancy to each minimal solve.
func (c *Calibrator) SetPreliminarySubsetSize(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	minMeas := MinimumMeasurements(c.commonAxis)
	maxSize := numParams(c.commonAxis)
	if n < minMeas || n > maxSize {
		return fmt.Errorf("%w: preliminary subset size must be in [%d, %d] for this axis mode, got %d",
			ErrInvalidArgument, minMeas, maxSize, n)
	}
	c.subsetSize = n
	return nil
}

// PreliminarySubsetSize returns the effective minimal-sample size: the
// configured value, or the axis-mode minimum when unset.
func (c *Calibrator) PreliminarySubsetSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveSubsetSizeLocked()
}

// SetComputeAndKeepInliers controls whether the best model's inlier mask is
// retained on the session after a successful run.
func (c *Calibrator) SetComputeAndKeepInliers(keep bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.keepInliers = keep
	return nil
}

// ComputeAndKeepInliers reports whether inlier retention is enabled.
func (c *Calibrator) ComputeAndKeepInliers() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepInliers
}

// SetComputeAndKeepResiduals controls whether the best model's residuals
// are retained on the session after a successful run.
func (c *Calibrator) SetComputeAndKeepResiduals(keep bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.keepResiduals = keep
	return nil
}

// ComputeAndKeepResiduals reports whether residual retention is enabled.
func (c *Calibrator) ComputeAndKeepResiduals() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepResiduals
}

// SetResultRefined controls the weighted refinement pass over the inliers
// of the best consensus model (enabled by default). When disabled the best
// candidate becomes the final result and no covariance is produced.
func (c *Calibrator) SetResultRefined(refined bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.refineResult = refined
	return nil
}

// ResultRefined reports whether the refinement pass is enabled.
func (c *Calibrator) ResultRefined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refineResult
}

// SetCovarianceKept controls parameter covariance propagation during
// refinement (enabled by default).
func (c *Calibrator) SetCovarianceKept(kept bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.keepCov = kept
	return nil
}

// CovarianceKept reports whether covariance propagation is enabled.
func (c *Calibrator) CovarianceKept() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepCov
}

// SetMethod selects the consensus-scoring rule.
func (c *Calibrator) SetMethod(m Method) error {
	if !m.valid() {
		return fmt.Errorf("%w: unknown robust method %q", ErrInvalidArgument, m)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.method = m
	return nil
}

// Method returns the selected consensus-scoring rule.
func (c *Calibrator) Method() Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method
}

// SetListener sets the run observer. A nil listener disables notifications.
func (c *Calibrator) SetListener(l Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.listener = l
	return nil
}

// Listener returns the configured run observer.
func (c *Calibrator) Listener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// SetQualityScores stores caller-supplied per-measurement quality scores.
// The shipped methods do not consume them (Method.QualityScoresApplicable
// is false); the scores are retained so score-driven sampling variants can
// share this configuration surface.
func (c *Calibrator) SetQualityScores(scores []float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	if scores == nil {
		c.qualityScores = nil
		return nil
	}
	c.qualityScores = append([]float64(nil), scores...)
	return nil
}

// QualityScores returns a copy of the stored quality scores, or nil.
func (c *Calibrator) QualityScores() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qualityScores == nil {
		return nil
	}
	return append([]float64(nil), c.qualityScores...)
}

// SetRandomSource replaces the subset-sampling random source, the only
// non-determinism in a run. Seed it for reproducible calibrations.
func (c *Calibrator) SetRandomSource(rng *rand.Rand) error {
	if rng == nil {
		return fmt.Errorf("%w: random source must not be nil", ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardMutable(); err != nil {
		return err
	}
	c.rng = rng
	return nil
}

// --- result getters --------------------------------------------------------

// EstimatedMa returns a copy of the estimated 3x3 scale/cross-coupling
// matrix, or nil before a successful run. In common-axis mode the three
// lower-triangle entries are exactly zero.
func (c *Calibrator) EstimatedMa() *mat.Dense {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimated == nil {
		return nil
	}
	return cloneDense(c.estimated.ma)
}

// EstimatedCovariance returns a copy of the 9x9 parameter covariance in
// scale-first order (sx sy sz mxy mxz myx myz mzx mzy), or nil when no run
// has succeeded, covariance retention is disabled, or the inlier geometry
// was degenerate. In common-axis mode the rows and columns of myx, mzx and
// mzy are exactly zero. In general mode the antisymmetric part of Ma is
// held at the initial guess, so each transposed off-diagonal pair is fully
// correlated.
func (c *Calibrator) EstimatedCovariance() *mat.Dense {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimated == nil {
		return nil
	}
	return cloneDense(c.estimated.covariance)
}

// EstimatedMSE returns the mean-squared residual over the final inlier set,
// or 0 before a successful run.
func (c *Calibrator) EstimatedMSE() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimated == nil {
		return 0
	}
	return c.estimated.mse
}

// EstimatedChiSq returns the chi-square goodness-of-fit statistic (sum of
// squared sigma-normalised residuals over the inliers), or 0 before a
// successful run.
func (c *Calibrator) EstimatedChiSq() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimated == nil {
		return 0
	}
	return c.estimated.chiSq
}

// InliersData returns the best model's support data from the last
// successful run, or nil when no run has succeeded or retention was
// disabled on both flags.
func (c *Calibrator) InliersData() *InliersData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inliers
}

// --- calibration -----------------------------------------------------------

// Calibrate runs the robust estimation to completion on the caller's
// goroutine. It requires a ready session, locks out all mutation while
// running, and on success sets the estimated result and returns the session
// to ready. On failure (no consensus, or refinement divergence) the session
// returns to ready with the previous result untouched.
func (c *Calibrator) Calibrate() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrLocked
	}
	if !c.readyLocked() {
		c.mu.Unlock()
		return fmt.Errorf("%w: need >= %d measurements and a gravity norm",
			ErrNotReady, MinimumMeasurements(c.commonAxis))
	}
	c.running = true

	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	// Snapshot the configuration: the engine must not observe mutation,
	// and all mutating entry points are rejected until the run ends.
	cfg := refineConfig{
		measurements: c.measurements,
		bias:         c.bias,
		gravityNorm:  *c.gravityNorm,
		commonAxis:   c.commonAxis,
		keepCov:      c.keepCov,
	}
	sc, err := newScorer(c.method, c.threshold)
	if err != nil {
		c.running = false
		c.mu.Unlock()
		return err
	}
	engine := &consensusEngine{
		measurements: c.measurements,
		bias:         c.bias,
		gravityNorm:  *c.gravityNorm,
		initial:      paramsFromMa(c.initialMa, c.commonAxis),
		subsetSize:   c.effectiveSubsetSizeLocked(),
		confidence:   c.confidence,
		maxIter:      c.maxIterations,
		score:        sc,
		rng:          c.rng,
	}
	listener := c.listener
	refineResult := c.refineResult
	keepInliers := c.keepInliers
	keepResiduals := c.keepResiduals
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if listener != nil {
		engine.onIteration = func(iteration int) { listener.OnCalibrateNextIteration(c, iteration) }
		engine.onProgress = func(progress float64) { listener.OnCalibrateProgressChange(c, progress) }
		listener.OnCalibrateStart(c)
	}

	best, err := engine.run()
	if err != nil {
		return err
	}

	var est *estimate
	if refineResult {
		est, err = refine(cfg, best)
	} else {
		est, err = unrefinedEstimate(cfg, best)
	}
	if err != nil {
		return err
	}

	var inliers *InliersData
	if keepInliers || keepResiduals {
		inliers = &InliersData{count: best.score.support}
		if keepInliers {
			inliers.mask = best.inlierSet
		}
		if keepResiduals {
			inliers.residuals = best.residuals
		}
	}

	// Install the result and return the session to ready before the end
	// notification, so the callback observes the finished state.
	c.mu.Lock()
	c.estimated = est
	c.inliers = inliers
	c.running = false
	c.mu.Unlock()

	if listener != nil {
		listener.OnCalibrateEnd(c)
	}
	return nil
}
