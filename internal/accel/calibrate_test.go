package accel_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/accelcal/internal/accel"
	"github.com/banshee-data/accelcal/internal/imu"
)

// symmetricMa returns a general-mode ground truth. The gravity-norm model
// observes only the symmetric part of the distortion, so a recoverable
// general-mode truth must be symmetric; the solver keeps the antisymmetric
// part at its (zero) starting value.
func symmetricMa() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0.02, 0.004, -0.003,
		0.004, -0.015, 0.002,
		-0.003, 0.002, 0.01,
	})
}

// upperTriangularMa returns a common-axis ground truth: lower triangle zero.
func upperTriangularMa() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0.02, 0.004, -0.003,
		0, -0.015, 0.002,
		0, 0, 0.01,
	})
}

func outlierSeries(t *testing.T, trueMa *mat.Dense, bias [3]float64, count int, inlierSigma float64, seed int64) []accel.Measurement {
	t.Helper()
	cfg := imu.StaticSeriesConfig{
		Count:            count,
		TrueMa:           trueMa,
		Bias:             bias,
		GravityNorm:      gravityNorm,
		InlierSigma:      inlierSigma,
		OutlierFraction:  0.10,
		OutlierSigma:     1.0,
		MeasurementSigma: 1e-6,
	}
	if inlierSigma > 0 {
		cfg.MeasurementSigma = inlierSigma
	}
	ms, _, err := imu.GenerateStatic(cfg, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("generate series: %v", err)
	}
	return ms
}

func maxAbsDiff(a, b *mat.Dense) float64 {
	worst := 0.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if d := math.Abs(a.At(i, j) - b.At(i, j)); d > worst {
				worst = d
			}
		}
	}
	return worst
}

// TestCalibrate_RecoveryUnderOutliers exercises the headline property:
// noise-free inliers polluted with 10% gross outliers, a tight threshold,
// and an exactly-determined minimal subset recover the true Ma to within
// 1e-8.
func TestCalibrate_RecoveryUnderOutliers(t *testing.T) {
	trueMa := symmetricMa()
	bias := [3]float64{0.3, -0.2, 0.1}
	ms := outlierSeries(t, trueMa, bias, 1000, 0, 101)

	cal := accel.NewCalibrator()
	if err := cal.SetMeasurements(ms); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetBias(bias[:]); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetGroundTruthGravityNorm(gravityNorm); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetThreshold(1e-10); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetPreliminarySubsetSize(9); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetComputeAndKeepInliers(true); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetRandomSource(rand.New(rand.NewSource(2))); err != nil {
		t.Fatal(err)
	}

	if err := cal.Calibrate(); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	est := cal.EstimatedMa()
	if est == nil {
		t.Fatal("no estimated Ma after successful run")
	}
	if d := maxAbsDiff(est, trueMa); d > 1e-8 {
		t.Errorf("max |Ma error| = %v, want <= 1e-8", d)
	}

	inl := cal.InliersData()
	if inl == nil {
		t.Fatal("inlier retention enabled but no inliers data")
	}
	// Roughly 90% of 1000 samples are clean.
	if inl.Count() < 800 || inl.Count() > 1000 {
		t.Errorf("inlier count = %d, want ~900", inl.Count())
	}

	if cal.EstimatedMSE() < 0 {
		t.Errorf("MSE = %v, want >= 0", cal.EstimatedMSE())
	}
	if cal.EstimatedChiSq() < 0 {
		t.Errorf("chi-square = %v, want >= 0", cal.EstimatedChiSq())
	}
}

// TestCalibrate_RecoveryAtDefaultSubset runs general mode without setting a
// subset size: each minimal sample holds the default 7 measurements, fewer
// than the 9 unknowns, so the solve leans on the gauge terms that hold the
// antisymmetric part of Ma at its starting value. Recovery must match the
// exactly-determined configuration.
func TestCalibrate_RecoveryAtDefaultSubset(t *testing.T) {
	trueMa := symmetricMa()
	bias := [3]float64{0.25, -0.1, 0.15}
	ms := outlierSeries(t, trueMa, bias, 1000, 0, 555)

	cal := accel.NewCalibrator()
	if err := cal.SetMeasurements(ms); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetBias(bias[:]); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetGroundTruthGravityNorm(gravityNorm); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetThreshold(1e-10); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetComputeAndKeepInliers(true); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetRandomSource(rand.New(rand.NewSource(21))); err != nil {
		t.Fatal(err)
	}
	if got := cal.PreliminarySubsetSize(); got != accel.MinimumMeasurementsGeneral {
		t.Fatalf("default subset size = %d, want %d", got, accel.MinimumMeasurementsGeneral)
	}

	if err := cal.Calibrate(); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	if d := maxAbsDiff(cal.EstimatedMa(), trueMa); d > 1e-8 {
		t.Errorf("max |Ma error| = %v, want <= 1e-8", d)
	}
	inl := cal.InliersData()
	if inl == nil {
		t.Fatal("inlier retention enabled but no inliers data")
	}
	if inl.Count() < 800 || inl.Count() > 1000 {
		t.Errorf("inlier count = %d, want ~900", inl.Count())
	}

	// General-mode covariance: the gauge-fixed transposed pairs share one
	// symmetric degree of freedom, so their variances and cross term are
	// identical; the scale factors carry real uncertainty.
	cov := cal.EstimatedCovariance()
	if cov == nil {
		t.Fatal("covariance retention enabled but no covariance")
	}
	for _, pr := range [][2]int{{3, 5}, {4, 7}, {6, 8}} {
		i, j := pr[0], pr[1]
		if cov.At(i, i) != cov.At(j, j) || cov.At(i, j) != cov.At(i, i) {
			t.Errorf("params %d,%d not fully correlated: var %v %v cov %v",
				i, j, cov.At(i, i), cov.At(j, j), cov.At(i, j))
		}
	}
	if cov.At(0, 0) <= 0 {
		t.Errorf("var(sx) = %v, want > 0", cov.At(0, 0))
	}
}

// TestCalibrate_CommonAxisZeroInvariant checks the structural invariant:
// the three fixed cross couplings and their covariance rows/columns are
// exactly zero, not merely small.
func TestCalibrate_CommonAxisZeroInvariant(t *testing.T) {
	trueMa := upperTriangularMa()
	bias := [3]float64{-0.1, 0.25, 0.05}
	ms := outlierSeries(t, trueMa, bias, 800, 0, 202)

	cal := accel.NewCalibrator()
	if err := cal.SetCommonAxisUsed(true); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetMeasurements(ms); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetBias(bias[:]); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetGroundTruthGravityNorm(gravityNorm); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetThreshold(1e-10); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetPreliminarySubsetSize(6); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetRandomSource(rand.New(rand.NewSource(3))); err != nil {
		t.Fatal(err)
	}

	if err := cal.Calibrate(); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	est := cal.EstimatedMa()
	for _, idx := range [][2]int{{1, 0}, {2, 0}, {2, 1}} {
		if v := est.At(idx[0], idx[1]); v != 0 {
			t.Errorf("Ma[%d][%d] = %v, want exactly 0", idx[0], idx[1], v)
		}
	}
	if d := maxAbsDiff(est, trueMa); d > 1e-8 {
		t.Errorf("max |Ma error| = %v, want <= 1e-8", d)
	}

	cov := cal.EstimatedCovariance()
	if cov == nil {
		t.Fatal("covariance retention enabled but no covariance")
	}
	if r, c := cov.Dims(); r != 9 || c != 9 {
		t.Fatalf("covariance is %dx%d, want 9x9", r, c)
	}
	for _, zi := range []int{5, 7, 8} {
		for j := 0; j < 9; j++ {
			if cov.At(zi, j) != 0 || cov.At(j, zi) != 0 {
				t.Errorf("covariance row/col %d not exactly zero", zi)
			}
		}
	}
	// The estimated parameters carry nonzero uncertainty.
	if cov.At(0, 0) <= 0 {
		t.Errorf("var(sx) = %v, want > 0", cov.At(0, 0))
	}
}

// TestCalibrate_GracefulDegradationUnderNoise runs a large noisy series
// with the default threshold and requires the estimate to track the truth
// to measurement-noise accuracy.
func TestCalibrate_GracefulDegradationUnderNoise(t *testing.T) {
	if testing.Short() {
		t.Skip("large series")
	}

	trueMa := upperTriangularMa()
	bias := [3]float64{0.2, 0.1, -0.3}
	cfg := imu.StaticSeriesConfig{
		Count:            100000,
		TrueMa:           trueMa,
		Bias:             bias,
		GravityNorm:      gravityNorm,
		InlierSigma:      1e-3,
		OutlierFraction:  0.05,
		OutlierSigma:     1.0,
		MeasurementSigma: 1e-3,
	}
	ms, _, err := imu.GenerateStatic(cfg, rand.New(rand.NewSource(404)))
	if err != nil {
		t.Fatal(err)
	}

	cal := accel.NewCalibrator()
	if err := cal.SetCommonAxisUsed(true); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetMeasurements(ms); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetBias(bias[:]); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetGroundTruthGravityNorm(gravityNorm); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetPreliminarySubsetSize(6); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetRandomSource(rand.New(rand.NewSource(5))); err != nil {
		t.Fatal(err)
	}

	if err := cal.Calibrate(); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	if d := maxAbsDiff(cal.EstimatedMa(), trueMa); d > 1e-3 {
		t.Errorf("max |Ma error| = %v, want <= 1e-3", d)
	}
	if cal.EstimatedMSE() <= 0 {
		t.Errorf("MSE = %v, want > 0 with noisy inliers", cal.EstimatedMSE())
	}
	if cal.EstimatedChiSq() <= 0 {
		t.Errorf("chi-square = %v, want > 0 with noisy inliers", cal.EstimatedChiSq())
	}
}

// TestCalibrate_NoConsensus uses measurements equal to the bias: the
// undistorted specific force is the zero vector under every model, so no
// candidate can classify a single inlier.
func TestCalibrate_NoConsensus(t *testing.T) {
	bias := [3]float64{0.1, 0.2, 0.3}
	var ms []accel.Measurement
	for i := 0; i < 20; i++ {
		m, err := accel.NewMeasurement(bias[0], bias[1], bias[2], 1)
		if err != nil {
			t.Fatal(err)
		}
		ms = append(ms, m)
	}

	cal := accel.NewCalibrator()
	if err := cal.SetMeasurements(ms); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetBias(bias[:]); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetGroundTruthGravityNorm(gravityNorm); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetMaxIterations(10); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetRandomSource(rand.New(rand.NewSource(9))); err != nil {
		t.Fatal(err)
	}

	err := cal.Calibrate()
	if !errors.Is(err, accel.ErrCalibrationFailed) {
		t.Fatalf("got %v, want ErrCalibrationFailed", err)
	}
	if cal.EstimatedMa() != nil {
		t.Error("failed run must leave no result")
	}
	if cal.State() != accel.StateReady {
		t.Errorf("state after failure = %v, want ready", cal.State())
	}
}

// TestCalibrate_PreviousResultSurvivesFailure verifies a failed run leaves
// the prior estimate untouched.
func TestCalibrate_PreviousResultSurvivesFailure(t *testing.T) {
	trueMa := upperTriangularMa()
	bias := [3]float64{0, 0, 0}
	ms := outlierSeries(t, trueMa, bias, 400, 0, 77)

	cal := accel.NewCalibrator()
	if err := cal.SetCommonAxisUsed(true); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetMeasurements(ms); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetBias(bias[:]); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetGroundTruthGravityNorm(gravityNorm); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetThreshold(1e-10); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetPreliminarySubsetSize(6); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetRandomSource(rand.New(rand.NewSource(8))); err != nil {
		t.Fatal(err)
	}
	if err := cal.Calibrate(); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := cal.EstimatedMa()

	// Degenerate follow-up measurements make the next run fail.
	var bad []accel.Measurement
	for i := 0; i < 10; i++ {
		m, _ := accel.NewMeasurement(0, 0, 0, 1)
		bad = append(bad, m)
	}
	if err := cal.SetMeasurements(bad); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetMaxIterations(10); err != nil {
		t.Fatal(err)
	}
	if err := cal.Calibrate(); !errors.Is(err, accel.ErrCalibrationFailed) {
		t.Fatalf("second run: got %v, want ErrCalibrationFailed", err)
	}

	if !mat.Equal(first, cal.EstimatedMa()) {
		t.Error("failed run overwrote the previous estimate")
	}
}

// TestCalibrate_MSACRecovery drives the same engine through the truncated
// loss scorer.
func TestCalibrate_MSACRecovery(t *testing.T) {
	trueMa := upperTriangularMa()
	bias := [3]float64{0.1, -0.1, 0.2}
	ms := outlierSeries(t, trueMa, bias, 600, 0, 303)

	cal := accel.NewCalibrator()
	if err := cal.SetMethod(accel.MethodMSAC); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetCommonAxisUsed(true); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetMeasurements(ms); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetBias(bias[:]); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetGroundTruthGravityNorm(gravityNorm); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetThreshold(1e-6); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetPreliminarySubsetSize(6); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetRandomSource(rand.New(rand.NewSource(6))); err != nil {
		t.Fatal(err)
	}

	if err := cal.Calibrate(); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if d := maxAbsDiff(cal.EstimatedMa(), trueMa); d > 1e-8 {
		t.Errorf("max |Ma error| = %v, want <= 1e-8", d)
	}
}

// TestCalibrate_LMedSRecovery checks the threshold-free variant on mildly
// noisy data.
func TestCalibrate_LMedSRecovery(t *testing.T) {
	trueMa := upperTriangularMa()
	bias := [3]float64{0.05, 0.15, -0.05}
	cfg := imu.StaticSeriesConfig{
		Count:            600,
		TrueMa:           trueMa,
		Bias:             bias,
		GravityNorm:      gravityNorm,
		InlierSigma:      1e-5,
		OutlierFraction:  0.10,
		OutlierSigma:     1.0,
		MeasurementSigma: 1e-5,
	}
	ms, _, err := imu.GenerateStatic(cfg, rand.New(rand.NewSource(505)))
	if err != nil {
		t.Fatal(err)
	}

	cal := accel.NewCalibrator()
	if err := cal.SetMethod(accel.MethodLMedS); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetCommonAxisUsed(true); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetMeasurements(ms); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetBias(bias[:]); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetGroundTruthGravityNorm(gravityNorm); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetPreliminarySubsetSize(6); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetRandomSource(rand.New(rand.NewSource(7))); err != nil {
		t.Fatal(err)
	}

	if err := cal.Calibrate(); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if d := maxAbsDiff(cal.EstimatedMa(), trueMa); d > 1e-3 {
		t.Errorf("max |Ma error| = %v, want <= 1e-3", d)
	}
}

// TestCalibrate_UnrefinedResult disables refinement: the consensus
// candidate becomes the final result and no covariance is produced.
func TestCalibrate_UnrefinedResult(t *testing.T) {
	trueMa := upperTriangularMa()
	bias := [3]float64{0, 0, 0}
	ms := outlierSeries(t, trueMa, bias, 400, 0, 606)

	cal := accel.NewCalibrator()
	if err := cal.SetCommonAxisUsed(true); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetResultRefined(false); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetMeasurements(ms); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetBias(bias[:]); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetGroundTruthGravityNorm(gravityNorm); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetThreshold(1e-10); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetPreliminarySubsetSize(6); err != nil {
		t.Fatal(err)
	}
	if err := cal.SetRandomSource(rand.New(rand.NewSource(11))); err != nil {
		t.Fatal(err)
	}

	if err := cal.Calibrate(); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if cal.EstimatedMa() == nil {
		t.Fatal("no result with refinement disabled")
	}
	if cal.EstimatedCovariance() != nil {
		t.Error("covariance must be unavailable without refinement")
	}
	if d := maxAbsDiff(cal.EstimatedMa(), trueMa); d > 1e-6 {
		t.Errorf("max |Ma error| = %v, want <= 1e-6", d)
	}
}

// TestCalibrate_Deterministic requires identical results for identical
// seeds.
func TestCalibrate_Deterministic(t *testing.T) {
	trueMa := upperTriangularMa()
	bias := [3]float64{0.1, 0.1, 0.1}

	runOnce := func() *mat.Dense {
		ms := outlierSeries(t, trueMa, bias, 500, 1e-5, 909)
		cal := accel.NewCalibrator()
		if err := cal.SetCommonAxisUsed(true); err != nil {
			t.Fatal(err)
		}
		if err := cal.SetMeasurements(ms); err != nil {
			t.Fatal(err)
		}
		if err := cal.SetBias(bias[:]); err != nil {
			t.Fatal(err)
		}
		if err := cal.SetGroundTruthGravityNorm(gravityNorm); err != nil {
			t.Fatal(err)
		}
		if err := cal.SetThreshold(1e-3); err != nil {
			t.Fatal(err)
		}
		if err := cal.SetPreliminarySubsetSize(6); err != nil {
			t.Fatal(err)
		}
		if err := cal.SetRandomSource(rand.New(rand.NewSource(13))); err != nil {
			t.Fatal(err)
		}
		if err := cal.Calibrate(); err != nil {
			t.Fatalf("Calibrate: %v", err)
		}
		return cal.EstimatedMa()
	}

	a := runOnce()
	b := runOnce()
	if !mat.Equal(a, b) {
		t.Error("identical seeds produced different estimates")
	}
}
