// Command accelcal runs a robust accelerometer scale/cross-coupling
// calibration over a set of static specific-force measurements. Measurements
// come from a CSV file (fx,fy,fz[,sigma] in m/s²) or from the synthetic
// generator; the gravity norm comes from a flag or from the WGS84 normal
// gravity model at a site latitude/height. Results print to stdout and can
// optionally be persisted to a SQLite database and rendered to an HTML
// report.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/accelcal/internal/accel"
	"github.com/banshee-data/accelcal/internal/config"
	"github.com/banshee-data/accelcal/internal/gravity"
	"github.com/banshee-data/accelcal/internal/imu"
	"github.com/banshee-data/accelcal/internal/monitoring"
	"github.com/banshee-data/accelcal/internal/report"
	"github.com/banshee-data/accelcal/internal/store"
	"github.com/banshee-data/accelcal/internal/version"
)

func main() {
	var (
		input      = flag.String("input", "", "measurement CSV file (fx,fy,fz[,sigma])")
		synth      = flag.Int("synth", 0, "generate N synthetic measurements instead of reading a file")
		outlierPct = flag.Float64("synth-outliers", 0.10, "outlier fraction for synthetic data")
		noise      = flag.Float64("synth-noise", 1e-4, "inlier noise sigma for synthetic data (m/s²)")
		seed       = flag.Int64("seed", 0, "random seed (0 = time-based)")

		biasFlag   = flag.String("bias", "0,0,0", "known bias bx,by,bz (m/s²)")
		gravityVal = flag.Float64("gravity", 0, "ground-truth gravity norm (m/s²); 0 = derive from -lat/-height")
		latitude   = flag.Float64("lat", 0, "site geodetic latitude (degrees), used when -gravity is 0")
		height     = flag.Float64("height", 0, "site height above ellipsoid (metres), used when -gravity is 0")

		method     = flag.String("method", "ransac", "robust method: ransac, msac, lmeds")
		commonAxis = flag.Bool("common-axis", false, "apply the common-axis fixture constraint")
		threshold  = flag.Float64("threshold", accel.DefaultThreshold, "inlier residual threshold (m/s²)")
		confidence = flag.Float64("confidence", accel.DefaultConfidence, "consensus confidence")
		maxIter    = flag.Int("max-iter", accel.DefaultMaxIterations, "consensus iteration cap")
		subset     = flag.Int("subset", 0, "preliminary subset size (0 = minimum for axis mode)")

		tuningPath  = flag.String("tuning", "", "optional tuning JSON file (overrides flags)")
		dbPath      = flag.String("db", "", "optional SQLite database to persist the run")
		reportPath  = flag.String("report", "", "optional HTML report output path")
		plotPath    = flag.String("plot", "", "optional PNG residual plot output path")
		verbose     = flag.Bool("v", false, "log per-iteration progress")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("accelcal", version.String())
		return
	}

	if err := run(*input, *synth, *outlierPct, *noise, *seed, *biasFlag,
		*gravityVal, *latitude, *height, *method, *commonAxis, *threshold,
		*confidence, *maxIter, *subset, *tuningPath, *dbPath, *reportPath,
		*plotPath, *verbose); err != nil {
		log.Fatalf("accelcal: %v", err)
	}
}

var stats monitoring.RunStats

func run(input string, synth int, outlierPct, noise float64, seed int64,
	biasFlag string, gravityVal, latitude, height float64, method string,
	commonAxis bool, threshold, confidence float64, maxIter, subset int,
	tuningPath, dbPath, reportPath, plotPath string, verbose bool) error {

	bias, err := parseTriple(biasFlag)
	if err != nil {
		return fmt.Errorf("parse -bias: %w", err)
	}

	g := gravityVal
	if g == 0 {
		g, err = gravity.NormalGravity(latitude, height)
		if err != nil {
			return fmt.Errorf("derive gravity norm: %w", err)
		}
		monitoring.Logf("using WGS84 normal gravity %.6f m/s² at lat=%.4f° h=%.1fm", g, latitude, height)
	}

	rng := rand.New(rand.NewSource(seed))
	if seed == 0 {
		rng = nil // calibrator falls back to a time-based source
	}

	ms, err := loadMeasurements(input, synth, outlierPct, noise, bias, g, seed)
	if err != nil {
		return err
	}
	monitoring.Logf("loaded %d measurements", len(ms))

	cal := accel.NewCalibrator()
	needReport := reportPath != "" || plotPath != ""
	steps := []struct {
		name string
		err  error
	}{
		{"method", cal.SetMethod(accel.Method(method))},
		{"common-axis", cal.SetCommonAxisUsed(commonAxis)},
		{"threshold", cal.SetThreshold(threshold)},
		{"confidence", cal.SetConfidence(confidence)},
		{"max-iter", cal.SetMaxIterations(maxIter)},
		{"bias", cal.SetBias(bias[:])},
		{"gravity", cal.SetGroundTruthGravityNorm(g)},
		{"measurements", cal.SetMeasurements(ms)},
		{"keep-inliers", cal.SetComputeAndKeepInliers(needReport)},
		{"keep-residuals", cal.SetComputeAndKeepResiduals(needReport)},
	}
	for _, s := range steps {
		if s.err != nil {
			return fmt.Errorf("configure %s: %w", s.name, s.err)
		}
	}
	if subset != 0 {
		if err := cal.SetPreliminarySubsetSize(subset); err != nil {
			return fmt.Errorf("configure subset: %w", err)
		}
	}
	if rng != nil {
		if err := cal.SetRandomSource(rng); err != nil {
			return err
		}
	}
	if tuningPath != "" {
		cfg, err := config.LoadCalTuningConfig(tuningPath)
		if err != nil {
			return err
		}
		if err := cfg.Apply(cal); err != nil {
			return fmt.Errorf("apply tuning config: %w", err)
		}
	}
	if verbose {
		if err := cal.SetListener(&progressLogger{}); err != nil {
			return err
		}
	}

	if !cal.IsReady() {
		return fmt.Errorf("calibrator not ready: need >= %d measurements and a gravity norm",
			accel.MinimumMeasurements(cal.CommonAxisUsed()))
	}

	stats.RunStarted()
	if err := cal.Calibrate(); err != nil {
		stats.RunFailed()
		return err
	}
	stats.RunSucceeded()

	printResult(cal)

	if dbPath != "" {
		if err := persistRun(cal, dbPath); err != nil {
			return err
		}
	}
	if needReport {
		if err := writeReports(cal, reportPath, plotPath); err != nil {
			return err
		}
	}
	return nil
}

// loadMeasurements reads the CSV input, or generates a synthetic series
// when -synth is set. Exactly one source must be selected.
func loadMeasurements(input string, synth int, outlierPct, noise float64, bias [3]float64, g float64, seed int64) ([]accel.Measurement, error) {
	switch {
	case input != "" && synth > 0:
		return nil, fmt.Errorf("-input and -synth are mutually exclusive")
	case input != "":
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("open measurements: %w", err)
		}
		defer f.Close()
		ms, err := imu.ReadMeasurements(f)
		if err != nil {
			return nil, err
		}
		return ms, nil
	case synth > 0:
		cfg := imu.DefaultStaticSeriesConfig()
		cfg.Count = synth
		cfg.OutlierFraction = outlierPct
		cfg.InlierSigma = noise
		cfg.OutlierSigma = noise * 100
		if cfg.OutlierSigma == 0 {
			cfg.OutlierSigma = 1
		}
		cfg.MeasurementSigma = noise
		if cfg.MeasurementSigma == 0 {
			cfg.MeasurementSigma = 1e-6
		}
		cfg.Bias = bias
		cfg.GravityNorm = g
		// Mildly miscalibrated sensor so the synthetic run is non-trivial.
		cfg.TrueMa = mat.NewDense(3, 3, []float64{
			0.02, 0.004, -0.003,
			0.001, -0.015, 0.002,
			-0.002, 0.003, 0.01,
		})
		ms, _, err := imu.GenerateStatic(cfg, rand.New(rand.NewSource(seed+1)))
		return ms, err
	}
	return nil, fmt.Errorf("one of -input or -synth is required")
}

func printResult(cal *accel.Calibrator) {
	ma := cal.EstimatedMa()
	fmt.Println("estimated Ma:")
	for i := 0; i < 3; i++ {
		fmt.Printf("  [%12.6e %12.6e %12.6e]\n", ma.At(i, 0), ma.At(i, 1), ma.At(i, 2))
	}
	fmt.Printf("MSE:        %.6e\n", cal.EstimatedMSE())
	fmt.Printf("chi-square: %.6e\n", cal.EstimatedChiSq())
	if inl := cal.InliersData(); inl != nil {
		fmt.Printf("inliers:    %d / %d\n", inl.Count(), len(cal.Measurements()))
	}
	if cov := cal.EstimatedCovariance(); cov != nil {
		fmt.Println("parameter std devs (sx sy sz mxy mxz myx myz mzx mzy):")
		fmt.Print(" ")
		for i := 0; i < 9; i++ {
			fmt.Printf(" %.3e", sqrtNonNeg(cov.At(i, i)))
		}
		fmt.Println()
	}
	started, succeeded, failed, _ := stats.Snapshot()
	monitoring.Logf("runs: started=%d succeeded=%d failed=%d", started, succeeded, failed)
}

func persistRun(cal *accel.Calibrator, dbPath string) error {
	db, err := store.NewDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	run, err := store.NewRun(cal)
	if err != nil {
		return err
	}
	if err := db.SaveRun(run); err != nil {
		return err
	}
	monitoring.Logf("saved run %s to %s", run.RunID, dbPath)
	return nil
}

func writeReports(cal *accel.Calibrator, reportPath, plotPath string) error {
	data, err := report.FromCalibrator(cal)
	if err != nil {
		return err
	}
	if reportPath != "" {
		f, err := os.Create(reportPath)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		defer f.Close()
		if err := data.WriteHTML(f); err != nil {
			return err
		}
		monitoring.Logf("wrote HTML report to %s", reportPath)
	}
	if plotPath != "" {
		if err := data.SaveResidualPlot(plotPath); err != nil {
			return err
		}
		monitoring.Logf("wrote residual plot to %s", plotPath)
	}
	return nil
}

// progressLogger logs run progress through the calibration listener.
type progressLogger struct{}

func (p *progressLogger) OnCalibrateStart(*accel.Calibrator) {
	monitoring.Logf("calibration started")
}

func (p *progressLogger) OnCalibrateEnd(*accel.Calibrator) {
	monitoring.Logf("calibration finished")
}

func (p *progressLogger) OnCalibrateNextIteration(_ *accel.Calibrator, iteration int) {
	if iteration%100 == 0 {
		monitoring.Logf("iteration %d", iteration)
	}
	stats.AddIterations(1)
}

func (p *progressLogger) OnCalibrateProgressChange(_ *accel.Calibrator, progress float64) {
	monitoring.Logf("progress %.0f%%", progress*100)
}

func parseTriple(s string) ([3]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return [3]float64{}, fmt.Errorf("want 3 comma-separated values, got %q", s)
	}
	var out [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return [3]float64{}, fmt.Errorf("value %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

func sqrtNonNeg(v float64) float64 {
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}
