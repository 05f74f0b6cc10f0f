// Package imu produces and serialises static specific-force measurement
// sets for accelerometer calibration: a synthetic generator that applies a
// known error model to randomly oriented static attitudes, and a CSV codec
// for measurement files.
package imu

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/accelcal/internal/accel"
)

// StaticSeriesConfig describes a synthetic static measurement series. Each
// sample places the sensor at a uniformly random attitude, applies the
// error model
//
//	f_meas = bias + (I + Ma) f_true + noise
//
// with ||f_true|| equal to the gravity norm, and perturbs a configurable
// fraction of samples with gross errors to simulate failed measurement
// epochs.
type StaticSeriesConfig struct {
	// Count is the number of measurements to generate.
	Count int

	// TrueMa is the ground-truth scale/cross-coupling matrix (3x3).
	// Nil means an ideal sensor (zero matrix).
	TrueMa *mat.Dense

	// Bias is the ground-truth per-axis bias (m/s^2).
	Bias [3]float64

	// GravityNorm is |g| at the simulated site (m/s^2). Must be > 0.
	GravityNorm float64

	// InlierSigma is the per-axis Gaussian noise of good samples. Zero
	// produces noise-free inliers.
	InlierSigma float64

	// OutlierFraction in [0, 1) is the share of samples perturbed with
	// gross errors.
	OutlierFraction float64

	// OutlierSigma is the per-axis Gaussian error of outlier samples.
	OutlierSigma float64

	// MeasurementSigma is the standard deviation recorded on every
	// generated Measurement (used downstream for weighting). Must be > 0.
	MeasurementSigma float64
}

// DefaultStaticSeriesConfig returns a series of 1000 samples around
// standard gravity with mildly noisy inliers and 10% gross outliers.
func DefaultStaticSeriesConfig() StaticSeriesConfig {
	return StaticSeriesConfig{
		Count:            1000,
		GravityNorm:      9.80665,
		InlierSigma:      1e-4,
		OutlierFraction:  0.10,
		OutlierSigma:     1e-2,
		MeasurementSigma: 1e-4,
	}
}

func (c StaticSeriesConfig) validate() error {
	if c.Count <= 0 {
		return fmt.Errorf("count must be > 0, got %d", c.Count)
	}
	if c.GravityNorm <= 0 {
		return fmt.Errorf("gravity norm must be > 0, got %v", c.GravityNorm)
	}
	if c.OutlierFraction < 0 || c.OutlierFraction >= 1 {
		return fmt.Errorf("outlier fraction must be in [0, 1), got %v", c.OutlierFraction)
	}
	if c.MeasurementSigma <= 0 {
		return fmt.Errorf("measurement sigma must be > 0, got %v", c.MeasurementSigma)
	}
	if c.TrueMa != nil {
		if r, cols := c.TrueMa.Dims(); r != 3 || cols != 3 {
			return fmt.Errorf("true Ma must be 3x3, got %dx%d", r, cols)
		}
	}
	return nil
}

// GenerateStatic produces the measurement series and the ground-truth
// outlier mask (mask[i] true for gross-error samples). Deterministic for a
// fixed rng.
func GenerateStatic(cfg StaticSeriesConfig, rng *rand.Rand) ([]accel.Measurement, []bool, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("static series config: %w", err)
	}

	ms := make([]accel.Measurement, cfg.Count)
	outliers := make([]bool, cfg.Count)

	for i := 0; i < cfg.Count; i++ {
		// Random static attitude: the true specific force is the gravity
		// norm along a uniformly random direction.
		ux, uy, uz := randomUnit(rng)
		ft := [3]float64{
			cfg.GravityNorm * ux,
			cfg.GravityNorm * uy,
			cfg.GravityNorm * uz,
		}

		// Apply the error model: f = b + (I + Ma) f_true.
		var f [3]float64
		for r := 0; r < 3; r++ {
			f[r] = cfg.Bias[r] + ft[r]
			if cfg.TrueMa != nil {
				for k := 0; k < 3; k++ {
					f[r] += cfg.TrueMa.At(r, k) * ft[k]
				}
			}
		}

		sigma := cfg.InlierSigma
		if cfg.OutlierFraction > 0 && rng.Float64() < cfg.OutlierFraction {
			outliers[i] = true
			sigma = cfg.OutlierSigma
		}
		if sigma > 0 {
			f[0] += rng.NormFloat64() * sigma
			f[1] += rng.NormFloat64() * sigma
			f[2] += rng.NormFloat64() * sigma
		}

		m, err := accel.NewMeasurement(f[0], f[1], f[2], cfg.MeasurementSigma)
		if err != nil {
			return nil, nil, err
		}
		ms[i] = m
	}
	return ms, outliers, nil
}

// randomUnit draws a uniformly distributed unit direction by normalising a
// standard Gaussian 3-vector.
func randomUnit(rng *rand.Rand) (x, y, z float64) {
	for {
		x = rng.NormFloat64()
		y = rng.NormFloat64()
		z = rng.NormFloat64()
		n := math.Sqrt(x*x + y*y + z*z)
		if n > 1e-12 {
			return x / n, y / n, z / n
		}
	}
}
