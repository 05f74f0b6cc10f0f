// Package config loads calibration tuning parameters from JSON files. The
// schema uses pointer-typed optional fields so partial configs are safe:
// fields omitted from the file leave the calibrator's defaults untouched.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/accelcal/internal/accel"
)

// CalTuningConfig is the root tuning schema for a calibration run. All
// fields are optional; Apply transfers only the fields present in the file
// onto a Calibrator, so the same JSON works for both full and partial
// configuration.
type CalTuningConfig struct {
	// Robust engine params
	Method            *string  `json:"method,omitempty"` // "ransac", "msac", "lmeds"
	Threshold         *float64 `json:"threshold,omitempty"`
	Confidence        *float64 `json:"confidence,omitempty"`
	MaxIterations     *int     `json:"max_iterations,omitempty"`
	PreliminarySubset *int     `json:"preliminary_subset_size,omitempty"`
	CommonAxis        *bool    `json:"common_axis,omitempty"`
	KeepInliers       *bool    `json:"compute_and_keep_inliers,omitempty"`
	KeepResiduals     *bool    `json:"compute_and_keep_residuals,omitempty"`
	ResultRefined     *bool    `json:"result_refined,omitempty"`
	CovarianceKept    *bool    `json:"covariance_kept,omitempty"`

	// Site params
	GravityNorm *float64  `json:"gravity_norm,omitempty"`
	Bias        []float64 `json:"bias,omitempty"` // 3 elements when present
}

// EmptyCalTuningConfig returns a CalTuningConfig with all fields unset.
func EmptyCalTuningConfig() *CalTuningConfig {
	return &CalTuningConfig{}
}

// LoadCalTuningConfig loads a CalTuningConfig from a JSON file. The file is
// validated to have a .json extension and to be under the max file size;
// field values are range-checked before the config is returned.
func LoadCalTuningConfig(path string) (*CalTuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCalTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate range-checks the fields that are set. Detailed cross-field
// validation (e.g. subset size against axis mode) is left to the
// calibrator's own setters at Apply time.
func (c *CalTuningConfig) Validate() error {
	if c.Threshold != nil && *c.Threshold <= 0 {
		return fmt.Errorf("threshold must be > 0, got %f", *c.Threshold)
	}
	if c.Confidence != nil && (*c.Confidence < 0 || *c.Confidence > 1) {
		return fmt.Errorf("confidence must be between 0 and 1, got %f", *c.Confidence)
	}
	if c.MaxIterations != nil && *c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be > 0, got %d", *c.MaxIterations)
	}
	if c.GravityNorm != nil && *c.GravityNorm <= 0 {
		return fmt.Errorf("gravity_norm must be > 0, got %f", *c.GravityNorm)
	}
	if c.Bias != nil && len(c.Bias) != 3 {
		return fmt.Errorf("bias must have exactly 3 elements, got %d", len(c.Bias))
	}
	if c.Method != nil {
		switch accel.Method(*c.Method) {
		case accel.MethodRANSAC, accel.MethodMSAC, accel.MethodLMedS:
		default:
			return fmt.Errorf("unknown method %q", *c.Method)
		}
	}
	return nil
}

// Apply transfers every set field onto the calibrator. Axis mode is applied
// before the subset size so a config carrying both is self-consistent.
func (c *CalTuningConfig) Apply(cal *accel.Calibrator) error {
	if c.CommonAxis != nil {
		if err := cal.SetCommonAxisUsed(*c.CommonAxis); err != nil {
			return err
		}
	}
	if c.Method != nil {
		if err := cal.SetMethod(accel.Method(*c.Method)); err != nil {
			return err
		}
	}
	if c.Threshold != nil {
		if err := cal.SetThreshold(*c.Threshold); err != nil {
			return err
		}
	}
	if c.Confidence != nil {
		if err := cal.SetConfidence(*c.Confidence); err != nil {
			return err
		}
	}
	if c.MaxIterations != nil {
		if err := cal.SetMaxIterations(*c.MaxIterations); err != nil {
			return err
		}
	}
	if c.PreliminarySubset != nil {
		if err := cal.SetPreliminarySubsetSize(*c.PreliminarySubset); err != nil {
			return err
		}
	}
	if c.KeepInliers != nil {
		if err := cal.SetComputeAndKeepInliers(*c.KeepInliers); err != nil {
			return err
		}
	}
	if c.KeepResiduals != nil {
		if err := cal.SetComputeAndKeepResiduals(*c.KeepResiduals); err != nil {
			return err
		}
	}
	if c.ResultRefined != nil {
		if err := cal.SetResultRefined(*c.ResultRefined); err != nil {
			return err
		}
	}
	if c.CovarianceKept != nil {
		if err := cal.SetCovarianceKept(*c.CovarianceKept); err != nil {
			return err
		}
	}
	if c.GravityNorm != nil {
		if err := cal.SetGroundTruthGravityNorm(*c.GravityNorm); err != nil {
			return err
		}
	}
	if c.Bias != nil {
		if err := cal.SetBias(c.Bias); err != nil {
			return err
		}
	}
	return nil
}
