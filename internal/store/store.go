// Package store persists calibration runs and their results to SQLite.
// Each run records the configuration snapshot it was produced with, so a
// calibration can be reproduced or compared against later runs of the same
// sensor.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/accelcal/internal/accel"
)

// timeFormat is RFC3339 UTC with a fixed-width fractional second, so the
// stored text sorts chronologically (RFC3339Nano drops trailing zeros and
// breaks lexicographic ordering for sub-second ties).
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// DB wraps the calibration results database.
type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the results database at path and applies any
// pending schema migrations.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open results db: %w", err)
	}
	d := &DB{db}
	if err := d.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Run is one persisted calibration run: the configuration snapshot, the
// estimated Ma (row-major), and the fit statistics.
type Run struct {
	RunID     string
	CreatedAt time.Time

	Method      string
	CommonAxis  bool
	Threshold   float64
	Confidence  float64
	MaxIter     int
	SubsetSize  int
	GravityNorm float64
	Bias        [3]float64

	MeasurementCount int
	InlierCount      int

	Ma         [9]float64
	Covariance []float64 // 81 elements row-major, nil when not kept
	MSE        float64
	ChiSquare  float64
}

// NewRun snapshots a successfully calibrated session into a Run with a
// fresh run ID. Returns an error when the session has no estimated result.
func NewRun(cal *accel.Calibrator) (*Run, error) {
	ma := cal.EstimatedMa()
	if ma == nil {
		return nil, fmt.Errorf("calibrator has no estimated result")
	}
	g, _ := cal.GroundTruthGravityNorm()

	r := &Run{
		RunID:            uuid.NewString(),
		CreatedAt:        time.Now().UTC(),
		Method:           string(cal.Method()),
		CommonAxis:       cal.CommonAxisUsed(),
		Threshold:        cal.Threshold(),
		Confidence:       cal.Confidence(),
		MaxIter:          cal.MaxIterations(),
		SubsetSize:       cal.PreliminarySubsetSize(),
		GravityNorm:      g,
		Bias:             cal.Bias(),
		MeasurementCount: len(cal.Measurements()),
		MSE:              cal.EstimatedMSE(),
		ChiSquare:        cal.EstimatedChiSq(),
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.Ma[i*3+j] = ma.At(i, j)
		}
	}
	if cov := cal.EstimatedCovariance(); cov != nil {
		r.Covariance = flatten(cov)
	}
	if inl := cal.InliersData(); inl != nil {
		r.InlierCount = inl.Count()
	}
	return r, nil
}

// SaveRun inserts the run.
func (db *DB) SaveRun(r *Run) error {
	maJSON, err := json.Marshal(r.Ma[:])
	if err != nil {
		return fmt.Errorf("marshal ma: %w", err)
	}
	var covJSON []byte
	if r.Covariance != nil {
		covJSON, err = json.Marshal(r.Covariance)
		if err != nil {
			return fmt.Errorf("marshal covariance: %w", err)
		}
	}

	_, err = db.Exec(`
		INSERT INTO calibration_runs (
			run_id, created_at, method, common_axis, threshold, confidence,
			max_iterations, subset_size, gravity_norm,
			bias_x, bias_y, bias_z,
			measurement_count, inlier_count,
			ma_json, covariance_json, mse, chi_square
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.CreatedAt.UTC().Format(timeFormat), r.Method, boolToInt(r.CommonAxis),
		r.Threshold, r.Confidence, r.MaxIter, r.SubsetSize, r.GravityNorm,
		r.Bias[0], r.Bias[1], r.Bias[2],
		r.MeasurementCount, r.InlierCount,
		string(maJSON), nullableString(covJSON), r.MSE, r.ChiSquare,
	)
	if err != nil {
		return fmt.Errorf("insert calibration run: %w", err)
	}
	return nil
}

// GetRun loads one run by ID.
func (db *DB) GetRun(runID string) (*Run, error) {
	row := db.QueryRow(`
		SELECT run_id, created_at, method, common_axis, threshold, confidence,
		       max_iterations, subset_size, gravity_norm,
		       bias_x, bias_y, bias_z,
		       measurement_count, inlier_count,
		       ma_json, covariance_json, mse, chi_square
		FROM calibration_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("calibration run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query calibration run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT run_id, created_at, method, common_axis, threshold, confidence,
		       max_iterations, subset_size, gravity_norm,
		       bias_x, bias_y, bias_z,
		       measurement_count, inlier_count,
		       ma_json, covariance_json, mse, chi_square
		FROM calibration_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query calibration runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calibration run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r          Run
		createdAt  string
		commonAxis int
		maJSON     string
		covJSON    sql.NullString
	)
	err := s.Scan(
		&r.RunID, &createdAt, &r.Method, &commonAxis, &r.Threshold, &r.Confidence,
		&r.MaxIter, &r.SubsetSize, &r.GravityNorm,
		&r.Bias[0], &r.Bias[1], &r.Bias[2],
		&r.MeasurementCount, &r.InlierCount,
		&maJSON, &covJSON, &r.MSE, &r.ChiSquare,
	)
	if err != nil {
		return nil, err
	}
	r.CommonAxis = commonAxis != 0

	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	var maFlat []float64
	if err := json.Unmarshal([]byte(maJSON), &maFlat); err != nil {
		return nil, fmt.Errorf("unmarshal ma: %w", err)
	}
	if len(maFlat) != 9 {
		return nil, fmt.Errorf("ma has %d elements, want 9", len(maFlat))
	}
	copy(r.Ma[:], maFlat)
	if covJSON.Valid && covJSON.String != "" {
		if err := json.Unmarshal([]byte(covJSON.String), &r.Covariance); err != nil {
			return nil, fmt.Errorf("unmarshal covariance: %w", err)
		}
	}
	return &r, nil
}

// MaMatrix rebuilds the estimated Ma as a 3x3 matrix.
func (r *Run) MaMatrix() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), r.Ma[:]...))
}

func flatten(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}
