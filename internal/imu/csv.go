package imu

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/banshee-data/accelcal/internal/accel"
)

// defaultSigma is recorded on rows that omit the sigma column.
const defaultSigma = 1.0

// ReadMeasurements parses a measurement CSV: one sample per row as
// "fx,fy,fz" or "fx,fy,fz,sigma" in m/s^2. A single non-numeric header row
// is tolerated and skipped. Rows with any other shape are an error.
func ReadMeasurements(r io.Reader) ([]accel.Measurement, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var ms []accel.Measurement
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read measurement csv: %w", err)
		}
		line++

		if len(rec) != 3 && len(rec) != 4 {
			return nil, fmt.Errorf("line %d: want 3 or 4 fields, got %d", line, len(rec))
		}

		vals := make([]float64, len(rec))
		parsed := true
		for i, s := range rec {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				parsed = false
				break
			}
			vals[i] = v
		}
		if !parsed {
			if line == 1 {
				// Header row.
				continue
			}
			return nil, fmt.Errorf("line %d: non-numeric field in %v", line, rec)
		}

		sigma := defaultSigma
		if len(vals) == 4 {
			sigma = vals[3]
		}
		m, err := accel.NewMeasurement(vals[0], vals[1], vals[2], sigma)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ms = append(ms, m)
	}
	return ms, nil
}

// WriteMeasurements writes the series as "fx,fy,fz,sigma" rows with a
// header, round-tripping with ReadMeasurements.
func WriteMeasurements(w io.Writer, ms []accel.Measurement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"fx", "fy", "fz", "sigma"}); err != nil {
		return fmt.Errorf("write measurement csv header: %w", err)
	}
	for _, m := range ms {
		rec := []string{
			strconv.FormatFloat(m.F[0], 'g', -1, 64),
			strconv.FormatFloat(m.F[1], 'g', -1, 64),
			strconv.FormatFloat(m.F[2], 'g', -1, 64),
			strconv.FormatFloat(m.Sigma, 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write measurement csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
