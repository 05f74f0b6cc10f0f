package accel

import "errors"

// Sentinel errors returned by the calibration session. Callers should test
// with errors.Is; returned errors wrap these with detail about the offending
// value or the failure cause.
var (
	// ErrInvalidArgument indicates a malformed or out-of-range configuration
	// value (wrong vector/matrix shape, threshold <= 0, confidence outside
	// [0,1], subset size outside the valid range for the axis mode).
	ErrInvalidArgument = errors.New("accel: invalid argument")

	// ErrNotReady indicates Calibrate was invoked before the session had a
	// gravity norm and enough measurements for the configured axis mode.
	ErrNotReady = errors.New("accel: calibrator not ready")

	// ErrLocked indicates a mutating call arrived while a calibration run
	// was in progress. State is unchanged.
	ErrLocked = errors.New("accel: calibrator locked during calibration")

	// ErrCalibrationFailed indicates the consensus search found no model
	// with minimum inlier support, or the refinement pass failed to
	// converge. The session returns to ready with no result set.
	ErrCalibrationFailed = errors.New("accel: calibration failed")

	// errNotConverged is returned by the internal Levenberg-Marquardt loop
	// when it hits its iteration cap without meeting tolerance.
	errNotConverged = errors.New("accel: solver did not converge")
)
