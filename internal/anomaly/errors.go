package anomaly

import "errors"

var (
	// ErrInsufficientData means the history window held fewer points than the
	// configuration's MinimumDatapoints. Calibration state is left untouched.
	ErrInsufficientData = errors.New("insufficient datapoints for recalibration")

	// ErrMalformedHistory means the history window could not be ordered by
	// timestamp. Calibration state is left untouched.
	ErrMalformedHistory = errors.New("malformed datapoint history")

	// ErrUnconfiguredAttribute means no detection configuration is registered
	// for the attribute. Classification must not run.
	ErrUnconfiguredAttribute = errors.New("attribute has no anomaly detection configuration")

	// ErrInvalidConfiguration wraps configuration validation failures.
	ErrInvalidConfiguration = errors.New("invalid anomaly detection configuration")
)
