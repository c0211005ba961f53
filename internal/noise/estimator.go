// Package noise turns raw microphone samples into calibrated decibel readings
// and classifies readings into severity bands.
package noise

import (
	"errors"
	"math"
	"time"

	"noisewatch/internal/model"
)

const (
	DefaultOffset            = 115.0
	DefaultNegativeThreshold = -1.0
	DefaultMinDecibels       = 0
	DefaultMaxDecibels       = 200

	// DefaultCaptureDuration is how long a recording runs before the
	// estimate is taken.
	DefaultCaptureDuration = 5 * time.Second
)

var ErrNotFinite = errors.New("decibel value is not a finite number")

// Estimator converts amplitude buffers into calibrated, clamped decibels.
// Readings at or below NegativeThreshold are treated as dBFS and shifted by
// Offset into an SPL-like range.
type Estimator struct {
	Offset            float64
	NegativeThreshold float64
	Min               int
	Max               int
}

// Measurement is the outcome of one estimate. Valid is false for silence or
// an empty buffer; Decibels and Severity are meaningless in that case.
type Measurement struct {
	Valid    bool
	Decibels int
	Severity model.Severity
	RMS      float64
}

func DefaultEstimator() Estimator {
	return Estimator{
		Offset:            DefaultOffset,
		NegativeThreshold: DefaultNegativeThreshold,
		Min:               DefaultMinDecibels,
		Max:               DefaultMaxDecibels,
	}
}

// Round rounds half values toward positive infinity, so -0.5 becomes 0 and
// -20.5 becomes -20. Browser clients and older stored values use this rule.
func Round(v float64) float64 {
	return math.Floor(v + 0.5)
}

// RMS returns the root-mean-square of samples, or 0 for an empty buffer.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func (e Estimator) Estimate(samples []float64) Measurement {
	rms := RMS(samples)
	if rms == 0 || math.IsNaN(rms) || math.IsInf(rms, 0) {
		return Measurement{RMS: rms}
	}
	raw := 20 * math.Log10(rms)
	if raw <= e.NegativeThreshold {
		raw += e.Offset
	}
	db := e.clamp(int(Round(raw)))
	return Measurement{
		Valid:    true,
		Decibels: db,
		Severity: SeverityFor(db),
		RMS:      rms,
	}
}

// Recalibrate applies the server-side rule to a client-reported value:
// round, shift dBFS-style negatives by the offset, then clamp.
func (e Estimator) Recalibrate(db float64) (int, error) {
	if math.IsNaN(db) || math.IsInf(db, 0) {
		return 0, ErrNotFinite
	}
	v := Round(db)
	if v <= e.NegativeThreshold {
		v = Round(v + e.Offset)
	}
	if v < float64(e.Min) {
		return e.Min, nil
	}
	if v > float64(e.Max) {
		return e.Max, nil
	}
	return int(v), nil
}

func (e Estimator) clamp(db int) int {
	if db < e.Min {
		return e.Min
	}
	if db > e.Max {
		return e.Max
	}
	return db
}
