package domain

import (
	"fmt"
	"math"
	"time"
)

// EstimationFormat names the unit an Estimation is expressed in.
type EstimationFormat string

const (
	FormatPoints EstimationFormat = "points"
	FormatTime   EstimationFormat = "time"
)

// Estimation is either a unitless point value or a number of minutes.
// The zero value is Points(0).
type Estimation struct {
	format EstimationFormat
	value  float64
}

// Points returns a unitless estimation.
func Points(v float64) Estimation {
	return Estimation{format: FormatPoints, value: v}
}

// Minutes returns a time estimation expressed in minutes.
func Minutes(m float64) Estimation {
	return Estimation{format: FormatTime, value: m}
}

// ParseEstimation builds an Estimation from its wire form. An empty format
// means points.
func ParseEstimation(format string, value float64) (Estimation, error) {
	var e Estimation
	switch EstimationFormat(format) {
	case "", FormatPoints:
		e = Points(value)
	case FormatTime:
		e = Minutes(value)
	default:
		return Estimation{}, fmt.Errorf("%w: unknown estimation format %q", ErrInvalidItem, format)
	}
	if err := e.Validate(); err != nil {
		return Estimation{}, err
	}
	return e, nil
}

// Format reports the unit of the estimation.
func (e Estimation) Format() EstimationFormat {
	if e.format == "" {
		return FormatPoints
	}
	return e.format
}

// Value returns the raw magnitude regardless of unit.
func (e Estimation) Value() float64 {
	return e.value
}

// Points returns the point value when the estimation is in points.
func (e Estimation) Points() (float64, bool) {
	if e.Format() != FormatPoints {
		return 0, false
	}
	return e.value, true
}

// Minutes returns the minute count when the estimation is time based.
func (e Estimation) Minutes() (float64, bool) {
	if e.Format() != FormatTime {
		return 0, false
	}
	return e.value, true
}

// Duration converts a time estimation to a time.Duration.
func (e Estimation) Duration() (time.Duration, bool) {
	m, ok := e.Minutes()
	if !ok {
		return 0, false
	}
	return time.Duration(m * float64(time.Minute)), true
}

// Validate rejects negative and non-finite magnitudes.
func (e Estimation) Validate() error {
	if math.IsNaN(e.value) || math.IsInf(e.value, 0) {
		return fmt.Errorf("%w: estimation must be a finite number", ErrInvalidItem)
	}
	if e.value < 0 {
		return fmt.Errorf("%w: estimation must not be negative", ErrInvalidItem)
	}
	return nil
}

func (e Estimation) String() string {
	if m, ok := e.Minutes(); ok {
		return fmt.Sprintf("%gm", m)
	}
	return fmt.Sprintf("%gpt", e.value)
}
