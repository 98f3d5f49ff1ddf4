// Package ocv holds the domain types for open-circuit voltage measurement
// of battery cells: the classification of raw multimeter responses into ok,
// warning, and error readings against the window a healthy cell sits in.
package ocv

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// overflow is the value SCPI instruments report when the input exceeds the
// present range (IEEE 488.2 positive infinity surrogate).  A reading at or
// beyond it is not a measurement at all.
const overflow = 9.9e37

// Status classifies a single reading.
type Status int

const (
	// OK is a well formed reading inside the expected window
	OK Status = iota

	// Warning is a well formed reading outside the expected window; it is
	// still a real measurement and is persisted
	Warning

	// Error is a reading that produced no usable value; it is discarded
	Error
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Bounds is the window a healthy cell's open-circuit voltage sits in.  The
// window is battery chemistry dependent and comes from configuration.
type Bounds struct {
	// Min and Max bracket the expected voltage, inclusive
	Min, Max float64

	// Floor is the value below which the reading is "about zero", meaning
	// no cell is connected at all
	Floor float64
}

// Validate returns an error unless the bounds are ordered 0 <= Floor < Min < Max.
func (b Bounds) Validate() error {
	if b.Floor < 0 {
		return fmt.Errorf("ocv: floor %g is negative", b.Floor)
	}
	if b.Floor >= b.Min {
		return fmt.Errorf("ocv: floor %g is not below the expected minimum %g", b.Floor, b.Min)
	}
	if b.Min >= b.Max {
		return fmt.Errorf("ocv: expected minimum %g is not below maximum %g", b.Min, b.Max)
	}
	return nil
}

// Reading is one classified measurement.  Volts is only meaningful when
// Status != Error.
type Reading struct {
	// Volts is the parsed voltage
	Volts float64

	// Status is the grade given to this reading
	Status Status

	// Reason explains Warning and Error grades; empty for OK
	Reason string

	// Raw is the response the instrument sent, as received
	Raw string
}

// Classify parses a raw instrument response and grades it against b.
// Malformed responses, the overflow sentinel, and values below the floor are
// errors; parseable values outside [Min, Max] are warnings; everything else
// is ok.
func Classify(raw string, b Bounds) Reading {
	r := Reading{Raw: raw}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		r.Status = Error
		r.Reason = "could not parse reading"
		return r
	}
	r.Volts = v
	switch {
	case math.IsNaN(v):
		r.Status = Error
		r.Reason = "reading is not a number"
	case math.Abs(v) >= overflow:
		r.Status = Error
		r.Reason = "instrument reports overflow; check the input connection"
	case v < b.Floor:
		r.Status = Error
		r.Reason = "voltage ~0V; is a cell connected?"
	case v < b.Min || v > b.Max:
		r.Status = Warning
		r.Reason = fmt.Sprintf("voltage out of expected range (%g-%gV)", b.Min, b.Max)
	default:
		r.Status = OK
	}
	return r
}
