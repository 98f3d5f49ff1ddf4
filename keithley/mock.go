package keithley

import (
	"math/rand"
	"strconv"
	"time"

	"github.jpl.nasa.gov/bdube/ocvlog/comm"
	"github.jpl.nasa.gov/bdube/ocvlog/ocv"
)

// MockID is the identification a Mock reports
const MockID = "KEITHLEY INSTRUMENTS,MODEL DMM6500,MOCK0001,1.0.0"

// Mock is a hardware-free stand-in for a DMM.  Readings are drawn at random:
// mostly inside the given bounds, sometimes outside them, and occasionally
// near zero as if no cell were in the holder.
type Mock struct {
	// Bounds grades each measurement, as on the real meter
	Bounds ocv.Bounds

	rng    *rand.Rand
	closed bool
}

// NewMock returns a Mock with its own random stream
func NewMock(b ocv.Bounds) *Mock {
	return &Mock{Bounds: b, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Identification mimics the *IDN? reply of a real meter
func (m *Mock) Identification() (string, error) {
	if m.closed {
		return "", comm.ErrNotConnected
	}
	return MockID, nil
}

// ConfigureVoltageDC does nothing; the mock is always ready
func (m *Mock) ConfigureVoltageDC() error {
	if m.closed {
		return comm.ErrNotConnected
	}
	return nil
}

// MeasureVoltageDC draws a random reading.  About 5% of draws sit near zero
// (no cell in the holder), 10% fall outside the expected window, and the
// rest land inside it.
func (m *Mock) MeasureVoltageDC() (ocv.Reading, error) {
	if m.closed {
		return ocv.Reading{}, comm.ErrNotConnected
	}
	b := m.Bounds
	var v float64
	switch roll := m.rng.Float64(); {
	case roll < 0.05:
		v = b.Floor * m.rng.Float64()
	case roll < 0.10:
		v = b.Max + 0.05 + 0.45*m.rng.Float64()
	case roll < 0.15:
		v = b.Floor + (b.Min-b.Floor)*(0.1+0.8*m.rng.Float64())
	default:
		v = b.Min + (b.Max-b.Min)*m.rng.Float64()
	}
	raw := strconv.FormatFloat(v, 'E', 8, 64)
	return ocv.Classify(raw, b), nil
}

// DisplayText does nothing; the mock has no front panel
func (m *Mock) DisplayText(msg string) error {
	if m.closed {
		return comm.ErrNotConnected
	}
	return nil
}

// ReturnToLocal does nothing; the mock has no front panel
func (m *Mock) ReturnToLocal() error {
	if m.closed {
		return comm.ErrNotConnected
	}
	return nil
}

// Close marks the mock closed; further commands error
func (m *Mock) Close() error {
	m.closed = true
	return nil
}
