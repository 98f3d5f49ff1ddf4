// Package keithley gives control of Keithley digital multimeters over any
// transport a comm.Resource can describe.  Written against the 2000 series
// and the DMM6500; any meter speaking the SCPI VOLT:DC subsystem should work.
package keithley

import (
	"fmt"
	"strconv"
	"time"

	"github.jpl.nasa.gov/bdube/ocvlog/comm"
	"github.jpl.nasa.gov/bdube/ocvlog/ocv"
	"github.jpl.nasa.gov/bdube/ocvlog/scpi"
)

// DMM is a Keithley digital multimeter
type DMM struct {
	scpi.SCPI

	// AverageCount is the number of samples the meter's repeating filter
	// averages per reading.  Zero leaves the filter off.
	AverageCount int

	// Bounds grades each measurement; see ocv.Classify
	Bounds ocv.Bounds
}

// New creates a new DMM speaking to the instrument at res
func New(res comm.Resource, timeout time.Duration) *DMM {
	pool := comm.NewPool(1, time.Minute, res.Maker(timeout))
	return &DMM{SCPI: scpi.SCPI{Pool: pool, Timeout: timeout}}
}

// ConfigureVoltageDC puts the meter into auto-range DC voltage mode with the
// repeating average filter engaged, starting from a reset so no front panel
// fiddling from a previous user leaks into the measurements.
func (d *DMM) ConfigureVoltageDC() error {
	cmds := [][]string{
		{"*RST"},
		{"CONF:VOLT:DC", "AUTO"},
		{"VOLT:DC:RANG:AUTO", "1"},
	}
	if d.AverageCount > 0 {
		cmds = append(cmds,
			[]string{"AVER:STAT", "ON"},
			[]string{"AVER:TCON", "REP"},
			[]string{"AVER:COUN", strconv.Itoa(d.AverageCount)})
	}
	for _, cmd := range cmds {
		if err := d.Write(cmd...); err != nil {
			return err
		}
	}
	if !d.Handshaking {
		// without per-command handshaking, one sweep of the error queue
		// verifies the whole configuration took
		if str, err := d.AllErrorsString(); err != nil {
			return fmt.Errorf("keithley: configuration did not take: %s", str)
		}
	}
	return nil
}

// MeasureVoltageDC triggers one reading and grades it.  The error return is
// only for transport failures; a malformed or out of range response comes
// back inside the Reading.
func (d *DMM) MeasureVoltageDC() (ocv.Reading, error) {
	resp, err := d.ReadString("READ?")
	if err != nil {
		return ocv.Reading{}, err
	}
	return ocv.Classify(resp, d.Bounds), nil
}

// DisplayText shows msg on the meter's front panel.  Not every model has a
// text display, so failures are the caller's to ignore.
func (d *DMM) DisplayText(msg string) error {
	return d.Write(fmt.Sprintf("DISP:TEXT '%s'", msg))
}

// ReturnToLocal hands the front panel back to the operator; meters lock
// their panel while under remote control.
func (d *DMM) ReturnToLocal() error {
	return d.Write("SYST:LOC")
}

// Close frees the connection to the meter.  The DMM remains usable; a later
// command redials.
func (d *DMM) Close() error {
	return d.Pool.Close()
}
