// Package cellrec contains the append-only measurement log for battery cell
// voltages.  One CSV file accumulates every measurement ever taken at a
// given path; rows are never modified or removed, only added.
package cellrec

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Stamp is the layout records are written with.  Full nanosecond precision
// keeps every row's timestamp unique even when measurements land inside the
// same wall clock second.
const Stamp = "2006-01-02 15:04:05.000000000"

// stampSeconds is the layout older revisions wrote, without fractional
// seconds.  Parsing with it accepts both forms; the parser consumes a
// fractional second when one is present even if the layout omits it.
const stampSeconds = "2006-01-02 15:04:05"

// ErrPersistence tags any failure to get a record on disk.  Callers test
// for it with errors.Is.
var ErrPersistence = errors.New("cellrec: record not persisted")

// header is the first row of every file
var header = []string{"Timestamp", "Open-Circuit Voltage (V)", "Cell Number"}

// Record is one measurement bound for the log.
type Record struct {
	// Cell is the cell number the operator entered
	Cell int

	// Time is when the measurement was classified
	Time time.Time

	// Volts is the measured open-circuit voltage
	Volts float64
}

// Recorder appends records to a CSV file.  It is not thread safe; a session
// owns it exclusively.
type Recorder struct {
	f      *os.File
	path   string
	last   time.Time
	cells  []int
	closed bool
}

// New opens (or creates) the log at path, creating parent directories and
// the header row as needed.  An existing file is first scanned to recover
// the cell numbers already measured and the newest timestamp, so appends
// from this run can never collide with rows from a previous one.  The file
// is only ever opened for appending; prior content cannot be damaged.
func New(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	r := &Recorder{path: path}
	if err := r.seed(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.f = f
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if fi.Size() == 0 {
		row := strings.Join(header, ",") + "\n"
		if _, err := f.Write([]byte(row)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	return r, nil
}

// seed scans an existing file for cell numbers and the newest timestamp.
// Malformed rows are reported and skipped; they do not poison the log.
func (r *Recorder) seed() error {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	rdr := csv.NewReader(f)
	rdr.FieldsPerRecord = -1
	for {
		row, err := rdr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			log.Printf("cellrec: stopping scan of %s early: %v", r.path, err)
			return nil
		}
		if len(row) > 0 && row[0] == header[0] {
			continue
		}
		if len(row) != 3 {
			log.Printf("cellrec: skipping malformed row %q in %s", strings.Join(row, ","), r.path)
			continue
		}
		cell, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil {
			log.Printf("cellrec: skipping row with bad cell number %q in %s", row[2], r.path)
			continue
		}
		ts, err := time.ParseInLocation(stampSeconds, strings.TrimSpace(row[0]), time.Local)
		if err != nil {
			log.Printf("cellrec: skipping row with bad timestamp %q in %s", row[0], r.path)
			continue
		}
		r.cells = append(r.cells, cell)
		if ts.After(r.last) {
			r.last = ts
		}
	}
}

// Append writes one record as a single row and syncs it to disk.  If the
// record's timestamp does not advance past the newest row already written,
// it is nudged forward a nanosecond so no two rows are ever
// indistinguishable.  The row hits the file in one write; there is no
// buffering to lose.
func (r *Recorder) Append(rec Record) error {
	if r.closed {
		return fmt.Errorf("%w: recorder is closed", ErrPersistence)
	}
	if !rec.Time.After(r.last) {
		rec.Time = r.last.Add(time.Nanosecond)
	}
	row := fmt.Sprintf("%s,%s,%d\n",
		rec.Time.Format(Stamp),
		strconv.FormatFloat(rec.Volts, 'f', -1, 64),
		rec.Cell)
	if _, err := r.f.Write([]byte(row)); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.last = rec.Time
	r.cells = append(r.cells, rec.Cell)
	return nil
}

// Cells returns the cell numbers present in the log, both from prior runs
// and from this one, in the order they appear.
func (r *Recorder) Cells() []int {
	out := make([]int, len(r.cells))
	copy(out, r.cells)
	return out
}

// Path returns where the log lives.
func (r *Recorder) Path() string {
	return r.path
}

// Close releases the file.  Every appended row is already synced, so there
// is nothing to flush.  Close is idempotent.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}
