// Package session drives the interactive measurement workflow: discover the
// instrument, confirm it with the operator, then measure cells one at a time
// at the operator's pace, recording every usable reading.  The session talks
// to the hardware, the operator, and the log through narrow interfaces so
// the whole loop runs against test doubles.
package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.jpl.nasa.gov/bdube/ocvlog/cellrec"
	"github.jpl.nasa.gov/bdube/ocvlog/ocv"
)

var (
	// ErrNoInstrumentFound means discovery turned up nothing usable
	ErrNoInstrumentFound = errors.New("session: no instrument found; check connections and try again")

	// ErrNotConfirmed means the operator rejected the instrument and chose
	// not to rescan
	ErrNotConfirmed = errors.New("session: instrument not confirmed")

	// ErrConfirmationAborted means the operator never gave a usable answer
	// to a yes/no question
	ErrConfirmationAborted = errors.New("session: confirmation aborted")

	// ErrLinkDown means the instrument link is no longer usable
	ErrLinkDown = errors.New("session: instrument link down")
)

// Meter is the slice of a digital multimeter the session drives.
// *keithley.DMM and *keithley.Mock both satisfy it.
type Meter interface {
	ConfigureVoltageDC() error
	MeasureVoltageDC() (ocv.Reading, error)
	DisplayText(msg string) error
	ReturnToLocal() error
	Close() error
}

// Candidate is one attachment point seen during discovery.
type Candidate struct {
	// Resource is where the instrument is attached, in comm resource syntax
	Resource string

	// ID is the instrument's identification, empty when Err != nil
	ID string

	// Err is what went wrong probing this resource
	Err error
}

// Discoverer scans the instrument bus and opens links to what it finds.
type Discoverer interface {
	Discover() ([]Candidate, error)
	Open(resource string) (Meter, error)
}

// Prompter asks the operator one question and returns one line of answer.
type Prompter interface {
	Ask(prompt string) (string, error)
}

// Recorder persists classified measurements.  *cellrec.Recorder satisfies it.
type Recorder interface {
	Append(rec cellrec.Record) error
	Cells() []int
}

// Spinner shows activity while the meter averages a reading.
type Spinner interface {
	Start() error
	Stop() error
}

// Config wires a Session's collaborators.  Disc, Prompt, and Rec are
// required; the rest have defaults.
type Config struct {
	// Disc finds and opens instruments
	Disc Discoverer

	// Prompt carries the operator dialogue
	Prompt Prompter

	// Rec is the measurement log
	Rec Recorder

	// Out receives the operator-facing output.  Defaults to os.Stdout.
	Out io.Writer

	// Spin, when non-nil, animates the wait for each reading instead of a
	// static "Measuring..." line
	Spin Spinner

	// Label is shown on the meter's display so the operator can match the
	// physical instrument to the one discovered.  Empty shows nothing.
	Label string

	// MaxCell is the highest cell number accepted.  Defaults to 700.
	MaxCell int

	// ConfirmAttempts is how many invalid answers a yes/no question
	// tolerates before aborting.  Defaults to 3.
	ConfirmAttempts int

	// FatalCommFailures is how many consecutive measurement failures are
	// tolerated before the link is declared down.  Defaults to 3.
	FatalCommFailures int
}

// Session owns one run of the workflow, from discovery to the last cell.
// The phases run strictly in order: confirming, then configuring, then the
// measuring loop; there is no concurrency and no shared state.
type Session struct {
	cfg      Config
	measured map[int]bool
}

// New validates cfg, fills defaults, and returns a ready Session.
func New(cfg Config) (*Session, error) {
	if cfg.Disc == nil {
		return nil, errors.New("session: Config.Disc must not be nil")
	}
	if cfg.Prompt == nil {
		return nil, errors.New("session: Config.Prompt must not be nil")
	}
	if cfg.Rec == nil {
		return nil, errors.New("session: Config.Rec must not be nil")
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.MaxCell <= 0 {
		cfg.MaxCell = 700
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 3
	}
	if cfg.FatalCommFailures <= 0 {
		cfg.FatalCommFailures = 3
	}
	return &Session{cfg: cfg, measured: map[int]bool{}}, nil
}

// Run executes the whole workflow and blocks until the operator quits or a
// fatal error ends the run.  The instrument link is released on every exit
// path.
func (s *Session) Run() error {
	meter, err := s.discoverAndConfirm()
	if err != nil {
		return err
	}
	defer func() {
		// hand the front panel back; some transports cannot, and a dead
		// link certainly cannot, so this is best effort
		meter.ReturnToLocal()
		meter.Close()
	}()
	if err := meter.ConfigureVoltageDC(); err != nil {
		return fmt.Errorf("%w: configuration failed: %v", ErrLinkDown, err)
	}
	for _, cell := range s.cfg.Rec.Cells() {
		s.measured[cell] = true
	}
	return s.measureLoop(meter)
}

// discoverAndConfirm finds instruments, has the operator pick and confirm
// one, and returns the open link.  On rejection the operator may rescan or
// give up; a rejected instrument's link is closed before either.
func (s *Session) discoverAndConfirm() (Meter, error) {
	for {
		cands, err := s.cfg.Disc.Discover()
		if err != nil {
			return nil, err
		}
		fmt.Fprintln(s.cfg.Out, "Detected instruments:")
		usable := 0
		lastUsable := -1
		for i, c := range cands {
			if c.Err != nil {
				fmt.Fprintf(s.cfg.Out, "%d. %s\n   ERROR communicating with instrument: %v\n", i+1, c.Resource, c.Err)
				continue
			}
			fmt.Fprintf(s.cfg.Out, "%d. %s\n   %s\n", i+1, c.Resource, c.ID)
			usable++
			lastUsable = i
		}
		if usable == 0 {
			return nil, ErrNoInstrumentFound
		}
		idx := lastUsable
		if usable > 1 {
			idx, err = s.selectCandidate(cands)
			if err != nil {
				return nil, err
			}
		} else {
			fmt.Fprintf(s.cfg.Out, "Using the only instrument that answered: %s\n", cands[idx].ID)
		}
		meter, err := s.cfg.Disc.Open(cands[idx].Resource)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %v", ErrLinkDown, cands[idx].Resource, err)
		}
		if s.cfg.Label != "" {
			// not every model has a text display; ignore a refusal
			meter.DisplayText(s.cfg.Label)
		}
		fmt.Fprintf(s.cfg.Out, "Instrument: %s\n", cands[idx].ID)
		ok, err := s.yesNo("Does the DMM label match the wiring?")
		if err != nil {
			meter.Close()
			return nil, err
		}
		if ok {
			return meter, nil
		}
		// the rejected link is closed before anything else happens
		meter.Close()
		again, err := s.yesNo("Scan for instruments again?")
		if err != nil {
			return nil, err
		}
		if !again {
			fmt.Fprintln(s.cfg.Out, "Re-run the program once wiring is corrected.")
			return nil, ErrNotConfirmed
		}
	}
}

// selectCandidate asks the operator which of the displayed instruments to
// use, by the number printed next to it.
func (s *Session) selectCandidate(cands []Candidate) (int, error) {
	prompt := fmt.Sprintf("Select the DMM measuring VOLTAGE (1-%d): ", len(cands))
	for {
		ans, err := s.cfg.Prompt.Ask(prompt)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(ans))
		if err != nil || n < 1 || n > len(cands) {
			fmt.Fprintln(s.cfg.Out, "Invalid selection. Try again.")
			continue
		}
		if cands[n-1].Err != nil {
			fmt.Fprintln(s.cfg.Out, "That instrument did not answer the scan. Try again.")
			continue
		}
		return n - 1, nil
	}
}

// measureLoop runs the per-cell cycle until the operator quits or the link
// dies.  Communication failures are reported and survived until they come
// FatalCommFailures in a row.
func (s *Session) measureLoop(m Meter) error {
	fails := 0
	for {
		cell, quit, err := s.nextCell()
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
		reading, err := s.measure(m)
		if err != nil {
			fails++
			fmt.Fprintf(s.cfg.Out, "ERROR: measurement failed: %v\n", err)
			if fails >= s.cfg.FatalCommFailures {
				return fmt.Errorf("%w: %d consecutive measurement failures", ErrLinkDown, fails)
			}
			continue
		}
		fails = 0
		stamp := time.Now()
		switch reading.Status {
		case ocv.Error:
			fmt.Fprintf(s.cfg.Out, "ERROR: %s\n", reading.Reason)
			continue
		case ocv.Warning:
			fmt.Fprintf(s.cfg.Out, "WARNING: %s\n", reading.Reason)
		}
		rec := cellrec.Record{Cell: cell, Time: stamp, Volts: reading.Volts}
		if err := s.cfg.Rec.Append(rec); err != nil {
			fmt.Fprintf(s.cfg.Out, "ERROR: cell %d measured %.6f V but the reading could not be saved: %v\n",
				cell, reading.Volts, err)
			return err
		}
		s.measured[cell] = true
		fmt.Fprintf(s.cfg.Out, "Cell %d: %.6f V\n", cell, reading.Volts)
	}
}

// measure performs one reading with the waiting indicator up.
func (s *Session) measure(m Meter) (ocv.Reading, error) {
	if s.cfg.Spin != nil {
		s.cfg.Spin.Start()
		defer s.cfg.Spin.Stop()
	} else {
		fmt.Fprintln(s.cfg.Out, "Measuring... please wait.")
	}
	return m.MeasureVoltageDC()
}

// nextCell prompts until the operator enters a valid cell number or quits.
// Re-entering a cell already in the log asks for reconfirmation first.
func (s *Session) nextCell() (int, bool, error) {
	prompt := fmt.Sprintf("Enter cell number [1-%d] or 'c' to quit: ", s.cfg.MaxCell)
	for {
		ans, err := s.cfg.Prompt.Ask(prompt)
		if err != nil {
			return 0, false, err
		}
		ans = strings.ToLower(strings.TrimSpace(ans))
		if ans == "c" {
			sure, err := s.yesNo("Are you sure you want to exit?")
			if err != nil {
				return 0, false, err
			}
			if sure {
				return 0, true, nil
			}
			continue
		}
		cell, err := strconv.Atoi(ans)
		if err != nil || cell < 1 || cell > s.cfg.MaxCell {
			fmt.Fprintln(s.cfg.Out, "Invalid entry. Try again.")
			continue
		}
		if s.measured[cell] {
			again, err := s.yesNo("This cell number has already been entered. Are you sure you want to measure this one?")
			if err != nil {
				return 0, false, err
			}
			if !again {
				fmt.Fprintln(s.cfg.Out, "Okay. Try again:")
				continue
			}
		}
		return cell, false, nil
	}
}

// yesNo asks until it gets a y or n, tolerating ConfirmAttempts invalid
// answers before giving up on the operator.
func (s *Session) yesNo(prompt string) (bool, error) {
	for i := 0; i < s.cfg.ConfirmAttempts; i++ {
		ans, err := s.cfg.Prompt.Ask(prompt + " [y|n]: ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(ans)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(s.cfg.Out, "Please type 'y' or 'n'.")
	}
	return false, fmt.Errorf("%w: no usable answer to %q", ErrConfirmationAborted, prompt)
}
