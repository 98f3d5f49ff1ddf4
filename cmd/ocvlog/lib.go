package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/ocvlog/cellrec"
	"github.jpl.nasa.gov/bdube/ocvlog/comm"
	"github.jpl.nasa.gov/bdube/ocvlog/keithley"
	"github.jpl.nasa.gov/bdube/ocvlog/ocv"
	"github.jpl.nasa.gov/bdube/ocvlog/scpi"
	"github.jpl.nasa.gov/bdube/ocvlog/session"
	"github.jpl.nasa.gov/bdube/ocvlog/usbtmc"
)

// mockResource is the resource string that stands up a simulated DMM
const mockResource = "mock"

// Config holds the initialization parameters for a measurement session.
// It is to be populated by koanf from the defaults, ocvlog.yml, and
// OCVLOG_* environment variables, in that order.
type Config struct {
	// Resources lists where instruments may be attached, in resource
	// syntax (tcp://host:port, serial:///dev/ttyUSB0?baud=9600,
	// usb://vid:pid), or the literal "mock" for a simulated DMM
	Resources []string `koanf:"resources" yaml:"resources"`

	// USBScan adds every USBTMC-class device on the bus to the candidates
	USBScan bool `koanf:"usbscan" yaml:"usbscan"`

	// DataFile is the CSV log path.  Parent directories are created.
	DataFile string `koanf:"datafile" yaml:"datafile"`

	// Label is written to the instrument's display during confirmation so
	// the operator can match the discovered meter to the wired one
	Label string `koanf:"label" yaml:"label"`

	// AverageCount is the depth of the meter's repeating average filter,
	// 0 leaves filtering off
	AverageCount int `koanf:"averagecount" yaml:"averagecount"`

	// MaxCell is the highest accepted cell number
	MaxCell int `koanf:"maxcell" yaml:"maxcell"`

	// Floor, Min, and Max classify readings, in volts.  Below Floor is an
	// open circuit (error); outside Min..Max is logged with a warning.
	Floor float64 `koanf:"floor" yaml:"floor"`
	Min   float64 `koanf:"min" yaml:"min"`
	Max   float64 `koanf:"max" yaml:"max"`

	// CommandRate caps commands sent to the meter, per second.  0 is
	// unpaced.
	CommandRate float64 `koanf:"commandrate" yaml:"commandrate"`

	// Timeout bounds each command round trip, in seconds
	Timeout int `koanf:"timeout" yaml:"timeout"`

	// Handshake wraps every command with *CLS and an error queue query so
	// bad commands surface immediately
	Handshake bool `koanf:"handshake" yaml:"handshake"`

	// ConfirmAttempts bounds invalid answers to any yes/no question
	ConfirmAttempts int `koanf:"confirmattempts" yaml:"confirmattempts"`

	// FatalCommFailures is how many consecutive measurement failures end
	// the run
	FatalCommFailures int `koanf:"fatalcommfailures" yaml:"fatalcommfailures"`

	// Spinner animates the measurement wait.  Off keeps the output plain
	// for dumb terminals and session logs.
	Spinner bool `koanf:"spinner" yaml:"spinner"`
}

func defaultConfig() Config {
	return Config{
		USBScan:           true,
		DataFile:          "data/voltages.csv",
		Label:             "VOLTMETER",
		AverageCount:      5,
		MaxCell:           700,
		Floor:             0.05,
		Min:               2.7,
		Max:               4.2,
		Timeout:           10,
		ConfirmAttempts:   3,
		FatalCommFailures: 3,
		Spinner:           true,
	}
}

func (c Config) bounds() ocv.Bounds {
	return ocv.Bounds{Min: c.Min, Max: c.Max, Floor: c.Floor}
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c Config) validate() error {
	if c.DataFile == "" {
		return errors.New("datafile must not be empty")
	}
	if c.MaxCell < 1 {
		return errors.New("maxcell must be at least 1")
	}
	if c.Timeout < 1 {
		return errors.New("timeout must be at least 1 second")
	}
	if len(c.Resources) == 0 && !c.USBScan {
		return errors.New("no resources listed and usbscan is off; there is nowhere to look for an instrument")
	}
	return c.bounds().Validate()
}

// busDiscoverer finds instruments at the configured resources and opens
// links to them.
type busDiscoverer struct {
	cfg Config
}

// Discover probes every configured resource plus, when enabled, every
// USBTMC device on the bus.  Unparseable resource strings and failed probes
// come back as candidates with errors so the operator sees them.
func (d busDiscoverer) Discover() ([]session.Candidate, error) {
	var (
		cands []session.Candidate
		reals []comm.Resource
	)
	seen := map[string]bool{}
	for _, raw := range d.cfg.Resources {
		raw = strings.TrimSpace(raw)
		if strings.EqualFold(raw, mockResource) {
			cands = append(cands, session.Candidate{Resource: mockResource, ID: keithley.MockID})
			continue
		}
		res, err := comm.ParseResource(raw)
		if err != nil {
			cands = append(cands, session.Candidate{Resource: raw, Err: err})
			continue
		}
		if seen[res.String()] {
			continue
		}
		seen[res.String()] = true
		reals = append(reals, res)
	}
	if d.cfg.USBScan {
		infos, err := usbtmc.Enumerate()
		if err != nil {
			// a bench without USB access can still reach LAN and serial
			// instruments
			log.Printf("usb scan failed: %v", err)
		}
		for _, info := range infos {
			res := comm.Resource{Scheme: "usb", VID: info.VID, PID: info.PID}
			if seen[res.String()] {
				continue
			}
			seen[res.String()] = true
			reals = append(reals, res)
		}
	}
	for _, f := range scpi.Scan(reals, d.cfg.timeout()) {
		cands = append(cands, session.Candidate{Resource: f.Resource.String(), ID: f.ID, Err: f.Err})
	}
	return cands, nil
}

// Open builds a driver for the instrument at resource, configured per the
// session's config.
func (d busDiscoverer) Open(resource string) (session.Meter, error) {
	if strings.EqualFold(resource, mockResource) {
		return keithley.NewMock(d.cfg.bounds()), nil
	}
	res, err := comm.ParseResource(resource)
	if err != nil {
		return nil, err
	}
	dmm := keithley.New(res, d.cfg.timeout())
	dmm.AverageCount = d.cfg.AverageCount
	dmm.Bounds = d.cfg.bounds()
	dmm.Handshaking = d.cfg.Handshake
	if d.cfg.CommandRate > 0 {
		dmm.Limiter = rate.NewLimiter(rate.Limit(d.cfg.CommandRate), 1)
	}
	return dmm, nil
}

// newSpinner builds the measurement-wait animation.  A terminal that can't
// host one is not an error; the session falls back to a static line.
func newSpinner() session.Spinner {
	spin, err := yacspin.New(yacspin.Config{
		Frequency: 100 * time.Millisecond,
		CharSet:   yacspin.CharSets[59],
		Suffix:    " measuring... please wait",
	})
	if err != nil {
		return nil
	}
	return spin
}

func banner(w io.Writer) {
	bar := strings.Repeat("=", 79)
	fmt.Fprintln(w, bar)
	fmt.Fprintln(w, "   Battery Cell Open-Circuit Voltage Logger")
	fmt.Fprintln(w, bar)
	fmt.Fprintln(w, "This program measures and records the DC voltage of individual cells.")
	fmt.Fprintln(w, "Make sure the DMM leads are connected directly across the cell under test.")
	fmt.Fprintln(w, "Enter the cell number when prompted or 'c' to quit.")
	fmt.Fprintln(w)
}

// exitCode maps the errors Run can return to the documented process exit
// codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, session.ErrNoInstrumentFound):
		return 2
	case errors.Is(err, session.ErrNotConfirmed):
		return 3
	case errors.Is(err, session.ErrConfirmationAborted):
		return 3
	case errors.Is(err, session.ErrLinkDown):
		return 4
	case errors.Is(err, cellrec.ErrPersistence):
		return 5
	}
	return 1
}

// runWorkflow stands up the recorder and session and runs them to
// completion, returning the process exit code.
func runWorkflow(c Config) int {
	if err := c.validate(); err != nil {
		log.Print("invalid configuration: ", err)
		return 1
	}
	banner(os.Stdout)
	rec, err := cellrec.New(c.DataFile)
	if err != nil {
		log.Print(err)
		return exitCode(err)
	}
	defer rec.Close()
	scfg := session.Config{
		Disc:              busDiscoverer{cfg: c},
		Prompt:            session.NewConsolePrompter(os.Stdin, os.Stdout),
		Rec:               rec,
		Label:             c.Label,
		MaxCell:           c.MaxCell,
		ConfirmAttempts:   c.ConfirmAttempts,
		FatalCommFailures: c.FatalCommFailures,
	}
	if c.Spinner {
		scfg.Spin = newSpinner()
	}
	s, err := session.New(scfg)
	if err != nil {
		log.Print(err)
		return 1
	}
	if err := s.Run(); err != nil {
		log.Print(err)
		return exitCode(err)
	}
	fmt.Println("All done. Data saved to:")
	fmt.Println(rec.Path())
	return 0
}
