// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/ocvlog/comm"
)

const (
	defaultTimeout = 5 * time.Second

	tcpFrameSize = 1500
)

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each command round trip.  Zero falls back to a
	// 5 second default, generous enough for a multi-sample average.
	Timeout time.Duration

	// Limiter paces commands when non-nil.  Instruments with slow firmware
	// parsers drop characters when commands arrive back to back.
	Limiter *rate.Limiter
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return defaultTimeout
}

// pace blocks until the limiter permits another command.  A nil limiter
// means full speed.
func (s *SCPI) pace() {
	if s.Limiter == nil {
		return
	}
	r := s.Limiter.Reserve()
	if r.OK() {
		time.Sleep(r.Delay())
	}
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	s.pace()
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap, err = comm.NewTimeout(wrap, s.timeout())
	if err != nil {
		return err
	}
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return err
	}
	if s.Handshaking {
		buf := make([]byte, tcpFrameSize)
		n, err := wrap.Read(buf)
		if err != nil {
			return err
		}
		return checkErrorQueueReply(string(buf[:n]))
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	s.pace()
	var resp []byte
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap, err = comm.NewTimeout(wrap, s.timeout())
	if err != nil {
		return resp, err
	}
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return resp, err
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return resp, err
	}
	resp = buf[:n]
	if s.Handshaking {
		pieces := bytes.Split(resp, []byte{';'})
		err = checkErrorQueueReply(string(pieces[len(pieces)-1]))
		if err != nil {
			return resp, err
		}
		return bytes.Join(pieces[:len(pieces)-1], []byte{}), nil
	}
	return resp, err
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err == nil {
		resp = bytes.TrimRight(resp, "\r\n")
	}
	return string(resp), err
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(resp)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

// Identification returns the instrument's *IDN? reply, the comma separated
// manufacturer, model, serial number, and firmware revision
func (s *SCPI) Identification() (string, error) {
	return s.ReadString("*IDN?")
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError gets a single error from the queue on the device.  A nil return
// means the queue was empty.
func (s *SCPI) PopError() error {
	// SYST: ERR?
	str, err := s.ReadString("SYSTem:ERRor?") // unclear why the case needs to be this way
	if err != nil {
		return err
	}
	return checkErrorQueueReply(str)
}

// AllErrors drains the device's error queue and returns the contents as a
// list.  The queue on the device is bounded (16 deep on Keithley meters), so
// iteration is capped in case the remote never reports the queue empty.
func (s *SCPI) AllErrors() []error {
	var errs []error
	for i := 0; i < 32; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}

// checkErrorQueueReply interprets one SYSTem:ERRor? response.  The format
// varies by model: `+0,"No error"` from older Keithleys, `0,No error` from
// the DMM6500 family.  Code zero means no error; anything else, including a
// reply that cannot be parsed, is returned as an error.
func checkErrorQueueReply(resp string) error {
	pieces := strings.SplitN(resp, ",", 2)
	codeS := strings.TrimPrefix(strings.TrimSpace(pieces[0]), "+")
	code, err := strconv.Atoi(codeS)
	if err != nil {
		return fmt.Errorf("scpi: malformed error queue reply %q", resp)
	}
	if code == 0 {
		return nil
	}
	msg := ""
	if len(pieces) == 2 {
		msg = strings.Trim(strings.TrimSpace(pieces[1]), `"`)
	}
	if msg == "" {
		return fmt.Errorf("scpi: device error %d", code)
	}
	return fmt.Errorf("scpi: device error %d: %s", code, msg)
}
