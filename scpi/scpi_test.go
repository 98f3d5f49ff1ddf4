package scpi

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/ocvlog/comm"
)

const fakeIDN = "KEITHLEY INSTRUMENTS INC.,MODEL 2000,1102744,A19  /A02"

// scpiLoopback starts a TCP server which answers one line per request via
// handler, and returns its address.  handler's second return reports whether
// the command merits a reply at all.
func scpiLoopback(t *testing.T, handler func(cmd string) (string, bool)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal("could not open loopback listener:", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					if resp, ok := handler(sc.Text()); ok {
						io.WriteString(c, resp+"\n")
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// meterHandler emulates a Keithley's replies, including the chained error
// query response when the request carried handshaking.
func meterHandler(cmd string) (string, bool) {
	handshake := strings.Contains(cmd, "SYSTem:ERRor?")
	var reply string
	switch {
	case strings.Contains(cmd, "*IDN?"):
		reply = fakeIDN
	case strings.Contains(cmd, "READ?"):
		reply = "+4.03517E+00"
	}
	if handshake {
		if reply != "" {
			return reply + `;+0,"No error"`, true
		}
		return `+0,"No error"`, true
	}
	return reply, reply != ""
}

func poolFor(addr string) *comm.Pool {
	return comm.NewPool(1, time.Second, comm.BackingOffTCPConnMaker(addr, time.Second))
}

func TestIdentification(t *testing.T) {
	addr := scpiLoopback(t, meterHandler)
	s := &SCPI{Pool: poolFor(addr)}
	id, err := s.Identification()
	if err != nil {
		t.Fatal("identification failed:", err)
	}
	if id != fakeIDN {
		t.Errorf("identification expected %q, got %q", fakeIDN, id)
	}
}

func TestReadFloat(t *testing.T) {
	addr := scpiLoopback(t, meterHandler)
	s := &SCPI{Pool: poolFor(addr)}
	v, err := s.ReadFloat("READ?")
	if err != nil {
		t.Fatal("read failed:", err)
	}
	if v != 4.03517 {
		t.Errorf("reading expected 4.03517, got %v", v)
	}
}

func TestHandshakingStripsErrorReply(t *testing.T) {
	addr := scpiLoopback(t, meterHandler)
	s := &SCPI{Pool: poolFor(addr), Handshaking: true}
	resp, err := s.ReadString("READ?")
	if err != nil {
		t.Fatal("read failed:", err)
	}
	if resp != "+4.03517E+00" {
		t.Errorf("response expected %q, got %q", "+4.03517E+00", resp)
	}
}

func TestHandshakingWriteAccepted(t *testing.T) {
	addr := scpiLoopback(t, meterHandler)
	s := &SCPI{Pool: poolFor(addr), Handshaking: true}
	if err := s.Write("CONF:VOLT:DC", "AUTO"); err != nil {
		t.Error("handshaking write of a good command errored:", err)
	}
}

func TestHandshakingWriteRejected(t *testing.T) {
	addr := scpiLoopback(t, func(cmd string) (string, bool) {
		return `-113,"Undefined header"`, true
	})
	s := &SCPI{Pool: poolFor(addr), Handshaking: true}
	err := s.Write("BOGUS:CMD")
	if err == nil {
		t.Fatal("expected a device error from handshaking, got nil")
	}
	if !strings.Contains(err.Error(), "Undefined header") {
		t.Errorf("error should carry the device's message, got %v", err)
	}
}

func TestPopErrorAndAllErrors(t *testing.T) {
	queue := []string{
		`-113,"Undefined header"`,
		`-410,"Query INTERRUPTED"`,
		`+0,"No error"`,
	}
	addr := scpiLoopback(t, func(cmd string) (string, bool) {
		if !strings.Contains(cmd, "SYSTem:ERRor?") {
			return "", false
		}
		head := queue[0]
		if len(queue) > 1 {
			queue = queue[1:]
		}
		return head, true
	})
	s := &SCPI{Pool: poolFor(addr)}
	errs := s.AllErrors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 queued errors, got %d: %v", len(errs), errs)
	}
	if !strings.Contains(errs[0].Error(), "Undefined header") {
		t.Errorf("first error expected to mention Undefined header, got %v", errs[0])
	}
}

func TestCheckErrorQueueReply(t *testing.T) {
	cases := []struct {
		resp string
		ok   bool
	}{
		{`+0,"No error"`, true},
		{`0,No error`, true},
		{`0,"No error;queue empty"`, true},
		{`-113,"Undefined header"`, false},
		{`-222,"Parameter data out of range"`, false},
		{`831,`, false},
		{``, false},
		{`ERROR`, false},
	}
	for _, tc := range cases {
		err := checkErrorQueueReply(tc.resp)
		if tc.ok && err != nil {
			t.Errorf("checkErrorQueueReply(%q) expected nil, got %v", tc.resp, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("checkErrorQueueReply(%q) expected an error, got nil", tc.resp)
		}
	}
}

func TestLimiterPacesCommands(t *testing.T) {
	addr := scpiLoopback(t, meterHandler)
	s := &SCPI{
		Pool:    poolFor(addr),
		Limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := s.Identification(); err != nil {
			t.Fatal("identification failed:", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("two commands at 50ms pacing finished in %v, pacing not applied", elapsed)
	}
}
