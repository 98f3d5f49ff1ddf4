package scpi

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.jpl.nasa.gov/bdube/ocvlog/comm"
)

// Found describes one probed attachment point.  Err is non-nil when nothing
// answered there, or the answer was garbage.
type Found struct {
	// Resource is where the probe connected
	Resource comm.Resource

	// ID is the instrument's *IDN? reply, empty when Err != nil
	ID string

	// Err is what went wrong, nil on success
	Err error
}

// Scan probes each resource with *IDN? and reports what, if anything,
// answered.  Unreachable and mute resources are included in the result with
// Err set, so a caller can show the operator everything that was tried.
// timeout bounds each probe individually.
func Scan(resources []comm.Resource, timeout time.Duration) []Found {
	found := make([]Found, 0, len(resources))
	for _, res := range resources {
		id, err := probe(res, timeout)
		found = append(found, Found{Resource: res, ID: id, Err: err})
	}
	return found
}

// probe opens a resource directly, skipping the pool machinery which would
// linger; a scan touches each candidate exactly once and moves on.
func probe(res comm.Resource, timeout time.Duration) (string, error) {
	conn, err := res.Maker(timeout)()
	if err != nil {
		return "", err
	}
	defer conn.Close()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap, err = comm.NewTimeout(wrap, timeout)
	if err != nil {
		return "", err
	}
	_, err = io.WriteString(wrap, "*IDN?")
	if err != nil {
		return "", err
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return "", err
	}
	id := string(bytes.TrimRight(buf[:n], "\r\n"))
	if id == "" {
		return "", errors.New("scpi: empty identification reply")
	}
	return id, nil
}
