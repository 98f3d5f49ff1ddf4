package comm

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.jpl.nasa.gov/bdube/ocvlog/usbtmc"
)

// TCPSetup opens a new TCP connection and sets a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr over TCP
// with an exponential backoff.  Some instruments bind their port a beat
// after answering ARP and do not like being connection thrashed, so failed
// dials are retried for up to three seconds before giving up.  A refused
// connection is an immediate failure; nothing is listening there.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var (
			conn       net.Conn
			wasTimeout bool
		)
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			if err != nil {
				errS := strings.ToLower(err.Error())
				if strings.Contains(errS, "refused") {
					return backoff.Permanent(err)
				}
				wasTimeout = true
				return err
			}
			wasTimeout = false
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			if wasTimeout {
				return nil, fmt.Errorf("connection timeout to %s", addr)
			}
			return nil, err
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the RS-232 port
// described by conf.  The config's ReadTimeout bounds each read; serial
// ports have no deadline mechanism of their own.
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// USBConnMaker returns a CreationFunc which opens the USB Test & Measurement
// Class device with the given vendor and product IDs.  timeout bounds each
// bulk transfer.
func USBConnMaker(vid, pid uint16, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return usbtmc.Open(vid, pid, timeout)
	}
}
