package comm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// default line settings for RS-232 instruments; most benchtop meters ship
// configured for 9600 8N1
const defaultBaud = 9600

// Resource identifies one attachment point on the instrument bus.  Three
// schemes are understood:
//
//	tcp://192.168.100.40:5025            raw socket (LXI) instruments
//	serial:///dev/ttyUSB0?baud=9600      RS-232 instruments
//	usb://05e6:6500                      USBTMC instruments by vendor:product ID (hex)
type Resource struct {
	// Scheme is one of "tcp", "serial", "usb"
	Scheme string

	// Addr is the host:port for tcp, or the device path for serial
	Addr string

	// Baud is the serial line rate; ignored for other schemes
	Baud int

	// VID and PID are the USB vendor and product IDs; ignored for other schemes
	VID, PID uint16
}

// ParseResource parses a resource string in one of the forms understood by
// this package.
func ParseResource(str string) (Resource, error) {
	var r Resource
	idx := strings.Index(str, "://")
	if idx < 0 {
		return r, fmt.Errorf("comm: resource %q has no scheme, want tcp:// serial:// or usb://", str)
	}
	r.Scheme = str[:idx]
	rest := str[idx+3:]
	switch r.Scheme {
	case "tcp":
		if !strings.Contains(rest, ":") {
			return r, fmt.Errorf("comm: tcp resource %q needs host:port", str)
		}
		r.Addr = rest
	case "serial":
		r.Baud = defaultBaud
		if q := strings.Index(rest, "?"); q >= 0 {
			query := rest[q+1:]
			rest = rest[:q]
			for _, kv := range strings.Split(query, "&") {
				pieces := strings.SplitN(kv, "=", 2)
				if len(pieces) != 2 || pieces[0] != "baud" {
					return r, fmt.Errorf("comm: serial resource %q has unknown option %q", str, kv)
				}
				baud, err := strconv.Atoi(pieces[1])
				if err != nil || baud <= 0 {
					return r, fmt.Errorf("comm: serial resource %q has invalid baud %q", str, pieces[1])
				}
				r.Baud = baud
			}
		}
		if rest == "" {
			return r, fmt.Errorf("comm: serial resource %q has no device path", str)
		}
		r.Addr = rest
	case "usb":
		pieces := strings.SplitN(rest, ":", 2)
		if len(pieces) != 2 {
			return r, fmt.Errorf("comm: usb resource %q needs vid:pid", str)
		}
		vid, err := strconv.ParseUint(pieces[0], 16, 16)
		if err != nil {
			return r, fmt.Errorf("comm: usb resource %q has invalid vendor ID %q", str, pieces[0])
		}
		pid, err := strconv.ParseUint(pieces[1], 16, 16)
		if err != nil {
			return r, fmt.Errorf("comm: usb resource %q has invalid product ID %q", str, pieces[1])
		}
		r.VID = uint16(vid)
		r.PID = uint16(pid)
	default:
		return r, fmt.Errorf("comm: resource %q has unknown scheme %q", str, r.Scheme)
	}
	return r, nil
}

// String returns the canonical resource string, the inverse of ParseResource.
func (r Resource) String() string {
	switch r.Scheme {
	case "serial":
		return fmt.Sprintf("serial://%s?baud=%d", r.Addr, r.Baud)
	case "usb":
		return fmt.Sprintf("usb://%04x:%04x", r.VID, r.PID)
	default:
		return fmt.Sprintf("%s://%s", r.Scheme, r.Addr)
	}
}

// Maker returns the CreationFunc which opens this resource.  timeout bounds
// connection establishment and, for transports without deadlines, each read.
func (r Resource) Maker(timeout time.Duration) CreationFunc {
	switch r.Scheme {
	case "serial":
		return SerialConnMaker(&serial.Config{
			Name:        r.Addr,
			Baud:        r.Baud,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: timeout})
	case "usb":
		return USBConnMaker(r.VID, r.PID, timeout)
	default:
		return BackingOffTCPConnMaker(r.Addr, timeout)
	}
}
