package comm

import (
	"bytes"
	"io"
	"time"
)

// deadliner is the piece of net.Conn used to bound reads and writes.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Terminator wraps an io.ReadWriter, appending the Tx terminator to each
// write and truncating each read at the Rx terminator.  Instruments speak a
// line protocol; consumers of a Terminator do not see the framing bytes.
type Terminator struct {
	rw io.ReadWriter
	rx byte
	tx byte
}

// NewTerminator wraps rw with the given receive and transmit terminators.
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx}
}

// Write sends p followed by the Tx terminator.  The returned count excludes
// the terminator, so the caller sees len(p) on success.
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read fills p until the Rx terminator arrives, returning the bytes before
// the terminator.  Anything after the terminator in the same transfer is
// discarded; query-response instruments send exactly one reply per query.
// If p fills without a terminator, ErrTerminatorNotFound is returned with
// the data.
func (t *Terminator) Read(p []byte) (int, error) {
	total := 0
	for {
		n, err := t.rw.Read(p[total:])
		total += n
		if idx := bytes.IndexByte(p[:total], t.rx); idx >= 0 {
			// the frame is complete; a trailing EOF does not matter
			return idx, nil
		}
		if err != nil {
			return total, err
		}
		if total == len(p) {
			return total, ErrTerminatorNotFound
		}
	}
}

// SetDeadline forwards to the wrapped connection when it supports deadlines,
// so a Timeout may be stacked outside a Terminator.  It is a no-op for
// transports that bound their own reads (serial, USBTMC).
func (t *Terminator) SetDeadline(dl time.Time) error {
	if d, ok := t.rw.(deadliner); ok {
		return d.SetDeadline(dl)
	}
	return nil
}

// Timeout wraps an io.ReadWriter, arming a fresh deadline before each Read
// and Write so no instrument operation can hang forever.
type Timeout struct {
	rw io.ReadWriter
	dl deadliner
	d  time.Duration
}

// NewTimeout bounds each operation on rw with d.  If rw has no deadline
// mechanism it is returned unchanged; such transports (serial ports, USBTMC
// devices) bound their reads by their own configuration.  An error is
// returned if the connection rejects a deadline, which indicates it is
// already dead.
func NewTimeout(rw io.ReadWriter, d time.Duration) (io.ReadWriter, error) {
	dl, ok := rw.(deadliner)
	if !ok {
		return rw, nil
	}
	if err := dl.SetDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	return &Timeout{rw: rw, dl: dl, d: d}, nil
}

func (t *Timeout) Read(p []byte) (int, error) {
	if err := t.dl.SetDeadline(time.Now().Add(t.d)); err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

func (t *Timeout) Write(p []byte) (int, error) {
	if err := t.dl.SetDeadline(time.Now().Add(t.d)); err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}
