/*Package comm provides the communication layer between this program and
bench instruments.

The central type is the Pool, which owns one or more connections to a single
device and hands them out one at a time.  Connections are plain
io.ReadWriteClosers; the maker function passed to NewPool encapsulates how to
establish one (TCP, RS-232, or USBTMC -- see the *ConnMaker functions and the
Resource type).  A typical driver method looks like:

	conn, err := d.pool.Get()
	if err != nil {
		return err
	}
	defer func() { d.pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(conn, '\n', '\n')
	_, err = io.WriteString(wrap, "READ?")
	...

Connections idle in the pool are freed after a timeout and remade on demand,
so an instrument left alone returns to an unconnected state instead of
holding its port hostage.
*/
package comm

import (
	"errors"
	"io"
	"sync"
	"time"
)

var (
	// ErrNotConnected is generated when an operation is attempted against a
	// pool that could not produce a connection.
	ErrNotConnected = errors.New("comm: not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not
	// found in a response that filled the read buffer.
	ErrTerminatorNotFound = errors.New("comm: termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables and functions needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// It is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	// can assume chan and timer are created by NewPool in all methods
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= cap(conns)
	timeout time.Duration           // time after len(conns) == maxSize to free all connections
	conns   chan io.ReadWriteCloser // the circular buffer of connections
	timer   *time.Timer             // timer used to destroy connections in the pool after all are returned
	maker   CreationFunc

	reclaiming bool // whether startReclaim's goroutine is running
	mu         *sync.Mutex
}

// NewPool creates a new pool of up to maxSize connections made by maker,
// which are freed after all have been idle for timeout.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
		mu:      &sync.Mutex{},
	}
	p.timer.Stop() // stop the timer since there is nothing to close initially
	return p
}

// Get retrieves a communicator from the channel, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.  The consumer should not attempt to cast it to its
// concrete type and use it outside this interface.
//
// When done with the communicator, return it with Put, or discard it with
// Destroy if it has become no good (e.g., all calls error).
// ReturnWithError does either, based on an error value.
//
// If the error from Get is not nil, you must not return the communicator
// to the pool, or you will cause a panic.
func (p *Pool) Get() (io.ReadWriter, error) {
	// stopping the timer can fail as documented at
	// https://golang.org/pkg/time/#Timer.Stop ; a connection closed under us
	// will be remade by the maker on the next call, so we can ignore that.
	p.timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	// short circuit: if a connection is available, immediately return it
	if len(p.conns) > 0 {
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	// check if they're all given out
	if p.onLease == p.maxSize {
		// wait for one to come back
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	// no connection available and they aren't all out; make one and
	// give it out.  Only increment the lease count if we are giving out
	// something other than garbage.
	c, err := p.maker()
	if err == nil {
		p.onLease++
	}
	return c, err
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.  Junk communicators (ones that always error) should be
// Destroy'd and not returned with Put.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := (rw).(io.ReadWriteCloser)
	// the channel send happens outside the lock: a Get blocked waiting for a
	// connection to come home holds the lock while it waits
	p.conns <- rwc
	p.mu.Lock()
	p.onLease--
	full := len(p.conns) == p.maxSize
	p.mu.Unlock()
	if full {
		p.timer.Reset(p.timeout)
		p.startReclaim()
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := (rw).(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError is the usual deferred cleanup at the end of a communication
// function: it Puts rw back in the pool if err is nil, otherwise the
// connection is assumed poisoned and Destroy'd.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections owned by the pool that are
// currently given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close frees every idle connection held by the pool.  Connections on lease
// are their holders' to Destroy.  The pool remains usable afterwards; a
// subsequent Get simply dials anew.  The first close error, if any, is
// returned.
func (p *Pool) Close() error {
	p.timer.Stop()
	var err error
	p.mu.Lock()
	for len(p.conns) > 0 {
		c := <-p.conns
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	p.mu.Unlock()
	return err
}

// startReclaim spawns a goroutine which closes every idle connection after
// the pool's timer fires.  Only one such goroutine runs at a time.
func (p *Pool) startReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reclaiming {
		return
	}
	p.reclaiming = true
	go func() {
		<-p.timer.C
		p.mu.Lock()
		for len(p.conns) > 0 {
			c := <-p.conns
			c.Close()
		}
		p.reclaiming = false
		p.mu.Unlock()
	}()
}
