/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices.  This is a 'minimum viable product' for the bulk
transfer mode of benchtop instruments: one request or reply per transfer.

It does not, for example, include features to support multi-transfer
messaging, and thus assumes your data fits in the remote's buffer.

To send a message:
 1. Allocate a send buffer
 2. Write the bulk-out header to it
 3. Write your data to it
 4. Pad the total transmission to a multiple of 4 bytes before flushing

To receive a message:
 1. Send a request-in header on the Out endpoint
 2. Read from the In endpoint
 3. Pop the 12 byte header and keep TransferSize bytes of payload

These macros are implemented as Write() and Read() on the Device type, which
satisfies io.ReadWriteCloser so a comm.Pool can own one like any other
transport.
*/
package usbtmc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	// reserved is the byte to insert in header fields the standard holds at zero
	reserved = 0x00

	// message IDs from USBTMC standard table 2
	msgDevDepOut   = 0x01 // DEV_DEP_MSG_OUT
	msgRequestIn   = 0x02 // REQUEST_DEV_DEP_MSG_IN
	msgDevDepIn    = 0x02 // DEV_DEP_MSG_IN, echoed in bulk-in responses
	headerSize     = 12
	alignment      = 4
	lineTerminator = 0x0A // '\n', the SCPI response terminator

	// the TMC interface class/subclass pair from the USBTMC standard, 4.2.1
	tmcClass    gousb.Class = 0xfe
	tmcSubclass gousb.Class = 0x03
)

// BTagger can generate atomic bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 1, min: 1}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	out := [headerSize]byte{}
	/* data map by offset:
	0 MsgID, here DEV_DEP_MSG_OUT
	1 bTag, a single byte 1 <= x <= 255, unique and incrementing with each message
	2 bTagInverse, the bitwise inverse of bTag
	3 Reserved (0x00)
	4-7 transferSize, total number of message data bytes exclusive of the
		header and alignment.  LSB first, > 0
	8 bitmap; bit 0 EOM == this is the last transfer of the message
	9-11 reserved
	*/
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // single-transfer messages are always end of message
	out[9] = reserved
	out[10] = reserved
	out[11] = reserved
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	/* this differs from BulkOut by bytes 8~11
	8 bitmap; bit 1 == termination character enabled
	9 terminator byte
	10~11 reserved
	*/
	out[0] = msgRequestIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	} else {
		out[8] = 0x00
		out[9] = 0x00
	}
	out[10] = reserved
	out[11] = reserved
	return out
}

// parseBulkInHeader validates a DEV_DEP_MSG_IN transfer and returns its
// payload, which is TransferSize bytes long; alignment padding after the
// payload is discarded.
func parseBulkInHeader(buf []byte, wantTag byte) ([]byte, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("usbtmc: response was %d bytes, need at least %d to form a header", len(buf), headerSize)
	}
	if buf[0] != msgDevDepIn {
		return nil, fmt.Errorf("usbtmc: response MsgID was %#x, expected %#x", buf[0], msgDevDepIn)
	}
	if buf[1] != wantTag {
		return nil, fmt.Errorf("usbtmc: response bTag was %d, expected %d", buf[1], wantTag)
	}
	size := binary.LittleEndian.Uint32(buf[4:8])
	avail := len(buf) - headerSize
	if int(size) > avail {
		return nil, fmt.Errorf("usbtmc: header promised %d payload bytes but only %d arrived; multi-transfer replies are not supported", size, avail)
	}
	return buf[headerSize : headerSize+int(size)], nil
}

// pad returns b extended with zeros to a multiple of the bulk alignment
func pad(b []byte) []byte {
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	return b
}

// DeviceInfo identifies one USBTMC-class device seen on the bus.
type DeviceInfo struct {
	VID, PID uint16
}

// Enumerate reports the USBTMC-class devices currently attached, without
// opening any of them.  A device qualifies if any interface alternate
// setting carries the TMC class/subclass pair.
func Enumerate() ([]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	var infos []DeviceInfo
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if isTMC(desc) {
			infos = append(infos, DeviceInfo{VID: uint16(desc.Vendor), PID: uint16(desc.Product)})
		}
		return false // inspect descriptors only, open nothing
	})
	if err != nil && len(infos) == 0 {
		return nil, err
	}
	return infos, nil
}

func isTMC(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, ifc := range cfg.Interfaces {
			for _, alt := range ifc.AltSettings {
				if alt.Class == tmcClass && alt.SubClass == tmcSubclass {
					return true
				}
			}
		}
	}
	return false
}

// Device is a USBTMC instrument exposed as an io.ReadWriteCloser.  It hides
// the bulk transfer framing; bytes written and read are instrument payload.
type Device struct {
	tagger  BTagger
	timeout time.Duration
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	device  *gousb.Device
	iface   *gousb.Interface
	ctx     *gousb.Context
	done    func()
}

// Open opens the USBTMC device with the given vendor and product IDs.  The
// TMC interface is assumed to be the device's default one, which holds for
// single-function instruments.  timeout bounds each bulk transfer.
func Open(vid, pid uint16, timeout time.Duration) (*Device, error) {
	d := &Device{tagger: newBTagGen(), timeout: timeout}
	d.ctx = gousb.NewContext()
	var err error
	d.device, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		d.ctx.Close()
		return nil, err
	}
	if d.device == nil {
		d.ctx.Close()
		return nil, fmt.Errorf("usbtmc: no device with IDs %04x:%04x attached", vid, pid)
	}
	err = d.device.SetAutoDetach(true)
	if err != nil {
		d.device.Close()
		d.ctx.Close()
		return nil, err
	}
	d.iface, d.done, err = d.device.DefaultInterface()
	if err != nil {
		d.device.Close()
		d.ctx.Close()
		return nil, err
	}
	inNum, outNum, err := bulkEndpoints(d.iface.Setting)
	if err == nil {
		d.in, err = d.iface.InEndpoint(inNum)
	}
	if err == nil {
		d.out, err = d.iface.OutEndpoint(outNum)
	}
	if err != nil {
		d.done()
		d.device.Close()
		d.ctx.Close()
		return nil, err
	}
	return d, nil
}

// bulkEndpoints picks the first bulk in and bulk out endpoint numbers from
// an interface setting
func bulkEndpoints(s gousb.InterfaceSetting) (in, out int, err error) {
	in, out = -1, -1
	for _, ep := range s.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && in < 0 {
			in = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && out < 0 {
			out = ep.Number
		}
	}
	if in < 0 || out < 0 {
		return 0, 0, fmt.Errorf("usbtmc: interface %d has no bulk in/out endpoint pair", s.Number)
	}
	return in, out, nil
}

// Write frames p as a single DEV_DEP_MSG_OUT transfer and sends it.  The
// returned count is len(p) on success; framing bytes are not included.
func (d *Device) Write(p []byte) (int, error) {
	tag := d.tagger.nextbTag()
	hdr := encBulkOutHeader(tag, len(p))
	buf := make([]byte, 0, headerSize+len(p)+alignment)
	buf = append(buf, hdr[:]...)
	buf = append(buf, p...)
	buf = pad(buf)
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	n, err := d.out.WriteContext(ctx, buf)
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("usbtmc: wrote %d bytes of a %d byte transfer", n, len(buf))
	}
	return len(p), nil
}

// Read requests up to len(p) payload bytes from the instrument and copies
// them into p.  One request-response round trip per call.
func (d *Device) Read(p []byte) (int, error) {
	tag := d.tagger.nextbTag()
	term := byte(lineTerminator)
	hdr := encBulkInHeader(tag, len(p), &term)
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	n, err := d.out.WriteContext(ctx, hdr[:])
	if err != nil {
		return 0, err
	}
	if n != headerSize {
		return 0, fmt.Errorf("usbtmc: wrote %d bytes, not the full %d required to transmit a read request", n, headerSize)
	}
	buf := make([]byte, headerSize+len(p)+alignment)
	n, err = d.in.ReadContext(ctx, buf)
	if err != nil {
		return 0, err
	}
	payload, err := parseBulkInHeader(buf[:n], tag)
	if err != nil {
		return 0, err
	}
	return copy(p, payload), nil
}

// Close releases the interface and closes the device and its USB context.
func (d *Device) Close() error {
	d.done()
	err := d.device.Close()
	cerr := d.ctx.Close()
	if err == nil {
		err = cerr
	}
	return err
}
