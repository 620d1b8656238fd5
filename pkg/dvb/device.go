package dvb

import (
	"context"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux DVB API ioctl numbers (linux/dvb/frontend.h). These are part of
// the kernel's stable userspace ABI, not something this package emulates;
// LinuxFrontend just issues them against a real /dev/dvb/adapterN/frontendM.
const dvbMagic = 'o'

var (
	ioctlFESetProperty = iocW(dvbMagic, 82, 16) // struct dtv_properties
	ioctlFEGetEvent    = iocR(dvbMagic, 78, 40) // struct dvb_frontend_event
	ioctlFESetTone     = iocIO(dvbMagic, 66)
	ioctlFESetVoltage  = iocIO(dvbMagic, 67)
	ioctlFEDiseqcSend  = iocW(dvbMagic, 63, 7) // struct dvb_diseqc_master_cmd (6-byte msg + len)

	ioctlDMXSetPESFilter = iocW(dvbMagic, 44, 20) // struct dmx_pes_filter_params
)

func iocIO(magic, nr uint32) uintptr      { return iocEncode(0, magic, nr, 0) }
func iocW(magic, nr, size uint32) uintptr { return iocEncode(1, magic, nr, size) }
func iocR(magic, nr, size uint32) uintptr { return iocEncode(2, magic, nr, size) }

func iocEncode(dir, magic, nr, size uint32) uintptr {
	return uintptr(dir<<30 | size<<16 | magic<<8 | nr)
}

// dtvProperty mirrors struct dtv_property's packed 56-byte wire layout
// for FE_SET_PROPERTY: command id, reserved words, a 36-byte union (only
// the leading uint32 data field is used here), and the result word.
type dtvProperty struct {
	cmd      uint32
	reserved [3]uint32
	data     uint32
	_        [32]byte // rest of the union, unused by this gateway
	result   int32
}

type dtvProperties struct {
	num   uint32
	_     uint32 // alignment padding before the pointer field
	props *dtvProperty
}

type diseqcMasterCmd struct {
	msg    [6]byte
	msgLen byte
}

// LinuxFrontend implements HardwareControl against a real DVB frontend
// device node, with context cancellation in place of a dedicated control
// thread. This issues the kernel's real, fixed ioctl numbers; it does not
// model driver-side behavior.
type LinuxFrontend struct {
	path string
	fd   int
}

// OpenLinuxFrontend opens /dev/dvb/adapterN/frontendM for read/write.
func OpenLinuxFrontend(adapterIndex, frontendIndex int) (*LinuxFrontend, error) {
	path := fmt.Sprintf("/dev/dvb/adapter%d/frontend%d", adapterIndex, frontendIndex)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("dvb: open %s: %w", path, err)
	}
	return &LinuxFrontend{path: path, fd: fd}, nil
}

func (d *LinuxFrontend) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// SetProperties pushes a DTV_* property sequence via FE_SET_PROPERTY.
func (d *LinuxFrontend) SetProperties(ctx context.Context, props []Property) error {
	if len(props) == 0 {
		return nil
	}
	raw := make([]dtvProperty, len(props))
	for i, p := range props {
		raw[i] = dtvProperty{cmd: p.Cmd, data: p.Value}
	}
	arg := dtvProperties{num: uint32(len(raw)), props: &raw[0]}
	return d.ioctl(ctx, ioctlFESetProperty, unsafe.Pointer(&arg))
}

// frontendEvent mirrors struct dvb_frontend_event: fe_status_t plus the
// tuned dvb_frontend_parameters.
type frontendEvent struct {
	Status    uint32
	Frequency uint32
	_         [32]byte // remaining dvb_frontend_parameters union, unused
}

// ReadStatus polls FE_GET_EVENT for the most recent lock/signal event.
func (d *LinuxFrontend) ReadStatus(ctx context.Context) (Status, error) {
	var ev frontendEvent
	if err := d.ioctl(ctx, ioctlFEGetEvent, unsafe.Pointer(&ev)); err != nil {
		// FE_GET_EVENT returns EWOULDBLOCK when no new event is queued;
		// that is not a failure, just "nothing changed since last poll."
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return Status{}, nil
		}
		return Status{}, err
	}
	const feHasLock = 0x10
	const feHasSignal = 0x01
	return Status{
		HasLock:   ev.Status&feHasLock != 0,
		HasSignal: ev.Status&feHasSignal != 0,
	}, nil
}

// DrainEvents empties the frontend event queue (FE_GET_EVENT until the
// driver reports EWOULDBLOCK), bounded so a misbehaving driver cannot
// spin the caller forever.
func (d *LinuxFrontend) DrainEvents(ctx context.Context) error {
	var ev frontendEvent
	for i := 0; i < 32; i++ {
		err := d.ioctl(ctx, ioctlFEGetEvent, unsafe.Pointer(&ev))
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SetVoltageTone drives LNB voltage and 22kHz tone via FE_SET_VOLTAGE /
// FE_SET_TONE.
func (d *LinuxFrontend) SetVoltageTone(ctx context.Context, voltage Voltage, tone bool) error {
	var v uintptr
	switch voltage {
	case Voltage13V:
		v = 0
	case Voltage18V:
		v = 1
	default:
		v = 2
	}
	if err := d.ioctlVal(ctx, ioctlFESetVoltage, v); err != nil {
		return err
	}
	var t uintptr
	if tone {
		t = 0
	} else {
		t = 1
	}
	return d.ioctlVal(ctx, ioctlFESetTone, t)
}

// SendDiSEqcMessage writes a raw DiSEqC command burst via
// FE_DISEQC_SEND_MASTER_CMD.
func (d *LinuxFrontend) SendDiSEqcMessage(ctx context.Context, msg []byte) error {
	if len(msg) > 6 {
		return fmt.Errorf("dvb: diseqc message too long (%d bytes)", len(msg))
	}
	cmd := diseqcMasterCmd{msgLen: byte(len(msg))}
	copy(cmd.msg[:], msg)
	return d.ioctl(ctx, ioctlFEDiseqcSend, unsafe.Pointer(&cmd))
}

func (d *LinuxFrontend) ioctl(ctx context.Context, req uintptr, arg unsafe.Pointer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *LinuxFrontend) ioctlVal(ctx context.Context, req uintptr, val uintptr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, val)
	if errno != 0 {
		return errno
	}
	return nil
}

// LinuxDVR wraps the adapter's DVR device node, the raw transport-stream
// byte source pkg/stream's reader loop consumes. Intentionally separate
// from LinuxFrontend: frontend control and TS delivery live on different
// file descriptors.
type LinuxDVR struct {
	f *os.File
}

// OpenLinuxDVR opens /dev/dvb/adapterN/dvr0 for reading demuxed TS
// packets once PIDs are armed on the demux device.
func OpenLinuxDVR(adapterIndex int) (*LinuxDVR, error) {
	path := fmt.Sprintf("/dev/dvb/adapter%d/dvr0", adapterIndex)
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("dvb: open %s: %w", path, err)
	}
	return &LinuxDVR{f: f}, nil
}

// ReadTimeout reads into buf, returning 0 bytes and nil error on a 500ms
// idle timeout rather than blocking indefinitely.
func (d *LinuxDVR) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	_ = d.f.SetReadDeadline(time.Now().Add(timeout))
	n, err := d.f.Read(buf)
	if err != nil {
		if os.IsTimeout(err) {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

func (d *LinuxDVR) Close() error { return d.f.Close() }

// LinuxDemux arms/disarms one PID's PES filter on /dev/dvb/adapterN/demuxM
// (DMX_SET_PES_FILTER), one fd per PID (mpegts.PidTable.PidData.FDDemux).
type LinuxDemux struct {
	path string
}

func NewLinuxDemux(adapterIndex int) *LinuxDemux {
	return &LinuxDemux{path: fmt.Sprintf("/dev/dvb/adapter%d/demux0", adapterIndex)}
}

// OpenPID opens a fresh demux fd and arms a full PES filter (DMX_PES_OTHER,
// DMX_OUT_TS_TAP) for pid, returning the fd for PidTable.AddPID to store.
func (d *LinuxDemux) OpenPID(pid uint16) (int, error) {
	fd, err := unix.Open(d.path, unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("dvb: open %s: %w", d.path, err)
	}
	type pesFilterParams struct {
		pid     uint16
		input   uint32
		output  uint32
		pesType uint32
		flags   uint32
	}
	const (
		dmxInFrontend     = 0
		dmxOutTSTap       = 2
		dmxPESOther       = 20
		dmxImmediateStart = 0x4
	)
	params := pesFilterParams{
		pid:     pid,
		input:   dmxInFrontend,
		output:  dmxOutTSTap,
		pesType: dmxPESOther,
		flags:   dmxImmediateStart,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlDMXSetPESFilter, uintptr(unsafe.Pointer(&params))); errno != 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("dvb: DMX_SET_PES_FILTER pid %d: %w", pid, errno)
	}
	return fd, nil
}

// ClosePID closes a demux fd previously returned by OpenPID, disarming its
// filter as a side effect of the close (DVB API convention).
func (d *LinuxDemux) ClosePID(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
