package rtpio

import (
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
)

// sndBufMultiplier sets SO_SNDBUF to this many times the payload buffer
// size, absorbing scheduling jitter without growing unbounded.
const sndBufMultiplier = 20

// UDPTransport sends RTP/RTCP payloads over a pair of UDP sockets (data
// + control port), the unicast transport SETUP selects when the client
// does not request RTP/AVP/TCP interleaving.
type UDPTransport struct {
	dataConn    *net.UDPConn
	controlConn *net.UDPConn
	dropped     atomic.Uint64
}

// DialUDPTransport opens data/control sockets toward dst (dataPort,
// dataPort+1) and tunes their send buffers.
func DialUDPTransport(dst *net.UDPAddr, payloadSize int) (*UDPTransport, error) {
	dataConn, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		return nil, fmt.Errorf("rtpio: dial data socket: %w", err)
	}
	controlAddr := *dst
	controlAddr.Port++
	controlConn, err := net.DialUDP("udp", nil, &controlAddr)
	if err != nil {
		dataConn.Close()
		return nil, fmt.Errorf("rtpio: dial control socket: %w", err)
	}

	t := &UDPTransport{dataConn: dataConn, controlConn: controlConn}
	_ = t.dataConn.SetWriteBuffer(payloadSize * sndBufMultiplier)
	return t, nil
}

// WriteData sends one RTP payload on the data socket. A write that would
// block (EAGAIN/ENOBUFS under load) is dropped and counted rather than
// blocking the output pump.
func (t *UDPTransport) WriteData(payload []byte) error {
	_, err := t.dataConn.Write(payload)
	if err != nil {
		if isWouldBlock(err) {
			t.dropped.Add(1)
			return nil
		}
		return fmt.Errorf("rtpio: write data: %w", err)
	}
	return nil
}

// WriteControl sends one RTCP payload on the control socket.
func (t *UDPTransport) WriteControl(payload []byte) error {
	_, err := t.controlConn.Write(payload)
	if err != nil {
		if isWouldBlock(err) {
			t.dropped.Add(1)
			return nil
		}
		return fmt.Errorf("rtpio: write control: %w", err)
	}
	return nil
}

// ReadControl reads one inbound RTCP packet (typically a receiver
// report) from the control socket, used for liveness tracking.
func (t *UDPTransport) ReadControl(buf []byte) (int, error) {
	return t.controlConn.Read(buf)
}

// LocalPorts reports the server-side RTP/RTCP source ports, announced in
// the SETUP response's server_port parameter.
func (t *UDPTransport) LocalPorts() (rtpPort, rtcpPort int) {
	if a, ok := t.dataConn.LocalAddr().(*net.UDPAddr); ok {
		rtpPort = a.Port
	}
	if a, ok := t.controlConn.LocalAddr().(*net.UDPAddr); ok {
		rtcpPort = a.Port
	}
	return rtpPort, rtcpPort
}

// DroppedCount reports how many writes have been dropped due to a full
// send buffer since the transport was created.
func (t *UDPTransport) DroppedCount() uint64 { return t.dropped.Load() }

// Close releases both sockets.
func (t *UDPTransport) Close() error {
	err1 := t.dataConn.Close()
	err2 := t.controlConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func isWouldBlock(err error) bool {
	return errorsIsSyscall(err, syscall.EAGAIN) || errorsIsSyscall(err, syscall.ENOBUFS)
}

func errorsIsSyscall(err error, target syscall.Errno) bool {
	var errno syscall.Errno
	for err != nil {
		if e, ok := err.(syscall.Errno); ok {
			errno = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return errno == target
}
