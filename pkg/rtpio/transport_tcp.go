package rtpio

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// interleaveMagic is the '$' byte RFC 2326 §10.12 uses to mark an
// interleaved RTP/RTCP frame embedded in the RTSP TCP stream.
const interleaveMagic = 0x24

// TCPTransport sends RTP/RTCP payloads interleaved on the same TCP
// connection the RTSP session is using, the transport SETUP selects
// with RTP/AVP/TCP;interleaved=.
type TCPTransport struct {
	conn        net.Conn
	dataChannel byte
	ctrlChannel byte
	writeMu     sync.Mutex
}

// NewTCPTransport wraps an existing RTSP connection for interleaved
// delivery on the given channel pair (data = even, control = odd, per
// convention).
func NewTCPTransport(conn net.Conn, dataChannel, controlChannel byte) *TCPTransport {
	return &TCPTransport{conn: conn, dataChannel: dataChannel, ctrlChannel: controlChannel}
}

// WriteData sends one RTP payload framed on the data channel.
func (t *TCPTransport) WriteData(payload []byte) error {
	return t.writeFramed(t.dataChannel, payload)
}

// WriteControl sends one RTCP payload framed on the control channel.
func (t *TCPTransport) WriteControl(payload []byte) error {
	return t.writeFramed(t.ctrlChannel, payload)
}

func (t *TCPTransport) writeFramed(channel byte, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if len(payload) > 0xFFFF {
		return fmt.Errorf("rtpio: interleaved payload too large: %d bytes", len(payload))
	}

	// One write per frame: the RTSP layer shares this socket for its
	// responses, so a frame must never be split across writes.
	frame := make([]byte, 4+len(payload))
	frame[0] = interleaveMagic
	frame[1] = channel
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("rtpio: write interleave frame: %w", err)
	}
	return nil
}

// ReadInterleavedFrame reads one interleaved frame's channel id and
// payload from r. It does not skip other bytes: if the next byte is not
// the '$' magic it returns an error. The RTSP connection loop calls it
// after peeking a '$'.
func ReadInterleavedFrame(r io.Reader) (channel byte, payload []byte, err error) {
	var header [4]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	if header[0] != interleaveMagic {
		return 0, nil, fmt.Errorf("rtpio: expected interleave magic, got 0x%02x", header[0])
	}
	channel = header[1]
	length := binary.BigEndian.Uint16(header[2:4])
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return channel, payload, nil
}
