// Package rtpio implements the gateway's RTP/RTCP wire framing and
// transport. Outbound RTP/RTCP serialization is hand-written; the wire
// contracts are fixed and bit-exact, so the encoders stay close to the
// byte layout. Inbound RTCP receiver reports are decoded with
// github.com/pion/rtcp.
package rtpio

import (
	"encoding/binary"
	"time"
)

const (
	rtpVersion = 2
	// PayloadTypeMP2T is the RTP payload type for raw MPEG-2 TS (RFC 2250).
	PayloadTypeMP2T = 33

	// ClockRate90kHz is the RTP timestamp clock rate SAT>IP uses for the
	// TS payload type.
	ClockRate90kHz = 90000
)

// RTPHeader is the 12-byte fixed RTP header this gateway emits. No
// extensions or CSRC list are used.
type RTPHeader struct {
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
}

// Encode writes the 12-byte RTP header into dst, which must be at least
// 12 bytes. Returns the number of bytes written.
func (h RTPHeader) Encode(dst []byte) int {
	_ = dst[11]              // bounds check hint
	dst[0] = rtpVersion << 6 // version=2, padding=0, extension=0, CC=0
	dst[1] = h.PayloadType & 0x7F
	if h.Marker {
		dst[1] |= 0x80
	}
	binary.BigEndian.PutUint16(dst[2:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(dst[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(dst[8:12], h.SSRC)
	return 12
}

// DecodeRTPHeader parses the fixed 12-byte RTP header from src (ignoring
// any extension/CSRC data, which the gateway never emits and does not
// need to consume on the inbound path).
func DecodeRTPHeader(src []byte) (RTPHeader, error) {
	if len(src) < 12 {
		return RTPHeader{}, errShortHeader
	}
	return RTPHeader{
		Marker:         src[1]&0x80 != 0,
		PayloadType:    src[1] & 0x7F,
		SequenceNumber: binary.BigEndian.Uint16(src[2:4]),
		Timestamp:      binary.BigEndian.Uint32(src[4:8]),
		SSRC:           binary.BigEndian.Uint32(src[8:12]),
	}, nil
}

var errShortHeader = headerError("rtpio: buffer too short for RTP header")

type headerError string

func (e headerError) Error() string { return string(e) }

// SequenceCounter generates the 16-bit wrapping sequence numbers for one
// outbound stream.
type SequenceCounter struct {
	next uint16
}

// Next returns the next sequence number, wrapping at 65536.
func (s *SequenceCounter) Next() uint16 {
	v := s.next
	s.next++
	return v
}

// Timestamp90kHz converts elapsed wall-clock time into a 90kHz RTP
// timestamp (milliseconds since the reference instant times 90,
// truncated to 32 bits). Timestamps are sampled at send time, so the
// wire reflects real pacing rather than a per-packet increment.
func Timestamp90kHz(elapsed time.Duration) uint32 {
	return uint32(elapsed.Milliseconds() * 90)
}
