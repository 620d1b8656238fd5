package rtpio_test

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/satpi/satpi-go/pkg/rtpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTPHeaderEncodeGoldenVector(t *testing.T) {
	h := rtpio.RTPHeader{
		Marker:         true,
		PayloadType:    rtpio.PayloadTypeMP2T,
		SequenceNumber: 0x0102,
		Timestamp:      0x11223344,
		SSRC:           0xAABBCCDD,
	}
	buf := make([]byte, 12)
	n := h.Encode(buf)
	assert.Equal(t, 12, n)

	want := []byte{
		0x80,       // version 2, no padding/extension/CSRC
		0xA1,       // marker=1, PT=33 (0x21)
		0x01, 0x02, // seq
		0x11, 0x22, 0x33, 0x44, // timestamp
		0xAA, 0xBB, 0xCC, 0xDD, // ssrc
	}
	assert.Equal(t, want, buf)
}

// TestRTPHeaderInteropWithPion cross-checks the hand-rolled encoder
// against an independent RTP implementation, so a byte-layout slip can't
// hide behind a symmetric encode/decode bug.
func TestRTPHeaderInteropWithPion(t *testing.T) {
	h := rtpio.RTPHeader{
		PayloadType:    rtpio.PayloadTypeMP2T,
		SequenceNumber: 4711,
		Timestamp:      0x00BC614E,
		SSRC:           0x01020304,
	}
	pkt := make([]byte, 12+188)
	h.Encode(pkt)
	pkt[12] = 0x47

	var decoded rtp.Packet
	require.NoError(t, decoded.Unmarshal(pkt))
	assert.Equal(t, uint8(2), decoded.Version)
	assert.Equal(t, uint8(rtpio.PayloadTypeMP2T), decoded.PayloadType)
	assert.Equal(t, uint16(4711), decoded.SequenceNumber)
	assert.Equal(t, uint32(0x00BC614E), decoded.Timestamp)
	assert.Equal(t, uint32(0x01020304), decoded.SSRC)
	assert.Equal(t, 188, len(decoded.Payload))
	assert.Equal(t, byte(0x47), decoded.Payload[0])
}

func TestDecodeRTPHeaderRoundTrip(t *testing.T) {
	h := rtpio.RTPHeader{PayloadType: 33, SequenceNumber: 7, Timestamp: 90000, SSRC: 42}
	buf := make([]byte, 12)
	h.Encode(buf)

	got, err := rtpio.DecodeRTPHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeRTPHeaderTooShort(t *testing.T) {
	_, err := rtpio.DecodeRTPHeader([]byte{0x80, 0x21})
	assert.Error(t, err)
}

func TestSequenceCounterWraps(t *testing.T) {
	var sc rtpio.SequenceCounter
	for i := 0; i < 65536; i++ {
		sc.Next()
	}
	assert.Equal(t, uint16(0), sc.Next())
}
