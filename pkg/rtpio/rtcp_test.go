package rtpio_test

import (
	"encoding/binary"
	"testing"

	"github.com/pion/rtcp"
	"github.com/satpi/satpi-go/pkg/rtpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSRLength(t *testing.T) {
	buf := rtpio.EncodeSR(rtpio.SenderReport{SSRC: 1, PacketCount: 10, OctetCount: 1880})
	assert.Len(t, buf, 28)
	assert.Equal(t, byte(200), buf[1])
}

func TestEncodeSDESContainsCNAME(t *testing.T) {
	buf := rtpio.EncodeSDES(0xDEADBEEF, "satpi-go")
	assert.Equal(t, byte(202), buf[1])
	assert.Contains(t, string(buf), "satpi-go")
}

func TestEncodeAPPContainsSES1(t *testing.T) {
	buf := rtpio.EncodeAPP(1, 0, []byte("stream=0"))
	assert.Equal(t, byte(204), buf[1])
	assert.Equal(t, "SES1", string(buf[8:12]))
}

func TestEncodeAPPFramingProperty(t *testing.T) {
	desc := "ver=1.1;src=1;tuner=1-1-...;pids=0,17,100"
	buf := rtpio.EncodeAPP(0xCAFEBABE, 0, []byte(desc))

	wordLen := binary.BigEndian.Uint16(buf[2:4])
	assert.Equal(t, uint16(len(buf)/4-1), wordLen)

	strLen := binary.BigEndian.Uint16(buf[14:16])
	assert.Equal(t, uint16(len(desc)), strLen)
	assert.Equal(t, 0, len(buf)%4)
}

func TestDecodeReceiverReports(t *testing.T) {
	rr := &rtcp.ReceiverReport{
		SSRC: 99,
		Reports: []rtcp.ReceptionReport{
			{SSRC: 1, FractionLost: 2, TotalLost: 3, LastSequenceNumber: 4, Jitter: 5},
		},
	}
	data, err := rr.Marshal()
	require.NoError(t, err)

	infos, err := rtpio.DecodeReceiverReports(data)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, uint32(99), infos[0].SenderSSRC)
	assert.Equal(t, uint8(2), infos[0].FractionLost)
}
