package stream_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/satpi/satpi-go/pkg/dvb"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/mpegts"
	"github.com/satpi/satpi-go/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource produces an endless stream of well-formed TS packets.
type fakeSource struct {
	cc byte
}

func (f *fakeSource) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	n := 0
	for n+mpegts.TSPacketSize <= len(buf) {
		pkt := buf[n : n+mpegts.TSPacketSize]
		pkt[0] = 0x47
		pkt[1] = 0x01
		pkt[2] = 0x00
		pkt[3] = 0x10 | f.cc&0x0F
		for i := 4; i < len(pkt); i++ {
			pkt[i] = byte(i)
		}
		f.cc++
		n += mpegts.TSPacketSize
	}
	return n, nil
}

func (f *fakeSource) Close() error { return nil }

// captureTransport records every RTP payload handed to it.
type captureTransport struct {
	mu      sync.Mutex
	data    [][]byte
	control [][]byte
}

func (c *captureTransport) WriteData(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, append([]byte(nil), payload...))
	return nil
}

func (c *captureTransport) WriteControl(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = append(c.control, append([]byte(nil), payload...))
	return nil
}

func (c *captureTransport) packets() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.data))
	copy(out, c.data)
	return out
}

func TestStreamEmitsAlignedMonotonicRTP(t *testing.T) {
	log := logger.Default()
	fe := dvb.NewFrontend(-1, nil, log)
	s := stream.New(0, fe, 0xDEADBEEF, log)

	transport := &captureTransport{}
	s.Bind(stream.NewClient("123456789012", transport))
	s.AttachPipeline(&fakeSource{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		return len(transport.packets()) >= 5
	}, 5*time.Second, 10*time.Millisecond, "stream should emit RTP packets")

	s.Stop()
	assert.False(t, s.Active())

	pkts := transport.packets()
	require.GreaterOrEqual(t, len(pkts), 5)

	var lastSeq uint16
	for i, pkt := range pkts {
		require.Equal(t, mpegts.RTPHeaderSize+mpegts.PacketsPerRTPPayload*mpegts.TSPacketSize, len(pkt))

		assert.Equal(t, byte(2<<6), pkt[0], "RTP version 2, no padding/extension/CSRC")
		assert.Equal(t, byte(33), pkt[1]&0x7F, "payload type MP2T")
		assert.Equal(t, uint32(0xDEADBEEF), binary.BigEndian.Uint32(pkt[8:12]))

		payload := pkt[mpegts.RTPHeaderSize:]
		assert.Zero(t, len(payload)%mpegts.TSPacketSize, "payload must be whole TS packets")
		assert.Equal(t, byte(0x47), payload[0], "payload must start on a sync byte")

		seq := binary.BigEndian.Uint16(pkt[2:4])
		if i > 0 {
			assert.Equal(t, lastSeq+1, seq, "sequence numbers must be consecutive")
		}
		lastSeq = seq
	}
}

func TestStreamStartRequiresSource(t *testing.T) {
	log := logger.Default()
	s := stream.New(0, dvb.NewFrontend(-1, nil, log), 1, log)
	assert.Error(t, s.Start(context.Background()))
}
