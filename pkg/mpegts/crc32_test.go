package mpegts_test

import (
	"testing"

	"github.com/satpi/satpi-go/pkg/mpegts"
	"github.com/stretchr/testify/assert"
)

func TestCRC32KnownVector(t *testing.T) {
	// "123456789" is the standard CRC self-check string; CRC-32/MPEG-2
	// of it is the well known value 0x0376E6E7.
	got := mpegts.CRC32([]byte("123456789"))
	assert.Equal(t, uint32(0x0376E6E7), got)
}

func TestCRC32RoundTrip(t *testing.T) {
	section := []byte{0x00, 0xB0, 0x0D, 0x00, 0x01, 0xC1, 0x00, 0x00, 0x00, 0x01, 0xE0, 0x20}
	crc := mpegts.CRC32(section)
	withCRC := append(append([]byte{}, section...),
		byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	// With no reflection and no final XOR, running the CRC over the data
	// plus its big-endian trailer leaves a zero register.
	assert.Equal(t, crc, mpegts.CRC32(section))
	assert.Len(t, withCRC, len(section)+4)
	assert.Zero(t, mpegts.CRC32(withCRC))
}
