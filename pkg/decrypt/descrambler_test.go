package decrypt_test

import (
	"testing"

	"github.com/satpi/satpi-go/pkg/csa"
	"github.com/satpi/satpi-go/pkg/decrypt"
	"github.com/satpi/satpi-go/pkg/dvbapi"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/mpegts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checksummed returns cw with the DVB checksum bytes (indices 3 and 7)
// filled in.
func checksummed(cw [8]byte) [8]byte {
	cw[3] = cw[0] + cw[1] + cw[2]
	cw[7] = cw[4] + cw[5] + cw[6]
	return cw
}

func scrambledPacket(pid int, parity csa.Parity, cc byte) []byte {
	pkt := make([]byte, mpegts.TSPacketSize)
	pkt[0] = 0x47
	pkt[1] = byte(pid >> 8 & 0x1F)
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | cc&0x0F // payload only
	if parity == csa.ParityEven {
		pkt[3] |= 0x80
	} else {
		pkt[3] |= 0xC0
	}
	for i := 4; i < len(pkt); i++ {
		pkt[i] = byte(i)
	}
	return pkt
}

func newTestDescrambler(rewritePMT bool) *decrypt.Descrambler {
	return decrypt.New(nil, 0, 0, rewritePMT, dvbapi.ListOnlyUpdate, logger.Default())
}

func isNullPID(pkt []byte) bool {
	pid := int(pkt[1]&0x1F)<<8 | int(pkt[2])
	return pid == 0x1FFF
}

func TestParityCutoverRemovesOutgoingKey(t *testing.T) {
	d := newTestDescrambler(false)
	d.InstallControlWord(dvbapi.CADescr{Parity: 0, ControlWord: checksummed([8]byte{1, 2, 3, 0, 4, 5, 6, 0})})
	d.InstallControlWord(dvbapi.CADescr{Parity: 1, ControlWord: checksummed([8]byte{7, 8, 9, 0, 1, 2, 3, 0})})

	var evenPkts [][]byte
	for cc := byte(0); cc < 3; cc++ {
		pkt := scrambledPacket(0x65, csa.ParityEven, cc)
		require.NoError(t, d.ProcessScrambled(pkt, csa.ParityEven))
		evenPkts = append(evenPkts, pkt)
	}
	for _, pkt := range evenPkts {
		assert.NotZero(t, pkt[3]&0xC0, "batched packet keeps its scramble flag until the batch decrypts")
	}

	// The parity flip flushes the even batch as final: packets decrypt,
	// flags clear, and the even key is removed.
	odd := scrambledPacket(0x65, csa.ParityOdd, 3)
	require.NoError(t, d.ProcessScrambled(odd, csa.ParityOdd))
	for _, pkt := range evenPkts {
		assert.Zero(t, pkt[3]&0xC0, "decrypted packet must have scramble flag cleared")
		assert.False(t, isNullPID(pkt))
	}

	// With the even key gone, a straggler even packet degrades to NULL PID.
	late := scrambledPacket(0x65, csa.ParityEven, 4)
	require.NoError(t, d.ProcessScrambled(late, csa.ParityEven))
	assert.True(t, isNullPID(late))
	assert.Zero(t, late[3]&0xC0)

	// The odd batch still drains normally.
	require.NoError(t, d.Flush())
	assert.Zero(t, odd[3]&0xC0)
	assert.False(t, isNullPID(odd))
}

func TestNoKeyDegradesToNullPID(t *testing.T) {
	d := newTestDescrambler(false)
	pkt := scrambledPacket(0x65, csa.ParityEven, 0)
	require.NoError(t, d.ProcessScrambled(pkt, csa.ParityEven))
	assert.True(t, isNullPID(pkt))
}

func TestProviderDisconnectClearsKeys(t *testing.T) {
	d := newTestDescrambler(false)
	d.InstallControlWord(dvbapi.CADescr{Parity: 0, ControlWord: checksummed([8]byte{1, 2, 3, 0, 4, 5, 6, 0})})

	pkt := scrambledPacket(0x65, csa.ParityEven, 0)
	require.NoError(t, d.ProcessScrambled(pkt, csa.ParityEven))
	require.False(t, isNullPID(pkt), "key installed, packet should batch")

	d.HandleProviderDisconnect()

	late := scrambledPacket(0x65, csa.ParityEven, 1)
	require.NoError(t, d.ProcessScrambled(late, csa.ParityEven))
	assert.True(t, isNullPID(late), "keys from a dead connection must be gone")
}

func TestBadChecksumControlWordRejected(t *testing.T) {
	d := newTestDescrambler(false)
	d.InstallControlWord(dvbapi.CADescr{Parity: 0, ControlWord: [8]byte{1, 2, 3, 0xFF, 4, 5, 6, 0xFF}})

	pkt := scrambledPacket(0x65, csa.ParityEven, 0)
	require.NoError(t, d.ProcessScrambled(pkt, csa.ParityEven))
	assert.True(t, isNullPID(pkt), "a key that failed its checksum must never install")
}

// psiPacket wraps a section into a single TS packet with
// payload_unit_start set and 0xFF stuffing.
func psiPacket(pid int, section []byte) []byte {
	pkt := make([]byte, mpegts.TSPacketSize)
	pkt[0] = 0x47
	pkt[1] = 0x40 | byte(pid>>8&0x1F)
	pkt[2] = byte(pid)
	pkt[3] = 0x10
	pkt[4] = 0x00 // pointer_field
	copy(pkt[5:], section)
	for i := 5 + len(section); i < len(pkt); i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

func finishSection(header3 []byte, body []byte) []byte {
	sectionLength := len(body) + 4
	section := append([]byte{}, header3...)
	section[1] = section[1]&0xF0 | byte(sectionLength>>8)&0x0F
	section[2] = byte(sectionLength)
	section = append(section, body...)
	crc := mpegts.CRC32(section)
	return append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

func TestPMTRewriteStripsCADescriptors(t *testing.T) {
	d := newTestDescrambler(true)

	pat := finishSection([]byte{0x00, 0xB0, 0x00}, []byte{
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0x00, 0x01, 0xE1, 0x00, // program 1 -> PMT PID 0x100
	})
	require.NoError(t, d.ProcessClear(psiPacket(0, pat), 0))

	pmt := finishSection([]byte{0x02, 0xB0, 0x00}, []byte{
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0xE0, 0x65, // PCR PID
		0xF0, 0x06,
		0x09, 0x04, 0x18, 0x01, 0xE5, 0x55, // program CA descriptor
		0x02, 0xE0, 0x65, 0xF0, 0x00,
	})
	pkt := psiPacket(0x100, pmt)
	require.NoError(t, d.ProcessClear(pkt, 0x100))

	require.False(t, isNullPID(pkt), "well-formed PMT must be rewritten, not nulled")

	// Re-parse the rewritten section out of the packet.
	rewrittenLen := int(pkt[6]&0x0F)<<8 | int(pkt[7])
	rewritten := pkt[5 : 5+3+rewrittenLen]
	assert.True(t, mpegts.VerifyCRC(rewritten))
	parsed, err := mpegts.ParsePMT(rewritten)
	require.NoError(t, err)
	assert.Empty(t, parsed.ProgramCAs)
}
