package rtpio

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtcp"
)

const (
	rtcpVersion = 2

	rtcpTypeSR   = 200
	rtcpTypeSDES = 202
	rtcpTypeAPP  = 204

	sdesCNAME = 1
)

// SenderReport is the subset of an RTCP SR this gateway emits
// periodically: no reception-report blocks, since a SAT>IP server has no
// RTP it is receiving from the client to report on.
type SenderReport struct {
	SSRC         uint32
	NTPSeconds   uint32
	NTPFraction  uint32
	RTPTimestamp uint32
	PacketCount  uint32
	OctetCount   uint32
}

// EncodeSR hand-serializes an RTCP SR packet (28 bytes, no report blocks).
func EncodeSR(sr SenderReport) []byte {
	buf := make([]byte, 28)
	buf[0] = rtcpVersion<<6 | 0 // no report blocks
	buf[1] = rtcpTypeSR
	binary.BigEndian.PutUint16(buf[2:4], uint16(28/4-1)) // length in 32-bit words minus 1
	binary.BigEndian.PutUint32(buf[4:8], sr.SSRC)
	binary.BigEndian.PutUint32(buf[8:12], sr.NTPSeconds)
	binary.BigEndian.PutUint32(buf[12:16], sr.NTPFraction)
	binary.BigEndian.PutUint32(buf[16:20], sr.RTPTimestamp)
	binary.BigEndian.PutUint32(buf[20:24], sr.PacketCount)
	binary.BigEndian.PutUint32(buf[24:28], sr.OctetCount)
	return buf
}

// EncodeSDES hand-serializes a minimal RTCP SDES packet carrying one
// CNAME item for ssrc.
func EncodeSDES(ssrc uint32, cname string) []byte {
	// chunk: SSRC(4) + item(type,len,text) + null terminator, padded to
	// a 32-bit boundary.
	itemLen := 2 + len(cname)
	chunkLen := 4 + itemLen + 1 // +1 null terminator item
	padded := (chunkLen + 3) / 4 * 4

	buf := make([]byte, 4+padded)
	buf[0] = rtcpVersion<<6 | 1 // source count = 1
	buf[1] = rtcpTypeSDES
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)/4-1))

	binary.BigEndian.PutUint32(buf[4:8], ssrc)
	buf[8] = sdesCNAME
	buf[9] = byte(len(cname))
	copy(buf[10:10+len(cname)], cname)
	// remaining bytes are already zero (null terminator + padding)

	return buf
}

// EncodeAPP hand-serializes an RTCP APP packet with the "SES1" name
// SAT>IP servers use to announce stream identity to clients that
// understand it. The 16-byte prefix (header, SSRC, "SES1" name, a zero
// identifier, and the inner string-length field) precedes the
// describe-string payload; the whole packet is padded to a 32-bit
// boundary but the string-length field counts only the unpadded
// describe bytes.
func EncodeAPP(ssrc uint32, subtype uint8, data []byte) []byte {
	total := 16 + len(data)
	padded := (total + 3) / 4 * 4
	buf := make([]byte, padded)
	buf[0] = rtcpVersion<<6 | subtype&0x1F
	buf[1] = rtcpTypeAPP
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)/4-1))
	binary.BigEndian.PutUint32(buf[4:8], ssrc)
	copy(buf[8:12], "SES1")
	binary.BigEndian.PutUint16(buf[12:14], 0) // identifier, unused
	binary.BigEndian.PutUint16(buf[14:16], uint16(len(data)))
	copy(buf[16:], data)
	return buf
}

// ReceiverReportInfo is the liveness-relevant subset of an inbound RTCP
// RR: enough to confirm the client is still there and note loss stats.
type ReceiverReportInfo struct {
	SenderSSRC     uint32
	FractionLost   uint8
	CumulativeLost uint32
	HighestSeqSeen uint32
	Jitter         uint32
}

// DecodeReceiverReports uses pion/rtcp to parse an inbound RTCP compound
// packet and extracts every ReceiverReport's first report block, which
// is all the liveness check in pkg/rtsp needs.
func DecodeReceiverReports(data []byte) ([]ReceiverReportInfo, error) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("rtpio: unmarshal RTCP: %w", err)
	}

	var out []ReceiverReportInfo
	for _, pkt := range packets {
		rr, ok := pkt.(*rtcp.ReceiverReport)
		if !ok || len(rr.Reports) == 0 {
			continue
		}
		block := rr.Reports[0]
		out = append(out, ReceiverReportInfo{
			SenderSSRC:     rr.SSRC,
			FractionLost:   block.FractionLost,
			CumulativeLost: block.TotalLost,
			HighestSeqSeen: block.LastSequenceNumber,
			Jitter:         block.Jitter,
		})
	}
	return out, nil
}
