package dvbapi

import (
	"encoding/binary"
	"fmt"
)

// Server-to-client records have no outer framing: each opcode implies a
// fixed record size (ECM_INFO and SERVER_INFO carry their own embedded
// string lengths). The read loop consumes exactly these many bytes per
// record, opcode included.
const (
	recordLenDMXSetFilter = 65
	recordLenDMXStop      = 9
	recordLenCASetDescr   = 21
	recordLenCASetPID     = 13
	ecmInfoFixedLen       = 19 // opcode through ecm-time; strings follow
)

// EncodeClientInfo builds a CLIENT_INFO message: opcode, protocol
// version, then a length-prefixed client name string.
func EncodeClientInfo(protocolVersion uint16, clientName string) []byte {
	buf := make([]byte, 0, 4+2+1+len(clientName))
	buf = appendUint32(buf, uint32(OpClientInfo))
	buf = appendUint16(buf, protocolVersion)
	buf = append(buf, byte(len(clientName)))
	buf = append(buf, clientName...)
	return buf
}

// DecodeServerInfo parses a SERVER_INFO message body (after the opcode)
// into the protocol version and server name it announces.
func DecodeServerInfo(body []byte) (protocolVersion uint16, serverName string, err error) {
	if len(body) < 3 {
		return 0, "", fmt.Errorf("dvbapi: SERVER_INFO too short")
	}
	protocolVersion = binary.BigEndian.Uint16(body[0:2])
	nameLen := int(body[2])
	if len(body) < 3+nameLen {
		return 0, "", fmt.Errorf("dvbapi: SERVER_INFO truncated name")
	}
	serverName = string(body[3 : 3+nameLen])
	return protocolVersion, serverName, nil
}

// capmtCmdOKDescrambling is the ca_pmt_cmd_id asking the server to
// start descrambling this program.
const capmtCmdOKDescrambling = 0x01

// capmtDescDemux is the CA_PMT private descriptor tag carrying the
// demux/stream routing the server echoes back on CA_SET_DESCR.
const capmtDescDemux = 0x82

// EncodeCAPMT builds an AOT_CA_PMT message addressed to one demux:
// opcode, 16-bit total length, list management byte, program number,
// version, then a program-info block holding the ca_pmt_cmd_id, the
// demux descriptor, and the PMT's raw CA descriptor bytes.
func EncodeCAPMT(mode ListManagementMode, programNumber uint16, demuxIndex byte, programInfo []byte) []byte {
	piLength := len(programInfo) + 1 + 4 // cmd id byte + 4-byte demux descriptor
	totLength := piLength + 6

	buf := make([]byte, 0, 6+totLength)
	buf = appendUint32(buf, uint32(OpCAPMT))
	buf = appendUint16(buf, uint16(totLength))
	buf = append(buf, byte(mode))
	buf = appendUint16(buf, programNumber)
	buf = append(buf, ProtocolVersion)
	buf = appendUint16(buf, uint16(piLength))
	buf = append(buf, capmtCmdOKDescrambling)
	buf = append(buf, capmtDescDemux, 0x02, demuxIndex, demuxIndex)
	buf = append(buf, programInfo...)
	return buf
}

// EncodeCAStop builds an AOT_CA_STOP message that tears down decryption
// for one demux index: 9F 80 3F 04 83 02 00 <demux>.
func EncodeCAStop(demuxIndex byte) []byte {
	buf := make([]byte, 0, 8)
	buf = appendUint32(buf, uint32(OpCAStop))
	buf = append(buf, 0x83, 0x02, 0x00, demuxIndex)
	return buf
}

// EncodeFilterData builds a FILTER_DATA message carrying a matched
// section for the demux/filter that captured it: opcode, demux index,
// filter number, then the raw section bytes.
func EncodeFilterData(demuxIndex, filterNum byte, section []byte) []byte {
	buf := make([]byte, 0, 4+2+len(section))
	buf = appendUint32(buf, uint32(OpFilterData))
	buf = append(buf, demuxIndex, filterNum)
	buf = append(buf, section...)
	return buf
}

// FilterData wraps a raw section captured by a locally armed DMX filter
// tap, bound for a FILTER_DATA message to the provider.
// DecodeFilterData exists alongside EncodeFilterData so tests can assert
// on what the client actually put on the wire.
type FilterData struct {
	DemuxIndex byte
	FilterNum  byte
	Section    []byte
}

// DecodeFilterData parses a FILTER_DATA message body (demux index,
// filter number, then raw section bytes).
func DecodeFilterData(body []byte) (FilterData, error) {
	if len(body) < 2 {
		return FilterData{}, fmt.Errorf("dvbapi: FILTER_DATA too short")
	}
	return FilterData{
		DemuxIndex: body[0],
		FilterNum:  body[1],
		Section:    append([]byte{}, body[2:]...),
	}, nil
}

// DMXFilter is a decoded DMX_SET_FILTER record: the provider asking the
// core to arm a (data, mask) predicate over a PID's sections and report
// matches back via FILTER_DATA.
type DMXFilter struct {
	AdapterIndex byte
	DemuxIndex   byte
	FilterNum    byte
	PID          uint16
	Data         [16]byte
	Mask         [16]byte
}

// DecodeDMXSetFilter parses a DMX_SET_FILTER record body (the 61 bytes
// after the opcode): adapter, demux, filter number, PID, 16-byte filter
// data and mask. The trailing mode/timeout/flags bytes are ignored.
func DecodeDMXSetFilter(body []byte) (DMXFilter, error) {
	if len(body) < recordLenDMXSetFilter-4 {
		return DMXFilter{}, fmt.Errorf("dvbapi: DMX_SET_FILTER too short")
	}
	f := DMXFilter{
		AdapterIndex: body[0],
		DemuxIndex:   body[1],
		FilterNum:    body[2],
		PID:          binary.BigEndian.Uint16(body[3:5]),
	}
	copy(f.Data[:], body[5:21])
	copy(f.Mask[:], body[21:37])
	return f, nil
}

// EncodeDMXSetFilter builds a full 65-byte DMX_SET_FILTER record, for
// tests standing in as the provider.
func EncodeDMXSetFilter(adapterIndex, demuxIndex, filterNum byte, pid uint16, data, mask [16]byte) []byte {
	buf := make([]byte, 0, recordLenDMXSetFilter)
	buf = appendUint32(buf, uint32(OpDMXSetFilter))
	buf = append(buf, adapterIndex, demuxIndex, filterNum)
	buf = appendUint16(buf, pid)
	buf = append(buf, data[:]...)
	buf = append(buf, mask[:]...)
	buf = append(buf, make([]byte, recordLenDMXSetFilter-len(buf))...) // mode/timeout/flags
	return buf
}

// DMXStop is a decoded DMX_STOP record: the provider asking the core to
// disarm a previously armed filter.
type DMXStop struct {
	AdapterIndex byte
	DemuxIndex   byte
	FilterNum    byte
	PID          uint16
}

// DecodeDMXStop parses a DMX_STOP record body (the 5 bytes after the
// opcode).
func DecodeDMXStop(body []byte) (DMXStop, error) {
	if len(body) < recordLenDMXStop-4 {
		return DMXStop{}, fmt.Errorf("dvbapi: DMX_STOP too short")
	}
	return DMXStop{
		AdapterIndex: body[0],
		DemuxIndex:   body[1],
		FilterNum:    body[2],
		PID:          binary.BigEndian.Uint16(body[3:5]),
	}, nil
}

// EncodeDMXStop builds a full 9-byte DMX_STOP record, for tests.
func EncodeDMXStop(adapterIndex, demuxIndex, filterNum byte, pid uint16) []byte {
	buf := make([]byte, 0, recordLenDMXStop)
	buf = appendUint32(buf, uint32(OpDMXStop))
	buf = append(buf, adapterIndex, demuxIndex, filterNum)
	buf = appendUint16(buf, pid)
	return buf
}

// CADescr is a decoded CA_SET_DESCR record: a control word for one
// parity on one adapter.
type CADescr struct {
	AdapterIndex byte
	Index        uint32
	Parity       uint32 // 0 = even, 1 = odd
	ControlWord  [8]byte
}

// DecodeCASetDescr parses a CA_SET_DESCR record body (the 17 bytes
// after the opcode): adapter, 32-bit index, 32-bit parity, 8-byte
// control word.
func DecodeCASetDescr(body []byte) (CADescr, error) {
	if len(body) < recordLenCASetDescr-4 {
		return CADescr{}, fmt.Errorf("dvbapi: CA_SET_DESCR too short")
	}
	descr := CADescr{
		AdapterIndex: body[0],
		Index:        binary.BigEndian.Uint32(body[1:5]),
		Parity:       binary.BigEndian.Uint32(body[5:9]),
	}
	copy(descr.ControlWord[:], body[9:17])
	return descr, nil
}

// EncodeCASetDescr builds a full 21-byte CA_SET_DESCR record, for tests.
func EncodeCASetDescr(adapterIndex byte, index, parity uint32, cw [8]byte) []byte {
	buf := make([]byte, 0, recordLenCASetDescr)
	buf = appendUint32(buf, uint32(OpCASetDescr))
	buf = append(buf, adapterIndex)
	buf = appendUint32(buf, index)
	buf = appendUint32(buf, parity)
	buf = append(buf, cw[:]...)
	return buf
}

// DecodeCASetPID validates a CA_SET_PID record body (the 9 bytes after
// the opcode: adapter, 32-bit pid, 32-bit index) without extracting
// anything from it: the record is consumed only so the stream resyncs
// on the next one.
func DecodeCASetPID(body []byte) error {
	if len(body) < recordLenCASetPID-4 {
		return fmt.Errorf("dvbapi: CA_SET_PID too short")
	}
	return nil
}

// ECMInfo is a decoded ECM_INFO diagnostic record (service/caid info
// the server sends alongside control words, used for logging only).
type ECMInfo struct {
	AdapterIndex byte
	ServiceID    uint16
	CAID         uint16
	ECMPid       uint16
	ProviderID   uint32
	ECMTime      uint32

	CardSystem   string
	ReaderName   string
	SourceName   string
	ProtocolName string
	Hops         byte
}

// decodeECMInfoFixed parses the fixed 15-byte prefix of an ECM_INFO
// record body; the four length-prefixed strings and the hops byte that
// follow are read off the stream by the caller.
func decodeECMInfoFixed(body []byte) (ECMInfo, error) {
	if len(body) < ecmInfoFixedLen-4 {
		return ECMInfo{}, fmt.Errorf("dvbapi: ECM_INFO too short")
	}
	return ECMInfo{
		AdapterIndex: body[0],
		ServiceID:    binary.BigEndian.Uint16(body[1:3]),
		CAID:         binary.BigEndian.Uint16(body[3:5]),
		ECMPid:       binary.BigEndian.Uint16(body[5:7]),
		ProviderID:   binary.BigEndian.Uint32(body[7:11]),
		ECMTime:      binary.BigEndian.Uint32(body[11:15]),
	}, nil
}

// PeekOpcode reads the 4-byte big-endian opcode from the front of a
// received record without consuming the rest.
func PeekOpcode(msg []byte) (Opcode, []byte, error) {
	if len(msg) < 4 {
		return 0, nil, fmt.Errorf("dvbapi: message too short for opcode")
	}
	return Opcode(binary.BigEndian.Uint32(msg[0:4])), msg[4:], nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}
