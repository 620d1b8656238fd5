// Package dvbapi implements the client side of the OSCam dvbapi wire
// protocol: the TCP connection that exchanges PMT/ECM information for
// control words with an external decryption server.
package dvbapi

// Opcode identifies a dvbapi protocol message. Values are the protocol's
// fixed network byte order 32-bit opcodes.
type Opcode uint32

const (
	OpClientInfo Opcode = 0xFFFF0001
	OpServerInfo Opcode = 0xFFFF0002
	OpECMInfo    Opcode = 0xFFFF0003
	OpFilterData Opcode = 0xFFFF0000

	OpCAPMT  Opcode = 0x9F803282
	OpCAStop Opcode = 0x9F803F04

	OpDMXSetFilter Opcode = 0x403C6F2B
	OpDMXStop      Opcode = 0x00006F2A

	OpCASetDescr Opcode = 0x40106F86
	OpCASetPID   Opcode = 0x40086F87
)

// ListManagementMode is the CA_PMT list_management byte that governs
// whether a CA_PMT message adds, replaces, or updates the server's
// channel list.
type ListManagementMode byte

const (
	ListMore       ListManagementMode = 0x00
	ListFirst      ListManagementMode = 0x01
	ListLast       ListManagementMode = 0x02
	ListOnly       ListManagementMode = 0x03
	ListAdd        ListManagementMode = 0x04
	ListOnlyUpdate ListManagementMode = 0x05
)

// ProtocolVersion is the dvbapi protocol revision announced in
// CLIENT_INFO.
const ProtocolVersion = 2

// ReconnectIntervalSeconds is how often the client retries a dropped
// connection to the decrypt server.
const ReconnectIntervalSeconds = 5
