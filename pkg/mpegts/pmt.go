package mpegts

import "fmt"

// CADescriptorTag is the descriptor tag for a conditional-access
// descriptor (carries the CA system id and ECM PID).
const CADescriptorTag = 0x09

// ESStream describes one elementary stream entry in a PMT.
type ESStream struct {
	StreamType uint8
	PID        int
	CAPids     []int // ECM PIDs found in this stream's descriptor loop
}

// CADescriptor is one program-level or stream-level CA descriptor.
type CADescriptor struct {
	CASystemID uint16
	ECMPid     int
}

// PMT is a parsed Program Map Table section.
type PMT struct {
	ProgramNumber uint16
	PCRPid        int
	ProgramCAs    []CADescriptor
	Streams       []ESStream

	// ProgramInfo is the raw CA descriptor bytes collected from the
	// program-level loop and every ES loop, in section order — the
	// payload a CA_PMT push to the provider carries verbatim.
	ProgramInfo []byte
}

// ParsePMT decodes a collected PMT section (table_id 0x02).
func ParsePMT(section []byte) (*PMT, error) {
	if len(section) < 12 {
		return nil, fmt.Errorf("mpegts: PMT section too short: %d bytes", len(section))
	}
	if section[0] != 0x02 {
		return nil, fmt.Errorf("mpegts: not a PMT section, table_id=0x%02x", section[0])
	}
	if !VerifyCRC(section) {
		return nil, fmt.Errorf("mpegts: PMT CRC mismatch")
	}

	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	end := 3 + sectionLength - 4
	if end > len(section) {
		end = len(section) - 4
	}

	pmt := &PMT{
		ProgramNumber: uint16(section[3])<<8 | uint16(section[4]),
		PCRPid:        int(section[8]&0x1F)<<8 | int(section[9]),
	}

	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])
	cursor := 12
	pmt.ProgramCAs = parseCADescriptors(section[cursor : cursor+programInfoLength])
	pmt.ProgramInfo = appendCADescriptorBytes(pmt.ProgramInfo, section[cursor:cursor+programInfoLength])
	cursor += programInfoLength

	for cursor+5 <= end {
		streamType := section[cursor]
		pid := int(section[cursor+1]&0x1F)<<8 | int(section[cursor+2])
		esInfoLength := int(section[cursor+3]&0x0F)<<8 | int(section[cursor+4])
		descStart := cursor + 5
		descEnd := descStart + esInfoLength
		if descEnd > end {
			break
		}

		stream := ESStream{StreamType: streamType, PID: pid}
		for _, ca := range parseCADescriptors(section[descStart:descEnd]) {
			stream.CAPids = append(stream.CAPids, ca.ECMPid)
		}
		pmt.ProgramInfo = appendCADescriptorBytes(pmt.ProgramInfo, section[descStart:descEnd])
		pmt.Streams = append(pmt.Streams, stream)

		cursor = descEnd
	}

	return pmt, nil
}

// appendCADescriptorBytes copies the raw bytes of every CA descriptor
// in a descriptor loop onto dst.
func appendCADescriptorBytes(dst []byte, desc []byte) []byte {
	for i := 0; i+2 <= len(desc); {
		length := int(desc[i+1])
		if i+2+length > len(desc) {
			break
		}
		if desc[i] == CADescriptorTag {
			dst = append(dst, desc[i:i+2+length]...)
		}
		i += 2 + length
	}
	return dst
}

func parseCADescriptors(desc []byte) []CADescriptor {
	var out []CADescriptor
	for i := 0; i+2 <= len(desc); {
		tag := desc[i]
		length := int(desc[i+1])
		body := desc[i+2:]
		if len(body) < length {
			break
		}
		if tag == CADescriptorTag && length >= 4 {
			out = append(out, CADescriptor{
				CASystemID: uint16(body[0])<<8 | uint16(body[1]),
				ECMPid:     int(body[2]&0x1F)<<8 | int(body[3]),
			})
		}
		i += 2 + length
	}
	return out
}

// AllECMPids returns every ECM PID referenced by this PMT, program-level
// and stream-level, deduplicated.
func (p *PMT) AllECMPids() []int {
	seen := make(map[int]bool)
	var out []int
	add := func(pid int) {
		if !seen[pid] {
			seen[pid] = true
			out = append(out, pid)
		}
	}
	for _, ca := range p.ProgramCAs {
		add(ca.ECMPid)
	}
	for _, s := range p.Streams {
		for _, pid := range s.CAPids {
			add(pid)
		}
	}
	return out
}

// RewriteStripCA rewrites a PMT section, dropping the entire descriptor
// loops — program_info_length and every ES_info_length go to zero, not
// just the CA entries — and recomputing the CRC, so a downstream player
// sees an unencrypted-looking PMT once control words are being applied
// transparently by the decrypt pipeline.
func RewriteStripCA(section []byte) ([]byte, error) {
	if len(section) < 12 || section[0] != 0x02 {
		return nil, fmt.Errorf("mpegts: RewriteStripCA: not a PMT section")
	}

	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	end := 3 + sectionLength - 4
	if end > len(section) {
		end = len(section) - 4
	}

	out := make([]byte, 12)
	copy(out, section[:12])

	// Flip the version_number bits (current_next_indicator stays as it
	// was) so receivers treat the stripped table as a fresh revision
	// instead of ignoring it as a duplicate of the CA-bearing one they
	// already parsed.
	out[5] ^= 0x3E

	// program_info_length -> 0; the whole program descriptor loop is
	// skipped, not copied.
	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])
	out[10] = section[10] & 0xF0
	out[11] = 0x00

	cursor := 12 + programInfoLength
	for cursor+5 <= end {
		esInfoLength := int(section[cursor+3]&0x0F)<<8 | int(section[cursor+4])
		if cursor+5+esInfoLength > end {
			break
		}

		// Copy only the fixed 5-byte ES header, with ES_info_length zeroed.
		out = append(out, section[cursor], section[cursor+1], section[cursor+2],
			section[cursor+3]&0xF0, 0x00)

		cursor += 5 + esInfoLength
	}

	newSectionLength := len(out) - 3 + 4 // body after the 3-byte header, plus CRC
	out[1] = out[1]&0xF0 | byte(newSectionLength>>8)&0x0F
	out[2] = byte(newSectionLength)

	crc := CRC32(out)
	out = append(out, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return out, nil
}
