// Package decrypt drives the control-word decryption pipeline for one
// tuner: the PAT/PMT section filter tap, the CA-PMT/CA-STOP exchange
// with the dvbapi provider, CSA batched descrambling with parity
// cut-over, and PMT rewriting.
package decrypt

import (
	"fmt"
	"sync"

	"github.com/satpi/satpi-go/pkg/csa"
	"github.com/satpi/satpi-go/pkg/dvbapi"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/mpegts"
)

// CSABatchSize bounds how many payloads accumulate before a non-final
// decrypt_batch call fires, matching libdvbcsa's default MAX_BATCH_SIZE.
const CSABatchSize = 28

const nullPID = 0x1FFF

// armedFilter is one DMX_SET_FILTER predicate the provider asked the
// core to evaluate against a PID's reassembled sections.
type armedFilter struct {
	demuxIndex byte
	filterNum  byte
	data       [16]byte
	mask       [16]byte
}

func (f armedFilter) matches(section []byte) bool {
	for i := 0; i < 16 && i < len(section); i++ {
		if section[i]&f.mask[i] != f.data[i]&f.mask[i] {
			return false
		}
	}
	return true
}

// Descrambler owns one tuner's worth of CSA key state and PSI filter
// tap. One is created per Stream; the dvbapi.Client is shared across
// every Descrambler on the gateway.
type Descrambler struct {
	mu sync.Mutex

	client       *dvbapi.Client
	adapterIndex byte
	demuxIndex   byte
	rewritePMT   bool
	listMode     dvbapi.ListManagementMode
	log          *logger.Logger

	slots       csa.KeySlots
	batch       *csa.Batch
	batchPkts   [][]byte // whole TS packets paralleling the batch, for flag clearing
	batchParity csa.Parity

	sections map[uint16]*mpegts.TableData
	filters  map[uint16]armedFilter
	pmtPids  map[uint16]bool
}

// New constructs a Descrambler for one adapter/demux pair, bound to a
// shared dvbapi client.
func New(client *dvbapi.Client, adapterIndex, demuxIndex byte, rewritePMT bool, listMode dvbapi.ListManagementMode, log *logger.Logger) *Descrambler {
	d := &Descrambler{
		client:       client,
		adapterIndex: adapterIndex,
		demuxIndex:   demuxIndex,
		rewritePMT:   rewritePMT,
		listMode:     listMode,
		log:          log,
		sections:     make(map[uint16]*mpegts.TableData),
		filters:      make(map[uint16]armedFilter),
		pmtPids:      make(map[uint16]bool),
	}
	d.batch = csa.NewBatch(&d.slots)
	return d
}

// InstallControlWord is the dvbapi.Client's OnControlWord callback
// target: the decryption thread builds a key schedule off-thread and
// this publishes it under the Descrambler's mutex, without disturbing whatever
// batch is in flight for the other parity.
func (d *Descrambler) InstallControlWord(descr dvbapi.CADescr) {
	if descr.AdapterIndex != d.adapterIndex {
		return
	}
	cw := csa.ControlWord(descr.ControlWord)
	if !cw.ChecksumOK() {
		d.log.DebugDvbapi("control word failed checksum, discarded",
			"adapter", descr.AdapterIndex, "index", descr.Index)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	parity := csa.ParityEven
	if descr.Parity == 1 {
		parity = csa.ParityOdd
	}
	d.slots.SetKey(parity, cw)
}

// HandleFilterControl is the dvbapi.Client's OnFilterControl callback
// target: arms or disarms a section filter the provider wants FILTER_DATA
// reports for.
func (d *Descrambler) HandleFilterControl(start bool, filter dvbapi.DMXFilter, stop dvbapi.DMXStop) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if start {
		d.filters[filter.PID] = armedFilter{
			demuxIndex: filter.DemuxIndex,
			filterNum:  filter.FilterNum,
			data:       filter.Data,
			mask:       filter.Mask,
		}
	} else {
		delete(d.filters, stop.PID)
	}
}

// ProcessClear is called for every non-scrambled TS packet: it
// drives PAT/PMT reassembly, the CA-PMT push, optional PMT
// rewriting, and forwards matches for any provider-armed filter. pkt is
// mutated in place when a PMT is rewritten.
func (d *Descrambler) ProcessClear(pkt []byte, pid uint16) error {
	if len(pkt) != mpegts.TSPacketSize {
		return fmt.Errorf("decrypt: bad TS packet size %d", len(pkt))
	}
	pusi := pkt[1]&0x40 != 0
	payload := payloadRegion(pkt)
	if len(payload) == 0 {
		return nil
	}

	d.mu.Lock()
	td, ok := d.sections[pid]
	if !ok {
		td = &mpegts.TableData{}
		d.sections[pid] = td
	}
	isPMT := d.pmtPids[pid]
	d.mu.Unlock()

	chunk := payload
	if pusi {
		if len(payload) == 0 {
			return nil
		}
		pointer := int(payload[0])
		if 1+pointer > len(payload) {
			return nil
		}
		chunk = payload[1+pointer:]
		td.Reset()
	}

	complete, err := td.AddData(chunk)
	if err != nil || !complete {
		return nil
	}
	section, err := td.Section()
	if err != nil {
		return nil
	}
	td.Reset()

	switch {
	case pid == mpegts.PATPid:
		return d.handlePAT(section)
	case isPMT:
		return d.handlePMT(pkt, section)
	default:
		d.forwardFilterMatch(pid, section)
	}
	return nil
}

func (d *Descrambler) handlePAT(section []byte) error {
	mappings, err := mpegts.ParsePAT(section)
	if err != nil {
		return fmt.Errorf("decrypt: PAT: %w", err)
	}
	d.mu.Lock()
	d.pmtPids = make(map[uint16]bool, len(mappings))
	for _, m := range mappings {
		d.pmtPids[uint16(m.PMTPid)] = true
	}
	d.mu.Unlock()
	return nil
}

func (d *Descrambler) handlePMT(pkt []byte, section []byte) error {
	pmt, err := mpegts.ParsePMT(section)
	if err != nil {
		// Malformed PMT becomes a NULL-PID packet rather than leaking a
		// broken section to the client.
		markNullPID(pkt)
		return nil
	}

	if d.client != nil && len(pmt.ProgramInfo) > 0 {
		if err := d.client.SendCAPMT(d.listMode, pmt.ProgramNumber, d.demuxIndex, pmt.ProgramInfo); err != nil {
			d.log.DebugDvbapi("CA_PMT send failed", "error", err)
		}
	}

	if d.rewritePMT {
		rewritten, err := mpegts.RewriteStripCA(section)
		if err == nil {
			writeSectionIntoPacket(pkt, rewritten)
		} else {
			markNullPID(pkt)
		}
	}
	return nil
}

func (d *Descrambler) forwardFilterMatch(pid uint16, section []byte) {
	d.mu.Lock()
	f, armed := d.filters[pid]
	client := d.client
	d.mu.Unlock()
	if !armed || client == nil {
		return
	}
	if !f.matches(section) {
		return
	}
	if err := client.SendFilterData(f.demuxIndex, f.filterNum, section); err != nil {
		d.log.DebugDvbapi("FILTER_DATA send failed", "error", err)
	}
}

// ProcessScrambled is called for every scrambled TS packet (scramble
// flag set): it queues the payload into the CSA batch under the packet's
// parity, flushing the prior batch first on a parity change or size cap,
// or substitutes a NULL-PID packet if no key is installed yet for that
// parity.
func (d *Descrambler) ProcessScrambled(pkt []byte, parity csa.Parity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.batch.Len() != 0 && (parity != d.batchParity || d.batch.Len() >= CSABatchSize) {
		if err := d.flushBatchLocked(parity != d.batchParity); err != nil {
			return err
		}
	}

	if !d.slots.HasKey(parity) {
		markNullPID(pkt)
		return nil
	}

	payload := payloadRegion(pkt)
	if len(payload) == 0 {
		return nil
	}
	d.batch.Add(payload, parity)
	d.batchPkts = append(d.batchPkts, pkt)
	d.batchParity = parity
	return nil
}

// Stop tears this descrambler's provider state down: any in-flight
// batch is dropped, keys and filters are cleared, and AOT_CA_STOP tells
// the provider the demux is gone.
func (d *Descrambler) Stop() {
	d.reset()
	if d.client != nil {
		if err := d.client.SendCAStop(d.demuxIndex); err != nil {
			d.log.DebugDvbapi("CA_STOP send failed", "error", err)
		}
	}
}

// HandleProviderDisconnect drops all key, filter, and batch state when
// the dvbapi connection dies. Keys from a dead connection must not keep
// decrypting; the reconnected provider re-arms filters and re-issues
// control words from scratch.
func (d *Descrambler) HandleProviderDisconnect() {
	d.reset()
}

func (d *Descrambler) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batch.Reset()
	d.batchPkts = d.batchPkts[:0]
	d.slots.RemoveKey(csa.ParityEven)
	d.slots.RemoveKey(csa.ParityOdd)
	d.filters = make(map[uint16]armedFilter)
	d.pmtPids = make(map[uint16]bool)
	d.sections = make(map[uint16]*mpegts.TableData)
}

// Flush forces out any partially filled batch, e.g. when the stream is
// about to stop.
func (d *Descrambler) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.batch.Len() == 0 {
		return nil
	}
	return d.flushBatchLocked(false)
}

func (d *Descrambler) flushBatchLocked(removeOutgoingKey bool) error {
	if err := d.batch.Decrypt(); err != nil {
		d.batch.Reset()
		d.batchPkts = d.batchPkts[:0]
		return fmt.Errorf("decrypt: csa batch: %w", err)
	}
	for _, pkt := range d.batchPkts {
		pkt[3] &^= 0xC0 // transport_scrambling_control -> clear
	}
	if removeOutgoingKey {
		// The outgoing parity's key is spent; the provider supplies a
		// fresh one before that parity comes around again.
		d.slots.RemoveKey(d.batchParity)
	}
	d.batch.Reset()
	d.batchPkts = d.batchPkts[:0]
	return nil
}

func payloadRegion(pkt []byte) []byte {
	afc := (pkt[3] >> 4) & 0x03
	cursor := 4
	if afc == 0x02 {
		return nil // adaptation field only, no payload
	}
	if afc == 0x03 {
		if len(pkt) <= cursor {
			return nil
		}
		afLen := int(pkt[cursor])
		cursor += 1 + afLen
		if cursor >= len(pkt) {
			return nil
		}
	}
	return pkt[cursor:]
}

func markNullPID(pkt []byte) {
	pkt[1] = pkt[1]&0xE0 | byte(nullPID>>8)&0x1F
	pkt[2] = byte(nullPID & 0xFF)
	pkt[3] &^= 0xC0 // clear scrambling_control bits
}

func writeSectionIntoPacket(pkt []byte, section []byte) {
	afc := (pkt[3] >> 4) & 0x03
	cursor := 4
	if afc == 0x03 && cursor < len(pkt) {
		cursor += 1 + int(pkt[cursor])
	}
	if pkt[1]&0x40 != 0 && cursor < len(pkt) {
		cursor++ // pointer_field byte stays 0x00
	}
	avail := len(pkt) - cursor
	if len(section) > avail {
		markNullPID(pkt)
		return
	}
	copy(pkt[cursor:], section)
	for i := cursor + len(section); i < len(pkt); i++ {
		pkt[i] = 0xFF
	}
}
