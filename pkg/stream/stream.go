// Package stream wires one Stream's tuner, PID reconciliation, optional
// descrambling, and RTP/RTCP output pumps together into a reader/writer
// pipeline: goroutines communicating over a bounded buffer ring.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satpi/satpi-go/pkg/csa"
	"github.com/satpi/satpi-go/pkg/decrypt"
	"github.com/satpi/satpi-go/pkg/dvb"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/mpegts"
	"github.com/satpi/satpi-go/pkg/rtpio"
)

// RingSize is the single-producer/single-consumer PacketBuffer ring
// depth between reader and writer.
const RingSize = 32

// readTimeout is the level-triggered poll timeout the reader waits for
// fresh TS data before looping again.
const readTimeout = 500 * time.Millisecond

// rtcpInterval is how often the RTCP pump emits SR/SDES/APP.
const rtcpInterval = 5 * time.Second

// WorkerState is the cooperative cancellation state every reader/writer
// goroutine polls.
type WorkerState int32

const (
	StateUnknown WorkerState = iota
	StateStarting
	StateStarted
	StatePausing
	StatePaused
	StateStopping
	StateStopped
)

// TSSource is the raw transport-stream byte source a Stream's reader
// consumes; dvb.LinuxDVR implements it against a real device, tests
// substitute a fake.
type TSSource interface {
	ReadTimeout(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// DemuxController arms/disarms per-PID demux filters; dvb.LinuxDemux
// implements it against a real device.
type DemuxController interface {
	OpenPID(pid uint16) (int, error)
	ClosePID(fd int) error
}

// Transport is the output pump's abstraction over UDP or
// RTSP-interleaved TCP delivery (rtpio.UDPTransport / rtpio.TCPTransport).
type Transport interface {
	WriteData(payload []byte) error
	WriteControl(payload []byte) error
}

// Client is a remote peer attached to a Stream. One Stream has at most
// one at a time.
type Client struct {
	SessionID    string
	Transport    Transport
	CSeq         string
	mu           sync.Mutex
	lastActivity time.Time
	selfDestruct bool
}

// NewClient constructs a Client bound to an already-established transport.
func NewClient(sessionID string, transport Transport) *Client {
	return &Client{SessionID: sessionID, Transport: transport, lastActivity: time.Now()}
}

// Touch records activity (an RTSP request or an RTCP RR) against the
// 60-second liveness timeout.
func (c *Client) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// Idle reports how long it has been since the last recorded activity.
func (c *Client) Idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// MarkSelfDestruct flags the client for reaping on the next sweep, set
// when a transport write fails in a way that is not just backpressure.
func (c *Client) MarkSelfDestruct() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfDestruct = true
}

// SelfDestructing reports whether the client has been flagged for reaping.
func (c *Client) SelfDestructing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfDestruct
}

// Stream is a channel reservation bound to exactly one Tuner for
// process lifetime: created at startup, transitions between Idle and
// Active, never destroyed.
type Stream struct {
	ID       int
	Frontend *dvb.Frontend

	mu          sync.Mutex
	client      *Client
	descrambler *decrypt.Descrambler
	describe    string // cached a=fmtp describe string for DESCRIBE/APP
	pending     dvb.FrontendData
	hasPending  bool

	sdtTable mpegts.TableData
	services []mpegts.Service

	ssrc  uint32
	seq   rtpio.SequenceCounter
	spc   uint64
	soc   uint64
	epoch time.Time // reference instant for the 90kHz RTP clock

	source TSSource
	demux  DemuxController

	ring  chan *mpegts.PacketBuffer
	free  chan *mpegts.PacketBuffer
	pacer *rtpio.Pacer
	state atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
}

// New constructs an idle Stream bound to a Frontend, with its PacketBuffer
// ring preallocated.
func New(id int, fe *dvb.Frontend, ssrc uint32, log *logger.Logger) *Stream {
	s := &Stream{
		ID:       id,
		Frontend: fe,
		ssrc:     ssrc,
		epoch:    time.Now(),
		ring:     make(chan *mpegts.PacketBuffer, RingSize),
		free:     make(chan *mpegts.PacketBuffer, RingSize),
		log:      log,
	}
	for i := 0; i < RingSize; i++ {
		s.free <- &mpegts.PacketBuffer{}
	}
	return s
}

// Counters reports the sender packet and octet counts (SPC/SOC).
func (s *Stream) Counters() (packets, octets uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spc, s.soc
}

// Active reports whether a client currently owns this Stream.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Client returns the currently bound client, or nil.
func (s *Stream) Client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// SetDescribe caches the SAT>IP describe string used by DESCRIBE and the
// RTCP APP packet.
func (s *Stream) SetDescribe(describe string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.describe = describe
}

// Describe returns the current a=fmtp-style describe string.
func (s *Stream) Describe() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.describe
}

// StageTuning records the tuning parameters a SETUP/PLAY request
// carried. The actual tune happens on PLAY, and only if the staged
// parameters name a different transponder than the one locked now.
func (s *Stream) StageTuning(data dvb.FrontendData) {
	if data.System == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = data
	s.hasPending = true
}

// PendingTuning returns the staged parameters, if any.
func (s *Stream) PendingTuning() (dvb.FrontendData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.hasPending
}

// ClearPendingTuning drops the staged parameters after a successful tune.
func (s *Stream) ClearPendingTuning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasPending = false
}

// Started reports whether the reader/writer/RTCP goroutines are running.
func (s *Stream) Started() bool {
	st := WorkerState(s.state.Load())
	return st == StateStarting || st == StateStarted
}

// Bind attaches a client to the Stream (SETUP); the TS pipeline follows
// on PLAY via AttachPipeline.
func (s *Stream) Bind(client *Client) {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

// AttachPipeline wires the TS source, demux controller, and optional
// descrambler in before Start. source/demux are nil-safe for tests that
// only exercise PID bookkeeping.
func (s *Stream) AttachPipeline(source TSSource, demux DemuxController, descrambler *decrypt.Descrambler) {
	s.mu.Lock()
	s.source = source
	s.demux = demux
	s.descrambler = descrambler
	s.mu.Unlock()
}

// Start begins streaming: reconciles the PID table, then launches the
// reader, writer, and RTCP pump goroutines.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	source, demux := s.source, s.demux
	s.mu.Unlock()
	if source == nil {
		return fmt.Errorf("stream: no TS source bound")
	}

	if err := s.reconcilePids(demux); err != nil {
		return fmt.Errorf("stream: pid reconcile: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Store(int32(StateStarting))

	s.pacer = rtpio.NewPacer(s.writePacket, s.log)
	s.pacer.Start(runCtx, rtpio.ClockRate90kHz)

	s.wg.Add(3)
	go s.readLoop(runCtx, source)
	go s.writeLoop(runCtx)
	go s.rtcpLoop(runCtx)

	s.Frontend.MarkStreaming()
	s.state.Store(int32(StateStarted))
	return nil
}

// Stop cancels the reader/writer/RTCP goroutines and waits up to 5s for
// them to exit before declaring the stream stopped.
func (s *Stream) Stop() {
	s.state.Store(int32(StateStopping))
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("stream worker stop timed out", "stream", s.ID)
	}
	if s.pacer != nil {
		s.pacer.Stop()
	}
	s.state.Store(int32(StateStopped))

	s.mu.Lock()
	client := s.client
	source := s.source
	descrambler := s.descrambler
	s.client = nil
	s.source = nil
	s.descrambler = nil
	s.mu.Unlock()
	if descrambler != nil {
		descrambler.Stop()
	}
	if source != nil {
		source.Close()
	}
	if client != nil {
		if closer, ok := client.Transport.(io.Closer); ok {
			closer.Close()
		}
	}
	s.Frontend.Close()
}

// State returns the worker cancellation state.
func (s *Stream) State() WorkerState { return WorkerState(s.state.Load()) }

// ReconcilePids re-runs the PID filter reconciliation on a live stream,
// for PLAY requests that changed the selection mid-stream.
func (s *Stream) ReconcilePids() error {
	s.mu.Lock()
	demux := s.demux
	s.mu.Unlock()
	if err := s.reconcilePids(demux); err != nil {
		return fmt.Errorf("stream: pid reconcile: %w", err)
	}
	return nil
}

func (s *Stream) reconcilePids(demux DemuxController) error {
	pids := s.Frontend.Pids()
	if !pids.Changed() {
		return nil
	}
	var openErr error
	pids.ForEachPendingClose(func(pid int, fd int) {
		if demux != nil {
			_ = demux.ClosePID(fd)
		}
	})
	pids.ForEachPendingOpen(func(pid int) int {
		if demux == nil {
			return -1
		}
		fd, err := demux.OpenPID(uint16(pid))
		if err != nil {
			openErr = err
			return -1
		}
		return fd
	})
	if openErr != nil {
		// A failed pass must not count as reconciled.
		pids.MarkChanged()
	}
	return openErr
}

func (s *Stream) readLoop(ctx context.Context, source TSSource) {
	defer s.wg.Done()
	raw := make([]byte, mpegts.TSPacketSize*mpegts.PacketsPerRTPPayload*2)
	carry := 0

	buf := <-s.free
	buf.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := source.ReadTimeout(raw[carry:], readTimeout)
		if err != nil {
			s.log.DebugTuner("ts read error", "stream", s.ID, "error", err)
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		if n == 0 {
			continue
		}
		window := raw[:carry+n]

		for len(window) >= mpegts.TSPacketSize {
			if window[0] != mpegts.TSSyncByte {
				off := mpegts.TrySyncing(window)
				if off < 0 {
					window = window[:0]
					break
				}
				window = window[off:]
				continue
			}

			buf.AppendTSPacket(window[:mpegts.TSPacketSize], false)
			stored := buf.TSPackets()
			s.consumePacket(stored[len(stored)-mpegts.TSPacketSize:])
			window = window[mpegts.TSPacketSize:]

			if buf.Full() {
				// Any parity batch still open is flushed here so decrypt
				// always completes before the buffer reaches the writer.
				s.mu.Lock()
				descrambler := s.descrambler
				s.mu.Unlock()
				if descrambler != nil {
					if err := descrambler.Flush(); err != nil {
						s.log.DebugTuner("descrambler flush error", "stream", s.ID, "error", err)
					}
				}
				buf.ClearDecryptPending()

				select {
				case s.ring <- buf:
					select {
					case buf = <-s.free:
					case <-ctx.Done():
						return
					}
				default:
					// Ring full: drop this buffer's content and reuse it in
					// place.
					s.log.DebugTuner("ring full, dropping buffer", "stream", s.ID)
				}
				buf.Reset()
			}
		}

		carry = copy(raw, window)
	}
}

// consumePacket operates on pkt, a slice into the PacketBuffer's own
// storage: any in-place rewrite (decrypt, NULL-PID substitution, PMT
// strip) mutates exactly what will be published to the writer.
func (s *Stream) consumePacket(pkt []byte) {
	pid := int(pkt[1]&0x1F)<<8 | int(pkt[2])
	s.Frontend.Pids().CheckContinuity(pid, pkt[3]&0x0F)

	if pid == mpegts.SDTPid {
		s.collectSDT(pkt)
	}

	parity, scrambled := csa.ParityOf(pkt[3])

	s.mu.Lock()
	descrambler := s.descrambler
	s.mu.Unlock()

	if descrambler == nil {
		return
	}
	if scrambled {
		if err := descrambler.ProcessScrambled(pkt, parity); err != nil {
			s.log.DebugTuner("descramble error", "stream", s.ID, "error", err)
		}
	} else {
		if err := descrambler.ProcessClear(pkt, uint16(pid)); err != nil {
			s.log.DebugTuner("filter tap error", "stream", s.ID, "error", err)
		}
	}
}

// collectSDT accumulates SDT sections off the reader path so the status
// API can show human-readable service names; DESCRIBE does not carry them.
func (s *Stream) collectSDT(pkt []byte) {
	if pkt[3]>>4&0x01 == 0 {
		return // no payload
	}
	payload := pkt[4:]
	if pkt[3]>>4&0x02 != 0 {
		afLen := int(payload[0])
		if 1+afLen >= len(payload) {
			return
		}
		payload = payload[1+afLen:]
	}
	if pkt[1]&0x40 != 0 {
		pointer := int(payload[0])
		if 1+pointer >= len(payload) {
			return
		}
		payload = payload[1+pointer:]
		s.sdtTable.Reset()
	}

	complete, err := s.sdtTable.AddData(payload)
	if err != nil || !complete {
		return
	}
	section, err := s.sdtTable.Section()
	if err != nil {
		return
	}
	services, err := mpegts.ParseSDT(section)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.services = services
	s.mu.Unlock()
}

// Services returns the service list last seen in the SDT, if any.
func (s *Stream) Services() []mpegts.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mpegts.Service, len(s.services))
	copy(out, s.services)
	return out
}

func (s *Stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case buf := <-s.ring:
			pkt := s.preparePacket(buf)
			select {
			case s.free <- buf:
			default:
			}
			s.pacer.Enqueue(ctx, pkt)
		}
	}
}

// preparePacket stamps the RTP header into the buffer and copies the
// finished packet out, so the PacketBuffer can return to the free ring
// while the pacer still holds the bytes.
func (s *Stream) preparePacket(buf *mpegts.PacketBuffer) []byte {
	hdr := rtpio.RTPHeader{
		PayloadType:    rtpio.PayloadTypeMP2T,
		SequenceNumber: s.seq.Next(),
		Timestamp:      rtpio.Timestamp90kHz(time.Since(s.epoch)),
		SSRC:           s.ssrc,
	}
	hdr.Encode(buf.RTPHeaderRegion())
	return append([]byte(nil), buf.Payload()...)
}

// writePacket is the pacer's send callback.
func (s *Stream) writePacket(pkt []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}

	if err := client.Transport.WriteData(pkt); err != nil {
		client.MarkSelfDestruct()
		return fmt.Errorf("stream %d: rtp write: %w", s.ID, err)
	}

	s.mu.Lock()
	s.spc++
	s.soc += uint64(len(pkt) - mpegts.RTPHeaderSize)
	s.mu.Unlock()
	return nil
}

func (s *Stream) rtcpLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(rtcpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Frontend.PollSignal(ctx)
			s.sendRTCP()
		}
	}
}

func (s *Stream) sendRTCP() {
	s.mu.Lock()
	client := s.client
	describe := s.describe
	spc, soc := s.spc, s.soc
	s.mu.Unlock()
	if client == nil {
		return
	}

	now := time.Now().Unix() + ntpEpochOffset
	sr := rtpio.EncodeSR(rtpio.SenderReport{
		SSRC:         s.ssrc,
		NTPSeconds:   uint32(now),
		RTPTimestamp: rtpio.Timestamp90kHz(time.Since(s.epoch)),
		PacketCount:  uint32(spc),
		OctetCount:   uint32(soc),
	})
	sdes := rtpio.EncodeSDES(s.ssrc, "satpi-go")
	app := rtpio.EncodeAPP(s.ssrc, 0, []byte(describe))

	compound := make([]byte, 0, len(sr)+len(sdes)+len(app))
	compound = append(compound, sr...)
	compound = append(compound, sdes...)
	compound = append(compound, app...)

	if err := client.Transport.WriteControl(compound); err != nil {
		s.log.DebugRTP("rtcp write failed", "stream", s.ID, "error", err)
		client.MarkSelfDestruct()
	}
}

// ntpEpochOffset converts a Unix timestamp to NTP epoch seconds
// (seconds between 1900-01-01 and 1970-01-01).
const ntpEpochOffset = 2208988800
