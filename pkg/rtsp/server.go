package rtsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/satpi/satpi-go/pkg/config"
	"github.com/satpi/satpi-go/pkg/decrypt"
	"github.com/satpi/satpi-go/pkg/dvb"
	"github.com/satpi/satpi-go/pkg/dvb/delivery"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/mpegts"
	"github.com/satpi/satpi-go/pkg/rtpio"
	"github.com/satpi/satpi-go/pkg/satip"
	"github.com/satpi/satpi-go/pkg/satperr"
	"github.com/satpi/satpi-go/pkg/session"
	"github.com/satpi/satpi-go/pkg/stream"
)

const sessionTimeoutSeconds = 60

// Server accepts RTSP connections and drives the stream manager from
// SETUP/PLAY/TEARDOWN requests.
type Server struct {
	cfg     *config.Config
	manager *session.Manager
	log     *logger.Logger

	// descramblers maps stream id to that stream's decryption pipeline;
	// empty when the dvbapi client is disabled.
	descramblers map[int]*decrypt.Descrambler
}

// NewServer constructs the protocol front over an already-enumerated
// stream manager.
func NewServer(cfg *config.Config, manager *session.Manager, descramblers map[int]*decrypt.Descrambler, log *logger.Logger) *Server {
	if descramblers == nil {
		descramblers = make(map[int]*decrypt.Descrambler)
	}
	return &Server{cfg: cfg, manager: manager, descramblers: descramblers, log: log}
}

// Serve listens on the configured RTSP port and handles connections
// until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindIPAddress, strconv.Itoa(s.cfg.RTSPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rtsp: listen %s: %w", addr, err)
	}
	s.log.Info("rtsp server listening", "addr", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rtsp: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// lockedConn serializes writes from the RTSP response path and the
// interleaved RTP/RTCP pumps sharing one TCP connection.
type lockedConn struct {
	net.Conn
	mu sync.Mutex
}

func (c *lockedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.Write(p)
}

// connState is the per-connection handler state.
type connState struct {
	conn    *lockedConn
	reader  *bufio.Reader
	limiter *rate.Limiter
	session string // session id bound to this connection after SETUP
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	cs := &connState{
		conn:   &lockedConn{Conn: raw},
		reader: bufio.NewReaderSize(raw, 4096),
		// generous for a control protocol; a client replaying SETUP in a
		// tight loop is throttled instead of starving the other sessions
		limiter: rate.NewLimiter(rate.Limit(50), 20),
	}
	defer raw.Close()

	remote := raw.RemoteAddr().String()
	s.log.DebugRTSP("connection opened", "remote", remote)
	defer s.log.DebugRTSP("connection closed", "remote", remote)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = raw.SetReadDeadline(time.Now().Add(2 * time.Minute))

		head, err := cs.reader.Peek(1)
		if err != nil {
			return
		}

		// A client on interleaved transport sends its RTCP receiver
		// reports as '$'-framed chunks on this same socket; they count as
		// liveness, not as requests.
		if head[0] == '$' {
			_, payload, err := rtpio.ReadInterleavedFrame(cs.reader)
			if err != nil {
				return
			}
			s.noteReceiverReport(cs.session, payload)
			continue
		}

		req, err := readRequest(cs.reader)
		if err != nil {
			if satperr.ClassOf(err) == satperr.ClassProtocol {
				s.writeResponse(cs, 400, "", nil, nil)
				continue
			}
			return
		}

		if !cs.limiter.Allow() {
			s.writeResponse(cs, 503, req.CSeq, nil, nil)
			continue
		}

		s.log.DebugRTSP("request", "method", req.Method, "uri", req.URL.String(),
			"session", req.Session, "remote", remote)
		s.handleRequest(ctx, cs, req, raw.RemoteAddr())
	}
}

func (s *Server) handleRequest(ctx context.Context, cs *connState, req *Request, remote net.Addr) {
	switch req.Method {
	case "OPTIONS":
		s.writeResponse(cs, 200, req.CSeq, [][2]string{
			{"Public", "OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN, GET_PARAMETER"},
		}, nil)
	case "DESCRIBE":
		s.handleDescribe(cs, req)
	case "SETUP":
		s.handleSetup(ctx, cs, req, remote)
	case "PLAY":
		s.handlePlay(ctx, cs, req)
	case "TEARDOWN":
		s.handleTeardown(cs, req)
	case "GET_PARAMETER":
		s.handleGetParameter(cs, req)
	default:
		s.writeResponse(cs, 501, req.CSeq, nil, nil)
	}
}

func (s *Server) handleDescribe(cs *connState, req *Request) {
	var describes []satip.DescribeStream
	for _, st := range s.manager.Streams() {
		fe := st.Frontend
		state := fe.State()
		describes = append(describes, satip.DescribeStream{
			StreamID: st.ID,
			Tuned:    state == dvb.StateTuned || state == dvb.StateStreaming,
			Params:   fe.CurrentParams(),
		})
	}
	body := []byte(satip.BuildSDP(s.cfg.BindIPAddress, describes))
	s.writeResponse(cs, 200, req.CSeq, [][2]string{
		{"Content-Type", "application/sdp"},
	}, body)
}

func (s *Server) handleSetup(ctx context.Context, cs *connState, req *Request, remote net.Addr) {
	transport, err := parseTransport(req.Header["Transport"])
	if err != nil {
		s.writeResponse(cs, satperr.RTSPStatus(err), req.CSeq, nil, nil)
		return
	}

	var params dvb.FrontendData
	if req.URL.RawQuery != "" {
		params, err = satip.ParseQuery(req.URL.RawQuery)
		if err != nil {
			s.writeResponse(cs, 400, req.CSeq, nil, nil)
			return
		}
	}

	host, _, _ := net.SplitHostPort(remote.String())

	var st *stream.Stream
	if req.Session != "" {
		st = s.manager.FindBySession(req.Session)
		if st == nil {
			s.writeResponse(cs, 454, req.CSeq, nil, nil)
			return
		}
	} else {
		st, _, err = s.manager.FindStreamFor(session.Request{ClientAddr: host})
		if err != nil {
			s.writeResponse(cs, satperr.RTSPStatus(err), req.CSeq, nil, nil)
			return
		}
	}

	client := st.Client()
	sessionID := req.Session
	if client == nil {
		sessionID, err = session.NewSessionID()
		if err != nil {
			s.writeResponse(cs, 500, req.CSeq, nil, nil)
			return
		}
		client = stream.NewClient(sessionID, nil)
	}
	client.Touch()

	if err := s.applyParams(st, params); err != nil {
		s.writeResponse(cs, satperr.RTSPStatus(err), req.CSeq, nil, nil)
		return
	}

	// A repeated SETUP replaces the transport; release the old sockets.
	if closer, ok := client.Transport.(io.Closer); ok {
		closer.Close()
	}

	var transportHeader string
	if transport.TCP {
		client.Transport = rtpio.NewTCPTransport(cs.conn, transport.DataChannel, transport.ControlChannel)
		transportHeader = fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d",
			transport.DataChannel, transport.ControlChannel)
	} else {
		dst := &net.UDPAddr{IP: net.ParseIP(host), Port: transport.ClientRTPPort}
		udp, err := rtpio.DialUDPTransport(dst, mpegts.BufferCapacity)
		if err != nil {
			s.log.Warn("udp transport setup failed", "error", err)
			s.writeResponse(cs, 500, req.CSeq, nil, nil)
			return
		}
		client.Transport = udp
		rtpPort, rtcpPort := udp.LocalPorts()
		transportHeader = fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;server_port=%d-%d",
			transport.ClientRTPPort, transport.ClientRTCPPort, rtpPort, rtcpPort)
		go s.rtcpListener(ctx, udp, client)
	}

	st.Bind(client)
	cs.session = sessionID

	s.writeResponse(cs, 200, req.CSeq, [][2]string{
		{"Session", fmt.Sprintf("%s;timeout=%d", sessionID, sessionTimeoutSeconds)},
		{"Transport", transportHeader},
		{"com.ses.streamID", strconv.Itoa(st.ID)},
	}, nil)
}

// applyParams stages tuning parameters and folds the PID selection into
// the stream's table. A delivery system the tuner cannot service is
// rejected before any state changes.
func (s *Server) applyParams(st *stream.Stream, params dvb.FrontendData) error {
	if params.System != "" {
		if _, err := s.deliveryFor(params.System); err != nil {
			return err
		}
		st.StageTuning(params)
		st.SetDescribe(satip.BuildQuery(params))
	}
	st.Frontend.ApplyPidSelection(params)
	return nil
}

func (s *Server) handlePlay(ctx context.Context, cs *connState, req *Request) {
	st := s.manager.FindBySession(req.Session)
	if st == nil {
		s.writeResponse(cs, 454, req.CSeq, nil, nil)
		return
	}
	client := st.Client()
	if client != nil {
		client.Touch()
	}

	if req.URL.RawQuery != "" {
		params, err := satip.ParseQuery(req.URL.RawQuery)
		if err != nil {
			s.writeResponse(cs, 400, req.CSeq, nil, nil)
			return
		}
		if err := s.applyParams(st, params); err != nil {
			s.writeResponse(cs, satperr.RTSPStatus(err), req.CSeq, nil, nil)
			return
		}
	}

	fe := st.Frontend
	if pending, ok := st.PendingTuning(); ok {
		tuned := fe.State() == dvb.StateTuned || fe.State() == dvb.StateStreaming
		if !tuned || !pending.SameTransponder(fe.CurrentParams()) {
			if fe.State() == dvb.StateClosed {
				if err := fe.Open(); err != nil {
					s.writeResponse(cs, 503, req.CSeq, nil, nil)
					return
				}
			}
			ds, err := s.deliveryFor(pending.System)
			if err != nil {
				s.writeResponse(cs, 503, req.CSeq, nil, nil)
				return
			}
			if err := fe.Tune(ctx, ds, pending); err != nil {
				s.log.Warn("tune failed", "stream", st.ID, "error", err)
				s.writeResponse(cs, satperr.RTSPStatus(err), req.CSeq, nil, nil)
				return
			}
		}
		st.ClearPendingTuning()
	}

	if st.Started() {
		if err := st.ReconcilePids(); err != nil {
			s.writeResponse(cs, 503, req.CSeq, nil, nil)
			return
		}
	} else {
		source, demux, err := s.pipelineFor(st)
		if err != nil {
			s.log.Warn("pipeline setup failed", "stream", st.ID, "error", err)
			s.writeResponse(cs, 503, req.CSeq, nil, nil)
			return
		}
		st.AttachPipeline(source, demux, s.descramblers[st.ID])
		if err := st.Start(ctx); err != nil {
			s.log.Warn("stream start failed", "stream", st.ID, "error", err)
			s.writeResponse(cs, 503, req.CSeq, nil, nil)
			return
		}
	}

	s.writeResponse(cs, 200, req.CSeq, [][2]string{
		{"Session", fmt.Sprintf("%s;timeout=%d", req.Session, sessionTimeoutSeconds)},
	}, nil)
}

func (s *Server) handleTeardown(cs *connState, req *Request) {
	st := s.manager.FindBySession(req.Session)
	if st == nil {
		s.writeResponse(cs, 454, req.CSeq, nil, nil)
		return
	}
	st.Stop()
	cs.session = ""
	s.writeResponse(cs, 200, req.CSeq, nil, nil)
}

func (s *Server) handleGetParameter(cs *connState, req *Request) {
	if req.Session != "" {
		st := s.manager.FindBySession(req.Session)
		if st == nil {
			s.writeResponse(cs, 454, req.CSeq, nil, nil)
			return
		}
		if c := st.Client(); c != nil {
			c.Touch()
		}
	}
	s.writeResponse(cs, 200, req.CSeq, nil, nil)
}

// deliveryFor maps a requested msys onto the tuning backend for it; the
// virtual sources have none.
func (s *Server) deliveryFor(sys dvb.DeliverySystemType) (dvb.DeliverySystem, error) {
	switch sys {
	case dvb.SystemDVBS, dvb.SystemDVBS2:
		return &delivery.DVBS{DiSEqc: s.diseqc()}, nil
	case dvb.SystemDVBT, dvb.SystemDVBT2:
		return &delivery.DVBT{}, nil
	case dvb.SystemDVBC:
		return &delivery.DVBC{}, nil
	case dvb.SystemFile, dvb.SystemStreamer:
		return nil, nil
	default:
		return nil, satperr.New(satperr.ClassTuner, "delivery",
			fmt.Errorf("no delivery system for msys %q", sys))
	}
}

func (s *Server) diseqc() dvb.DiSEqc {
	lnb := dvb.UniversalLnb()
	switch s.cfg.DiSEqCMode {
	case "en50494":
		return &dvb.EN50494{Lnb: lnb, UserBand: s.cfg.UnicableUserBand,
			SlotFreqs: []uint32{uint32(s.cfg.UnicableSlotFreqKHz)}}
	case "en50607":
		return &dvb.EN50607{Lnb: lnb, UserBand: s.cfg.UnicableUserBand,
			SlotFreqKHz: uint32(s.cfg.UnicableSlotFreqKHz)}
	default:
		return &dvb.Switch{Lnb: lnb}
	}
}

// pipelineFor opens the TS source (and demux controller for real
// hardware) matching the stream's tuned delivery system.
func (s *Server) pipelineFor(st *stream.Stream) (stream.TSSource, stream.DemuxController, error) {
	params := st.Frontend.CurrentParams()
	switch params.System {
	case dvb.SystemFile:
		src, err := dvb.OpenFileSource(params.SourceURI)
		return src, nil, err
	case dvb.SystemStreamer:
		src, err := dvb.OpenStreamerSource(params.SourceURI)
		return src, nil, err
	default:
		src, err := dvb.OpenLinuxDVR(st.Frontend.Index())
		if err != nil {
			return nil, nil, err
		}
		return src, dvb.NewLinuxDemux(st.Frontend.Index()), nil
	}
}

// rtcpListener consumes inbound RTCP receiver reports on a UDP
// transport's control socket; each one counts as client liveness.
func (s *Server) rtcpListener(ctx context.Context, t *rtpio.UDPTransport, client *stream.Client) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := t.ReadControl(buf)
		if err != nil {
			return
		}
		if _, err := rtpio.DecodeReceiverReports(buf[:n]); err == nil {
			client.Touch()
		}
	}
}

// noteReceiverReport handles an interleaved RTCP chunk from the client.
func (s *Server) noteReceiverReport(sessionID string, payload []byte) {
	if sessionID == "" {
		return
	}
	st := s.manager.FindBySession(sessionID)
	if st == nil {
		return
	}
	if _, err := rtpio.DecodeReceiverReports(payload); err != nil {
		return
	}
	if c := st.Client(); c != nil {
		c.Touch()
	}
}

func (s *Server) writeResponse(cs *connState, status int, cseq string, headers [][2]string, body []byte) {
	resp := formatResponse(status, cseq, headers, body)
	if _, err := cs.conn.Write(resp); err != nil {
		s.log.DebugRTSP("response write failed", "error", err)
	}
}
