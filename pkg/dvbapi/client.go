package dvbapi

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/satpi/satpi-go/pkg/logger"
)

// ControlWordHandler receives a decoded control word for an
// adapter/demux, to install into the CSA key schedule for that stream.
type ControlWordHandler func(descr CADescr)

// FilterControlHandler receives filter arm/disarm requests from the
// provider (DMX_SET_FILTER / DMX_STOP), letting pkg/decrypt's section
// filter tap track which PIDs/predicates it should forward as
// FILTER_DATA. start is true for DMX_SET_FILTER, false for DMX_STOP.
type FilterControlHandler func(start bool, filter DMXFilter, stop DMXStop)

// Client is a persistent connection to an external dvbapi decryption
// server (OSCam or compatible). It reconnects every
// ReconnectIntervalSeconds seconds while disconnected.
type Client struct {
	addr string
	log  *logger.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	onControlWord   ControlWordHandler
	onFilterControl FilterControlHandler
	onDisconnect    func()
}

// NewClient constructs a Client targeting addr ("host:port"); Run
// drives the connect-and-read loop in the background.
func NewClient(addr string, log *logger.Logger) *Client {
	return &Client{addr: addr, log: log}
}

// OnControlWord registers the callback invoked for each CA_SET_DESCR.
func (c *Client) OnControlWord(fn ControlWordHandler) { c.onControlWord = fn }

// OnFilterControl registers the callback invoked for each DMX_SET_FILTER
// (start=true) or DMX_STOP (start=false) the provider sends.
func (c *Client) OnFilterControl(fn FilterControlHandler) { c.onFilterControl = fn }

// OnDisconnect registers the callback invoked whenever the provider
// connection drops. Control words issued by the dead connection are no
// longer trustworthy, so consumers clear their key and batch state here.
func (c *Client) OnDisconnect(fn func()) { c.onDisconnect = fn }

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
// The limiter paces connection attempts to one per
// ReconnectIntervalSeconds;
// a connection that dies immediately after dialing still waits the
// full interval before the next attempt.
func (c *Client) Run(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(ReconnectIntervalSeconds*time.Second), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		if err := c.connectAndServe(ctx); err != nil {
			c.log.DebugDvbapi("connection ended", "error", err)
		}

		c.mu.Lock()
		dropped := c.connected
		c.connected = false
		c.mu.Unlock()
		if dropped && c.onDisconnect != nil {
			c.onDisconnect()
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dvbapi: dial %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("dvbapi client connected", "addr", c.addr)

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.handshake(); err != nil {
		return fmt.Errorf("dvbapi: handshake: %w", err)
	}

	go c.watchContext(ctx, conn)

	return c.readLoop(conn)
}

func (c *Client) watchContext(ctx context.Context, conn net.Conn) {
	<-ctx.Done()
	conn.Close()
}

func (c *Client) handshake() error {
	msg := EncodeClientInfo(ProtocolVersion, "satpi-go")
	if err := c.writeMessage(msg); err != nil {
		return err
	}
	return nil
}

// readLoop consumes the server's record stream. There is no outer
// framing: records arrive back to back, each opcode implying its own
// fixed size (SERVER_INFO and ECM_INFO carry embedded string lengths).
// An opcode the client does not know leaves the stream position
// unknowable, so the connection is dropped and redialed.
func (c *Client) readLoop(conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		var op [4]byte
		if _, err := io.ReadFull(r, op[:]); err != nil {
			return err
		}
		opcode := Opcode(binary.BigEndian.Uint32(op[:]))

		switch opcode {
		case OpServerInfo:
			if err := c.readServerInfo(r); err != nil {
				return err
			}
		case OpCASetDescr:
			body, err := readBody(r, recordLenCASetDescr-4)
			if err != nil {
				return err
			}
			descr, err := DecodeCASetDescr(body)
			if err != nil {
				return err
			}
			if c.onControlWord != nil {
				c.onControlWord(descr)
			}
		case OpDMXSetFilter:
			body, err := readBody(r, recordLenDMXSetFilter-4)
			if err != nil {
				return err
			}
			filter, err := DecodeDMXSetFilter(body)
			if err != nil {
				return err
			}
			if c.onFilterControl != nil {
				c.onFilterControl(true, filter, DMXStop{})
			}
		case OpDMXStop:
			body, err := readBody(r, recordLenDMXStop-4)
			if err != nil {
				return err
			}
			stop, err := DecodeDMXStop(body)
			if err != nil {
				return err
			}
			if c.onFilterControl != nil {
				c.onFilterControl(false, DMXFilter{}, stop)
			}
		case OpCASetPID:
			// Consumed for stream resync only; the core ignores it.
			if _, err := readBody(r, recordLenCASetPID-4); err != nil {
				return err
			}
		case OpECMInfo:
			info, err := c.readECMInfo(r)
			if err != nil {
				return err
			}
			c.log.DebugDvbapi("ecm info", "service_id", info.ServiceID, "caid", info.CAID,
				"card_system", info.CardSystem, "reader", info.ReaderName, "hops", info.Hops)
		default:
			return fmt.Errorf("dvbapi: unknown opcode 0x%08X, dropping connection", uint32(opcode))
		}
	}
}

func (c *Client) readServerInfo(r *bufio.Reader) error {
	var hdr [3]byte // protocol version u16 + name length
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	name := make([]byte, hdr[2])
	if _, err := io.ReadFull(r, name); err != nil {
		return err
	}
	version := binary.BigEndian.Uint16(hdr[0:2])
	c.log.Info("dvbapi server info", "version", version, "name", string(name))
	return nil
}

func (c *Client) readECMInfo(r *bufio.Reader) (ECMInfo, error) {
	body, err := readBody(r, ecmInfoFixedLen-4)
	if err != nil {
		return ECMInfo{}, err
	}
	info, err := decodeECMInfoFixed(body)
	if err != nil {
		return ECMInfo{}, err
	}
	for _, dst := range []*string{&info.CardSystem, &info.ReaderName, &info.SourceName, &info.ProtocolName} {
		s, err := readLengthPrefixedString(r)
		if err != nil {
			return ECMInfo{}, err
		}
		*dst = s
	}
	hops, err := r.ReadByte()
	if err != nil {
		return ECMInfo{}, err
	}
	info.Hops = hops
	return info, nil
}

func readBody(r *bufio.Reader, n int) ([]byte, error) {
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readLengthPrefixedString(r *bufio.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// SendCAPMT sends an AOT_CA_PMT message for the given program/demux,
// carrying the PMT's raw CA descriptor bytes as program info.
func (c *Client) SendCAPMT(mode ListManagementMode, programNumber uint16, demuxIndex byte, programInfo []byte) error {
	return c.writeMessage(EncodeCAPMT(mode, programNumber, demuxIndex, programInfo))
}

// SendCAStop sends an AOT_CA_STOP message for one demux index.
func (c *Client) SendCAStop(demuxIndex byte) error {
	return c.writeMessage(EncodeCAStop(demuxIndex))
}

// SendFilterData forwards one matched section to the provider for a
// demux/filter the provider previously armed with DMX_SET_FILTER.
func (c *Client) SendFilterData(demuxIndex, filterNum byte, section []byte) error {
	return c.writeMessage(EncodeFilterData(demuxIndex, filterNum, section))
}

func (c *Client) writeMessage(msg []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("dvbapi: not connected")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := conn.Write(msg)
	return err
}
