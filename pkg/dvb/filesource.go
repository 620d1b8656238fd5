package dvb

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// FileSource plays a transport-stream file back as if it were a tuner,
// for the msys=file virtual delivery system. Reads loop back to the
// start of the file at EOF so a short capture streams indefinitely.
type FileSource struct {
	f *os.File
}

// OpenFileSource opens a TS file for looped playback.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dvb: open ts file: %w", err)
	}
	return &FileSource{f: f}, nil
}

// ReadTimeout reads up to len(buf) bytes, rewinding on EOF. The timeout
// parameter exists for interface symmetry with device-backed sources; a
// regular file never blocks.
func (s *FileSource) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	n, err := s.f.Read(buf)
	if err == io.EOF {
		if _, err := s.f.Seek(0, io.SeekStart); err != nil {
			return 0, fmt.Errorf("dvb: rewind ts file: %w", err)
		}
		return s.f.Read(buf)
	}
	return n, err
}

func (s *FileSource) Close() error { return s.f.Close() }

// StreamerSource receives a raw transport stream over UDP, for the
// msys=streamer virtual delivery system (a remote encoder or another
// gateway multicasting TS).
type StreamerSource struct {
	conn *net.UDPConn
}

// OpenStreamerSource binds a UDP listener on addr ("ip:port"; a
// multicast group address joins that group).
func OpenStreamerSource(addr string) (*StreamerSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dvb: resolve streamer addr %s: %w", addr, err)
	}
	var conn *net.UDPConn
	if udpAddr.IP != nil && udpAddr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, udpAddr)
	} else {
		conn, err = net.ListenUDP("udp", udpAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("dvb: listen streamer %s: %w", addr, err)
	}
	return &StreamerSource{conn: conn}, nil
}

// ReadTimeout reads one datagram's worth of TS bytes, returning 0 and
// nil on an idle timeout so the caller's poll loop keeps its cadence.
func (s *StreamerSource) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

func (s *StreamerSource) Close() error { return s.conn.Close() }
