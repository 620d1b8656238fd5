// Package rtsp implements the gateway's RTSP protocol front: a
// per-connection request parser and response formatter over TCP, and
// the SETUP/PLAY/TEARDOWN handlers that drive stream and tuner state.
// Parsing is a hand-rolled header loop in the same style as the rest of
// the gateway's wire code, not a generic RTSP library.
package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/satpi/satpi-go/pkg/satperr"
)

// Request is one parsed RTSP request.
type Request struct {
	Method  string
	URL     *url.URL
	Header  map[string]string
	CSeq    string
	Session string // session id with any ;timeout= suffix stripped
	Body    []byte
}

// readRequest parses a single RTSP request off the wire. The caller has
// already consumed nothing; interleaved '$' frames are handled before
// this is invoked.
func readRequest(r *bufio.Reader) (*Request, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "RTSP/") {
		return nil, satperr.New(satperr.ClassProtocol, "request_line",
			fmt.Errorf("malformed request line %q", strings.TrimSpace(line)))
	}

	req := &Request{
		Method: parts[0],
		Header: make(map[string]string),
	}

	// The SAT>IP Request-URI form is rtsp://host:port/?msys=... — the
	// query string carries the tuning parameters.
	u, err := url.Parse(parts[1])
	if err != nil {
		return nil, satperr.New(satperr.ClassProtocol, "request_uri", err)
	}
	req.URL = u

	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		req.Header[key] = value

		switch strings.ToLower(key) {
		case "cseq":
			req.CSeq = value
		case "session":
			if semi := strings.IndexByte(value, ';'); semi > 0 {
				value = value[:semi]
			}
			req.Session = value
		case "content-length":
			contentLength, _ = strconv.Atoi(value)
		}
	}

	if contentLength > 0 {
		req.Body = make([]byte, contentLength)
		if _, err := io.ReadFull(r, req.Body); err != nil {
			return nil, err
		}
	}

	return req, nil
}

// Transport is a parsed RTSP Transport header, either of the two forms
// SETUP accepts: RTP/AVP;unicast;client_port=a-b or
// RTP/AVP/TCP;unicast;interleaved=c-d.
type Transport struct {
	TCP bool

	// UDP form
	ClientRTPPort  int
	ClientRTCPPort int

	// TCP interleaved form
	DataChannel    byte
	ControlChannel byte
}

// parseTransport decodes a Transport header value.
func parseTransport(value string) (Transport, error) {
	var t Transport
	if value == "" {
		return t, satperr.New(satperr.ClassProtocol, "transport", fmt.Errorf("missing Transport header"))
	}

	fields := strings.Split(value, ";")
	proto := strings.TrimSpace(fields[0])
	switch proto {
	case "RTP/AVP", "RTP/AVP/UDP":
		t.TCP = false
	case "RTP/AVP/TCP":
		t.TCP = true
	default:
		return t, satperr.New(satperr.ClassProtocol, "transport",
			fmt.Errorf("unsupported transport %q", proto))
	}

	var seenClientPort, seenInterleaved bool
	for _, f := range fields[1:] {
		f = strings.TrimSpace(f)
		switch {
		case f == "unicast":
			// only mode supported; accepted silently
		case strings.HasPrefix(f, "client_port="):
			lo, hi, err := parsePortPair(strings.TrimPrefix(f, "client_port="))
			if err != nil {
				return t, err
			}
			t.ClientRTPPort, t.ClientRTCPPort = lo, hi
			seenClientPort = true
		case strings.HasPrefix(f, "interleaved="):
			lo, hi, err := parsePortPair(strings.TrimPrefix(f, "interleaved="))
			if err != nil {
				return t, err
			}
			if lo > 255 || hi > 255 {
				return t, satperr.New(satperr.ClassProtocol, "transport",
					fmt.Errorf("interleaved channel out of range: %d-%d", lo, hi))
			}
			t.DataChannel, t.ControlChannel = byte(lo), byte(hi)
			seenInterleaved = true
		}
	}

	if t.TCP && !seenInterleaved {
		return t, satperr.New(satperr.ClassProtocol, "transport",
			fmt.Errorf("interleaved channels missing from %q", value))
	}
	if !t.TCP && !seenClientPort {
		return t, satperr.New(satperr.ClassProtocol, "transport",
			fmt.Errorf("client_port missing from %q", value))
	}

	return t, nil
}

func parsePortPair(s string) (int, int, error) {
	dash := strings.IndexByte(s, '-')
	if dash <= 0 {
		return 0, 0, satperr.New(satperr.ClassProtocol, "transport",
			fmt.Errorf("malformed port pair %q", s))
	}
	lo, err := strconv.Atoi(s[:dash])
	if err != nil {
		return 0, 0, satperr.New(satperr.ClassProtocol, "transport", err)
	}
	hi, err := strconv.Atoi(s[dash+1:])
	if err != nil {
		return 0, 0, satperr.New(satperr.ClassProtocol, "transport", err)
	}
	if lo < 0 || hi < 0 || lo > 65535 || hi > 65535 {
		return 0, 0, satperr.New(satperr.ClassProtocol, "transport",
			fmt.Errorf("port pair out of range %q", s))
	}
	return lo, hi, nil
}

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	454: "Session Not Found",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}

// formatResponse renders an RTSP response. Headers preserve insertion
// order; CSeq is always echoed first when present.
func formatResponse(status int, cseq string, headers [][2]string, body []byte) []byte {
	text, ok := statusText[status]
	if !ok {
		text = "Unknown"
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "RTSP/1.0 %d %s\r\n", status, text)
	if cseq != "" {
		fmt.Fprintf(&buf, "CSeq: %s\r\n", cseq)
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}
	if len(body) > 0 {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	}
	buf.WriteString("\r\n")

	out := append([]byte(buf.String()), body...)
	return out
}
