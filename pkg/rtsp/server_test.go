package rtsp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/satpi/satpi-go/pkg/config"
	"github.com/satpi/satpi-go/pkg/dvb"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/session"
	"github.com/satpi/satpi-go/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransportUDP(t *testing.T) {
	tr, err := parseTransport("RTP/AVP;unicast;client_port=45678-45679")
	require.NoError(t, err)
	assert.False(t, tr.TCP)
	assert.Equal(t, 45678, tr.ClientRTPPort)
	assert.Equal(t, 45679, tr.ClientRTCPPort)
}

func TestParseTransportTCPInterleaved(t *testing.T) {
	tr, err := parseTransport("RTP/AVP/TCP;unicast;interleaved=0-1")
	require.NoError(t, err)
	assert.True(t, tr.TCP)
	assert.Equal(t, byte(0), tr.DataChannel)
	assert.Equal(t, byte(1), tr.ControlChannel)
}

func TestParseTransportErrors(t *testing.T) {
	cases := []string{
		"",
		"RTP/SAVP;unicast;client_port=1000-1001",
		"RTP/AVP;unicast",     // no client_port
		"RTP/AVP/TCP;unicast", // no interleaved channels
		"RTP/AVP;unicast;client_port=abc-def",
		"RTP/AVP;unicast;client_port=70000-70001", // out of range
		"RTP/AVP/TCP;unicast;interleaved=300-301", // channel > 255
	}
	for _, c := range cases {
		_, err := parseTransport(c)
		assert.Error(t, err, "transport %q should be rejected", c)
	}
}

func TestFormatResponseEchoesCSeq(t *testing.T) {
	out := string(formatResponse(200, "7", [][2]string{{"Session", "123;timeout=60"}}, nil))
	assert.True(t, strings.HasPrefix(out, "RTSP/1.0 200 OK\r\n"))
	assert.Contains(t, out, "CSeq: 7\r\n")
	assert.Contains(t, out, "Session: 123;timeout=60\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
}

func TestReadRequestParsesSessionAndQuery(t *testing.T) {
	raw := "SETUP rtsp://10.0.0.1:554/?msys=dvbs&freq=11720&pol=v RTSP/1.0\r\n" +
		"CSeq: 3\r\n" +
		"Session: 000111222333;timeout=60\r\n" +
		"Transport: RTP/AVP;unicast;client_port=45678-45679\r\n" +
		"\r\n"
	req, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "SETUP", req.Method)
	assert.Equal(t, "3", req.CSeq)
	assert.Equal(t, "000111222333", req.Session)
	assert.Equal(t, "msys=dvbs&freq=11720&pol=v", req.URL.RawQuery)
}

// testConn dials a throwaway server whose accepted connection is driven
// by handleConn, and returns the client side.
func testConn(t *testing.T, streamCount int) (net.Conn, *bufio.Reader) {
	t.Helper()
	log := logger.Default()

	streams := make([]*stream.Stream, 0, streamCount)
	for i := 0; i < streamCount; i++ {
		streams = append(streams, stream.New(i, dvb.NewFrontend(-1, nil, log), uint32(i+1), log))
	}
	manager := session.New(streams, log)
	srv := NewServer(config.Default(), manager, nil, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.handleConn(ctx, conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, bufio.NewReader(conn)
}

// readTestResponse consumes one RTSP response off the wire.
func readTestResponse(t *testing.T, r *bufio.Reader) (int, map[string]string) {
	t.Helper()
	statusLine, err := r.ReadString('\n')
	require.NoError(t, err)
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	require.GreaterOrEqual(t, len(parts), 2, "status line %q", statusLine)
	status, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	headers := make(map[string]string)
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			headers[key] = strings.TrimSpace(line[idx+1:])
			if strings.EqualFold(key, "Content-Length") {
				contentLength, _ = strconv.Atoi(headers[key])
			}
		}
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		_, err := r.Read(body)
		require.NoError(t, err)
	}
	return status, headers
}

func TestOptions(t *testing.T) {
	conn, r := testConn(t, 1)
	fmt.Fprintf(conn, "OPTIONS * RTSP/1.0\r\nCSeq: 1\r\n\r\n")
	status, headers := readTestResponse(t, r)
	assert.Equal(t, 200, status)
	assert.Contains(t, headers["Public"], "SETUP")
	assert.Contains(t, headers["Public"], "PLAY")
}

func TestUnknownSessionReturns454(t *testing.T) {
	conn, r := testConn(t, 1)
	fmt.Fprintf(conn, "TEARDOWN rtsp://127.0.0.1/ RTSP/1.0\r\nCSeq: 2\r\nSession: 999999999999\r\n\r\n")
	status, _ := readTestResponse(t, r)
	assert.Equal(t, 454, status)
}

func TestSetupBadTransportReturns400(t *testing.T) {
	conn, r := testConn(t, 1)
	fmt.Fprintf(conn, "SETUP rtsp://127.0.0.1/?msys=dvbs&freq=11720 RTSP/1.0\r\n"+
		"CSeq: 3\r\nTransport: RTP/SAVP;unicast\r\n\r\n")
	status, _ := readTestResponse(t, r)
	assert.Equal(t, 400, status)
}

func TestSetupAllocatesSessionAndServerPorts(t *testing.T) {
	conn, r := testConn(t, 1)
	fmt.Fprintf(conn, "SETUP rtsp://127.0.0.1:554/?msys=file&uri=/tmp/feed.ts&pids=0,17,100 RTSP/1.0\r\n"+
		"CSeq: 4\r\nTransport: RTP/AVP;unicast;client_port=45678-45679\r\n\r\n")
	status, headers := readTestResponse(t, r)
	require.Equal(t, 200, status)

	sessionValue := headers["Session"]
	require.NotEmpty(t, sessionValue)
	assert.Contains(t, sessionValue, ";timeout=60")
	sessionID := strings.SplitN(sessionValue, ";", 2)[0]
	assert.Len(t, sessionID, 12)

	assert.Contains(t, headers["Transport"], "client_port=45678-45679")
	assert.Contains(t, headers["Transport"], "server_port=")

	// TEARDOWN with the issued session succeeds; a replay is then unknown.
	fmt.Fprintf(conn, "TEARDOWN rtsp://127.0.0.1/ RTSP/1.0\r\nCSeq: 5\r\nSession: %s\r\n\r\n", sessionID)
	status, _ = readTestResponse(t, r)
	assert.Equal(t, 200, status)

	fmt.Fprintf(conn, "PLAY rtsp://127.0.0.1/ RTSP/1.0\r\nCSeq: 6\r\nSession: %s\r\n\r\n", sessionID)
	status, _ = readTestResponse(t, r)
	assert.Equal(t, 454, status)
}

func TestDescribeReturnsSDP(t *testing.T) {
	conn, r := testConn(t, 2)
	fmt.Fprintf(conn, "DESCRIBE rtsp://127.0.0.1/ RTSP/1.0\r\nCSeq: 8\r\nAccept: application/sdp\r\n\r\n")
	status, headers := readTestResponse(t, r)
	assert.Equal(t, 200, status)
	assert.Equal(t, "application/sdp", headers["Content-Type"])
}
