package satip

import (
	"fmt"

	"github.com/satpi/satpi-go/pkg/dvb"
)

// DescribeStream holds the per-stream facts DESCRIBE needs to render an
// SDP m= line and fmtp attribute.
type DescribeStream struct {
	StreamID int
	Tuned    bool
	Params   dvb.FrontendData
}

// BuildSDP renders the session description for a set of active (or
// idle) streams, one m=application line per stream slot, matching the
// SAT>IP convention of advertising fmtp only for tuned streams.
func BuildSDP(serverAddr string, streams []DescribeStream) string {
	sdp := "v=0\r\n"
	sdp += fmt.Sprintf("o=- 0 0 IN IP4 %s\r\n", serverAddr)
	sdp += "s=SatIPServer:1\r\n"
	sdp += "t=0 0\r\n"

	for _, s := range streams {
		sdp += fmt.Sprintf("m=application %d RTP/AVP 33\r\n", 0)
		sdp += fmt.Sprintf("c=IN IP4 %s\r\n", serverAddr)
		if s.Tuned {
			sdp += fmt.Sprintf("a=fmtp:33 %s\r\n", BuildQuery(s.Params))
		}
		sdp += fmt.Sprintf("a=control:stream=%d\r\n", s.StreamID)
	}

	return sdp
}
