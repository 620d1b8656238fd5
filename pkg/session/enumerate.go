package session

import (
	"crypto/rand"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/satpi/satpi-go/pkg/dvb"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/stream"
)

var adapterDirPattern = regexp.MustCompile(`^adapter(\d+)$`)

// EnumerateDevices scans dvbPath for adapterN device directories and
// builds one Stream per adapter found, each owning its own Frontend
// bound to a real /dev/dvb/adapterN/frontend0 device. Stream ids are
// assigned densely in ascending adapter-index order.
func EnumerateDevices(dvbPath string, log *logger.Logger) ([]*stream.Stream, error) {
	entries, err := os.ReadDir(dvbPath)
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", dvbPath, err)
	}

	var adapterIndexes []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := adapterDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		adapterIndexes = append(adapterIndexes, idx)
	}
	sort.Ints(adapterIndexes)

	streams := make([]*stream.Stream, 0, len(adapterIndexes))
	for _, adapterIdx := range adapterIndexes {
		hw, err := dvb.OpenLinuxFrontend(adapterIdx, 0)
		if err != nil {
			log.Warn("frontend unavailable, skipping adapter", "adapter", adapterIdx, "error", err)
			continue
		}
		fe := dvb.NewFrontend(adapterIdx, hw, log)
		ssrc, err := randomSSRC()
		if err != nil {
			return nil, err
		}
		// len(streams) keeps stream ids dense even when an adapter in the
		// middle of the range failed to open.
		streams = append(streams, stream.New(len(streams), fe, ssrc, log))
	}

	return streams, nil
}

// AppendVirtualStreams pads the stream set up to total slots with
// hardware-less frontends, so msys=file/streamer sessions can be served
// on a box with fewer DVB adapters than configured stream slots.
func AppendVirtualStreams(streams []*stream.Stream, total int, log *logger.Logger) ([]*stream.Stream, error) {
	for id := len(streams); id < total; id++ {
		ssrc, err := randomSSRC()
		if err != nil {
			return streams, err
		}
		fe := dvb.NewFrontend(-1, nil, log)
		streams = append(streams, stream.New(id, fe, ssrc, log))
	}
	return streams, nil
}

func randomSSRC() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("session: generate ssrc: %w", err)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
