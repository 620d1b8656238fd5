// Package satip parses and renders the SAT>IP query-parameter dialect
// carried in RTSP SETUP/PLAY request URIs and DESCRIBE fmtp attributes.
package satip

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/satpi/satpi-go/pkg/dvb"
)

// ParseQuery decodes the SAT>IP query parameters of a SETUP/PLAY
// Request-URI into a dvb.FrontendData. Unknown parameters are ignored;
// msys is required, everything else is optional.
func ParseQuery(rawQuery string) (dvb.FrontendData, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return dvb.FrontendData{}, fmt.Errorf("satip: parse query: %w", err)
	}

	msys := values.Get("msys")
	if msys == "" {
		return dvb.FrontendData{}, fmt.Errorf("satip: missing required msys parameter")
	}

	var fe dvb.FrontendData
	switch strings.ToLower(msys) {
	case "dvbs":
		fe.System = dvb.SystemDVBS
	case "dvbs2":
		fe.System = dvb.SystemDVBS2
	case "dvbt":
		fe.System = dvb.SystemDVBT
	case "dvbt2":
		fe.System = dvb.SystemDVBT2
	case "dvbc":
		fe.System = dvb.SystemDVBC
	case "file":
		fe.System = dvb.SystemFile
	case "streamer":
		fe.System = dvb.SystemStreamer
	default:
		return dvb.FrontendData{}, fmt.Errorf("satip: unsupported msys %q", msys)
	}

	if fe.System == dvb.SystemFile || fe.System == dvb.SystemStreamer {
		fe.SourceURI = values.Get("uri")
		if fe.SourceURI == "" {
			return dvb.FrontendData{}, fmt.Errorf("satip: msys=%s requires uri parameter", msys)
		}
	}

	if freq := values.Get("freq"); freq != "" {
		kHz, err := dvb.ParseFrequencyMHz(freq)
		if err != nil {
			return dvb.FrontendData{}, err
		}
		fe.FrequencyKHz = kHz
	}

	if pol := values.Get("pol"); pol != "" {
		p, err := dvb.ParsePolarization(pol)
		if err != nil {
			return dvb.FrontendData{}, err
		}
		fe.Polarization = p
	}

	if sr := values.Get("sr"); sr != "" {
		n, err := strconv.Atoi(sr)
		if err != nil {
			return dvb.FrontendData{}, fmt.Errorf("satip: invalid sr %q: %w", sr, err)
		}
		fe.SymbolRateKS = uint32(n)
	}

	fe.FEC = values.Get("fec")
	fe.Modulation = strings.ToLower(values.Get("mtype"))
	fe.Pilot = values.Get("plts")
	fe.RollOff = dvb.RollOff(values.Get("ro"))

	if pos := values.Get("pos"); pos != "" {
		n, err := strconv.Atoi(pos)
		if err != nil {
			return dvb.FrontendData{}, fmt.Errorf("satip: invalid pos %q: %w", pos, err)
		}
		fe.SatPosition = n
	}

	if bw := values.Get("bw"); bw != "" {
		n, err := strconv.Atoi(bw)
		if err != nil {
			return dvb.FrontendData{}, fmt.Errorf("satip: invalid bw %q: %w", bw, err)
		}
		fe.Bandwidth = uint32(n)
	}

	fe.PlpID = -1
	if plp := values.Get("plp"); plp != "" {
		n, err := strconv.Atoi(plp)
		if err != nil {
			return dvb.FrontendData{}, fmt.Errorf("satip: invalid plp %q: %w", plp, err)
		}
		fe.PlpID = n
	}

	if pids := values.Get("pids"); pids != "" {
		list, all, err := dvb.ParsePids(pids)
		if err != nil {
			return dvb.FrontendData{}, err
		}
		fe.Pids, fe.AllPIDs = list, all
	}
	if add := values.Get("addpids"); add != "" {
		list, _, err := dvb.ParsePids(add)
		if err != nil {
			return dvb.FrontendData{}, err
		}
		fe.AddPids = list
	}
	if del := values.Get("delpids"); del != "" {
		list, _, err := dvb.ParsePids(del)
		if err != nil {
			return dvb.FrontendData{}, err
		}
		fe.DelPids = list
	}

	return fe, nil
}

// BuildQuery renders a FrontendData back into the SAT>IP query string
// form, used for DESCRIBE fmtp lines and the RTCP APP describe string.
func BuildQuery(fe dvb.FrontendData) string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}

	switch fe.System {
	case dvb.SystemDVBS:
		add("msys", "dvbs")
	case dvb.SystemDVBS2:
		add("msys", "dvbs2")
	case dvb.SystemDVBT:
		add("msys", "dvbt")
	case dvb.SystemDVBT2:
		add("msys", "dvbt2")
	case dvb.SystemDVBC:
		add("msys", "dvbc")
	case dvb.SystemFile:
		add("msys", "file")
		add("uri", fe.SourceURI)
	case dvb.SystemStreamer:
		add("msys", "streamer")
		add("uri", fe.SourceURI)
	}

	if fe.FrequencyKHz > 0 {
		add("freq", strconv.FormatFloat(float64(fe.FrequencyKHz)/1000, 'f', 3, 64))
	}
	if fe.Polarization != 0 {
		add("pol", string(fe.Polarization))
	}
	if fe.SymbolRateKS > 0 {
		add("sr", strconv.Itoa(int(fe.SymbolRateKS)))
	}
	add("fec", fe.FEC)
	add("mtype", fe.Modulation)
	add("ro", string(fe.RollOff))
	add("plts", fe.Pilot)
	if fe.Bandwidth > 0 {
		add("bw", strconv.Itoa(int(fe.Bandwidth)))
	}
	if fe.PlpID >= 0 {
		add("plp", strconv.Itoa(fe.PlpID))
	}

	if fe.AllPIDs {
		add("pids", "all")
	} else if len(fe.Pids) > 0 {
		add("pids", joinInts(fe.Pids))
	}

	return strings.Join(parts, "&")
}

func joinInts(xs []int) string {
	strs := make([]string, len(xs))
	for i, x := range xs {
		strs[i] = strconv.Itoa(x)
	}
	return strings.Join(strs, ",")
}
