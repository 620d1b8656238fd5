package dvb

import (
	"fmt"
	"strconv"
	"strings"
)

// DeliverySystemType names the msys value a FrontendData targets.
type DeliverySystemType string

const (
	SystemDVBS  DeliverySystemType = "dvbs"
	SystemDVBS2 DeliverySystemType = "dvbs2"
	SystemDVBT  DeliverySystemType = "dvbt"
	SystemDVBT2 DeliverySystemType = "dvbt2"
	SystemDVBC  DeliverySystemType = "dvbc"

	// Virtual sources: a TS file played back from disk, or a raw TS feed
	// received over UDP. Neither touches frontend hardware.
	SystemFile     DeliverySystemType = "file"
	SystemStreamer DeliverySystemType = "streamer"
)

// Polarization is the LNB polarity for satellite delivery systems.
type Polarization byte

const (
	PolHorizontal Polarization = 'h'
	PolVertical   Polarization = 'v'
	PolCircularL  Polarization = 'l'
	PolCircularR  Polarization = 'r'
)

// RollOff is the DVB-S2 roll-off factor.
type RollOff string

const (
	RollOff35  RollOff = "0.35"
	RollOff25  RollOff = "0.25"
	RollOff20  RollOff = "0.20"
	RollOffUnk RollOff = ""
)

// FrontendData is the decoded set of SAT>IP tuning parameters from a
// SETUP/PLAY request URI. Zero values mean "not
// specified" unless documented otherwise.
type FrontendData struct {
	System       DeliverySystemType
	FrequencyKHz uint32 // freq query param is MHz*1000; see ParseFrequencyMHz
	Polarization Polarization
	SymbolRateKS uint32 // sr in kilosymbols/sec
	FEC          string // fec query param, e.g. "12", "34", "56", "auto"
	Modulation   string // mtype: qpsk, 8psk, 16qam, 64qam, ...
	RollOff      RollOff
	Pilot        string // plts: on, off, auto
	SatPosition  int    // pos query param; the DiSEqC switch uses its low two bits as the source index (0-3)
	Bandwidth    uint32 // bw in MHz, for DVB-T/T2/C
	PlpID        int    // DVB-T2 physical layer pipe id, -1 = unset
	SourceURI    string // uri query param for msys=file (path) / msys=streamer (udp addr)

	// PID selection: AllPIDs means "pass everything"; a nil Pids with
	// AllPIDs false means no pids= was given, so only AddPids/DelPids
	// apply; a non-nil empty Pids (pids=none) clears the selection.
	AllPIDs bool
	Pids    []int
	AddPids []int
	DelPids []int
}

// ParseFrequencyMHz converts the SAT>IP freq query value (decimal MHz,
// e.g. "11060.000") to whole kHz.
func ParseFrequencyMHz(freqMHz string) (uint32, error) {
	mhz, err := strconv.ParseFloat(freqMHz, 64)
	if err != nil {
		return 0, fmt.Errorf("dvb: invalid freq %q: %w", freqMHz, err)
	}
	return uint32(mhz * 1000), nil
}

// ParsePolarization decodes the pol query value.
func ParsePolarization(pol string) (Polarization, error) {
	if len(pol) != 1 {
		return 0, fmt.Errorf("dvb: invalid pol %q", pol)
	}
	switch b := Polarization(strings.ToLower(pol)[0]); b {
	case PolHorizontal, PolVertical, PolCircularL, PolCircularR:
		return b, nil
	default:
		return 0, fmt.Errorf("dvb: invalid pol %q", pol)
	}
}

// ParsePids decodes a comma-separated pids/addpids/delpids query value.
// "all" (only legal for the pids param) is reported via allPIDs=true;
// "none" yields a non-nil empty list, which callers treat as "clear the
// whole selection" rather than "nothing specified". Numeric 8192 is the
// full-TS pseudo-index and is accepted alongside the real PID range.
func ParsePids(value string) (pids []int, allPIDs bool, err error) {
	if value == "all" {
		return nil, true, nil
	}
	if value == "none" {
		return []int{}, false, nil
	}
	if value == "" {
		return nil, false, nil
	}
	for _, tok := range strings.Split(value, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, convErr := strconv.Atoi(tok)
		if convErr != nil || n < 0 || n > 8192 {
			return nil, false, fmt.Errorf("dvb: invalid pid %q", tok)
		}
		pids = append(pids, n)
	}
	return pids, false, nil
}

// SameTransponder reports whether two parameter sets describe the same
// tuned signal, so PLAY can skip retuning when only the PID selection
// changed.
func (d FrontendData) SameTransponder(other FrontendData) bool {
	return d.System == other.System &&
		d.FrequencyKHz == other.FrequencyKHz &&
		d.Polarization == other.Polarization &&
		d.SymbolRateKS == other.SymbolRateKS &&
		d.FEC == other.FEC &&
		d.Modulation == other.Modulation &&
		d.RollOff == other.RollOff &&
		d.Pilot == other.Pilot &&
		d.SatPosition == other.SatPosition &&
		d.Bandwidth == other.Bandwidth &&
		d.PlpID == other.PlpID &&
		d.SourceURI == other.SourceURI
}
