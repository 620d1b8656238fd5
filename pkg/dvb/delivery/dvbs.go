// Package delivery implements the per-system tuning sequences that turn
// dvb.FrontendData into DTV_* property lists.
package delivery

import (
	"context"
	"fmt"

	"github.com/satpi/satpi-go/pkg/dvb"
)

// Linux DVB API v5 property command ids and enum values used by
// FE_SET_PROPERTY (linux/dvb/frontend.h). Named here rather than
// imported since this is a userspace-only module with no cgo ioctl
// binding in this environment; the values are the kernel's fixed ABI.
const (
	dtvTune           = 1
	dtvClear          = 2
	dtvFrequency      = 3
	dtvModulation     = 4
	dtvInversion      = 6
	dtvSymbolRate     = 8
	dtvInnerFEC       = 9
	dtvPilot          = 12
	dtvRollOff        = 13
	dtvDeliverySystem = 17

	inversionAuto = 2

	sysDVBS  = 5
	sysDVBS2 = 6
)

// fe_code_rate values keyed by the SAT>IP fec query form.
var fecTable = map[string]uint32{
	"12": 1, "23": 2, "34": 3, "45": 4, "56": 5, "67": 6, "78": 7,
	"89": 8, "35": 10, "910": 11, "25": 12, "auto": 9, "none": 0,
}

// fe_modulation values keyed by the SAT>IP mtype form.
var modulationTable = map[string]uint32{
	"qpsk": 0, "8psk": 9, "16apsk": 10, "32apsk": 11, "auto": 6,
}

// fe_rolloff values.
var rollOffTable = map[dvb.RollOff]uint32{
	dvb.RollOff35: 0, dvb.RollOff20: 1, dvb.RollOff25: 2, dvb.RollOffUnk: 3,
}

// fe_pilot values.
var pilotTable = map[string]uint32{"on": 0, "off": 1, "auto": 2}

// DVBS implements dvb.DeliverySystem for DVB-S and DVB-S2.
type DVBS struct {
	DiSEqc dvb.DiSEqc
}

func (d *DVBS) Name() string { return "DVB-S/S2" }

func (d *DVBS) Tune(ctx context.Context, hw dvb.HardwareControl, params dvb.FrontendData) error {
	// The switch setup rewrites the frequency to whatever the tuner must
	// actually be set to after down-conversion: the LNB IF for a plain
	// switch, the assigned user-band slot frequency for Unicable.
	var ifFreq uint32
	if d.DiSEqc != nil {
		var err error
		ifFreq, err = d.DiSEqc.SetupSwitch(ctx, hw, params)
		if err != nil {
			return fmt.Errorf("delivery: dvbs switch setup: %w", err)
		}
	} else {
		lnb := dvb.UniversalLnb()
		ifFreq, _ = lnb.IFFrequencyKHz(params.FrequencyKHz)
	}

	sys := uint32(sysDVBS)
	if params.System == dvb.SystemDVBS2 {
		sys = sysDVBS2
	}

	fec, ok := fecTable[params.FEC]
	if !ok {
		fec = fecTable["auto"]
	}
	mod, ok := modulationTable[params.Modulation]
	if !ok {
		mod = modulationTable["auto"]
	}

	props := []dvb.Property{
		{Cmd: dtvClear},
		{Cmd: dtvDeliverySystem, Value: sys},
		{Cmd: dtvFrequency, Value: ifFreq},
		{Cmd: dtvModulation, Value: mod},
		{Cmd: dtvSymbolRate, Value: params.SymbolRateKS * 1000},
		{Cmd: dtvInnerFEC, Value: fec},
		{Cmd: dtvInversion, Value: inversionAuto},
	}
	if params.System == dvb.SystemDVBS2 {
		props = append(props,
			dvb.Property{Cmd: dtvRollOff, Value: rollOffTable[params.RollOff]},
			dvb.Property{Cmd: dtvPilot, Value: pilotTable[params.Pilot]},
		)
	}
	props = append(props, dvb.Property{Cmd: dtvTune})

	if err := hw.SetProperties(ctx, props); err != nil {
		return fmt.Errorf("delivery: dvbs set properties: %w", err)
	}
	return nil
}
