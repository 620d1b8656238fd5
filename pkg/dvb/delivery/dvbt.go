package delivery

import (
	"context"
	"fmt"

	"github.com/satpi/satpi-go/pkg/dvb"
)

const (
	sysDVBT  = 3
	sysDVBT2 = 16

	dtvBandwidthHz = 5
	dtvStreamID    = 42 // T2 PLP id
)

// DVBT implements dvb.DeliverySystem for DVB-T and DVB-T2. Terrestrial
// tuning has no LNB/DiSEqC stage; frequency is already the RF frequency.
type DVBT struct{}

func (d *DVBT) Name() string { return "DVB-T/T2" }

func (d *DVBT) Tune(ctx context.Context, hw dvb.HardwareControl, params dvb.FrontendData) error {
	sys := uint32(sysDVBT)
	if params.System == dvb.SystemDVBT2 {
		sys = sysDVBT2
	}

	props := []dvb.Property{
		{Cmd: dtvClear},
		{Cmd: dtvDeliverySystem, Value: sys},
		{Cmd: dtvFrequency, Value: params.FrequencyKHz * 1000},
		{Cmd: dtvBandwidthHz, Value: params.Bandwidth * 1000000},
		{Cmd: dtvInversion, Value: inversionAuto},
	}
	if params.System == dvb.SystemDVBT2 && params.PlpID >= 0 {
		props = append(props, dvb.Property{Cmd: dtvStreamID, Value: uint32(params.PlpID)})
	}
	props = append(props, dvb.Property{Cmd: dtvTune})

	if err := hw.SetProperties(ctx, props); err != nil {
		return fmt.Errorf("delivery: dvbt set properties: %w", err)
	}
	return nil
}
