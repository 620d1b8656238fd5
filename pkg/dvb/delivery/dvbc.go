package delivery

import (
	"context"
	"fmt"

	"github.com/satpi/satpi-go/pkg/dvb"
)

const sysDVBC = 1 // SYS_DVBC_ANNEX_A

var qamModulationTable = map[string]uint32{
	"16qam": 1, "32qam": 2, "64qam": 3, "128qam": 4, "256qam": 5, "auto": 6,
}

// DVBC implements dvb.DeliverySystem for DVB-C (cable, QAM modulation).
type DVBC struct{}

func (d *DVBC) Name() string { return "DVB-C" }

func (d *DVBC) Tune(ctx context.Context, hw dvb.HardwareControl, params dvb.FrontendData) error {
	mod, ok := qamModulationTable[params.Modulation]
	if !ok {
		mod = qamModulationTable["auto"]
	}

	props := []dvb.Property{
		{Cmd: dtvClear},
		{Cmd: dtvDeliverySystem, Value: sysDVBC},
		{Cmd: dtvFrequency, Value: params.FrequencyKHz * 1000},
		{Cmd: dtvSymbolRate, Value: params.SymbolRateKS * 1000},
		{Cmd: dtvModulation, Value: mod},
		{Cmd: dtvInversion, Value: inversionAuto},
		{Cmd: dtvTune},
	}

	if err := hw.SetProperties(ctx, props); err != nil {
		return fmt.Errorf("delivery: dvbc set properties: %w", err)
	}
	return nil
}
