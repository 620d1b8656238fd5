package dvb_test

import (
	"context"
	"testing"
	"time"

	"github.com/satpi/satpi-go/pkg/dvb"
	"github.com/satpi/satpi-go/pkg/dvb/delivery"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHW struct {
	locked      bool
	lockAfter   int
	reads       int
	drains      int
	props       []dvb.Property
	diseqcMsgs  [][]byte
	voltageSeen []dvb.Voltage
}

func (f *fakeHW) SetProperties(ctx context.Context, props []dvb.Property) error {
	f.props = props
	return nil
}

func (f *fakeHW) ReadStatus(ctx context.Context) (dvb.Status, error) {
	f.reads++
	if f.reads >= f.lockAfter {
		f.locked = true
	}
	return dvb.Status{HasLock: f.locked}, nil
}

func (f *fakeHW) DrainEvents(ctx context.Context) error {
	f.drains++
	return nil
}

func (f *fakeHW) SetVoltageTone(ctx context.Context, voltage dvb.Voltage, tone bool) error {
	f.voltageSeen = append(f.voltageSeen, voltage)
	return nil
}

func (f *fakeHW) SendDiSEqcMessage(ctx context.Context, msg []byte) error {
	f.diseqcMsgs = append(f.diseqcMsgs, msg)
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Options{})
	require.NoError(t, err)
	return log
}

func TestFrontendTuneLifecycle(t *testing.T) {
	hw := &fakeHW{lockAfter: 2}
	fe := dvb.NewFrontend(0, hw, testLogger(t))
	require.NoError(t, fe.Open())
	assert.Equal(t, dvb.StateOpen, fe.State())

	params := dvb.FrontendData{
		System:       dvb.SystemDVBS2,
		FrequencyKHz: 11060000,
		Polarization: dvb.PolVertical,
		SymbolRateKS: 27500,
		FEC:          "23",
		Modulation:   "8psk",
	}

	err := fe.Tune(context.Background(), &delivery.DVBS{}, params)
	require.NoError(t, err)
	assert.Equal(t, dvb.StateTuned, fe.State())
	assert.Equal(t, 1, hw.drains, "pending events must be drained before the tune sequence")

	fe.MarkStreaming()
	assert.Equal(t, dvb.StateStreaming, fe.State())

	fe.Close()
	assert.Equal(t, dvb.StateClosed, fe.State())
}

func TestFrontendTuneTimesOutWithoutLock(t *testing.T) {
	hw := &fakeHW{lockAfter: 1 << 30} // never locks
	fe := dvb.NewFrontend(0, hw, testLogger(t))
	require.NoError(t, fe.Open())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	params := dvb.FrontendData{System: dvb.SystemDVBT, FrequencyKHz: 498000, Bandwidth: 8}
	err := fe.Tune(ctx, &delivery.DVBT{}, params)
	assert.Error(t, err)
	assert.Equal(t, dvb.StateOpen, fe.State())
}

func TestFrontendRetuneGoesThroughRetuningAndResetsPids(t *testing.T) {
	hw := &fakeHW{lockAfter: 1}
	fe := dvb.NewFrontend(0, hw, testLogger(t))
	require.NoError(t, fe.Open())
	fe.Pids().AddPID(100)

	params := dvb.FrontendData{System: dvb.SystemDVBT, FrequencyKHz: 498000, Bandwidth: 8}
	require.NoError(t, fe.Tune(context.Background(), &delivery.DVBT{}, params))
	require.NoError(t, fe.Tune(context.Background(), &delivery.DVBT{}, params))

	assert.False(t, fe.Pids().IsUsed(100), "retune should reset the PID table")
}

func TestUnicableTuneParksOnSlotFrequency(t *testing.T) {
	hw := &fakeHW{lockAfter: 1}
	uni := &dvb.EN50494{Lnb: dvb.UniversalLnb(), UserBand: 0, SlotFreqs: []uint32{1210000}}

	params := dvb.FrontendData{
		System: dvb.SystemDVBS, FrequencyKHz: 11720000, Polarization: dvb.PolVertical,
		SymbolRateKS: 27500, FEC: "34",
	}

	ifFreq, err := uni.SetupSwitch(context.Background(), hw, params)
	require.NoError(t, err)
	assert.Equal(t, uint32(1210000), ifFreq, "switch setup must rewrite to the user-band slot frequency")
	assert.Contains(t, hw.voltageSeen, dvb.Voltage18V, "single-cable commands ride on 18V")

	sw := &delivery.DVBS{DiSEqc: uni}
	require.NoError(t, sw.Tune(context.Background(), hw, params))
	var tunedFreq uint32
	for _, p := range hw.props {
		if p.Cmd == 3 { // DTV_FREQUENCY
			tunedFreq = p.Value
		}
	}
	assert.Equal(t, uint32(1210000), tunedFreq, "tuner frequency must be the slot frequency, not the universal-LNB IF")
}

func TestDVBSTuneDrivesDiseqcAndProperties(t *testing.T) {
	hw := &fakeHW{lockAfter: 1}
	sw := &delivery.DVBS{DiSEqc: &dvb.Switch{Lnb: dvb.UniversalLnb()}}

	params := dvb.FrontendData{
		System: dvb.SystemDVBS, FrequencyKHz: 11060000, Polarization: dvb.PolVertical,
		SymbolRateKS: 27500, FEC: "34",
	}
	require.NoError(t, sw.Tune(context.Background(), hw, params))

	require.Len(t, hw.diseqcMsgs, 1)
	assert.Equal(t, byte(0xE0), hw.diseqcMsgs[0][0])
	require.NotEmpty(t, hw.props)
	assert.Contains(t, hw.voltageSeen, dvb.Voltage13V)
}
