package satip_test

import (
	"testing"

	"github.com/satpi/satpi-go/pkg/dvb"
	"github.com/satpi/satpi-go/pkg/satip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryDVBS2(t *testing.T) {
	fe, err := satip.ParseQuery("msys=dvbs2&freq=11060.000&pol=v&sr=27500&fec=23&mtype=8psk&ro=0.35&pids=0,16,17,18")
	require.NoError(t, err)

	assert.Equal(t, dvb.SystemDVBS2, fe.System)
	assert.Equal(t, uint32(11060000), fe.FrequencyKHz)
	assert.Equal(t, dvb.PolVertical, fe.Polarization)
	assert.Equal(t, uint32(27500), fe.SymbolRateKS)
	assert.Equal(t, "23", fe.FEC)
	assert.Equal(t, "8psk", fe.Modulation)
	assert.Equal(t, []int{0, 16, 17, 18}, fe.Pids)
}

func TestParseQueryMissingMsys(t *testing.T) {
	_, err := satip.ParseQuery("freq=11060.000")
	assert.Error(t, err)
}

func TestParseQueryAddDelPids(t *testing.T) {
	fe, err := satip.ParseQuery("msys=dvbt&freq=498&addpids=100,200&delpids=50")
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200}, fe.AddPids)
	assert.Equal(t, []int{50}, fe.DelPids)
}

func TestBuildQueryRoundTrip(t *testing.T) {
	fe := dvb.FrontendData{
		System: dvb.SystemDVBS, FrequencyKHz: 11060000, Polarization: dvb.PolHorizontal,
		SymbolRateKS: 27500, FEC: "56", AllPIDs: true,
	}
	q := satip.BuildQuery(fe)
	parsed, err := satip.ParseQuery(q)
	require.NoError(t, err)
	assert.Equal(t, fe.System, parsed.System)
	assert.Equal(t, fe.FrequencyKHz, parsed.FrequencyKHz)
	assert.True(t, parsed.AllPIDs)
}
