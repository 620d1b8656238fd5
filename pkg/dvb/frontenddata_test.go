package dvb_test

import (
	"testing"

	"github.com/satpi/satpi-go/pkg/dvb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrequencyMHz(t *testing.T) {
	kHz, err := dvb.ParseFrequencyMHz("11060.000")
	require.NoError(t, err)
	assert.Equal(t, uint32(11060000), kHz)
}

func TestParsePolarization(t *testing.T) {
	p, err := dvb.ParsePolarization("V")
	require.NoError(t, err)
	assert.Equal(t, dvb.PolVertical, p)

	_, err = dvb.ParsePolarization("x")
	assert.Error(t, err)
}

func TestParsePidsAll(t *testing.T) {
	pids, all, err := dvb.ParsePids("all")
	require.NoError(t, err)
	assert.True(t, all)
	assert.Nil(t, pids)
}

func TestParsePidsList(t *testing.T) {
	pids, all, err := dvb.ParsePids("100,256,8191")
	require.NoError(t, err)
	assert.False(t, all)
	assert.Equal(t, []int{100, 256, 8191}, pids)
}

func TestParsePidsAcceptsAllPidsIndex(t *testing.T) {
	pids, all, err := dvb.ParsePids("8192")
	require.NoError(t, err)
	assert.False(t, all)
	assert.Equal(t, []int{8192}, pids)
}

func TestParsePidsRejectsOutOfRange(t *testing.T) {
	_, _, err := dvb.ParsePids("8193")
	assert.Error(t, err)
}
