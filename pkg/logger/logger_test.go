package logger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubsystems(t *testing.T) {
	mask, err := logger.ParseSubsystems("rtsp, dvbapi")
	require.NoError(t, err)
	assert.Equal(t, logger.RTSP|logger.Dvbapi, mask)

	mask, err = logger.ParseSubsystems("all")
	require.NoError(t, err)
	assert.Equal(t, logger.RTSP|logger.RTP|logger.Tuner|logger.Dvbapi|logger.Session, mask)

	mask, err = logger.ParseSubsystems("")
	require.NoError(t, err)
	assert.Zero(t, mask)

	_, err = logger.ParseSubsystems("nal")
	assert.Error(t, err)
}

func TestTraceGating(t *testing.T) {
	path := filepath.Join(t.TempDir(), "satpi.log")
	log, err := logger.New(logger.Options{File: path, Trace: logger.Dvbapi})
	require.NoError(t, err)

	log.DebugDvbapi("control word installed", "parity", 1)
	log.DebugRTP("pacer tick")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "control word installed",
		"traced subsystem output must be written")
	assert.NotContains(t, string(data), "pacer tick",
		"untraced subsystem output must be suppressed")
}

func TestFlagsOptions(t *testing.T) {
	f := &logger.Flags{Level: "warn", Format: "json", Trace: "tuner"}
	opts, err := f.Options()
	require.NoError(t, err)
	assert.True(t, opts.JSON)
	assert.Equal(t, logger.Tuner, opts.Trace)

	f = &logger.Flags{Level: "loud"}
	_, err = f.Options()
	assert.Error(t, err)
}
