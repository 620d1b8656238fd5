package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/satpi/satpi-go/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 554, cfg.RTSPPort)
	assert.True(t, cfg.Decrypt.ListOnlyUpdate)
	assert.False(t, cfg.Decrypt.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "satpi.conf")
	contents := `
# comment line
bind_ip=192.168.1.10
rtsp_port=8554
stream_count=4
dvbapi_enabled=true
dvbapi_ip=10.0.0.5
dvbapi_port=15012
dvbapi_list_only_update=false
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.10", cfg.BindIPAddress)
	assert.Equal(t, 8554, cfg.RTSPPort)
	assert.Equal(t, 4, cfg.StreamCount)
	assert.True(t, cfg.Decrypt.Enabled)
	assert.Equal(t, "10.0.0.5", cfg.Decrypt.ServerIPAddr)
	assert.Equal(t, 15012, cfg.Decrypt.ServerPort)
	assert.False(t, cfg.Decrypt.ListOnlyUpdate)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/satpi.conf")
	assert.Error(t, err)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := config.Default()
	cfg.RTSPPort = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresDecryptServerWhenEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Decrypt.Enabled = true
	cfg.Decrypt.ServerIPAddr = ""
	assert.Error(t, cfg.Validate())
}
