// Package config defines the configuration record the core is constructed
// with. Flag parsing and env-file loading are bootstrap concerns;
// this package only owns the record shape, defaults, and validation.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config is the single record the core is constructed from.
type Config struct {
	BindIPAddress string
	Iface         string
	RTSPPort      int
	HTTPPort      int // port of the pkg/api status/metrics HTTP server
	AppDataPath   string
	WebPath       string
	DVBPath       string // e.g. /dev/dvb
	StreamCount   int    // 0 = auto-enumerate from DVBPath

	// DiSEqC strategy for satellite tuners: "switch" (committed 1.0
	// switch, the default), "en50494" (Unicable I), "en50607" (Jess).
	DiSEqCMode          string
	UnicableUserBand    int
	UnicableSlotFreqKHz int

	Decrypt DecryptConfig
}

// DecryptConfig configures the external control-word provider client.
type DecryptConfig struct {
	Enabled        bool
	ServerIPAddr   string
	ServerPort     int
	AdapterOffset  int
	RewritePMT     bool
	ListOnlyUpdate bool // true = LIST_ONLY_UPDATE (0x05), false = LIST_ONLY (0x03)
}

// Default returns a Config with the stock defaults:
// OSCam on 127.0.0.1:15011, LIST_ONLY_UPDATE, PMT rewrite off.
func Default() *Config {
	return &Config{
		BindIPAddress: "0.0.0.0",
		RTSPPort:      554,
		HTTPPort:      8875,
		AppDataPath:   "/var/lib/satpi",
		WebPath:       "/usr/share/satpi/web",
		DVBPath:       "/dev/dvb",
		DiSEqCMode:    "switch",
		Decrypt: DecryptConfig{
			ServerIPAddr:   "127.0.0.1",
			ServerPort:     15011,
			ListOnlyUpdate: true,
		},
	}
}

// Load reads key=value overrides from an env-style file on top of Default().
// Unset keys keep their default; unknown keys are ignored.
func Load(envPath string) (*Config, error) {
	cfg := Default()
	if envPath == "" {
		return cfg, nil
	}

	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		if err := cfg.applyKey(key, decodedValue); err != nil {
			return nil, fmt.Errorf("config key %q: %w", key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyKey(key, value string) error {
	switch key {
	case "bind_ip":
		c.BindIPAddress = value
	case "iface":
		c.Iface = value
	case "rtsp_port":
		return assignInt(&c.RTSPPort, value)
	case "http_port":
		return assignInt(&c.HTTPPort, value)
	case "appdata_path":
		c.AppDataPath = value
	case "web_path":
		c.WebPath = value
	case "dvb_path":
		c.DVBPath = value
	case "stream_count":
		return assignInt(&c.StreamCount, value)
	case "diseqc_mode":
		c.DiSEqCMode = value
	case "unicable_user_band":
		return assignInt(&c.UnicableUserBand, value)
	case "unicable_slot_freq_khz":
		return assignInt(&c.UnicableSlotFreqKHz, value)
	case "dvbapi_enabled":
		c.Decrypt.Enabled = value == "true"
	case "dvbapi_ip":
		c.Decrypt.ServerIPAddr = value
	case "dvbapi_port":
		return assignInt(&c.Decrypt.ServerPort, value)
	case "dvbapi_adapter_offset":
		return assignInt(&c.Decrypt.AdapterOffset, value)
	case "dvbapi_rewrite_pmt":
		c.Decrypt.RewritePMT = value == "true"
	case "dvbapi_list_only_update":
		c.Decrypt.ListOnlyUpdate = value == "true"
	}
	return nil
}

func assignInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", value, err)
	}
	*dst = n
	return nil
}

// Validate checks that the record is usable.
func (c *Config) Validate() error {
	if c.RTSPPort <= 0 || c.RTSPPort > 65535 {
		return fmt.Errorf("invalid rtsp port: %d", c.RTSPPort)
	}
	if c.Decrypt.Enabled {
		if c.Decrypt.ServerIPAddr == "" {
			return fmt.Errorf("dvbapi enabled but server ip is empty")
		}
		if c.Decrypt.ServerPort <= 0 || c.Decrypt.ServerPort > 65535 {
			return fmt.Errorf("invalid dvbapi server port: %d", c.Decrypt.ServerPort)
		}
	}
	return nil
}
