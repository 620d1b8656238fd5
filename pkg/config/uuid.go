package config

import (
	"encoding/hex"
	"net"

	"github.com/google/uuid"
)

// deviceUUIDPrefix is the fixed SAT>IP device UUID stem; the final
// group is the bound interface's MAC so the UUID is stable across
// restarts of the same box.
const deviceUUIDPrefix = "50c958a8-e839-4b96-b7ae-"

// DeviceUUID derives the gateway's device UUID from ifaceName's
// hardware address (or the first non-loopback interface when empty).
// A box with no usable MAC gets a random UUID for this process.
func DeviceUUID(ifaceName string) string {
	if mac := hardwareAddress(ifaceName); len(mac) == 6 {
		return deviceUUIDPrefix + hex.EncodeToString(mac)
	}
	return uuid.NewString()
}

func hardwareAddress(ifaceName string) net.HardwareAddr {
	if ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err == nil && len(iface.HardwareAddr) == 6 {
			return iface.HardwareAddr
		}
		return nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		return iface.HardwareAddr
	}
	return nil
}
