package syncer

import (
	"fmt"
	"net"
	"os"

	"github.com/JonMunkholm/sheetsync/internal/config"
)

// MachineID fingerprints the host as the SHA-256 of "hostname:node", where
// node is the first hardware address read as a 48-bit integer.
func MachineID() string {
	host, _ := os.Hostname()
	return config.HashBytes([]byte(fmt.Sprintf("%s:%d", host, hardwareNode())))
}

func hardwareNode() uint64 {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) < 6 {
			continue
		}
		return macToNode(ifc.HardwareAddr)
	}
	return 0
}

func macToNode(mac net.HardwareAddr) uint64 {
	var n uint64
	for _, b := range mac[:6] {
		n = n<<8 | uint64(b)
	}
	return n
}
