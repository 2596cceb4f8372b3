package deviceid

import (
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	once sync.Once
	id   string
)

// DeviceID returns a stable hardware-derived identifier: the MAC address of
// the first non-loopback interface, uppercased. When no usable interface is
// found (containers, exotic setups) it falls back to a random UUID. The value
// is computed once per process; callers should persist it alongside issued
// credentials instead of recomputing it.
func DeviceID() string {
	once.Do(func() {
		id = detect()
	})
	return id
}

func detect() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			if len(iface.HardwareAddr) == 0 {
				continue
			}
			return strings.ToUpper(iface.HardwareAddr.String())
		}
	}

	return uuid.NewString()
}
