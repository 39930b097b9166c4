package queue

import (
	"net"
	"os"
	"strings"
	"time"
)

// System abstracts the clock, connectivity, and storage-mount state so the
// scheduler and readiness checks stay deterministic under test.
type System interface {
	// NowMillis is the wall clock in unix milliseconds.
	NowMillis() int64
	// ActiveNetwork reports the bit flag of the active interface class and
	// whether it is connected.
	ActiveNetwork() (kind int, connected bool)
	// StorageMounted reports whether the download storage roots are
	// currently reachable.
	StorageMounted() bool
}

// RealSystem probes the host. An up, non-loopback interface with an address
// counts as connected; the interface class is read from /sys/class/net.
type RealSystem struct {
	Storage *StorageManager
}

func (s *RealSystem) NowMillis() int64 {
	return time.Now().UnixMilli()
}

func (s *RealSystem) ActiveNetwork() (int, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return classifyInterface(iface.Name), true
	}
	return 0, false
}

func (s *RealSystem) StorageMounted() bool {
	if s.Storage == nil {
		return true
	}
	return s.Storage.Mounted()
}

func classifyInterface(name string) int {
	if strings.HasPrefix(name, "wwan") || strings.HasPrefix(name, "rmnet") {
		return NetworkCellular
	}
	if _, err := os.Stat("/sys/class/net/" + name + "/wireless"); err == nil {
		return NetworkWifi
	}
	// wired links carry no class bit; they pass only unrestricted downloads
	return 0
}
