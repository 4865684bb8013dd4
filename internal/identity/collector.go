package identity

import (
	"bufio"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Collect gathers host facts. Anything that cannot be read is left out.
func Collect() map[string]any {
	props := map[string]any{
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
		"cpu_cores": runtime.NumCPU(),
	}
	if hostname, err := os.Hostname(); err == nil {
		props["hostname"] = hostname
	}
	if v := osRelease(); v != "" {
		props["os_version"] = v
	}
	if v := kernelVersion(); v != "" {
		props["kernel"] = v
	}
	if ips := ipAddresses(); len(ips) > 0 {
		props["ip"] = ips
	}
	if mb := memoryMB(); mb > 0 {
		props["memory_mb"] = mb
	}
	return props
}

func osRelease() string {
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "PRETTY_NAME="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

func kernelVersion() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ipAddresses lists the non-loopback unicast addresses of interfaces that are up.
func ipAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || !ipnet.IP.IsGlobalUnicast() {
				continue
			}
			ips = append(ips, ipnet.IP.String())
		}
	}
	return ips
}

func memoryMB() int {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0
			}
			return kb / 1024
		}
	}
	return 0
}
