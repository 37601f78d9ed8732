// Package device describes the host this supervisor runs on: the platform
// section of the device description served to the orchestrator, and the
// live health report.
package device

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// PlatformInfo is the hardware/OS half of the device description.
type PlatformInfo struct {
	CPU     CPUInfo                `json:"cpu"`
	Memory  MemoryInfo             `json:"memory"`
	Network map[string]NetworkInfo `json:"network"`
	System  SystemInfo             `json:"system"`
}

type CPUInfo struct {
	HumanReadableName string     `json:"humanReadableName"`
	ClockSpeed        ClockSpeed `json:"clockSpeed"`
	CoreCount         int        `json:"coreCount"`
}

type ClockSpeed struct {
	Hz uint64 `json:"Hz"`
}

type MemoryInfo struct {
	Bytes uint64 `json:"bytes"`
}

type NetworkInfo struct {
	IPInfo []string `json:"ipInfo"`
}

type SystemInfo struct {
	Name     string `json:"name"`
	Kernel   string `json:"kernel"`
	OS       string `json:"os"`
	HostName string `json:"hostName"`
}

// HealthReport is the payload of the health endpoint.
type HealthReport struct {
	CPUUsage     float32                  `json:"cpuUsage"`
	MemoryUsage  float32                  `json:"memoryUsage"`
	StorageUsage map[string]float32       `json:"storageUsage"`
	Uptime       uint64                   `json:"uptime"`
	NetworkUsage map[string]NetworkUsage  `json:"networkUsage"`
}

type NetworkUsage struct {
	DownBytes uint64 `json:"downBytes"`
	UpBytes   uint64 `json:"upBytes"`
}

// Probes reads platform facts and usage counters from procfs. CPU usage is
// computed between consecutive health reports, so probes keep the previous
// sample; a single mutex serializes readers.
type Probes struct {
	mu      sync.Mutex
	fs      procfs.FS
	fsOK    bool
	prevCPU *procfs.CPUStat
	// mounts are the filesystems reported in storage usage.
	mounts []string
}

// NewProbes builds probes over /proc. On hosts without procfs the probes
// degrade to zero values instead of failing.
func NewProbes() *Probes {
	p := &Probes{mounts: []string{"/"}}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		log.L.WithError(err).Warn("procfs unavailable, health probes degraded")
		return p
	}
	p.fs = fs
	p.fsOK = true
	return p
}

// Platform collects the static platform description.
func (p *Probes) Platform() PlatformInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := PlatformInfo{Network: map[string]NetworkInfo{}}

	if p.fsOK {
		if cpus, err := p.fs.CPUInfo(); err == nil && len(cpus) > 0 {
			info.CPU = CPUInfo{
				HumanReadableName: cpus[0].ModelName,
				ClockSpeed:        ClockSpeed{Hz: uint64(cpus[0].CPUMHz * 1e6)},
				CoreCount:         len(cpus),
			}
		}
		if mem, err := p.fs.Meminfo(); err == nil && mem.MemTotal != nil {
			info.Memory = MemoryInfo{Bytes: *mem.MemTotal * 1024}
		}
	}

	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			ips := make([]string, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.String())
			}
			info.Network[iface.Name] = NetworkInfo{IPInfo: ips}
		}
	}

	hostname, _ := os.Hostname()
	var uts unix.Utsname
	sys := SystemInfo{HostName: hostname}
	if err := unix.Uname(&uts); err == nil {
		sys.Name = unix.ByteSliceToString(uts.Sysname[:])
		sys.Kernel = unix.ByteSliceToString(uts.Release[:])
		sys.OS = unix.ByteSliceToString(uts.Version[:])
	}
	info.System = sys
	return info
}

// Health collects a live usage snapshot.
func (p *Probes) Health() HealthReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := HealthReport{
		StorageUsage: map[string]float32{},
		NetworkUsage: map[string]NetworkUsage{},
	}

	if p.fsOK {
		if stat, err := p.fs.Stat(); err == nil {
			report.CPUUsage = p.cpuUsage(stat.CPUTotal)
			report.Uptime = uint64(time.Now().Unix()) - stat.BootTime
		}
		if mem, err := p.fs.Meminfo(); err == nil && mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
			used := *mem.MemTotal - *mem.MemAvailable
			report.MemoryUsage = float32(used) / float32(*mem.MemTotal)
		}
		if devs, err := p.fs.NetDev(); err == nil {
			for name, dev := range devs {
				report.NetworkUsage[name] = NetworkUsage{
					DownBytes: dev.RxBytes,
					UpBytes:   dev.TxBytes,
				}
			}
		}
	}

	for _, mount := range p.mounts {
		var st unix.Statfs_t
		if err := unix.Statfs(mount, &st); err != nil {
			continue
		}
		total := st.Blocks * uint64(st.Bsize)
		if total == 0 {
			continue
		}
		avail := st.Bavail * uint64(st.Bsize)
		report.StorageUsage[mount] = float32(total-avail) / float32(total)
	}
	return report
}

// cpuUsage derives busy time between the previous and current samples. The
// first call has no baseline and reports zero.
func (p *Probes) cpuUsage(cur procfs.CPUStat) float32 {
	defer func() { p.prevCPU = &cur }()
	if p.prevCPU == nil {
		return 0
	}
	prev := *p.prevCPU
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	total := (cur.User + cur.Nice + cur.System + cur.Idle + cur.Iowait + cur.IRQ + cur.SoftIRQ + cur.Steal) -
		(prev.User + prev.Nice + prev.System + prev.Idle + prev.Iowait + prev.IRQ + prev.SoftIRQ + prev.Steal)
	if total <= 0 {
		return 0
	}
	return float32((total - idle) / total)
}

// Description loads the device-description template from the configs
// directory and fills in the live platform section plus the supervisor's
// host-import interface list.
func Description(configsDir string, interfaces []string, probes *Probes) (map[string]any, error) {
	path := filepath.Join(configsDir, "wasmiot-device-description.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading device description template")
	}
	var desc map[string]any
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	desc["platform"] = probes.Platform()
	desc["supervisorInterfaces"] = interfaces
	return desc, nil
}

// ThingDescription serves the Web of Things description verbatim.
func ThingDescription(configsDir string) (map[string]any, error) {
	path := filepath.Join(configsDir, "device-description.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading thing description")
	}
	var desc map[string]any
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return desc, nil
}
