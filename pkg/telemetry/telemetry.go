// Package telemetry implements the Node Controller's steady-state
// resource reporting (component C6, spec §4.5): CPU, memory, and
// per-mount disk usage sampled on a fixed cadence and exposed as
// Prometheus gauges.
package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cloudfoundry/gosigar"
	"github.com/cuemby/ccnode/pkg/log"
	"github.com/cuemby/ccnode/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cpuPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ccnode",
		Subsystem: "cpu",
		Name:      "percent",
		Help:      "Node CPU time share by class, scaled by cpu-count.",
	}, []string{"class"})

	cpuCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ccnode",
		Subsystem: "cpu",
		Name:      "count",
		Help:      "Logical CPU count as seen by this node.",
	})

	cpuCountPhysical = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ccnode",
		Subsystem: "cpu",
		Name:      "count_physical",
		Help:      "Physical CPU count as seen by this node; reported as the logical CPU count.",
	})

	memoryBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ccnode",
		Subsystem: "memory",
		Name:      "bytes",
		Help:      "Node memory usage by class (total, available, active).",
	}, []string{"class"})

	diskBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ccnode",
		Subsystem: "disk",
		Name:      "bytes",
		Help:      "Per-mount disk usage by class (total, used, free).",
	}, []string{"mount", "class"})

	diskPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ccnode",
		Subsystem: "disk",
		Name:      "percent",
		Help:      "Per-mount disk usage percent.",
	}, []string{"mount"})

	nodeState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ccnode",
		Name:      "state",
		Help:      "1 while the node controller reports Running, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(cpuPercent, cpuCount, cpuCountPhysical, memoryBytes, diskBytes, diskPercent, nodeState)
}

// Collector samples host resources on sample_rate and publishes the
// telemetry keys listed in spec §6. It is suppressed (but the caller
// keeps supervising workers) when running inside a container.
type Collector struct {
	sampleRate  time.Duration
	cpuOverride int
	suppressed  bool
	stopCh      chan struct{}

	prevCPU sigar.Cpu
	haveCPU bool
}

// NewCollector builds a Collector. cpuOverride, if > 0, replaces the
// detected logical CPU count used to scale per-class CPU percentages
// (the CLI's --cpus flag).
func NewCollector(sampleRate time.Duration, cpuOverride int) *Collector {
	return &Collector{
		sampleRate:  sampleRate,
		cpuOverride: cpuOverride,
		suppressed:  runningInContainer(),
		stopCh:      make(chan struct{}),
	}
}

func runningInContainer() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

// Suppressed reports whether telemetry publication is turned off
// because the node controller is running inside a container.
func (c *Collector) Suppressed() bool { return c.suppressed }

// Start begins the sampling loop. It samples immediately, then every
// sample_rate thereafter, matching the teacher pack's collector
// pattern of "collect immediately, then on a ticker".
func (c *Collector) Start() {
	if c.suppressed {
		log.Info("running inside a container, not reporting system status")
		return
	}
	nodeState.Set(1)
	c.publishStaticCounts()

	go func() {
		c.collect()
		ticker := time.NewTicker(c.sampleRate)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				nodeState.Set(0)
				return
			}
		}
	}()
}

// Stop ends the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) publishStaticCounts() {
	cpuList := sigar.CpuList{}
	n := len(cpuList.List)
	if err := cpuList.Get(); err == nil {
		n = len(cpuList.List)
	}
	if c.cpuOverride > 0 {
		n = c.cpuOverride
	}
	cpuCount.Set(float64(n))
	cpuCountPhysical.Set(float64(n))
}

func (c *Collector) collect() {
	c.collectCPU()
	c.collectMemory()
	c.collectDisk()
}

func (c *Collector) cpuScale() float64 {
	if c.cpuOverride > 0 {
		return float64(c.cpuOverride)
	}
	list := sigar.CpuList{}
	if err := list.Get(); err == nil && len(list.List) > 0 {
		return float64(len(list.List))
	}
	return 1
}

func (c *Collector) collectCPU() {
	var cur sigar.Cpu
	if err := cur.Get(); err != nil {
		log.WithComponent("telemetry").Warn().Err(err).Msg("failed to gather CPU info")
		return
	}
	defer func() { c.prevCPU, c.haveCPU = cur, true }()
	if !c.haveCPU {
		return
	}

	prev := c.prevCPU
	delta := func(cur, prev uint64) float64 { return float64(cur - prev) }
	total := delta(cur.User, prev.User) + delta(cur.Nice, prev.Nice) + delta(cur.Sys, prev.Sys) +
		delta(cur.Idle, prev.Idle) + delta(cur.Wait, prev.Wait)
	if total <= 0 {
		return
	}
	scale := c.cpuScale()
	cpuPercent.WithLabelValues("user").Set(delta(cur.User, prev.User) / total * 100 * scale)
	cpuPercent.WithLabelValues("nice").Set(delta(cur.Nice, prev.Nice) / total * 100 * scale)
	cpuPercent.WithLabelValues("system").Set(delta(cur.Sys, prev.Sys) / total * 100 * scale)
	cpuPercent.WithLabelValues("idle").Set(delta(cur.Idle, prev.Idle) / total * 100 * scale)
	cpuPercent.WithLabelValues("iowait").Set(delta(cur.Wait, prev.Wait) / total * 100 * scale)
}

func (c *Collector) collectMemory() {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.WithComponent("telemetry").Warn().Err(err).Msg("failed to gather memory info")
		return
	}
	memoryBytes.WithLabelValues("total").Set(float64(mem.Total))
	memoryBytes.WithLabelValues("available").Set(float64(mem.ActualFree))
	memoryBytes.WithLabelValues("active").Set(float64(mem.ActualUsed))
}

// pseudo filesystems carry no disk budget worth reporting.
var excludedFsTypes = map[string]bool{
	"sysfs": true, "devtmpfs": true, "proc": true, "devpts": true,
	"cgroup": true, "configfs": true, "selinuxfs": true, "debugfs": true,
	"tmpfs": true,
}

func (c *Collector) collectDisk() {
	fsList := sigar.FileSystemList{}
	if err := fsList.Get(); err != nil {
		log.WithComponent("telemetry").Warn().Err(err).Msg("failed to gather disk usage statistics")
		return
	}
	for _, fs := range fsList.List {
		if excludedFsTypes[fs.SysTypeName] {
			continue
		}
		usage := sigar.FileSystemUsage{}
		if err := usage.Get(fs.DirName); err != nil {
			continue
		}
		mount := mountLabel(fs.DirName)
		totalBytes := float64(usage.Total * 1024)
		usedBytes := float64(usage.Used * 1024)
		freeBytes := float64(usage.Free * 1024)
		diskBytes.WithLabelValues(mount, "total").Set(totalBytes)
		diskBytes.WithLabelValues(mount, "used").Set(usedBytes)
		diskBytes.WithLabelValues(mount, "free").Set(freeBytes)
		if totalBytes > 0 {
			diskPercent.WithLabelValues(mount).Set(usedBytes / totalBytes * 100)
		}
	}
}

func mountLabel(dirName string) string {
	for i := len(dirName) - 1; i >= 0; i-- {
		if dirName[i] == '/' {
			name := dirName[i+1:]
			if name == "" {
				return "root"
			}
			return name
		}
	}
	return "root"
}

// Sample takes one synchronous reading of node-wide resources without
// touching the Prometheus gauges or the delta-based CPU history. The
// CPU percentages in the returned value are left at zero.
func Sample(cpuOverride int) (types.NodeResources, error) {
	var res types.NodeResources

	cpuList := sigar.CpuList{}
	if err := cpuList.Get(); err != nil {
		return res, fmt.Errorf("cpu list: %w", err)
	}
	res.CPUCount = len(cpuList.List)
	res.CPUCountPhysical = len(cpuList.List)
	if cpuOverride > 0 {
		res.CPUCount = cpuOverride
		res.CPUCountPhysical = cpuOverride
	}

	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		return res, fmt.Errorf("memory: %w", err)
	}
	res.Memory = types.MemoryStats{Total: mem.Total, Available: mem.ActualFree, Active: mem.ActualUsed}

	fsList := sigar.FileSystemList{}
	if err := fsList.Get(); err != nil {
		return res, fmt.Errorf("filesystem list: %w", err)
	}
	res.Disks = make(map[string]types.DiskStats, len(fsList.List))
	for _, fs := range fsList.List {
		if excludedFsTypes[fs.SysTypeName] {
			continue
		}
		usage := sigar.FileSystemUsage{}
		if err := usage.Get(fs.DirName); err != nil {
			continue
		}
		total := usage.Total * 1024
		used := usage.Used * 1024
		free := usage.Free * 1024
		var percent float64
		if total > 0 {
			percent = float64(used) / float64(total) * 100
		}
		res.Disks[mountLabel(fs.DirName)] = types.DiskStats{Total: total, Used: used, Free: free, Percent: percent}
	}
	return res, nil
}

// Handler returns an http.Handler serving both /metrics (Prometheus
// exposition format) and a liveness probe at /healthz.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}
