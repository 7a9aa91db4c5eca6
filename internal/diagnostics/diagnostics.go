// Package diagnostics collects the host report behind `auto-claude doctor`:
// toolchain versions, hardware capacity, and current resource usage. Every
// probe is best-effort; failures land in Report.Warnings instead of
// aborting the command.
package diagnostics

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Report is the collected host state.
type Report struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`

	GitVersion string `json:"git_version,omitempty"`

	CPUModel   string  `json:"cpu_model,omitempty"`
	CPUCores   int     `json:"cpu_cores"`
	CPUPercent float64 `json:"cpu_percent"`

	MemTotalMB float64 `json:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemPercent float64 `json:"mem_percent"`

	DiskTotalGB float64 `json:"disk_total_gb"`
	DiskFreeGB  float64 `json:"disk_free_gb"`
	DiskPercent float64 `json:"disk_percent"`

	LoadAvg1 float64 `json:"load_avg_1"`

	Warnings []string `json:"warnings,omitempty"`
}

// Collect probes the host. path anchors the disk usage check, typically
// the project root; empty falls back to the working directory.
func Collect(path string) *Report {
	r := &Report{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
	if path == "" {
		path = "."
	}

	r.GitVersion = toolVersion("git")
	if r.GitVersion == "" {
		r.warn("git not found on PATH")
	}

	r.collectCPU()
	r.collectMemory()
	r.collectDisk(path)
	r.collectLoad()
	return r
}

// CheckTool reports whether a binary answers --version. Multi-word values
// (a binary plus leading args) probe the first word.
func CheckTool(binary string) bool {
	fields := strings.Fields(binary)
	if len(fields) == 0 {
		return false
	}
	return exec.Command(fields[0], "--version").Run() == nil
}

func toolVersion(name string) string {
	out, err := exec.Command(name, "--version").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
}

func (r *Report) collectCPU() {
	// ghw knows the topology even where the usage counters are gated off
	// (containers); usage comes from gopsutil separately.
	if info, err := ghw.CPU(); err == nil && len(info.Processors) > 0 {
		r.CPUModel = info.Processors[0].Model
		r.CPUCores = int(info.TotalThreads)
	}
	if r.CPUCores == 0 {
		r.CPUCores = runtime.NumCPU()
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	} else if err != nil {
		r.warn("cpu usage unavailable: " + err.Error())
	}
}

func (r *Report) collectMemory() {
	if info, err := ghw.Memory(); err == nil && info.TotalPhysicalBytes > 0 {
		r.MemTotalMB = float64(info.TotalPhysicalBytes) / (1024 * 1024)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		r.warn("memory usage unavailable: " + err.Error())
		return
	}
	if r.MemTotalMB == 0 {
		r.MemTotalMB = float64(vm.Total) / (1024 * 1024)
	}
	r.MemUsedMB = float64(vm.Used) / (1024 * 1024)
	r.MemPercent = vm.UsedPercent
}

func (r *Report) collectDisk(path string) {
	usage, err := disk.Usage(path)
	if err != nil {
		r.warn(fmt.Sprintf("disk usage for %s unavailable: %v", path, err))
		return
	}
	r.DiskTotalGB = float64(usage.Total) / (1024 * 1024 * 1024)
	r.DiskFreeGB = float64(usage.Free) / (1024 * 1024 * 1024)
	r.DiskPercent = usage.UsedPercent
}

func (r *Report) collectLoad() {
	if runtime.GOOS == "windows" {
		return
	}
	if avg, err := load.Avg(); err == nil {
		r.LoadAvg1 = avg.Load1
	}
}

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
