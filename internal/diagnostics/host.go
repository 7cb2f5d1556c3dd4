package diagnostics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxProcesses caps the process list.
const DefaultMaxProcesses = 2048

const bytesPerMB = 1024 * 1024

// HostSources reads diagnostics from the local host.
type HostSources struct {
	// MaxProcesses caps the number of process records. Zero means
	// DefaultMaxProcesses.
	MaxProcesses int

	// Concurrency bounds the per-process inspection pool. Zero means
	// GOMAXPROCS*4.
	Concurrency int

	mu            sync.Mutex
	infoCollected bool
	cpuModel      string
	cpuCores      int
	cpuThreads    int
}

// NewHostSources creates host-backed sources.
func NewHostSources(maxProcesses int) *HostSources {
	return &HostSources{MaxProcesses: maxProcesses}
}

// HardwareInfo reads host identity, CPU, disk, load and GPU information.
// Only the host identity is required; the rest is filled when readable.
func (h *HostSources) HardwareInfo(ctx context.Context) (*HardwareInfo, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host info: %w", err)
	}

	info := &HardwareInfo{
		Hostname:        hi.Hostname,
		OS:              hi.OS,
		Platform:        hi.Platform,
		PlatformVersion: hi.PlatformVersion,
		KernelVersion:   hi.KernelVersion,
		KernelArch:      hi.KernelArch,
		Virtualization:  strings.TrimSpace(hi.VirtualizationSystem + " " + hi.VirtualizationRole),
		UptimeSeconds:   hi.Uptime,
	}
	if hi.BootTime > 0 {
		// #nosec G115 -- boot time is a unix timestamp
		info.BootTime = time.Unix(int64(hi.BootTime), 0).UTC()
	}

	h.collectCPU(ctx, info)
	collectDisk(ctx, info)
	collectLoad(ctx, info)
	info.GPUs = queryGPUInfo(ctx)

	return info, nil
}

func (h *HostSources) collectCPU(ctx context.Context, info *HardwareInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.infoCollected {
		if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
			h.cpuModel = strings.TrimSpace(infos[0].ModelName)
		}
		if cores, err := cpu.CountsWithContext(ctx, false); err == nil && cores > 0 {
			h.cpuCores = cores
		}
		if threads, err := cpu.CountsWithContext(ctx, true); err == nil && threads > 0 {
			h.cpuThreads = threads
		}
		h.infoCollected = h.cpuThreads > 0
	}
	info.CPUModel = h.cpuModel
	info.CPUCores = h.cpuCores
	info.CPUThreads = h.cpuThreads
}

func collectDisk(ctx context.Context, info *HardwareInfo) {
	path := rootDiskPath()
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return
	}
	info.DiskPath = path
	info.DiskTotalGB = float64(usage.Total) / 1024 / 1024 / 1024
	info.DiskUsedGB = float64(usage.Used) / 1024 / 1024 / 1024
	info.DiskPercent = usage.UsedPercent
}

func collectLoad(ctx context.Context, info *HardwareInfo) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return
	}
	info.LoadAvg1 = avg.Load1
	info.LoadAvg5 = avg.Load5
	info.LoadAvg15 = avg.Load15
}

// MemoryInfo reads virtual, swap and physical memory. Virtual memory is
// required; swap and physical figures are filled when readable.
func (h *HostSources) MemoryInfo(ctx context.Context) (*MemoryInfo, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading virtual memory: %w", err)
	}

	info := &MemoryInfo{
		TotalMB:     float64(vm.Total) / bytesPerMB,
		UsedMB:      float64(vm.Used) / bytesPerMB,
		AvailableMB: float64(vm.Available) / bytesPerMB,
		FreeMB:      float64(vm.Free) / bytesPerMB,
		UsedPercent: vm.UsedPercent,
	}

	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		info.SwapTotalMB = float64(sw.Total) / bytesPerMB
		info.SwapUsedMB = float64(sw.Used) / bytesPerMB
		info.SwapPercent = sw.UsedPercent
	}

	if phys, err := ghw.Memory(); err == nil && phys != nil {
		if phys.TotalPhysicalBytes > 0 {
			info.PhysicalMB = float64(phys.TotalPhysicalBytes) / bytesPerMB
		}
		info.Modules = len(phys.Modules)
	}

	return info, nil
}

// ProcessList enumerates visible processes. Processes that vanish or deny
// inspection midway keep whatever fields were readable; the list is capped
// at MaxProcesses lowest pids.
func (h *HostSources) ProcessList(ctx context.Context) ([]ProcessRecord, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pids: %w", err)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	limit := h.MaxProcesses
	if limit <= 0 {
		limit = DefaultMaxProcesses
	}
	if len(pids) > limit {
		pids = pids[:limit]
	}

	workers := h.Concurrency
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0) * 4
	}

	records := make([]ProcessRecord, len(pids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, pid := range pids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			records[i] = inspectProcess(gctx, pid)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("inspecting processes: %w", err)
	}

	out := records[:0]
	for _, r := range records {
		if r.PID != 0 || r.Name != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

func inspectProcess(ctx context.Context, pid int32) ProcessRecord {
	rec := ProcessRecord{PID: pid}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return rec
	}

	if name, err := p.NameWithContext(ctx); err == nil {
		rec.Name = name
	}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		rec.PPID = ppid
	}
	if user, err := p.UsernameWithContext(ctx); err == nil {
		rec.Username = user
	}
	if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 {
		rec.Status = st[0]
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		rec.Cmdline = cmdline
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		rec.RSSMB = float64(mi.RSS) / bytesPerMB
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		rec.CPUPercent = pct
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		rec.NumThreads = n
	}
	if ct, err := p.CreateTimeWithContext(ctx); err == nil && ct > 0 {
		rec.CreateTime = time.UnixMilli(ct).UTC()
	}
	return rec
}

func rootDiskPath() string {
	if runtime.GOOS == "windows" {
		drive := os.Getenv("SystemDrive")
		if drive == "" {
			drive = "C:"
		}
		return drive + "\\"
	}
	return "/"
}

func parseFloatField(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
