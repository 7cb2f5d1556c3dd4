package diagnostics

import "time"

// GPUInfo describes one graphics adapter (best-effort).
type GPUInfo struct {
	Name        string  `json:"name" yaml:"name"`
	UtilPercent float64 `json:"util_percent,omitempty" yaml:"util_percent,omitempty"`
	UtilValid   bool    `json:"util_valid" yaml:"util_valid"`
	MemTotalMB  float64 `json:"mem_total_mb,omitempty" yaml:"mem_total_mb,omitempty"`
	MemUsedMB   float64 `json:"mem_used_mb,omitempty" yaml:"mem_used_mb,omitempty"`
	MemValid    bool    `json:"mem_valid" yaml:"mem_valid"`
}

// HardwareInfo describes the host at capture time.
type HardwareInfo struct {
	Hostname        string    `json:"hostname" yaml:"hostname"`
	OS              string    `json:"os" yaml:"os"`
	Platform        string    `json:"platform,omitempty" yaml:"platform,omitempty"`
	PlatformVersion string    `json:"platform_version,omitempty" yaml:"platform_version,omitempty"`
	KernelVersion   string    `json:"kernel_version,omitempty" yaml:"kernel_version,omitempty"`
	KernelArch      string    `json:"kernel_arch,omitempty" yaml:"kernel_arch,omitempty"`
	Virtualization  string    `json:"virtualization,omitempty" yaml:"virtualization,omitempty"`
	BootTime        time.Time `json:"boot_time,omitempty" yaml:"boot_time,omitempty"`
	UptimeSeconds   uint64    `json:"uptime_seconds" yaml:"uptime_seconds"`

	// CPU
	CPUModel   string `json:"cpu_model" yaml:"cpu_model"`
	CPUCores   int    `json:"cpu_cores" yaml:"cpu_cores"`
	CPUThreads int    `json:"cpu_threads" yaml:"cpu_threads"`

	// Disk (in GB)
	DiskPath    string  `json:"disk_path" yaml:"disk_path"`
	DiskTotalGB float64 `json:"disk_total_gb" yaml:"disk_total_gb"`
	DiskUsedGB  float64 `json:"disk_used_gb" yaml:"disk_used_gb"`
	DiskPercent float64 `json:"disk_percent" yaml:"disk_percent"`

	// Load Average (Unix)
	LoadAvg1  float64 `json:"load_avg_1" yaml:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5" yaml:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15" yaml:"load_avg_15"`

	GPUs []GPUInfo `json:"gpus,omitempty" yaml:"gpus,omitempty"`
}

// MemoryInfo describes memory state at capture time (in MB).
type MemoryInfo struct {
	TotalMB     float64 `json:"total_mb" yaml:"total_mb"`
	UsedMB      float64 `json:"used_mb" yaml:"used_mb"`
	AvailableMB float64 `json:"available_mb" yaml:"available_mb"`
	FreeMB      float64 `json:"free_mb" yaml:"free_mb"`
	UsedPercent float64 `json:"used_percent" yaml:"used_percent"`

	SwapTotalMB float64 `json:"swap_total_mb" yaml:"swap_total_mb"`
	SwapUsedMB  float64 `json:"swap_used_mb" yaml:"swap_used_mb"`
	SwapPercent float64 `json:"swap_percent" yaml:"swap_percent"`

	// Installed physical memory as reported by firmware, when readable.
	PhysicalMB float64 `json:"physical_mb,omitempty" yaml:"physical_mb,omitempty"`
	Modules    int     `json:"modules,omitempty" yaml:"modules,omitempty"`
}

// ProcessRecord is one entry of the process list.
type ProcessRecord struct {
	PID        int32     `json:"pid" yaml:"pid"`
	PPID       int32     `json:"ppid" yaml:"ppid"`
	Name       string    `json:"name" yaml:"name"`
	Username   string    `json:"username,omitempty" yaml:"username,omitempty"`
	Status     string    `json:"status,omitempty" yaml:"status,omitempty"`
	Cmdline    string    `json:"cmdline,omitempty" yaml:"cmdline,omitempty"`
	RSSMB      float64   `json:"rss_mb" yaml:"rss_mb"`
	CPUPercent float64   `json:"cpu_percent" yaml:"cpu_percent"`
	NumThreads int32     `json:"num_threads,omitempty" yaml:"num_threads,omitempty"`
	CreateTime time.Time `json:"create_time,omitempty" yaml:"create_time,omitempty"`
}
