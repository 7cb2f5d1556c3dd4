// Package diagnostics produces the best-effort snapshot recorded when a
// supervised client crashes.
//
// A Snapshot has three fields, each filled by one probe of a Sources
// implementation:
//
//   - Hardware: host identity, CPU, disk, load averages and GPUs.
//   - Memory: virtual, swap and physical memory.
//   - Processes: the processes visible at capture time, ordered by pid.
//
// Collector runs the probes concurrently, bounds each with its own timeout
// and all of them with an overall deadline, and recovers probe panics.
// Collect always returns; a probe that fails, panics or misses its deadline
// leaves its field empty and adds a warning.
//
// HostSources is the production Sources backed by gopsutil and ghw.
package diagnostics
