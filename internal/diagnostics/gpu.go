package diagnostics

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jaypipes/ghw"
)

// queryGPUInfo tries nvidia-smi for live utilization and falls back to the
// PCI inventory from ghw.
func queryGPUInfo(ctx context.Context) []GPUInfo {
	if gpus := queryNvidiaSMI(ctx); len(gpus) > 0 {
		return gpus
	}
	return queryGhwGPU()
}

func queryNvidiaSMI(ctx context.Context) []GPUInfo {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name,utilization.gpu,memory.total,memory.used", "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(out string) []GPUInfo {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	gpus := make([]GPUInfo, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			continue
		}
		util, utilOK := parseFloatField(fields[1])
		memTotal, totalOK := parseFloatField(fields[2])
		memUsed, usedOK := parseFloatField(fields[3])

		gpus = append(gpus, GPUInfo{
			Name:        strings.TrimSpace(fields[0]),
			UtilPercent: util,
			UtilValid:   utilOK,
			MemTotalMB:  memTotal,
			MemUsedMB:   memUsed,
			MemValid:    totalOK && usedOK,
		})
	}
	return gpus
}

func queryGhwGPU() []GPUInfo {
	info, err := ghw.GPU()
	if err != nil || info == nil || len(info.GraphicsCards) == 0 {
		return nil
	}

	gpus := make([]GPUInfo, 0, len(info.GraphicsCards))
	for _, card := range info.GraphicsCards {
		name := ""
		if card.DeviceInfo != nil {
			switch {
			case card.DeviceInfo.Vendor != nil && card.DeviceInfo.Product != nil:
				name = strings.TrimSpace(card.DeviceInfo.Vendor.Name + " " + card.DeviceInfo.Product.Name)
			case card.DeviceInfo.Product != nil:
				name = strings.TrimSpace(card.DeviceInfo.Product.Name)
			case card.DeviceInfo.Vendor != nil:
				name = strings.TrimSpace(card.DeviceInfo.Vendor.Name)
			}
		}
		if name == "" {
			name = fmt.Sprintf("GPU %d", card.Index)
		}
		gpus = append(gpus, GPUInfo{Name: name})
	}
	return gpus
}
