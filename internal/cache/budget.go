package cache

import (
	"math"
	"runtime/debug"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// MinMemoryPercent / MaxMemoryPercent 限定按比例推导内存预算时的取值范围。
	MinMemoryPercent = 0.01
	MaxMemoryPercent = 0.8

	fallbackMemoryLimit = 64 << 20
)

// MemoryBudget 记录推导出的内存预算及其来源，便于诊断接口输出。
type MemoryBudget struct {
	Bytes  int64  `json:"bytes"`
	Source string `json:"source"`
}

// 测试中可替换。
var (
	runtimeMemoryLimit = func() int64 { return debug.SetMemoryLimit(-1) }
	systemMemoryTotal  = func() (uint64, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return vm.Total, nil
	}
	usableSpace = func(dir string) (uint64, error) {
		usage, err := disk.Usage(dir)
		if err != nil {
			return 0, err
		}
		return usage.Free, nil
	}
)

// ResolveMemoryBudget 优先使用显式字节数；否则取 percent × 可用内存上限。
// 上限依次取 Go 运行时内存限制、系统总内存、64MiB。
func ResolveMemoryBudget(explicit int64, percent float64) MemoryBudget {
	if explicit > 0 {
		return MemoryBudget{Bytes: explicit, Source: "explicit"}
	}
	percent = math.Max(MinMemoryPercent, math.Min(MaxMemoryPercent, percent))

	limit, source := int64(fallbackMemoryLimit), "fallback"
	if rt := runtimeMemoryLimit(); rt > 0 && rt != math.MaxInt64 {
		limit, source = rt, "runtime_limit"
	} else if total, err := systemMemoryTotal(); err == nil && total > 0 && total <= math.MaxInt64 {
		limit, source = int64(total), "system_memory"
	}

	bytes := int64(math.Round(percent * float64(limit)))
	if bytes < 1024 {
		bytes = 1024
	}
	return MemoryBudget{Bytes: bytes, Source: source}
}

// memoryUnits 把字节预算换算成内存层使用的 KB 单位，最少 1。
func memoryUnits(bytes int64) int64 {
	if units := bytes / 1024; units > 0 {
		return units
	}
	return 1
}

// valueUnits 返回值占用的 KB 数，不足 1KB 按 1 计。
func valueUnits(sizeBytes int64) int64 {
	if units := sizeBytes / 1024; units > 0 {
		return units
	}
	return 1
}
