package config

import (
	"github.com/any-hub/tiercache/internal/cache"
)

// CacheOptions 把 [Cache] 配置转换成 cache.Options；Logger、Registry 与 Encoder 由调用方补齐。
func (c CacheConfig) CacheOptions() cache.Options {
	return cache.Options{
		DiskDirectory:           c.DiskDirectory,
		DiskBytes:               c.DiskBytes,
		MemoryBytes:             c.MemoryBytes,
		MemoryPercent:           c.MemoryPercent,
		MemoryCacheEnabled:      c.MemoryCacheEnabled,
		DiskCacheEnabled:        c.DiskCacheEnabled,
		CompressQuality:         c.CompressQuality,
		AppVersion:              c.AppVersion,
		JournalRebuildThreshold: c.JournalRebuildThreshold,
		ReusePoolBytes:          c.ReusePoolBytes,
	}
}
