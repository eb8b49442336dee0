package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/tiercache/internal/cache"
)

var supportedLogLevels = map[string]struct{}{
	"trace": {},
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
	"fatal": {},
	"panic": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedLogLevels[strings.ToLower(g.LogLevel)]; !ok {
		return newFieldError("Global.LogLevel", "仅支持 trace|debug|info|warn|error|fatal|panic")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ResultTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ResultTimeout", "必须大于 0")
	}

	if err := c.Cache.validate(); err != nil {
		return err
	}
	return c.Fetch.validate()
}

func (c CacheConfig) validate() error {
	if c.DiskCacheEnabled {
		if strings.TrimSpace(c.DiskDirectory) == "" {
			return newFieldError(sectionField("Cache", "DiskDirectory"), "启用磁盘缓存时不能为空")
		}
		if c.DiskBytes <= 0 {
			return newFieldError(sectionField("Cache", "DiskBytes"), "启用磁盘缓存时必须大于 0")
		}
	}
	if c.MemoryBytes < 0 {
		return newFieldError(sectionField("Cache", "MemoryBytes"), "不能为负数")
	}
	if c.MemoryCacheEnabled && c.MemoryBytes == 0 &&
		(c.MemoryPercent < cache.MinMemoryPercent || c.MemoryPercent > cache.MaxMemoryPercent) {
		return newFieldError(sectionField("Cache", "MemoryPercent"),
			fmt.Sprintf("必须在 %.2f-%.2f", cache.MinMemoryPercent, cache.MaxMemoryPercent))
	}
	if c.CompressQuality < 0 || c.CompressQuality > 100 {
		return newFieldError(sectionField("Cache", "CompressQuality"), "必须在 0-100")
	}
	if c.AppVersion <= 0 {
		return newFieldError(sectionField("Cache", "AppVersion"), "必须大于 0")
	}
	if c.JournalRebuildThreshold <= 0 {
		return newFieldError(sectionField("Cache", "JournalRebuildThreshold"), "必须大于 0")
	}
	if c.ReusePoolBytes < 0 {
		return newFieldError(sectionField("Cache", "ReusePoolBytes"), "不能为负数")
	}
	return nil
}

func (f FetchConfig) validate() error {
	if f.Workers <= 0 {
		return newFieldError(sectionField("Fetch", "Workers"), "必须大于 0")
	}
	if f.QueueSize <= 0 {
		return newFieldError(sectionField("Fetch", "QueueSize"), "必须大于 0")
	}
	if len(f.ContentTypes) == 0 {
		return newFieldError(sectionField("Fetch", "ContentTypes"), "至少需要一个内容类型")
	}
	for _, ct := range f.ContentTypes {
		if strings.TrimSpace(ct) == "" || strings.ContainsAny(ct, " ;") {
			return newFieldError(sectionField("Fetch", "ContentTypes"), fmt.Sprintf("非法内容类型前缀: %q", ct))
		}
	}
	if f.MaxBodyBytes < 0 {
		return newFieldError(sectionField("Fetch", "MaxBodyBytes"), "不能为负数")
	}
	return nil
}
