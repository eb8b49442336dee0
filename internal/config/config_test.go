package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5100 {
		t.Fatalf("ListenPort 应当被解析, got %d", cfg.Global.ListenPort)
	}
	if cfg.Global.ResultTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("ResultTimeout 应该自动填充默认值")
	}
	if cfg.Global.InitialBackoff.DurationValue() != time.Second {
		t.Fatalf("纯数字 InitialBackoff 应按秒解析, got %s", cfg.Global.InitialBackoff.DurationValue())
	}
	if !filepath.IsAbs(cfg.Cache.DiskDirectory) {
		t.Fatalf("DiskDirectory 应转换为绝对路径: %s", cfg.Cache.DiskDirectory)
	}
	if !cfg.Cache.MemoryCacheEnabled || !cfg.Cache.DiskCacheEnabled {
		t.Fatalf("缓存层默认应启用")
	}
	if cfg.Cache.AppVersion != 1 || cfg.Cache.JournalRebuildThreshold != 2000 {
		t.Fatalf("缓存默认值缺失: %+v", cfg.Cache)
	}
	if cfg.Fetch.Workers != 8 || cfg.Fetch.QueueSize != 256 {
		t.Fatalf("Fetch 配置错误: %+v", cfg.Fetch)
	}
	if len(cfg.Fetch.ContentTypes) != 2 || cfg.Fetch.ContentTypes[1] != "text/plain" {
		t.Fatalf("ContentTypes 应被规范化: %v", cfg.Fetch.ContentTypes)
	}
}

func TestValidateRejectsBadFile(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateCacheFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"percent too low", func(c *Config) { c.Cache.MemoryPercent = 0.001 }, "Cache.MemoryPercent"},
		{"percent too high", func(c *Config) { c.Cache.MemoryPercent = 0.9 }, "Cache.MemoryPercent"},
		{"quality out of range", func(c *Config) { c.Cache.CompressQuality = 101 }, "Cache.CompressQuality"},
		{"disk budget", func(c *Config) { c.Cache.DiskBytes = 0 }, "Cache.DiskBytes"},
		{"disk dir", func(c *Config) { c.Cache.DiskDirectory = " " }, "Cache.DiskDirectory"},
		{"app version", func(c *Config) { c.Cache.AppVersion = 0 }, "Cache.AppVersion"},
		{"negative memory", func(c *Config) { c.Cache.MemoryBytes = -1 }, "Cache.MemoryBytes"},
		{"workers", func(c *Config) { c.Fetch.Workers = 0 }, "Fetch.Workers"},
		{"content types", func(c *Config) { c.Fetch.ContentTypes = nil }, "Fetch.ContentTypes"},
		{"bad content type", func(c *Config) { c.Fetch.ContentTypes = []string{"image; q=1"} }, "Fetch.ContentTypes"},
		{"log level", func(c *Config) { c.Global.LogLevel = "verbose" }, "Global.LogLevel"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestValidateAllowsExplicitMemoryBudget(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.MemoryBytes = 1 << 20
	cfg.Cache.MemoryPercent = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("显式内存预算时不应校验比例: %v", err)
	}
}

func TestValidateSkipsDiskFieldsWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.DiskCacheEnabled = false
	cfg.Cache.DiskDirectory = ""
	cfg.Cache.DiskBytes = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("禁用磁盘层时不应校验磁盘字段: %v", err)
	}
}

func TestCacheOptionsCopiesBudget(t *testing.T) {
	cfg := validConfig()
	opts := cfg.Cache.CacheOptions()
	if opts.DiskBytes != cfg.Cache.DiskBytes || opts.MemoryPercent != cfg.Cache.MemoryPercent ||
		opts.DiskDirectory != cfg.Cache.DiskDirectory || !opts.DiskCacheEnabled {
		t.Fatalf("unexpected cache options: %+v", opts)
	}
	if modes := cfg.Cache.TierModes(); modes[0] != "memory:on" || modes[1] != "disk:on" {
		t.Fatalf("unexpected tier modes: %v", modes)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			UpstreamTimeout: Duration(time.Second),
			ResultTimeout:   Duration(time.Second),
		},
		Cache: CacheConfig{
			DiskDirectory:           "./data",
			DiskBytes:               1 << 20,
			MemoryPercent:           0.25,
			MemoryCacheEnabled:      true,
			DiskCacheEnabled:        true,
			CompressQuality:         70,
			AppVersion:              1,
			JournalRebuildThreshold: 2000,
		},
		Fetch: FetchConfig{
			Workers:      2,
			QueueSize:    16,
			ContentTypes: []string{"image"},
		},
	}
}
