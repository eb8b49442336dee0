package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级参数：监听端口、日志与回源行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ResultTimeout   Duration `mapstructure:"ResultTimeout"`
}

// CacheConfig 是两层缓存的预算与开关。MemoryBytes 为 0 时按 MemoryPercent 推导内存预算。
type CacheConfig struct {
	DiskDirectory           string  `mapstructure:"DiskDirectory"`
	DiskBytes               int64   `mapstructure:"DiskBytes"`
	MemoryBytes             int64   `mapstructure:"MemoryBytes"`
	MemoryPercent           float64 `mapstructure:"MemoryPercent"`
	MemoryCacheEnabled      bool    `mapstructure:"MemoryCacheEnabled"`
	DiskCacheEnabled        bool    `mapstructure:"DiskCacheEnabled"`
	CompressQuality         int     `mapstructure:"CompressQuality"`
	AppVersion              int     `mapstructure:"AppVersion"`
	JournalRebuildThreshold int     `mapstructure:"JournalRebuildThreshold"`
	ReusePoolBytes          int64   `mapstructure:"ReusePoolBytes"`
}

// FetchConfig 控制抓取协调器的 worker 池与可接受的内容类型。
type FetchConfig struct {
	Workers      int      `mapstructure:"Workers"`
	QueueSize    int      `mapstructure:"QueueSize"`
	ContentTypes []string `mapstructure:"ContentTypes"`
	MaxBodyBytes int64    `mapstructure:"MaxBodyBytes"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
	Fetch  FetchConfig  `mapstructure:"Fetch"`
}

// TierModes 返回缓存层开关摘要，例如 memory:on disk:off，供启动日志使用。
func (c CacheConfig) TierModes() []string {
	return []string{
		"memory:" + onOff(c.MemoryCacheEnabled),
		"disk:" + onOff(c.DiskCacheEnabled),
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
