package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyFetchDefaults(&cfg.Fetch)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absDir, err := filepath.Abs(cfg.Cache.DiskDirectory)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Cache.DiskDirectory = absDir

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("MaxRetries", 2)
	v.SetDefault("InitialBackoff", "200ms")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ResultTimeout", "30s")

	v.SetDefault("Cache.DiskDirectory", "./storage")
	v.SetDefault("Cache.DiskBytes", 10*1024*1024)
	v.SetDefault("Cache.MemoryBytes", 0)
	v.SetDefault("Cache.MemoryPercent", 0.25)
	v.SetDefault("Cache.MemoryCacheEnabled", true)
	v.SetDefault("Cache.DiskCacheEnabled", true)
	v.SetDefault("Cache.CompressQuality", 70)
	v.SetDefault("Cache.AppVersion", 1)
	v.SetDefault("Cache.JournalRebuildThreshold", 2000)
	v.SetDefault("Cache.ReusePoolBytes", 4*1024*1024)

	v.SetDefault("Fetch.Workers", 4)
	v.SetDefault("Fetch.QueueSize", 256)
	v.SetDefault("Fetch.ContentTypes", []string{"image"})
	v.SetDefault("Fetch.MaxBodyBytes", 0)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(200 * time.Millisecond)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ResultTimeout.DurationValue() == 0 {
		g.ResultTimeout = Duration(30 * time.Second)
	}
}

func applyFetchDefaults(f *FetchConfig) {
	cleaned := f.ContentTypes[:0]
	for _, ct := range f.ContentTypes {
		if trimmed := strings.ToLower(strings.TrimSpace(ct)); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	f.ContentTypes = cleaned
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
