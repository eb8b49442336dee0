package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/config"
	"github.com/any-hub/tiercache/internal/decode"
	"github.com/any-hub/tiercache/internal/fetcher"
	"github.com/any-hub/tiercache/internal/logging"
	"github.com/any-hub/tiercache/internal/metrics"
)

// Runtime 聚合进程内共享的缓存、协调器与指标注册表，启动阶段构建一次并显式传递。
type Runtime struct {
	Cache    *cache.Cache
	Fetcher  *fetcher.Coordinator
	Metrics  *metrics.Registry
	Decoders *decode.Registry
	Client   *http.Client

	logger logrus.FieldLogger
}

// Bootstrap 按"解码注册表 → 缓存 → 上游 → 协调器 → 指标"的顺序构建运行时。
// listener 接收所有完成通知，通常是 proxy.Broker。
func Bootstrap(cfg *config.Config, logger *logrus.Logger, listener fetcher.Listener) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	registry := decode.DefaultRegistry(cfg.Fetch.ContentTypes)

	cacheOpts := cfg.Cache.CacheOptions()
	cacheOpts.Logger = logging.Component(logger, "cache")
	cacheOpts.Registry = registry
	cacheOpts.Encoder = decode.JPEGEncoder{}
	store, err := cache.New(cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}

	client := NewUpstreamClient(cfg)
	upstream := fetcher.NewHTTPUpstream(client, logging.Component(logger, "upstream"),
		fetcher.WithRetry(cfg.Global.MaxRetries, cfg.Global.InitialBackoff.DurationValue()),
		fetcher.WithMaxBodyBytes(cfg.Fetch.MaxBodyBytes),
	)

	reg := metrics.NewRegistry()
	coordinator := fetcher.New(store, upstream, fetcher.Options{
		Workers:    cfg.Fetch.Workers,
		QueueSize:  cfg.Fetch.QueueSize,
		Logger:     logging.Component(logger, "fetcher"),
		Registry:   registry,
		Listener:   listener,
		Registerer: reg.Registerer(),
	})
	if err := reg.Watch(store, coordinator); err != nil {
		return nil, fmt.Errorf("注册指标失败: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"action":        "bootstrap",
		"tiers":         cfg.Cache.TierModes(),
		"content_types": registry.Prefixes(),
		"workers":       cfg.Fetch.Workers,
	}).Info("运行时构建完成")

	return &Runtime{
		Cache:    store,
		Fetcher:  coordinator,
		Metrics:  reg,
		Decoders: registry,
		Client:   client,
		logger:   logger,
	}, nil
}

// Start 启动协调器的 worker；ctx 结束时暂停中的任务会退出。
func (r *Runtime) Start(ctx context.Context) error {
	return r.Fetcher.Start(ctx)
}

// Shutdown 先停止协调器，再按生命周期队列关闭缓存。
func (r *Runtime) Shutdown(ctx context.Context) error {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	var errs []error
	if err := r.Fetcher.Stop(timeout); err != nil {
		errs = append(errs, fmt.Errorf("停止协调器失败: %w", err))
	}
	if err := r.Cache.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("关闭缓存失败: %w", err))
	}
	if len(errs) == 0 {
		r.logger.WithField("action", "shutdown").Info("运行时已关闭")
	}
	return errors.Join(errs...)
}
