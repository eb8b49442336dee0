// Package metrics 汇总 Prometheus 指标：运行时指标、缓存层快照与抓取协调器计数。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 包装独立的 prometheus.Registry，不使用全局默认注册表。
type Registry struct {
	prom *prometheus.Registry
}

// NewRegistry 创建注册表并注册 Go 运行时与进程指标。
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{prom: prom}
}

// Registerer 供其他组件注册自己的指标。
func (r *Registry) Registerer() prometheus.Registerer {
	return r.prom
}

// Gatherer 返回底层注册表，主要用于测试。
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}

// Watch 注册缓存与协调器的快照收集器，任一参数为 nil 时跳过。
func (r *Registry) Watch(cacheSource CacheSource, fetchSource FetchSource) error {
	if cacheSource != nil {
		if err := r.prom.Register(NewCacheCollector(cacheSource)); err != nil {
			return err
		}
	}
	if fetchSource != nil {
		if err := r.prom.Register(NewFetchCollector(fetchSource)); err != nil {
			return err
		}
	}
	return nil
}

// Handler 返回 /metrics 的 HTTP handler。
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
