package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/fetcher"
)

const namespace = "tiercache"

// CacheSource 提供缓存快照，*cache.Cache 满足该接口。
type CacheSource interface {
	Stats() cache.Stats
}

// FetchSource 提供协调器快照，*fetcher.Coordinator 满足该接口。
type FetchSource interface {
	Stats() fetcher.Stats
}

var diskStates = []string{"starting", "open", "disabled", "closed"}

// CacheCollector 在每次采集时读取一次 cache.Stats。
type CacheCollector struct {
	source CacheSource

	memoryEntries  *prometheus.Desc
	memorySize     *prometheus.Desc
	memoryBudget   *prometheus.Desc
	memoryHits     *prometheus.Desc
	memoryMisses   *prometheus.Desc
	memoryEvicted  *prometheus.Desc
	reuseBytes     *prometheus.Desc
	reuseReused    *prometheus.Desc
	diskEntries    *prometheus.Desc
	diskSize       *prometheus.Desc
	diskMaxSize    *prometheus.Desc
	diskRedundant  *prometheus.Desc
	diskState      *prometheus.Desc
	degradedHashes *prometheus.Desc
}

// NewCacheCollector 创建 CacheCollector。
func NewCacheCollector(source CacheSource) *CacheCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, labels, nil)
	}
	return &CacheCollector{
		source:         source,
		memoryEntries:  desc("memory_entries", "Entries resident in the memory tier."),
		memorySize:     desc("memory_size_kb", "Accounted memory tier size in KiB units."),
		memoryBudget:   desc("memory_budget_bytes", "Resolved memory tier budget.", "source"),
		memoryHits:     desc("memory_hits_total", "Memory tier hits."),
		memoryMisses:   desc("memory_misses_total", "Memory tier misses."),
		memoryEvicted:  desc("memory_evictions_total", "Memory tier evictions."),
		reuseBytes:     desc("reuse_pool_bytes", "Bytes held by the decode buffer reuse pool."),
		reuseReused:    desc("reuse_pool_reused_total", "Buffers handed back out by the reuse pool."),
		diskEntries:    desc("disk_entries", "Readable entries in the disk tier."),
		diskSize:       desc("disk_size_bytes", "Committed bytes in the disk tier."),
		diskMaxSize:    desc("disk_max_size_bytes", "Disk tier budget."),
		diskRedundant:  desc("disk_journal_redundant_ops", "Journal records that compaction would drop."),
		diskState:      desc("disk_state", "Disk tier state, 1 for the current state.", "state"),
		degradedHashes: desc("degraded_hash", "1 when on-disk keys use the fallback hash."),
	}
}

// Describe 实现 prometheus.Collector。
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.memoryEntries, c.memorySize, c.memoryBudget, c.memoryHits, c.memoryMisses,
		c.memoryEvicted, c.reuseBytes, c.reuseReused, c.diskEntries, c.diskSize,
		c.diskMaxSize, c.diskRedundant, c.diskState, c.degradedHashes,
	} {
		ch <- d
	}
}

// Collect 实现 prometheus.Collector。
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	if stats.MemoryEnabled {
		gauge(c.memoryEntries, float64(stats.Memory.Entries))
		gauge(c.memorySize, float64(stats.Memory.Size))
		gauge(c.memoryBudget, float64(stats.MemoryBudget.Bytes), stats.MemoryBudget.Source)
		counter(c.memoryHits, float64(stats.Memory.Hits))
		counter(c.memoryMisses, float64(stats.Memory.Misses))
		counter(c.memoryEvicted, float64(stats.Memory.Evictions))
	}
	gauge(c.reuseBytes, float64(stats.Reuse.Bytes))
	counter(c.reuseReused, float64(stats.Reuse.Reused))

	if stats.DiskEnabled {
		for _, state := range diskStates {
			v := 0.0
			if state == stats.DiskState {
				v = 1
			}
			gauge(c.diskState, v, state)
		}
	}
	if stats.Disk != nil {
		gauge(c.diskEntries, float64(stats.Disk.Entries))
		gauge(c.diskSize, float64(stats.Disk.SizeBytes))
		gauge(c.diskMaxSize, float64(stats.Disk.MaxSizeBytes))
		gauge(c.diskRedundant, float64(stats.Disk.RedundantOps))
	}
	degraded := 0.0
	if stats.DegradedHash {
		degraded = 1
	}
	gauge(c.degradedHashes, degraded)
}

// FetchCollector 导出协调器计数。
type FetchCollector struct {
	source FetchSource

	requests  *prometheus.Desc
	results   *prometheus.Desc
	deduped   *prometheus.Desc
	cancelled *prometheus.Desc
	discarded *prometheus.Desc
	network   *prometheus.Desc
	bound     *prometheus.Desc
	paused    *prometheus.Desc
}

// NewFetchCollector 创建 FetchCollector。
func NewFetchCollector(source FetchSource) *FetchCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "fetch", name), help, labels, nil)
	}
	return &FetchCollector{
		source:    source,
		requests:  desc("requests_total", "Requests accepted by the coordinator."),
		results:   desc("results_total", "Delivered completions by source and outcome.", "source", "outcome"),
		deduped:   desc("deduped_total", "Requests ignored because the target already had the same key in flight."),
		cancelled: desc("cancelled_total", "Tasks cancelled by rebinding or Cancel."),
		discarded: desc("discarded_total", "Completed tasks whose target had moved on."),
		network:   desc("network_fetches_total", "Upstream downloads started."),
		bound:     desc("bound_targets", "Targets with a bound task."),
		paused:    desc("paused", "1 while the pause gate is closed."),
	}
}

// Describe 实现 prometheus.Collector。
func (c *FetchCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.results, c.deduped, c.cancelled, c.discarded, c.network, c.bound, c.paused,
	} {
		ch <- d
	}
}

// Collect 实现 prometheus.Collector。
func (c *FetchCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.requests, stats.Requested)
	for _, source := range []fetcher.Source{fetcher.SourceNetwork, fetcher.SourceDisk, fetcher.SourceMemory} {
		counter(c.results, stats.BySource[source], string(source), "success")
	}
	counter(c.results, stats.Failed, "any", "failure")
	counter(c.deduped, stats.Deduped)
	counter(c.cancelled, stats.Cancelled)
	counter(c.discarded, stats.Discarded)
	counter(c.network, stats.Network)

	ch <- prometheus.MustNewConstMetric(c.bound, prometheus.GaugeValue, float64(stats.Bound))
	paused := 0.0
	if stats.Paused {
		paused = 1
	}
	ch <- prometheus.MustNewConstMetric(c.paused, prometheus.GaugeValue, paused)
}
