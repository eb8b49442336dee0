// Package fetcher 把"先查缓存、再回源"的任务绑定到展示目标上，负责取消、暂停与过期结果的丢弃。
//
// 每个目标同一时刻最多绑定一个 Pending/Running 任务。同一目标重复请求同一 key 时不会重复调度；
// 请求其他 key 会取消旧任务并绑定新任务。任务完成时通过绑定关系做身份校验，
// 被取代的任务只写缓存，不投递结果。
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/decode"
	"github.com/any-hub/tiercache/internal/logging"
	"github.com/any-hub/tiercache/internal/memcache"
	"github.com/any-hub/tiercache/internal/worker"
)

var (
	// ErrUnsupportedContent 表示上游内容类型没有注册解码器。
	ErrUnsupportedContent = errors.New("unsupported content type")
	// ErrEmptyBody 表示上游返回了空响应体。
	ErrEmptyBody = errors.New("upstream returned empty body")
	// ErrExitedEarly 表示 exit-early 标志打开，任务未投递结果。
	ErrExitedEarly = errors.New("fetch task exited early")
)

// Source 标识结果来自哪一层。
type Source string

const (
	SourceNetwork Source = "network"
	SourceDisk    Source = "disk_cache_hit"
	SourceMemory  Source = "memory_cache_hit"
)

// TargetID 标识结果最终投递的展示目标。
type TargetID string

// Result 是一次请求的完成通知。Value 实现 decode.Retainer 时持有一次引用，
// 接收方用完后调用 Release。
type Result struct {
	Key     string
	Target  TargetID
	Success bool
	Source  Source
	Value   decode.Value
	Err     error
}

// Release 归还 Value 上的引用。
func (r Result) Release() {
	if rt, ok := r.Value.(decode.Retainer); ok {
		rt.Release()
	}
}

// Listener 接收完成通知。回调可能在 worker goroutine 中执行，不应长时间阻塞。
type Listener interface {
	OnLoaded(Result)
}

// ListenerFunc 让普通函数满足 Listener。
type ListenerFunc func(Result)

// OnLoaded 调用 f。
func (f ListenerFunc) OnLoaded(r Result) { f(r) }

// Cache 是协调器依赖的两层缓存能力，*cache.Cache 满足该接口。
type Cache interface {
	GetMemory(key string) (decode.Value, bool)
	GetDisk(ctx context.Context, key string, hint decode.SizeHint) (decode.Value, bool)
	StoreRaw(ctx context.Context, key string, body io.Reader) (bool, error)
	Put(ctx context.Context, key string, v decode.Value, toDisk bool) error
	ReusePool() *memcache.ReusePool
	DiskEnabled() bool
}

// Options 控制 worker 数量、队列长度与可选协作者。
type Options struct {
	Workers   int
	QueueSize int
	Logger    logrus.FieldLogger
	// Registry 按上游内容类型选择解码器；未注册的类型以 ErrUnsupportedContent 失败。
	Registry *decode.Registry
	Listener Listener
	// Registerer 非空时注册 worker 队列指标。
	Registerer prometheus.Registerer
}

// RequestOption 调整单次请求。
type RequestOption func(*requestOptions)

type requestOptions struct {
	disk bool
	hint decode.SizeHint
}

// WithoutDisk 让该请求跳过磁盘层的读取与写入。
func WithoutDisk() RequestOption {
	return func(o *requestOptions) { o.disk = false }
}

// WithSizeHint 设置目标展示尺寸，无效值按不限制处理。
func WithSizeHint(hint decode.SizeHint) RequestOption {
	return func(o *requestOptions) { o.hint = hint.Normalize() }
}

// Stats 是协调器的计数器快照。
type Stats struct {
	Requested  int64            `json:"requested"`
	Deduped    int64            `json:"deduped"`
	MemoryHits int64            `json:"memory_hits"`
	DiskHits   int64            `json:"disk_hits"`
	Network    int64            `json:"network_fetches"`
	Delivered  int64            `json:"delivered"`
	BySource   map[Source]int64 `json:"delivered_by_source"`
	Failed     int64            `json:"failed"`
	Cancelled  int64            `json:"cancelled"`
	Discarded  int64            `json:"discarded"`
	Bound      int              `json:"bound"`
	Paused     bool             `json:"paused"`
	ExitEarly  bool             `json:"exit_early"`
	Pool       worker.Stats     `json:"pool"`
}

// Coordinator 调度抓取任务。单个进程构建一个实例并显式传递。
type Coordinator struct {
	cache    Cache
	upstream Upstream
	registry *decode.Registry
	listener Listener
	logger   logrus.FieldLogger
	pool     *worker.Pool[*task]
	group    singleflight.Group

	mu       sync.Mutex
	bindings map[TargetID]*task
	nextID   uint64

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool
	closed    bool

	exitEarly atomic.Bool

	requested  atomic.Int64
	deduped    atomic.Int64
	memoryHits atomic.Int64
	diskHits   atomic.Int64
	network    atomic.Int64
	delivered  atomic.Int64
	byNetwork  atomic.Int64
	byDisk     atomic.Int64
	byMemory   atomic.Int64
	failed     atomic.Int64
	cancelled  atomic.Int64
	discarded  atomic.Int64
}

// New 创建协调器，需要调用 Start 后才会执行任务。
func New(c Cache, upstream Upstream, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	registry := opts.Registry
	if registry == nil {
		registry = decode.DefaultRegistry([]string{"image"})
	}
	co := &Coordinator{
		cache:    c,
		upstream: upstream,
		registry: registry,
		listener: opts.Listener,
		logger:   logger,
		bindings: make(map[TargetID]*task),
	}
	co.pauseCond = sync.NewCond(&co.pauseMu)

	var poolOpts []worker.Option[*task]
	if opts.Registerer != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[*task](opts.Registerer, "tiercache_fetch_pool"))
	}
	co.pool = worker.NewPool(opts.Workers, opts.QueueSize, co.run, poolOpts...)
	return co
}

// Start 启动 worker。ctx 结束时暂停中的任务会被唤醒并退出。
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.pool.Start(ctx); err != nil {
		return err
	}
	context.AfterFunc(ctx, c.close)
	return nil
}

// Stop 唤醒所有等待中的任务并等待 worker 退出。
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.close()
	return c.pool.Stop(timeout)
}

func (c *Coordinator) close() {
	c.pauseMu.Lock()
	c.closed = true
	c.pauseCond.Broadcast()
	c.pauseMu.Unlock()
}

// Request 为 target 请求 key。内存命中时在当前 goroutine 中立即投递；
// target 已绑定同一 key 的进行中任务时返回 false，其余情况返回 true。
func (c *Coordinator) Request(key string, target TargetID, opts ...RequestOption) bool {
	if key == "" || target == "" {
		return false
	}
	ro := requestOptions{disk: true}
	for _, opt := range opts {
		opt(&ro)
	}
	c.requested.Add(1)

	if v, ok := c.cache.GetMemory(key); ok {
		c.mu.Lock()
		old := c.bindings[target]
		delete(c.bindings, target)
		c.mu.Unlock()
		c.cancelTask(old)
		c.memoryHits.Add(1)
		c.deliver(Result{Key: key, Target: target, Success: true, Source: SourceMemory, Value: v}, 0)
		return true
	}

	c.mu.Lock()
	old := c.bindings[target]
	if old != nil && old.key == key && old.active() {
		c.mu.Unlock()
		c.deduped.Add(1)
		return false
	}
	c.nextID++
	t := newTask(c.nextID, key, target, ro)
	c.bindings[target] = t
	c.mu.Unlock()
	c.cancelTask(old)

	if err := c.pool.Submit(t); err != nil {
		c.mu.Lock()
		if c.bindings[target] == t {
			delete(c.bindings, target)
		}
		c.mu.Unlock()
		t.state.Store(int32(StateCompleted))
		c.logger.WithError(err).WithFields(logging.TaskFields("fetch_submit", key, string(target), t.id)).
			Warn("抓取任务提交失败")
		c.deliver(Result{Key: key, Target: target, Source: SourceNetwork, Err: err}, t.id)
	}
	return true
}

// Cancel 取消 target 当前绑定的任务，没有任务时返回 false。
func (c *Coordinator) Cancel(target TargetID) bool {
	c.mu.Lock()
	t := c.bindings[target]
	delete(c.bindings, target)
	c.mu.Unlock()
	return c.cancelTask(t)
}

// SetPaused 打开或关闭暂停闸门。关闭时唤醒所有等待中的任务。
func (c *Coordinator) SetPaused(paused bool) {
	c.pauseMu.Lock()
	c.paused = paused
	if !paused {
		c.pauseCond.Broadcast()
	}
	c.pauseMu.Unlock()
}

// Paused 返回暂停闸门状态。
func (c *Coordinator) Paused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused
}

// SetExitTasksEarly 打开时任务不再投递结果，新任务跳过磁盘读取与解码。
func (c *Coordinator) SetExitTasksEarly(exit bool) {
	c.exitEarly.Store(exit)
	if exit {
		c.pauseMu.Lock()
		c.pauseCond.Broadcast()
		c.pauseMu.Unlock()
	}
}

// State 返回 target 当前绑定任务的状态。
func (c *Coordinator) State(target TargetID) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.bindings[target]
	if !ok {
		return StateUnbound, false
	}
	return t.currentState(), true
}

// Stats 返回计数器快照。
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	bound := len(c.bindings)
	c.mu.Unlock()
	return Stats{
		Requested:  c.requested.Load(),
		Deduped:    c.deduped.Load(),
		MemoryHits: c.memoryHits.Load(),
		DiskHits:   c.diskHits.Load(),
		Network:    c.network.Load(),
		Delivered:  c.delivered.Load(),
		BySource: map[Source]int64{
			SourceNetwork: c.byNetwork.Load(),
			SourceDisk:    c.byDisk.Load(),
			SourceMemory:  c.byMemory.Load(),
		},
		Failed:     c.failed.Load(),
		Cancelled:  c.cancelled.Load(),
		Discarded:  c.discarded.Load(),
		Bound:      bound,
		Paused:     c.Paused(),
		ExitEarly:  c.exitEarly.Load(),
		Pool:       c.pool.Stats(),
	}
}

func (c *Coordinator) cancelTask(t *task) bool {
	if t == nil || !t.cancel() {
		return false
	}
	c.cancelled.Add(1)
	c.pauseMu.Lock()
	c.pauseCond.Broadcast()
	c.pauseMu.Unlock()
	return true
}

// run 是 worker 执行的任务主体：暂停闸门 → 磁盘 → 网络 → 解码 → 写缓存 → 投递。
func (c *Coordinator) run(ctx context.Context, t *task) error {
	if !t.start() {
		return nil
	}
	log := c.logger.WithFields(logging.TaskFields("fetch", t.key, string(t.target), t.id))

	if !c.waitIfPaused(ctx, t) {
		return nil
	}

	var (
		value  decode.Value
		source = SourceNetwork
		err    error
	)
	if t.disk && !c.exitEarly.Load() && !t.cancelled() {
		if v, ok := c.cache.GetDisk(ctx, t.key, t.hint); ok {
			value, source = v, SourceDisk
			c.diskHits.Add(1)
		}
	}
	if value == nil && !t.cancelled() && !c.exitEarly.Load() {
		value, err = c.fetchNetwork(ctx, t)
	}

	retained := false
	if value != nil {
		if rt, ok := value.(decode.Retainer); ok {
			retained = rt.TryRetain()
		}
		if putErr := c.cache.Put(ctx, t.key, value, false); putErr != nil {
			log.WithError(putErr).Warn("写入内存缓存失败")
		}
	}
	discard := func() {
		if retained {
			value.(decode.Retainer).Release()
		}
	}

	if t.cancelled() {
		discard()
		log.Debug("任务已取消，结果只写入缓存")
		return nil
	}
	if !c.complete(t) {
		discard()
		c.discarded.Add(1)
		log.Debug("目标已绑定新任务，丢弃结果")
		return nil
	}
	if c.exitEarly.Load() {
		discard()
		c.deliver(Result{Key: t.key, Target: t.target, Source: source, Err: ErrExitedEarly}, t.id)
		return nil
	}
	if err != nil || value == nil {
		if err == nil {
			err = ErrExitedEarly
		}
		log.WithError(err).Warn("抓取失败")
		c.deliver(Result{Key: t.key, Target: t.target, Source: source, Err: err}, t.id)
		return err
	}

	c.deliver(Result{Key: t.key, Target: t.target, Success: true, Source: source, Value: value}, t.id)
	return nil
}

// waitIfPaused 在暂停期间阻塞，返回任务是否仍然有效。
func (c *Coordinator) waitIfPaused(ctx context.Context, t *task) bool {
	c.pauseMu.Lock()
	for c.paused && !c.closed && !t.cancelled() && !c.exitEarly.Load() && ctx.Err() == nil {
		c.pauseCond.Wait()
	}
	c.pauseMu.Unlock()
	return !t.cancelled()
}

// fetchNetwork 回源下载并解码。同一 key 的并发下载经 singleflight 合并为一次。
func (c *Coordinator) fetchNetwork(ctx context.Context, t *task) (decode.Value, error) {
	res, err, _ := c.group.Do(t.key, func() (any, error) {
		c.network.Add(1)
		return c.upstream.Fetch(ctx, t.key)
	})
	if err != nil {
		return nil, err
	}
	payload := res.(*Payload)
	if len(payload.Body) == 0 {
		return nil, ErrEmptyBody
	}
	decoder, ok := c.registry.Lookup(payload.ContentType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, payload.ContentType)
	}
	if c.exitEarly.Load() {
		return nil, ErrExitedEarly
	}

	if t.disk && c.cache.DiskEnabled() {
		stored, err := c.cache.StoreRaw(ctx, t.key, bytes.NewReader(payload.Body))
		if err != nil && !errors.Is(err, cache.ErrDiskUnavailable) {
			c.logger.WithError(err).WithFields(logging.TaskFields("fetch_store", t.key, string(t.target), t.id)).
				Debug("原始字节未写入磁盘缓存")
		} else if stored {
			c.logger.WithFields(logging.TaskFields("fetch_store", t.key, string(t.target), t.id)).
				Debug("原始字节已写入磁盘缓存")
		}
	}

	pool := c.cache.ReusePool()
	var buffers decode.BufferPool
	if pool != nil {
		buffers = pool
	}
	value, err := decoder.Decode(payload.Body, payload.ContentType, t.hint, buffers)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", payload.ContentType, err)
	}
	return value, nil
}

// complete 在任务仍绑定于目标时解除绑定并标记完成。
func (c *Coordinator) complete(t *task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindings[t.target] != t {
		return false
	}
	if !t.finish() {
		return false
	}
	delete(c.bindings, t.target)
	return true
}

func (c *Coordinator) deliver(r Result, taskID uint64) {
	if r.Success {
		c.delivered.Add(1)
		switch r.Source {
		case SourceNetwork:
			c.byNetwork.Add(1)
		case SourceDisk:
			c.byDisk.Add(1)
		case SourceMemory:
			c.byMemory.Add(1)
		}
	} else {
		c.failed.Add(1)
	}
	c.logger.WithFields(logging.TaskFields("fetch_deliver", r.Key, string(r.Target), taskID)).
		WithFields(logrus.Fields{"success": r.Success, "source": string(r.Source)}).
		Debug("抓取结果已投递")
	if c.listener == nil {
		r.Release()
		return
	}
	c.listener.OnLoaded(r)
}
