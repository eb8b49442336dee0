package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/decode"
	"github.com/any-hub/tiercache/internal/disklru"
	"github.com/any-hub/tiercache/internal/memcache"
)

// ErrDiskUnavailable 表示磁盘层未启用、未打开或已被禁用。
var ErrDiskUnavailable = errors.New("disk cache unavailable")

// Options 对应 CacheBudget 以及注入的协作者。
type Options struct {
	DiskDirectory           string
	DiskBytes               int64
	MemoryBytes             int64
	MemoryPercent           float64
	MemoryCacheEnabled      bool
	DiskCacheEnabled        bool
	CompressQuality         int
	AppVersion              int
	JournalRebuildThreshold int
	ReusePoolBytes          int64

	Logger logrus.FieldLogger
	// Registry 用于解码磁盘中的原始字节，按嗅探出的内容类型选择解码器。
	Registry *decode.Registry
	// Encoder 在 Put(toDisk=true) 时把值写回字节形式。
	Encoder decode.Encoder
}

// Cache 组合内存层与磁盘层，整站只构建一个实例并显式传递给使用方。
type Cache struct {
	opts     Options
	logger   logrus.FieldLogger
	registry *decode.Registry
	encoder  decode.Encoder

	memory       *memcache.Store[decode.Value]
	reuse        *memcache.ReusePool
	memoryBudget MemoryBudget

	diskMu       sync.Mutex
	disk         *disklru.Store
	diskStarting bool
	diskReady    chan struct{}
	diskDisabled string

	jobMu      sync.RWMutex
	jobs       chan job
	jobsClosed bool
	stopped    chan struct{}

	degradedHash atomic.Bool
}

// Stats 是两层缓存的诊断快照。
type Stats struct {
	MemoryEnabled bool                `json:"memory_enabled"`
	MemoryBudget  MemoryBudget        `json:"memory_budget"`
	Memory        memcache.Stats      `json:"memory"`
	Reuse         memcache.ReuseStats `json:"reuse"`
	DiskEnabled   bool                `json:"disk_enabled"`
	DiskState     string              `json:"disk_state"`
	DiskDisabled  string              `json:"disk_disabled_reason,omitempty"`
	Disk          *disklru.Stats      `json:"disk,omitempty"`
	DegradedHash  bool                `json:"degraded_hash"`
}

// New 构建缓存并在磁盘层启用时异步调度一次 InitDisk。
func New(opts Options) (*Cache, error) {
	if opts.DiskCacheEnabled {
		if opts.DiskDirectory == "" {
			return nil, errors.New("disk directory required")
		}
		if opts.DiskBytes <= 0 {
			return nil, fmt.Errorf("disk budget must be positive: %d", opts.DiskBytes)
		}
	}
	if opts.AppVersion <= 0 {
		opts.AppVersion = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	registry := opts.Registry
	if registry == nil {
		registry = decode.DefaultRegistry([]string{"image"})
	}
	encoder := opts.Encoder
	if encoder == nil {
		encoder = decode.BlobEncoder{}
	}

	c := &Cache{
		opts:     opts,
		logger:   logger,
		registry: registry,
		encoder:  encoder,
		reuse:    memcache.NewReusePool(opts.ReusePoolBytes),
		jobs:     make(chan job, 16),
		stopped:  make(chan struct{}),
	}

	if opts.MemoryCacheEnabled {
		c.memoryBudget = ResolveMemoryBudget(opts.MemoryBytes, opts.MemoryPercent)
		memory, err := memcache.New[decode.Value](
			memoryUnits(c.memoryBudget.Bytes),
			func(_ string, v decode.Value) int64 { return valueUnits(v.SizeBytes()) },
			memcache.WithEvictionHandler(c.onMemoryEvicted),
		)
		if err != nil {
			return nil, err
		}
		c.memory = memory
		logger.WithFields(logrus.Fields{
			"action": "memory_init",
			"bytes":  c.memoryBudget.Bytes,
			"source": c.memoryBudget.Source,
		}).Info("内存缓存已创建")
	}

	go c.runJobs()

	if opts.DiskCacheEnabled {
		c.diskStarting = true
		c.diskReady = make(chan struct{})
		c.InitDisk()
	}
	return c, nil
}

// onMemoryEvicted 把无引用的可变缓冲区交给复用池。
func (c *Cache) onMemoryEvicted(_ string, v decode.Value) {
	r, ok := v.(decode.Recyclable)
	if !ok {
		return
	}
	if buf, ok := r.Recycle(); ok {
		c.reuse.Offer(buf)
	}
}

// ReusePool 返回解码缓冲区复用池，供解码器在分配前查询。
func (c *Cache) ReusePool() *memcache.ReusePool {
	return c.reuse
}

// GetMemory 返回内存层中的值。值实现 Retainer 时已增加一次引用，使用完须 Release。
func (c *Cache) GetMemory(logicalKey string) (decode.Value, bool) {
	if c.memory == nil || logicalKey == "" {
		return nil, false
	}
	v, ok := c.memory.Get(logicalKey)
	if !ok {
		return nil, false
	}
	if r, isRetainer := v.(decode.Retainer); isRetainer && !r.TryRetain() {
		return nil, false
	}
	return v, true
}

// GetDisk 读取并解码磁盘中的条目。磁盘层正在启动时等待其完成；任何磁盘错误都按未命中处理。
func (c *Cache) GetDisk(ctx context.Context, logicalKey string, hint decode.SizeHint) (decode.Value, bool) {
	raw, ok := c.GetRaw(ctx, logicalKey)
	if !ok {
		return nil, false
	}
	contentType := http.DetectContentType(raw)
	decoder, found := c.registry.Lookup(contentType)
	if !found {
		decoder = decode.Passthrough{}
	}
	v, err := decoder.Decode(raw, contentType, hint.Normalize(), c.reuse)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action": "disk_decode",
			"key":    logicalKey,
		}).Warn("磁盘条目解码失败，按未命中处理")
		return nil, false
	}
	return v, true
}

// GetRaw 返回磁盘中条目的原始字节。
func (c *Cache) GetRaw(ctx context.Context, logicalKey string) ([]byte, bool) {
	store := c.waitDisk(ctx)
	if store == nil {
		return nil, false
	}
	snap, err := store.Get(c.HashKey(logicalKey))
	if err != nil {
		if !errors.Is(err, disklru.ErrNotFound) && !errors.Is(err, disklru.ErrClosed) {
			c.logDiskError(err, "disk_get", logicalKey)
		}
		return nil, false
	}
	defer snap.Close()
	raw, err := snap.ReadAll(0)
	if err != nil {
		c.logDiskError(err, "disk_get", logicalKey)
		return nil, false
	}
	return raw, true
}

// Put 总是在内存层启用时写入内存；toDisk 为 true 且磁盘可用时再通过单个 Editor 写盘，
// 已存在的磁盘条目不会被覆盖。编码或 IO 失败会放弃该次编辑。
func (c *Cache) Put(ctx context.Context, logicalKey string, v decode.Value, toDisk bool) error {
	if logicalKey == "" || v == nil {
		return errors.New("cache key and value required")
	}
	if c.memory != nil {
		c.memory.Put(logicalKey, v)
	}
	if !toDisk || !c.opts.DiskCacheEnabled {
		return nil
	}
	var buf bytes.Buffer
	if err := c.encoder.Encode(&buf, v, c.opts.CompressQuality); err != nil {
		c.logDiskError(err, "disk_encode", logicalKey)
		return fmt.Errorf("encode value: %w", err)
	}
	_, err := c.StoreRaw(ctx, logicalKey, &buf)
	return err
}

// StoreRaw 把原始字节写入磁盘层，条目已存在时跳过并返回 false。
func (c *Cache) StoreRaw(ctx context.Context, logicalKey string, body io.Reader) (bool, error) {
	store := c.waitDisk(ctx)
	if store == nil {
		return false, ErrDiskUnavailable
	}
	diskKey := c.HashKey(logicalKey)

	if snap, err := store.Get(diskKey); err == nil {
		snap.Close()
		return false, nil
	}

	editor, err := store.Edit(diskKey)
	if err != nil {
		if errors.Is(err, disklru.ErrEditInProgress) {
			return false, nil
		}
		c.logDiskError(err, "disk_edit", logicalKey)
		return false, err
	}
	w, err := editor.NewWriter(0)
	if err != nil {
		editor.Abort()
		c.logDiskError(err, "disk_edit", logicalKey)
		return false, err
	}
	written, err := copyWithContext(ctx, w, body)
	closeErr := w.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		editor.Abort()
		c.logDiskError(err, "disk_write", logicalKey)
		return false, err
	}
	if err := editor.Commit(); err != nil {
		c.logDiskError(err, "disk_commit", logicalKey)
		return false, err
	}
	c.logger.WithFields(logrus.Fields{
		"action": "cache_put",
		"key":    logicalKey,
		"bytes":  written,
	}).Debug("磁盘缓存写入完成")
	return true, nil
}

// RemoveMemory 从内存层删除一个逻辑 key。
func (c *Cache) RemoveMemory(logicalKey string) bool {
	if c.memory == nil {
		return false
	}
	return c.memory.Remove(logicalKey)
}

// MemoryEnabled 返回内存层是否启用。
func (c *Cache) MemoryEnabled() bool {
	return c.memory != nil
}

// DiskEnabled 返回配置中是否启用磁盘层。
func (c *Cache) DiskEnabled() bool {
	return c.opts.DiskCacheEnabled
}

// Stats 返回诊断快照。
func (c *Cache) Stats() Stats {
	stats := Stats{
		MemoryEnabled: c.memory != nil,
		MemoryBudget:  c.memoryBudget,
		Reuse:         c.reuse.Stats(),
		DiskEnabled:   c.opts.DiskCacheEnabled,
		DegradedHash:  c.degradedHash.Load(),
	}
	if c.memory != nil {
		stats.Memory = c.memory.Stats()
	}

	c.diskMu.Lock()
	store := c.disk
	stats.DiskDisabled = c.diskDisabled
	switch {
	case c.diskStarting:
		stats.DiskState = "starting"
	case store != nil:
		stats.DiskState = "open"
	case c.diskDisabled != "":
		stats.DiskState = "disabled"
	default:
		stats.DiskState = "closed"
	}
	c.diskMu.Unlock()

	if store != nil {
		diskStats := store.Stats()
		stats.Disk = &diskStats
	}
	return stats
}

// waitDisk 在磁盘层启动期间阻塞，返回当前打开的 Store；不可用时返回 nil。
func (c *Cache) waitDisk(ctx context.Context) *disklru.Store {
	if !c.opts.DiskCacheEnabled {
		return nil
	}
	c.diskMu.Lock()
	for c.diskStarting {
		ready := c.diskReady
		c.diskMu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		}
		c.diskMu.Lock()
	}
	store := c.disk
	c.diskMu.Unlock()
	return store
}

func (c *Cache) logDiskError(err error, action, logicalKey string) {
	c.logger.WithError(err).WithFields(logrus.Fields{
		"action": action,
		"key":    logicalKey,
	}).Warn("磁盘缓存操作失败，已降级为未命中")
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
