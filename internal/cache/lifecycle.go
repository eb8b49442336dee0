package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/disklru"
)

// ErrShutdown 表示生命周期执行器已经停止。
var ErrShutdown = errors.New("cache lifecycle executor stopped")

// 磁盘层被禁用的原因。
const (
	DisabledInsufficientSpace = "insufficient_space"
	DisabledOpenFailed        = "open_failed"
)

type job struct {
	name string
	run  func() error
	done chan error
}

// InitDisk 打开磁盘层；已打开时为空操作。
func (c *Cache) InitDisk() <-chan error {
	return c.submit("disk_init", c.initDisk)
}

// Clear 清空内存层与磁盘层，并立即重新初始化磁盘层。
func (c *Cache) Clear() <-chan error {
	return c.submit("cache_clear", c.clear)
}

// Flush 把磁盘日志刷到持久化介质；磁盘层未打开时为空操作。
func (c *Cache) Flush() <-chan error {
	return c.submit("disk_flush", c.flush)
}

// CloseDisk 关闭磁盘层；已关闭时为空操作。之后可再次 InitDisk。
func (c *Cache) CloseDisk() <-chan error {
	return c.submit("disk_close", c.closeDisk)
}

// Shutdown 关闭磁盘层并停止执行器，可重复调用。
func (c *Cache) Shutdown(ctx context.Context) error {
	var err error
	select {
	case err = <-c.CloseDisk():
		if errors.Is(err, ErrShutdown) {
			err = nil
		}
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.jobMu.Lock()
	if !c.jobsClosed {
		c.jobsClosed = true
		close(c.jobs)
	}
	c.jobMu.Unlock()

	select {
	case <-c.stopped:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// submit 把作业放入串行队列。返回的 channel 始终会收到一个结果。
func (c *Cache) submit(name string, run func() error) <-chan error {
	done := make(chan error, 1)
	c.jobMu.RLock()
	defer c.jobMu.RUnlock()
	if c.jobsClosed {
		done <- ErrShutdown
		return done
	}
	c.jobs <- job{name: name, run: run, done: done}
	return done
}

func (c *Cache) runJobs() {
	defer close(c.stopped)
	for j := range c.jobs {
		start := time.Now()
		err := j.run()
		fields := logrus.Fields{
			"action":     j.name,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			c.logger.WithError(err).WithFields(fields).Warn("缓存生命周期作业失败")
		} else {
			c.logger.WithFields(fields).Debug("缓存生命周期作业完成")
		}
		j.done <- err
	}
}

func (c *Cache) initDisk() error {
	if !c.opts.DiskCacheEnabled {
		return nil
	}
	c.diskMu.Lock()
	if c.disk != nil && !c.disk.IsClosed() {
		c.finishStartLocked(c.disk, "")
		c.diskMu.Unlock()
		return nil
	}
	c.beginStartLocked()
	c.diskMu.Unlock()

	store, reason, err := c.openDisk()

	c.diskMu.Lock()
	c.finishStartLocked(store, reason)
	c.diskMu.Unlock()
	return err
}

func (c *Cache) clear() error {
	if c.memory != nil {
		c.memory.Clear()
	}
	c.reuse.Clear()
	if !c.opts.DiskCacheEnabled {
		return nil
	}

	c.diskMu.Lock()
	c.beginStartLocked()
	old := c.disk
	c.disk = nil
	c.diskMu.Unlock()

	var deleteErr error
	if old != nil {
		deleteErr = old.Delete()
	} else if err := wipeDirectory(c.opts.DiskDirectory); err != nil {
		deleteErr = err
	}

	store, reason, err := c.openDisk()
	c.diskMu.Lock()
	c.finishStartLocked(store, reason)
	c.diskMu.Unlock()

	if deleteErr != nil {
		return fmt.Errorf("clear disk cache: %w", deleteErr)
	}
	return err
}

func (c *Cache) flush() error {
	c.diskMu.Lock()
	store := c.disk
	c.diskMu.Unlock()
	if store == nil {
		return nil
	}
	if err := store.Flush(); err != nil && !errors.Is(err, disklru.ErrClosed) {
		return err
	}
	return nil
}

func (c *Cache) closeDisk() error {
	c.diskMu.Lock()
	store := c.disk
	c.disk = nil
	c.diskMu.Unlock()
	if store == nil {
		return nil
	}
	return store.Close()
}

// beginStartLocked 让后续 GetDisk 在新的就绪信号上等待。
func (c *Cache) beginStartLocked() {
	if !c.diskStarting {
		c.diskStarting = true
		c.diskReady = make(chan struct{})
	}
}

func (c *Cache) finishStartLocked(store *disklru.Store, reason string) {
	c.disk = store
	c.diskDisabled = reason
	if c.diskStarting {
		c.diskStarting = false
		close(c.diskReady)
	}
}

// openDisk 在可用空间足够时打开磁盘层。空间不足时本次会话禁用磁盘层，不返回错误。
func (c *Cache) openDisk() (*disklru.Store, string, error) {
	dir := c.opts.DiskDirectory
	log := c.logger.WithFields(logrus.Fields{"action": "disk_init", "dir": dir})

	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).Warn("创建磁盘缓存目录失败，磁盘层已禁用")
		return nil, DisabledOpenFailed, err
	}
	free, err := usableSpace(dir)
	if err != nil {
		log.WithError(err).Warn("无法读取可用空间，继续打开磁盘缓存")
	} else if free <= uint64(c.opts.DiskBytes) {
		log.WithFields(logrus.Fields{
			"free":   free,
			"budget": c.opts.DiskBytes,
		}).Warn("可用空间不足，本次会话禁用磁盘缓存")
		return nil, DisabledInsufficientSpace, nil
	}

	store, err := disklru.Open(dir, c.opts.AppVersion, 1, c.opts.DiskBytes,
		disklru.WithLogger(c.logger),
		disklru.WithRebuildThreshold(c.opts.JournalRebuildThreshold),
	)
	if err != nil {
		log.WithError(err).Warn("打开磁盘缓存失败，磁盘层已禁用")
		return nil, DisabledOpenFailed, err
	}
	log.WithField("size", store.Size()).Info("磁盘缓存已打开")
	return store, "", nil
}

func wipeDirectory(dir string) error {
	items, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, item := range items {
		if err := os.RemoveAll(filepath.Join(dir, item.Name())); err != nil {
			return err
		}
	}
	return nil
}
