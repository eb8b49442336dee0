package memcache

import (
	"container/list"
	"sync"
)

// ReusePool 是被淘汰解码缓冲区的显式 free-list，按容量总和限额。
// 只有调用方确认不再被引用的缓冲区才能 Offer 进来；Take 之后所有权转移给调用方。
type ReusePool struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	free     *list.List // Front = 最新放入

	offered  uint64
	rejected uint64
	reused   uint64
	missed   uint64
	pruned   uint64
}

// ReuseStats 是复用池的只读快照。
type ReuseStats struct {
	Buffers  int    `json:"buffers"`
	Bytes    int64  `json:"bytes"`
	MaxBytes int64  `json:"max_bytes"`
	Offered  uint64 `json:"offered"`
	Rejected uint64 `json:"rejected"`
	Reused   uint64 `json:"reused"`
	Missed   uint64 `json:"missed"`
	Pruned   uint64 `json:"pruned"`
}

// NewReusePool 创建容量上限为 maxBytes 的复用池；maxBytes<=0 时池始终为空。
func NewReusePool(maxBytes int64) *ReusePool {
	return &ReusePool{maxBytes: maxBytes, free: list.New()}
}

// Offer 把 buf 放入池中。超过上限时最早放入的缓冲区被丢弃。
func (p *ReusePool) Offer(buf []byte) bool {
	if p == nil || cap(buf) == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := int64(cap(buf))
	if capacity > p.maxBytes {
		p.rejected++
		return false
	}
	p.free.PushFront(buf[:0])
	p.size += capacity
	p.offered++
	for p.size > p.maxBytes {
		el := p.free.Back()
		p.size -= int64(cap(el.Value.([]byte)))
		p.free.Remove(el)
		p.pruned++
	}
	return true
}

// Take 返回第一个满足 match 的缓冲区（长度为 0），没有时返回 nil。
func (p *ReusePool) Take(match func(capacity int) bool) []byte {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for el := p.free.Front(); el != nil; el = el.Next() {
		buf := el.Value.([]byte)
		if match(cap(buf)) {
			p.free.Remove(el)
			p.size -= int64(cap(buf))
			p.reused++
			return buf
		}
	}
	p.missed++
	return nil
}

// TakeFit 返回长度为 n 的缓冲区：优先复用容量足够的候选，否则新分配。
func (p *ReusePool) TakeFit(n int) []byte {
	if n < 0 {
		n = 0
	}
	if buf := p.Take(func(capacity int) bool { return capacity >= n }); buf != nil {
		return buf[:n]
	}
	return make([]byte, n)
}

// Clear 丢弃全部候选。
func (p *ReusePool) Clear() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruned += uint64(p.free.Len())
	p.free.Init()
	p.size = 0
}

// Stats 返回计数器快照。
func (p *ReusePool) Stats() ReuseStats {
	if p == nil {
		return ReuseStats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return ReuseStats{
		Buffers:  p.free.Len(),
		Bytes:    p.size,
		MaxBytes: p.maxBytes,
		Offered:  p.offered,
		Rejected: p.rejected,
		Reused:   p.reused,
		Missed:   p.missed,
		Pruned:   p.pruned,
	}
}
