package memcache

import (
	"container/list"
	"fmt"
	"sync"
)

// Sizer 返回 value 的占用单位数；<=0 的结果按 1 计，任何条目都不是免费的。
type Sizer[V any] func(key string, value V) int64

// EvictionHandler 在条目被淘汰、删除或清空时调用，调用发生在锁外。同 key 的替换不触发。
type EvictionHandler[V any] func(key string, value V)

// Option 调整 Store 的可选参数。
type Option[V any] func(*Store[V])

// WithEvictionHandler 注册淘汰回调。
func WithEvictionHandler[V any](fn EvictionHandler[V]) Option[V] {
	return func(s *Store[V]) {
		s.onEvicted = fn
	}
}

// Store 是按占用单位计量的 LRU 缓存，map 负责 O(1) 查找，链表维护访问顺序。
type Store[V any] struct {
	mu sync.Mutex

	maxSize int64
	size    int64
	items   map[string]*list.Element
	lru     *list.List // Front = 最近使用, Back = 最久未使用

	sizer     Sizer[V]
	onEvicted EvictionHandler[V]

	hits      uint64
	misses    uint64
	puts      uint64
	evictions uint64
}

type item[V any] struct {
	key   string
	value V
	size  int64
}

type evicted[V any] struct {
	key   string
	value V
}

// Stats 是内存层的只读快照。
type Stats struct {
	Entries   int    `json:"entries"`
	Size      int64  `json:"size"`
	MaxSize   int64  `json:"max_size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Puts      uint64 `json:"puts"`
	Evictions uint64 `json:"evictions"`
}

// New 创建预算为 maxSize 单位的 Store。sizer 为 nil 时每个条目计 1。
func New[V any](maxSize int64, sizer Sizer[V], opts ...Option[V]) (*Store[V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("memory cache maxSize must be positive: %d", maxSize)
	}
	if sizer == nil {
		sizer = func(string, V) int64 { return 1 }
	}
	s := &Store[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		sizer:   sizer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put 插入或替换 key，必要时从最久未使用端淘汰直到回到预算内。
// 单个条目超过预算时它自己也会被淘汰。
func (s *Store[V]) Put(key string, value V) {
	size := s.sizer(key, value)
	if size <= 0 {
		size = 1
	}

	s.mu.Lock()
	var removed []evicted[V]
	s.puts++
	if el, ok := s.items[key]; ok {
		it := el.Value.(*item[V])
		s.size += size - it.size
		it.value = value
		it.size = size
		s.lru.MoveToFront(el)
	} else {
		s.items[key] = s.lru.PushFront(&item[V]{key: key, value: value, size: size})
		s.size += size
	}
	removed = s.trimLocked(removed)
	s.mu.Unlock()

	s.notify(removed)
}

// Get 返回 key 对应的值并把它标记为最近使用。
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		s.misses++
		var zero V
		return zero, false
	}
	s.hits++
	s.lru.MoveToFront(el)
	return el.Value.(*item[V]).value, true
}

// Contains 判断 key 是否存在，不影响访问顺序。
func (s *Store[V]) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// Remove 删除 key，返回是否存在。
func (s *Store[V]) Remove(key string) bool {
	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	it := s.removeElementLocked(el)
	s.mu.Unlock()

	s.notify([]evicted[V]{{key: it.key, value: it.value}})
	return true
}

// Clear 清空全部条目，每个条目都会触发淘汰回调。
func (s *Store[V]) Clear() {
	s.mu.Lock()
	removed := make([]evicted[V], 0, len(s.items))
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		it := el.Value.(*item[V])
		removed = append(removed, evicted[V]{key: it.key, value: it.value})
	}
	s.items = make(map[string]*list.Element)
	s.lru.Init()
	s.size = 0
	s.mu.Unlock()

	s.notify(removed)
}

// Resize 调整预算并立即淘汰到新预算内。
func (s *Store[V]) Resize(maxSize int64) error {
	if maxSize <= 0 {
		return fmt.Errorf("memory cache maxSize must be positive: %d", maxSize)
	}
	s.mu.Lock()
	s.maxSize = maxSize
	removed := s.trimLocked(nil)
	s.mu.Unlock()

	s.notify(removed)
	return nil
}

// Len 返回条目数量。
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Size 返回当前占用单位数。
func (s *Store[V]) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// MaxSize 返回预算。
func (s *Store[V]) MaxSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSize
}

// Keys 按最近使用 -> 最久未使用的顺序返回 key。
func (s *Store[V]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, s.lru.Len())
	for el := s.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*item[V]).key)
	}
	return out
}

// Stats 返回计数器快照。
func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:   len(s.items),
		Size:      s.size,
		MaxSize:   s.maxSize,
		Hits:      s.hits,
		Misses:    s.misses,
		Puts:      s.puts,
		Evictions: s.evictions,
	}
}

func (s *Store[V]) trimLocked(removed []evicted[V]) []evicted[V] {
	for s.size > s.maxSize {
		el := s.lru.Back()
		if el == nil {
			break
		}
		it := s.removeElementLocked(el)
		s.evictions++
		removed = append(removed, evicted[V]{key: it.key, value: it.value})
	}
	return removed
}

func (s *Store[V]) removeElementLocked(el *list.Element) *item[V] {
	it := el.Value.(*item[V])
	delete(s.items, it.key)
	s.lru.Remove(el)
	s.size -= it.size
	return it
}

func (s *Store[V]) notify(removed []evicted[V]) {
	if s.onEvicted == nil {
		return
	}
	for _, ev := range removed {
		s.onEvicted(ev.key, ev.value)
	}
}
