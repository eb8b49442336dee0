package proxy

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/decode"
	"github.com/any-hub/tiercache/internal/fetcher"
)

// errValueRecycled 表示共享结果的值在追加引用前已被回收。
var errValueRecycled = errors.New("value recycled before delivery")

// Broker 实现 fetcher.Listener，把完成通知转交给正在等待的 HTTP 请求。
// 同一 target 可以有多个等待者（重复请求被协调器去重），它们共享一次结果。
type Broker struct {
	mu      sync.Mutex
	waiters map[fetcher.TargetID][]*Subscription
	logger  logrus.FieldLogger
}

// Subscription 是一次等待。C 最多收到一个结果；被取代或取消时 C 直接关闭。
type Subscription struct {
	C <-chan fetcher.Result

	ch     chan fetcher.Result
	broker *Broker
	target fetcher.TargetID
	key    string
	done   bool
}

// NewBroker 创建空的 Broker。
func NewBroker(logger logrus.FieldLogger) *Broker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Broker{
		waiters: make(map[fetcher.TargetID][]*Subscription),
		logger:  logger,
	}
}

// Subscribe 登记对 (target, key) 的等待，必须在 Coordinator.Request 之前调用，
// 否则同步投递的内存命中会丢失。target 上等待其他 key 的请求会被关闭。
func (b *Broker) Subscribe(target fetcher.TargetID, key string) *Subscription {
	ch := make(chan fetcher.Result, 1)
	sub := &Subscription{C: ch, ch: ch, broker: b, target: target, key: key}

	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.waiters[target][:0]
	for _, w := range b.waiters[target] {
		if w.key == key {
			kept = append(kept, w)
			continue
		}
		w.closeLocked()
	}
	b.waiters[target] = append(kept, sub)
	return sub
}

// Close 取消等待；已经送达但未读取的结果会被释放。
func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !s.done {
		b.removeLocked(s)
		s.closeLocked()
		return
	}
	select {
	case r, ok := <-s.ch:
		if ok {
			r.Release()
		}
	default:
	}
}

// Drop 关闭 target 上的所有等待，返回被关闭的数量。
func (b *Broker) Drop(target fetcher.TargetID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiters := b.waiters[target]
	for _, w := range waiters {
		w.closeLocked()
	}
	delete(b.waiters, target)
	return len(waiters)
}

// Waiting 返回 target 上的等待数。
func (b *Broker) Waiting(target fetcher.TargetID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters[target])
}

// OnLoaded 实现 fetcher.Listener。结果送给 key 相同的所有等待者，
// 第二个及以后的等待者各自额外持有一次引用；没有等待者时直接释放。
func (b *Broker) OnLoaded(r fetcher.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []*Subscription
	kept := b.waiters[r.Target][:0]
	for _, w := range b.waiters[r.Target] {
		if w.key == r.Key {
			matched = append(matched, w)
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(b.waiters, r.Target)
	} else {
		b.waiters[r.Target] = kept
	}

	if len(matched) == 0 {
		b.logger.WithFields(logrus.Fields{
			"action": "broker_drop",
			"key":    r.Key,
			"target": string(r.Target),
		}).Debug("结果无人等待")
		r.Release()
		return
	}

	for i, w := range matched {
		delivered := r
		if i > 0 && !retainShared(r.Value) {
			delivered = fetcher.Result{
				Key:    r.Key,
				Target: r.Target,
				Source: r.Source,
				Err:    errValueRecycled,
			}
		}
		w.ch <- delivered
		w.done = true
		close(w.ch)
	}
}

func retainShared(v decode.Value) bool {
	rt, ok := v.(decode.Retainer)
	if !ok {
		return true
	}
	return rt.TryRetain()
}

func (b *Broker) removeLocked(s *Subscription) {
	waiters := b.waiters[s.target]
	for i, w := range waiters {
		if w == s {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(b.waiters, s.target)
		return
	}
	b.waiters[s.target] = waiters
}

func (s *Subscription) closeLocked() {
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}
