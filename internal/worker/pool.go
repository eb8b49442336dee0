// Package worker provides the bounded worker pool that runs fetch tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrPoolNotStarted 表示尚未调用 Start。
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStopped 表示 Stop 已被调用。
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrPoolAlreadyStarted 表示重复调用 Start。
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrQueueFull 表示队列已满，任务被丢弃。
	ErrQueueFull = errors.New("worker pool queue full")
	// ErrNilProcessor 表示未提供处理函数。
	ErrNilProcessor = errors.New("processor function cannot be nil")
	// ErrStopTimeout 表示 Stop 超时仍有 worker 未退出。
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Pool 以固定数量的 goroutine 处理类型为 T 的任务，队列满时 Submit 立即失败。
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	work    chan T
	wg      sync.WaitGroup
	metrics *poolMetrics
	busy    atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panicked  atomic.Int64
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	busy       prometheus.Gauge
	submitted  prometheus.Counter
	dropped    prometheus.Counter
	duration   *prometheus.HistogramVec
}

// Option 调整 Pool 的可选参数。
type Option[T any] func(*Pool[T])

// WithMetrics 在 reg 上注册以 prefix 开头的队列指标。重复注册时复用已有的收集器。
func WithMetrics[T any](reg prometheus.Registerer, prefix string) Option[T] {
	return func(p *Pool[T]) {
		if reg == nil || prefix == "" {
			return
		}
		p.metrics = &poolMetrics{
			queueDepth: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_queue_depth",
				Help: "Tasks waiting in the worker queue.",
			})),
			busy: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_busy_workers",
				Help: "Workers currently running a task.",
			})),
			submitted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_submitted_total",
				Help: "Tasks accepted into the queue.",
			})),
			dropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_dropped_total",
				Help: "Tasks rejected because the queue was full.",
			})),
			duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    prefix + "_task_duration_seconds",
				Help:    "Time spent running a task.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"status"})),
		}
	}
}

// register 注册 c；已存在同名收集器时返回旧的那个。
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// NewPool 创建 Pool。workers/queueSize <= 0 时使用默认值，processor 为 nil 时 panic。
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}
	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		work:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit 非阻塞地提交任务。
func (p *Pool[T]) Submit(task T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.work <- task:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.work)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start 启动 worker，ctx 会传给每次 processor 调用。
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Stop 停止接收新任务，等待队列中的任务处理完毕或超时。
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.work)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats 是 Pool 的计数器快照。
type Stats struct {
	Workers    int   `json:"workers"`
	Busy       int64 `json:"busy"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Panicked   int64 `json:"panicked"`
}

// Stats 返回当前统计。
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		Busy:       p.busy.Load(),
		QueueSize:  p.queueSize,
		QueueDepth: len(p.work),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		Panicked:   p.panicked.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.work:
			if !ok {
				return
			}
			p.process(ctx, task)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, task T) {
	start := time.Now()
	p.busy.Add(1)
	if p.metrics != nil {
		p.metrics.busy.Set(float64(p.busy.Load()))
		p.metrics.queueDepth.Set(float64(len(p.work)))
	}

	err := p.safeProcess(ctx, task)

	p.busy.Add(-1)
	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.busy.Set(float64(p.busy.Load()))
		p.metrics.duration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

// safeProcess 把 processor 的 panic 转换成错误，保证 worker 不会退出。
func (p *Pool[T]) safeProcess(ctx context.Context, task T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			err = fmt.Errorf("worker task panicked: %v", r)
		}
	}()
	return p.processor(ctx, task)
}
