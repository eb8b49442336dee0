package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewPoolDefaults(t *testing.T) {
	processor := func(context.Context, int) error { return nil }
	pool := NewPool(0, 0, processor)
	if pool.workers != defaultWorkers || pool.queueSize != defaultQueueSize {
		t.Fatalf("unexpected defaults: workers=%d queue=%d", pool.workers, pool.queueSize)
	}
}

func TestNewPoolNilProcessorPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic for nil processor")
		}
	}()
	NewPool[int](1, 1, nil)
}

func TestPoolProcessesAndStops(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 10, func(context.Context, int) error {
		processed.Add(1)
		return nil
	})

	if err := pool.Submit(1); !errors.Is(err, ErrPoolNotStarted) {
		t.Fatalf("expected ErrPoolNotStarted, got %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := pool.Start(context.Background()); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Fatalf("expected ErrPoolAlreadyStarted, got %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := pool.Submit(i); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := pool.Stop(5 * time.Second); err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if processed.Load() != 5 {
		t.Fatalf("expected 5 processed tasks, got %d", processed.Load())
	}
	if err := pool.Submit(99); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}

func TestPoolQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool := NewPool(1, 1, func(context.Context, int) error {
		started <- struct{}{}
		<-release
		return nil
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() {
		close(release)
		pool.Stop(time.Second)
	}()

	if err := pool.Submit(1); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	<-started
	if err := pool.Submit(2); err != nil {
		t.Fatalf("submit 2 should fill the queue: %v", err)
	}
	if err := pool.Submit(3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if pool.Stats().Dropped != 1 {
		t.Fatalf("dropped counter not updated: %+v", pool.Stats())
	}
}

func TestPoolCountsFailuresAndPanics(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	pool := NewPool(1, 4, func(_ context.Context, n int) error {
		defer wg.Done()
		if n == 1 {
			panic("boom")
		}
		return errors.New("failed")
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	pool.Submit(1)
	pool.Submit(2)
	wg.Wait()
	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	stats := pool.Stats()
	if stats.Failed != 2 || stats.Panicked != 1 || stats.Processed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPoolRegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	done := make(chan struct{})
	pool := NewPool(1, 4, func(context.Context, int) error {
		close(done)
		return nil
	}, WithMetrics[int](reg, "test_pool"))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := pool.Submit(1); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	<-done
	pool.Stop(time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	var submitted float64
	for _, mf := range families {
		if mf.GetName() == "test_pool_submitted_total" {
			submitted = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if submitted != 1 {
		t.Fatalf("expected submitted=1, got %v", submitted)
	}

	// 同一前缀再次注册时复用已有收集器而不是报错。
	again := NewPool(1, 1, func(context.Context, int) error { return nil }, WithMetrics[int](reg, "test_pool"))
	if again.metrics.submitted != pool.metrics.submitted {
		t.Fatalf("expected the existing collector to be reused")
	}
}
