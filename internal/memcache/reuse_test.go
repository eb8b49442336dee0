package memcache

import "testing"

func TestReusePoolTakeFitReusesBuffer(t *testing.T) {
	pool := NewReusePool(1024)
	buf := make([]byte, 100, 128)
	if !pool.Offer(buf) {
		t.Fatalf("offer should succeed")
	}

	got := pool.TakeFit(64)
	if len(got) != 64 || cap(got) != 128 {
		t.Fatalf("expected reused buffer len=64 cap=128, got len=%d cap=%d", len(got), cap(got))
	}
	if &got[:1][0] != &buf[:1][0] {
		t.Fatalf("expected the offered backing array to be reused")
	}
	if stats := pool.Stats(); stats.Reused != 1 || stats.Buffers != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReusePoolTakeFitAllocatesOnMiss(t *testing.T) {
	pool := NewReusePool(1024)
	pool.Offer(make([]byte, 16))

	got := pool.TakeFit(32)
	if len(got) != 32 {
		t.Fatalf("expected fresh buffer of 32 bytes, got %d", len(got))
	}
	if stats := pool.Stats(); stats.Missed != 1 || stats.Buffers != 1 {
		t.Fatalf("small candidate should stay pooled: %+v", stats)
	}
}

func TestReusePoolBoundedByBytes(t *testing.T) {
	pool := NewReusePool(100)
	if pool.Offer(make([]byte, 200)) {
		t.Fatalf("buffer larger than the pool must be rejected")
	}
	pool.Offer(make([]byte, 60))
	pool.Offer(make([]byte, 50))

	stats := pool.Stats()
	if stats.Bytes > 100 {
		t.Fatalf("pool exceeds its budget: %+v", stats)
	}
	if stats.Buffers != 1 || stats.Pruned != 1 {
		t.Fatalf("oldest candidate should be pruned: %+v", stats)
	}
}

func TestReusePoolTakeMatchPredicate(t *testing.T) {
	pool := NewReusePool(1024)
	pool.Offer(make([]byte, 10))
	pool.Offer(make([]byte, 20))

	got := pool.Take(func(capacity int) bool { return capacity == 10 })
	if cap(got) != 10 {
		t.Fatalf("expected the 10-byte buffer, got cap=%d", cap(got))
	}
	if pool.Take(func(capacity int) bool { return capacity == 10 }) != nil {
		t.Fatalf("buffer must not be handed out twice")
	}
	pool.Clear()
	if pool.Stats().Buffers != 0 {
		t.Fatalf("clear should drop all candidates")
	}
}

func TestNilReusePoolIsSafe(t *testing.T) {
	var pool *ReusePool
	if pool.Offer(make([]byte, 1)) {
		t.Fatalf("nil pool must reject offers")
	}
	if got := pool.TakeFit(4); len(got) != 4 {
		t.Fatalf("nil pool should still allocate")
	}
	pool.Clear()
}
