package memcache

import (
	"math/rand"
	"strconv"
	"strings"
	"testing"
)

func unitSizer(_ string, v int) int64 { return int64(v) }

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := mustStore(t, 10)
	store.Put("A", 4)
	store.Put("B", 4)
	if _, ok := store.Get("A"); !ok {
		t.Fatalf("expected A to exist")
	}
	store.Put("C", 4)

	if _, ok := store.Get("B"); ok {
		t.Fatalf("expected B to be evicted")
	}
	if got := strings.Join(store.Keys(), ","); got != "C,A" {
		t.Fatalf("unexpected resident keys: %s", got)
	}
	if store.Size() != 8 {
		t.Fatalf("expected size 8, got %d", store.Size())
	}
}

func TestStoreAccessProtectsFromEviction(t *testing.T) {
	store := mustStore(t, 12)
	store.Put("A", 4)
	store.Put("B", 4)
	store.Put("C", 4)
	store.Get("A")
	store.Put("D", 4)

	if store.Contains("B") {
		t.Fatalf("B should be evicted first")
	}
	for _, key := range []string{"A", "C", "D"} {
		if !store.Contains(key) {
			t.Fatalf("%s should remain resident", key)
		}
	}
	if store.Size() != 12 {
		t.Fatalf("expected size 12, got %d", store.Size())
	}
}

func TestStoreZeroSizeCountsAsOne(t *testing.T) {
	store := mustStore(t, 2)
	store.Put("a", 0)
	store.Put("b", 0)
	store.Put("c", 0)
	if store.Len() != 2 || store.Size() != 2 {
		t.Fatalf("zero-sized entries must cost one unit: len=%d size=%d", store.Len(), store.Size())
	}
}

func TestStoreOversizedEntryIsNotRetained(t *testing.T) {
	store := mustStore(t, 5)
	store.Put("small", 2)
	store.Put("huge", 6)
	if store.Size() > 5 {
		t.Fatalf("size exceeds budget: %d", store.Size())
	}
	if store.Contains("huge") {
		t.Fatalf("entry larger than the budget must not stay resident")
	}
}

func TestStoreReplaceUpdatesSize(t *testing.T) {
	var notified []string
	store, err := New[int](10, unitSizer, WithEvictionHandler(func(key string, _ int) {
		notified = append(notified, key)
	}))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.Put("k", 3)
	store.Put("k", 7)
	if store.Size() != 7 || store.Len() != 1 {
		t.Fatalf("replace should adjust accounting: size=%d len=%d", store.Size(), store.Len())
	}
	if len(notified) != 0 {
		t.Fatalf("replace must not notify: %v", notified)
	}
}

func TestStoreEvictionHandler(t *testing.T) {
	var evicted []string
	store, err := New[int](8, unitSizer, WithEvictionHandler(func(key string, value int) {
		evicted = append(evicted, key+"="+strconv.Itoa(value))
	}))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.Put("a", 4)
	store.Put("b", 4)
	store.Put("c", 4)
	if strings.Join(evicted, ",") != "a=4" {
		t.Fatalf("unexpected evictions: %v", evicted)
	}

	store.Remove("b")
	store.Clear()
	if strings.Join(evicted, ",") != "a=4,b=4,c=4" {
		t.Fatalf("remove and clear must notify: %v", evicted)
	}
	if store.Len() != 0 || store.Size() != 0 {
		t.Fatalf("clear should empty the store")
	}
}

func TestStoreHandlerMayReenter(t *testing.T) {
	var store *Store[int]
	store, _ = New[int](4, unitSizer, WithEvictionHandler(func(key string, _ int) {
		// 回调在锁外执行，可以安全地访问 Store。
		_ = store.Len()
	}))
	store.Put("a", 4)
	store.Put("b", 4)
	if store.Len() != 1 {
		t.Fatalf("expected one resident entry, got %d", store.Len())
	}
}

func TestStoreResize(t *testing.T) {
	store := mustStore(t, 10)
	store.Put("a", 3)
	store.Put("b", 3)
	store.Put("c", 3)
	if err := store.Resize(4); err != nil {
		t.Fatalf("resize error: %v", err)
	}
	if store.Size() > 4 || !store.Contains("c") {
		t.Fatalf("resize should keep only the most recent entry: keys=%v", store.Keys())
	}
	if err := store.Resize(0); err == nil {
		t.Fatalf("expected error for non-positive budget")
	}
}

func TestStoreNeverExceedsBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	store := mustStore(t, 50)
	for i := 0; i < 5000; i++ {
		key := "k" + strconv.Itoa(rng.Intn(40))
		if rng.Intn(3) == 0 {
			store.Get(key)
		} else {
			store.Put(key, rng.Intn(20))
		}
		if store.Size() > store.MaxSize() {
			t.Fatalf("op %d: size %d exceeds budget %d", i, store.Size(), store.MaxSize())
		}
	}
	stats := store.Stats()
	if stats.Puts == 0 || stats.Hits+stats.Misses == 0 {
		t.Fatalf("stats not recorded: %+v", stats)
	}
}

func TestNewRejectsNonPositiveBudget(t *testing.T) {
	if _, err := New[int](0, unitSizer); err == nil {
		t.Fatalf("expected error")
	}
}

func mustStore(t *testing.T, maxSize int64) *Store[int] {
	t.Helper()
	store, err := New[int](maxSize, unitSizer)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}
