package intmap

import (
	"sync"
	"testing"
)

func intEqual(a, b int) bool { return a == b }

func TestPutGetRemove(t *testing.T) {
	m := New[int]()

	if _, ok := m.Get(1); ok {
		t.Fatal("expected miss on empty map")
	}

	if _, had := m.Put(1, 100); had {
		t.Fatal("first Put should report no previous value")
	}
	if v, ok := m.Get(1); !ok || v != 100 {
		t.Fatalf("Get(1) = (%d, %v), want (100, true)", v, ok)
	}

	if old, had := m.Put(1, 200); !had || old != 100 {
		t.Fatalf("second Put = (%d, %v), want (100, true)", old, had)
	}

	if old, existed := m.Remove(1); !existed || old != 200 {
		t.Fatalf("Remove(1) = (%d, %v), want (200, true)", old, existed)
	}
	if _, ok := m.Get(1); ok {
		t.Fatal("expected miss after Remove")
	}
}

func TestPutIfAbsent(t *testing.T) {
	m := New[int]()
	if _, had := m.PutIfAbsent(5, 1); had {
		t.Fatal("PutIfAbsent on empty key should report absent")
	}
	if old, had := m.PutIfAbsent(5, 2); !had || old != 1 {
		t.Fatalf("PutIfAbsent on present key = (%d, %v), want (1, true)", old, had)
	}
	if v, _ := m.Get(5); v != 1 {
		t.Fatalf("value should remain 1, got %d", v)
	}
}

func TestReplace(t *testing.T) {
	m := New[int]()
	if _, had := m.Replace(9, 1); had {
		t.Fatal("Replace on missing key should report absent")
	}
	m.Put(9, 1)
	if old, had := m.Replace(9, 2); !had || old != 1 {
		t.Fatalf("Replace = (%d, %v), want (1, true)", old, had)
	}
	if v, _ := m.Get(9); v != 2 {
		t.Fatalf("value should now be 2, got %d", v)
	}
}

func TestReplaceExpected(t *testing.T) {
	m := New[int]()
	m.Put(1, 10)
	if m.ReplaceExpected(1, 99, 50, intEqual) {
		t.Fatal("ReplaceExpected should fail with wrong expected value")
	}
	if !m.ReplaceExpected(1, 10, 50, intEqual) {
		t.Fatal("ReplaceExpected should succeed with matching expected value")
	}
	if v, _ := m.Get(1); v != 50 {
		t.Fatalf("value should be 50, got %d", v)
	}
}

func TestRemoveExpected(t *testing.T) {
	m := New[int]()
	m.Put(1, 10)
	if m.RemoveExpected(1, 99, intEqual) {
		t.Fatal("RemoveExpected should fail with wrong value")
	}
	if !m.RemoveExpected(1, 10, intEqual) {
		t.Fatal("RemoveExpected should succeed with matching value")
	}
	if m.ContainsKey(1) {
		t.Fatal("key should be gone")
	}
}

func TestRemoveIf(t *testing.T) {
	m := New[int]()
	m.Put(1, 4)
	if _, removed := m.RemoveIf(1, func(v int) bool { return v%2 != 0 }); removed {
		t.Fatal("RemoveIf should not remove an even value under an odd predicate")
	}
	if v, removed := m.RemoveIf(1, func(v int) bool { return v%2 == 0 }); !removed || v != 4 {
		t.Fatalf("RemoveIf = (%d, %v), want (4, true)", v, removed)
	}
}

func TestCompute(t *testing.T) {
	m := New[int]()
	result, present := m.Compute(1, func(key int64, old int, present bool) (int, bool) {
		if present {
			t.Fatal("key should not be present on first Compute")
		}
		return 7, true
	})
	if !present || result != 7 {
		t.Fatalf("Compute insert = (%d, %v), want (7, true)", result, present)
	}

	result, present = m.Compute(1, func(key int64, old int, present bool) (int, bool) {
		if !present || old != 7 {
			t.Fatalf("expected old=7 present=true, got old=%d present=%v", old, present)
		}
		return old * 2, true
	})
	if !present || result != 14 {
		t.Fatalf("Compute update = (%d, %v), want (14, true)", result, present)
	}

	result, present = m.Compute(1, func(key int64, old int, present bool) (int, bool) {
		return 0, false
	})
	if present {
		t.Fatalf("Compute removal should report present=false, got result=%d", result)
	}
	if m.ContainsKey(1) {
		t.Fatal("key should have been removed by Compute")
	}
}

func TestComputeIfAbsent(t *testing.T) {
	m := New[int]()
	calls := 0
	supply := func(key int64) (int, bool) {
		calls++
		return int(key) * 10, true
	}

	v, present := m.ComputeIfAbsent(3, supply)
	if !present || v != 30 {
		t.Fatalf("ComputeIfAbsent first call = (%d, %v), want (30, true)", v, present)
	}
	v, present = m.ComputeIfAbsent(3, supply)
	if !present || v != 30 {
		t.Fatalf("ComputeIfAbsent second call = (%d, %v), want (30, true)", v, present)
	}
	if calls != 1 {
		t.Fatalf("supply should run exactly once, ran %d times", calls)
	}
}

func TestComputeIfPresent(t *testing.T) {
	m := New[int]()
	if v, present := m.ComputeIfPresent(1, func(key int64, old int) (int, bool) {
		t.Fatal("remap should not run for a missing key")
		return 0, true
	}); present || v != 0 {
		t.Fatalf("ComputeIfPresent on missing key = (%d, %v), want (0, false)", v, present)
	}

	m.Put(1, 5)
	v, present := m.ComputeIfPresent(1, func(key int64, old int) (int, bool) {
		return old + 1, true
	})
	if !present || v != 6 {
		t.Fatalf("ComputeIfPresent = (%d, %v), want (6, true)", v, present)
	}

	v, present = m.ComputeIfPresent(1, func(key int64, old int) (int, bool) {
		return old, false
	})
	if present {
		t.Fatal("ComputeIfPresent should remove when remap returns false")
	}
	if m.ContainsKey(1) {
		t.Fatal("key should have been removed")
	}
}

func TestMerge(t *testing.T) {
	m := New[int]()
	v, present := m.Merge(1, 5, func(old, new int) (int, bool) {
		t.Fatal("remap should not run for a fresh key")
		return 0, true
	})
	if !present || v != 5 {
		t.Fatalf("Merge insert = (%d, %v), want (5, true)", v, present)
	}

	v, present = m.Merge(1, 5, func(old, new int) (int, bool) {
		return old + new, true
	})
	if !present || v != 10 {
		t.Fatalf("Merge combine = (%d, %v), want (10, true)", v, present)
	}

	v, present = m.Merge(1, 1, func(old, new int) (int, bool) {
		return 0, false
	})
	if present {
		t.Fatal("Merge should remove when remap returns false")
	}
	if m.ContainsKey(1) {
		t.Fatal("key should have been removed")
	}
}

func TestSizeAndIsEmpty(t *testing.T) {
	m := New[int]()
	if !m.IsEmpty() || m.Size() != 0 {
		t.Fatal("new map should be empty")
	}
	for i := int64(0); i < 50; i++ {
		m.Put(i, int(i))
	}
	if m.Size() != 50 {
		t.Fatalf("Size() = %d, want 50", m.Size())
	}
	for i := int64(0); i < 25; i++ {
		m.Remove(i)
	}
	if m.Size() != 25 {
		t.Fatalf("Size() after removals = %d, want 25", m.Size())
	}
	if m.IsEmpty() {
		t.Fatal("map with 25 entries should not be empty")
	}
}

func TestResizeGrowsAndPreservesEntries(t *testing.T) {
	m := NewWithCapacity[int](4, WithLoadFactor(0.5))
	const n = 2000
	for i := int64(0); i < n; i++ {
		m.Put(i, int(i*2))
	}
	if m.Size() != n {
		t.Fatalf("Size() = %d, want %d", m.Size(), n)
	}
	for i := int64(0); i < n; i++ {
		v, ok := m.Get(i)
		if !ok || v != int(i*2) {
			t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", i, v, ok, i*2)
		}
	}
}

func TestConcurrentPutGetDuringResize(t *testing.T) {
	m := NewWithCapacity[int](2, WithLoadFactor(0.5))
	const goroutines = 16
	const perGoroutine = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			base := int64(g * perGoroutine)
			for i := int64(0); i < perGoroutine; i++ {
				key := base + i
				m.Put(key, int(key))
			}
		}()
	}
	wg.Wait()

	for g := 0; g < goroutines; g++ {
		base := int64(g * perGoroutine)
		for i := int64(0); i < perGoroutine; i++ {
			key := base + i
			v, ok := m.Get(key)
			if !ok || v != int(key) {
				t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", key, v, ok, key)
			}
		}
	}
	if m.Size() != goroutines*perGoroutine {
		t.Fatalf("Size() = %d, want %d", m.Size(), goroutines*perGoroutine)
	}
}

func TestRangeVisitsEveryEntry(t *testing.T) {
	m := New[int]()
	want := map[int64]int{}
	for i := int64(0); i < 100; i++ {
		m.Put(i, int(i))
		want[i] = int(i)
	}

	got := map[int64]int{}
	m.Range(func(k int64, v int) bool {
		got[k] = v
		return true
	})

	if len(got) != len(want) {
		t.Fatalf("Range visited %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("Range entry %d = %d, want %d", k, got[k], v)
		}
	}
}

func TestRangeStopsEarly(t *testing.T) {
	m := New[int]()
	for i := int64(0); i < 10; i++ {
		m.Put(i, int(i))
	}
	count := 0
	m.Range(func(k int64, v int) bool {
		count++
		return count < 3
	})
	if count != 3 {
		t.Fatalf("Range should stop after 3 calls, stopped after %d", count)
	}
}

func TestClear(t *testing.T) {
	m := New[int]()
	for i := int64(0); i < 20; i++ {
		m.Put(i, int(i))
	}
	m.Clear()
	if !m.IsEmpty() || m.Size() != 0 {
		t.Fatal("map should be empty after Clear")
	}
	if _, ok := m.Get(0); ok {
		t.Fatal("Get should miss after Clear")
	}
}

func TestContainsValue(t *testing.T) {
	m := New[int]()
	m.Put(1, 42)
	if !m.ContainsValue(42, intEqual) {
		t.Fatal("ContainsValue should find 42")
	}
	if m.ContainsValue(43, intEqual) {
		t.Fatal("ContainsValue should not find 43")
	}
}
