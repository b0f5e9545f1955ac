// Package intmap implements a concurrent hash table mapping int64 keys to
// arbitrary values. Reads never block; writes take a per-bucket lock.
// Resizing is incremental: a bucket that has been migrated to the new
// table is marked with a redirect entry so in-flight readers and writers
// transparently follow it to the new table without needing to observe the
// map's published table pointer swap.
package intmap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/Spottedleaf/ConcurrentUtil/internal/bitutil"
)

const (
	defaultCapacity   = 16
	defaultLoadFactor = 0.75
	maxCapacity       = 1 << 30

	thresholdNoResize = -1
	thresholdResizing = -2
)

// cacheLineSize is the padding unit for counterStripe, matching the
// host's cache line size rather than a hardcoded constant.
const cacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})

// counterStripe is one cache-line-padded cell of the striped mapping
// counter. Padding keeps independent stripes from sharing a cache line,
// which would otherwise serialise unrelated goroutines' increments.
type counterStripe struct {
	count atomic.Int64
	//lint:ignore U1000 prevents false sharing
	pad [(cacheLineSize - unsafe.Sizeof(atomic.Int64{})%cacheLineSize) % cacheLineSize]byte
}

// entry is a single key/value node in a bucket chain, or (when redirect is
// non-nil) a migration marker planted at the head of a bucket that has
// already been moved to a larger table.
type entry[V any] struct {
	key      int64
	value    atomic.Pointer[V]
	next     atomic.Pointer[entry[V]]
	redirect *table[V]
}

func newEntryNode[V any](key int64, value V) *entry[V] {
	e := &entry[V]{key: key}
	e.value.Store(&value)
	return e
}

// table is one generation of the map's bucket array. Each bucket has its
// own mutex guarding chain mutation (inserts, updates, removals, and the
// installation of a redirect marker during resize); lock granularity is
// per slot rather than per head-node identity, which is simpler than (and
// equivalent to) locking the head node object itself.
type table[V any] struct {
	buckets []atomic.Pointer[entry[V]]
	locks   []sync.Mutex
	mask    uint64
}

func newTableData[V any](capacity int) *table[V] {
	return &table[V]{
		buckets: make([]atomic.Pointer[entry[V]], capacity),
		locks:   make([]sync.Mutex, capacity),
		mask:    uint64(capacity - 1),
	}
}

// Map is a concurrent int64-to-V hash table. The zero value is not usable;
// construct one with New, NewWithCapacity, or NewWithExpected.
type Map[V any] struct {
	tbl        atomic.Pointer[table[V]]
	threshold  atomic.Int64
	loadFactor float64
	stripes    []counterStripe
}

// Option configures a Map at construction time.
type Option func(*mapConfig)

type mapConfig struct {
	capacity   int
	loadFactor float64
}

// WithLoadFactor overrides the default load factor (0.75) used to decide
// when the table grows.
func WithLoadFactor(loadFactor float64) Option {
	return func(c *mapConfig) { c.loadFactor = loadFactor }
}

func capacityFor(capacity int) int {
	if capacity <= 0 {
		panic("intmap: invalid capacity")
	}
	if capacity >= maxCapacity {
		return maxCapacity
	}
	return int(bitutil.RoundCeilLog2(uint64(capacity)))
}

func targetThreshold(capacity int, loadFactor float64) int64 {
	target := float64(capacity) * loadFactor
	if target >= float64(1<<62) {
		return thresholdNoResize
	}
	return int64(target) + 1
}

func newMap[V any](capacity int, loadFactor float64) *Map[V] {
	if loadFactor <= 0 {
		panic("intmap: invalid load factor")
	}
	tableSize := capacityFor(capacity)

	m := &Map[V]{loadFactor: loadFactor}
	if tableSize == maxCapacity {
		m.threshold.Store(thresholdNoResize)
	} else {
		m.threshold.Store(targetThreshold(tableSize, loadFactor))
	}
	m.tbl.Store(newTableData[V](tableSize))
	m.stripes = make([]counterStripe, stripeCountFor(tableSize))
	return m
}

func stripeCountFor(tableSize int) int {
	n := 1
	for n < tableSize && n < 64 {
		n <<= 1
	}
	return n
}

// New returns an empty Map with the default initial capacity and load
// factor.
func New[V any](opts ...Option) *Map[V] {
	cfg := mapConfig{capacity: defaultCapacity, loadFactor: defaultLoadFactor}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newMap[V](cfg.capacity, cfg.loadFactor)
}

// NewWithCapacity returns an empty Map whose table has capacity buckets,
// rounded up to a power of two. The first resize happens once the number
// of mappings exceeds that bucket count times the load factor.
func NewWithCapacity[V any](capacity int, opts ...Option) *Map[V] {
	cfg := mapConfig{capacity: capacity, loadFactor: defaultLoadFactor}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newMap[V](cfg.capacity, cfg.loadFactor)
}

// NewWithExpected returns an empty Map sized so that expected entries can
// be inserted before the table needs to resize, given its load factor.
func NewWithExpected[V any](expected int, opts ...Option) *Map[V] {
	cfg := mapConfig{loadFactor: defaultLoadFactor}
	for _, opt := range opts {
		opt(&cfg)
	}
	capacity := int(float64(expected)/cfg.loadFactor) + 1
	return newMap[V](capacity, cfg.loadFactor)
}

// LoadFactor returns the load factor this Map was constructed with.
func (m *Map[V]) LoadFactor() float64 {
	return m.loadFactor
}

func (m *Map[V]) getNode(key int64) *entry[V] {
	hash := bitutil.Mix64(key)
	t := m.tbl.Load()
	for {
		idx := uint64(hash) & t.mask
		node := t.buckets[idx].Load()
		if node == nil {
			return nil
		}
		if node.redirect != nil {
			t = node.redirect
			continue
		}
		for node != nil {
			if node.key == key {
				return node
			}
			node = node.next.Load()
		}
		return nil
	}
}

// Get returns the value mapped to key, if any.
func (m *Map[V]) Get(key int64) (V, bool) {
	node := m.getNode(key)
	if node == nil {
		var zero V
		return zero, false
	}
	v := node.value.Load()
	if v == nil {
		var zero V
		return zero, false
	}
	return *v, true
}

// GetOrDefault returns the value mapped to key, or dfl if there is none.
func (m *Map[V]) GetOrDefault(key int64, dfl V) V {
	if v, ok := m.Get(key); ok {
		return v
	}
	return dfl
}

// ContainsKey reports whether key is currently mapped to a value.
func (m *Map[V]) ContainsKey(key int64) bool {
	_, ok := m.Get(key)
	return ok
}

// ContainsValue reports whether any key is mapped to a value equal to
// value, per the supplied equal function. This walks every bucket and is
// O(n).
func (m *Map[V]) ContainsValue(value V, equal func(a, b V) bool) bool {
	found := false
	m.Range(func(_ int64, v V) bool {
		if equal(v, value) {
			found = true
			return false
		}
		return true
	})
	return found
}

func (m *Map[V]) sumSize() int64 {
	var sum int64
	for i := range m.stripes {
		sum += m.stripes[i].count.Load()
	}
	return sum
}

// Size returns the number of mappings currently in the map.
func (m *Map[V]) Size() int {
	sum := m.sumSize()
	if sum <= 0 {
		return 0
	}
	return int(sum)
}

// IsEmpty reports whether the map has no mappings.
func (m *Map[V]) IsEmpty() bool {
	return m.sumSize() <= 0
}

func (m *Map[V]) stripeIndex(bucketIdx uint64) uint64 {
	return bucketIdx & uint64(len(m.stripes)-1)
}

func (m *Map[V]) addSizeAndMaybeResize(t *table[V], bucketIdx uint64) {
	m.stripes[m.stripeIndex(bucketIdx)].count.Add(1)

	threshold := m.threshold.Load()
	if threshold < 0 {
		return
	}
	sum := m.sumSize()
	if sum < threshold {
		return
	}
	if !m.threshold.CompareAndSwap(threshold, thresholdResizing) {
		return
	}
	m.resize(t, sum)
}

func (m *Map[V]) subSize(bucketIdx uint64) {
	m.stripes[m.stripeIndex(bucketIdx)].count.Add(-1)
}

func removeNodeLocked[V any](t *table[V], idx uint64, prev, node *entry[V]) {
	next := node.next.Load()
	if prev == nil {
		t.buckets[idx].Store(next)
	} else {
		prev.next.Store(next)
	}
}

// compute is the fast-path engine backing Put, PutIfAbsent, Replace,
// ReplaceExpected, Remove, and RemoveExpected: fn is a pure function of the
// current (value, present) pair with no externally visible side effects, so
// it is safe to invoke speculatively and discard the result on a lost CAS
// race and retry.
func (m *Map[V]) compute(key int64, fn func(old V, present bool) (V, bool)) {
	hash := bitutil.Mix64(key)
	t := m.tbl.Load()
	for {
		idx := uint64(hash) & t.mask
		head := t.buckets[idx].Load()

		if head != nil && head.redirect != nil {
			t = head.redirect
			continue
		}

		if head == nil {
			var zero V
			newVal, keep := fn(zero, false)
			if !keep {
				return
			}
			node := newEntryNode(key, newVal)
			if t.buckets[idx].CompareAndSwap(nil, node) {
				m.addSizeAndMaybeResize(t, idx)
				return
			}
			continue
		}

		t.locks[idx].Lock()
		cur := t.buckets[idx].Load()
		if cur != head {
			t.locks[idx].Unlock()
			continue
		}

		var prev *entry[V]
		found := false
		for node := cur; node != nil; node = node.next.Load() {
			if node.key == key {
				found = true
				old := *node.value.Load()
				newVal, keep := fn(old, true)
				if keep {
					node.value.Store(&newVal)
					t.locks[idx].Unlock()
					return
				}
				removeNodeLocked(t, idx, prev, node)
				t.locks[idx].Unlock()
				m.subSize(idx)
				return
			}
			prev = node
		}
		if found {
			continue
		}

		var zero V
		newVal, keep := fn(zero, false)
		if !keep {
			t.locks[idx].Unlock()
			return
		}
		node := newEntryNode(key, newVal)
		prev.next.Store(node)
		t.locks[idx].Unlock()
		m.addSizeAndMaybeResize(t, idx)
		return
	}
}

// computeOnce is the strict engine backing Compute, ComputeIfAbsent,
// ComputeIfPresent, Merge, and RemoveIf: it always takes the bucket lock
// before invoking fn, guaranteeing fn runs at most once per call, at the
// cost of the lock-free fast path compute takes for an empty bucket.
func (m *Map[V]) computeOnce(key int64, fn func(old V, present bool) (V, bool)) {
	hash := bitutil.Mix64(key)
	t := m.tbl.Load()
	for {
		idx := uint64(hash) & t.mask
		head := t.buckets[idx].Load()
		if head != nil && head.redirect != nil {
			t = head.redirect
			continue
		}

		t.locks[idx].Lock()
		lock := &t.locks[idx]
		call := func(old V, present bool) (newVal V, keep bool) {
			returned := false
			defer func() {
				if !returned {
					lock.Unlock()
				}
			}()
			newVal, keep = fn(old, present)
			returned = true
			return
		}
		cur := t.buckets[idx].Load()
		if cur != head {
			t.locks[idx].Unlock()
			continue
		}
		if cur != nil && cur.redirect != nil {
			t.locks[idx].Unlock()
			continue
		}

		if cur == nil {
			var zero V
			newVal, keep := call(zero, false)
			if !keep {
				t.locks[idx].Unlock()
				return
			}
			node := newEntryNode(key, newVal)
			t.buckets[idx].Store(node)
			t.locks[idx].Unlock()
			m.addSizeAndMaybeResize(t, idx)
			return
		}

		var prev *entry[V]
		for node := cur; node != nil; node = node.next.Load() {
			if node.key == key {
				old := *node.value.Load()
				newVal, keep := call(old, true)
				if keep {
					node.value.Store(&newVal)
					t.locks[idx].Unlock()
					return
				}
				removeNodeLocked(t, idx, prev, node)
				t.locks[idx].Unlock()
				m.subSize(idx)
				return
			}
			prev = node
		}

		var zero V
		newVal, keep := call(zero, false)
		if !keep {
			t.locks[idx].Unlock()
			return
		}
		node := newEntryNode(key, newVal)
		prev.next.Store(node)
		t.locks[idx].Unlock()
		m.addSizeAndMaybeResize(t, idx)
		return
	}
}

// Put maps key to value unconditionally, returning the previously mapped
// value if any.
func (m *Map[V]) Put(key int64, value V) (old V, hadOld bool) {
	m.compute(key, func(cur V, present bool) (V, bool) {
		old, hadOld = cur, present
		return value, true
	})
	return
}

// PutIfAbsent maps key to value only if key is not already mapped. If key
// was mapped it returns the existing value and true; if value was inserted
// it returns the zero value and false.
func (m *Map[V]) PutIfAbsent(key int64, value V) (old V, hadOld bool) {
	m.compute(key, func(cur V, present bool) (V, bool) {
		if present {
			old, hadOld = cur, true
			return cur, true
		}
		return value, true
	})
	return
}

// Replace updates key's mapping to value only if key is already mapped,
// returning the previous value.
func (m *Map[V]) Replace(key int64, value V) (old V, hadOld bool) {
	m.compute(key, func(cur V, present bool) (V, bool) {
		if !present {
			return cur, false
		}
		old, hadOld = cur, true
		return value, true
	})
	return
}

// ReplaceExpected updates key's mapping to update only if it currently
// equals expect (per equal), returning whether the replacement happened.
func (m *Map[V]) ReplaceExpected(key int64, expect, update V, equal func(a, b V) bool) bool {
	var replaced bool
	m.compute(key, func(cur V, present bool) (V, bool) {
		if present && equal(cur, expect) {
			replaced = true
			return update, true
		}
		return cur, present
	})
	return replaced
}

// Remove removes key's mapping, if any, returning the removed value.
func (m *Map[V]) Remove(key int64) (old V, existed bool) {
	m.compute(key, func(cur V, present bool) (V, bool) {
		old, existed = cur, present
		return cur, false
	})
	return
}

// RemoveExpected removes key's mapping only if it currently equals expect
// (per equal), returning whether the removal happened.
func (m *Map[V]) RemoveExpected(key int64, expect V, equal func(a, b V) bool) bool {
	var removed bool
	m.compute(key, func(cur V, present bool) (V, bool) {
		if present && equal(cur, expect) {
			removed = true
			return cur, false
		}
		return cur, present
	})
	return removed
}

// RemoveIf removes key's mapping if it is present and predicate returns
// true for its value, returning the removed value. predicate runs at most
// once, under the bucket's lock.
func (m *Map[V]) RemoveIf(key int64, predicate func(V) bool) (removedVal V, removed bool) {
	m.computeOnce(key, func(cur V, present bool) (V, bool) {
		if present && predicate(cur) {
			removedVal, removed = cur, true
			return cur, false
		}
		return cur, present
	})
	return
}

// Compute invokes remap with key's current value (and whether it is
// present), exactly once under key's bucket lock, and stores the returned
// value if remap's second result is true, or removes any existing mapping
// otherwise. It returns the new state of the mapping.
func (m *Map[V]) Compute(key int64, remap func(key int64, old V, present bool) (V, bool)) (result V, present bool) {
	m.computeOnce(key, func(cur V, curPresent bool) (V, bool) {
		newVal, keep := remap(key, cur, curPresent)
		if keep {
			result, present = newVal, true
		}
		return newVal, keep
	})
	return
}

// ComputeIfAbsent invokes supply exactly once, under key's bucket lock, if
// and only if key is not already mapped; if supply returns ok=false, no
// mapping is added.
func (m *Map[V]) ComputeIfAbsent(key int64, supply func(key int64) (V, bool)) (result V, present bool) {
	m.computeOnce(key, func(cur V, curPresent bool) (V, bool) {
		if curPresent {
			result, present = cur, true
			return cur, true
		}
		v, ok := supply(key)
		if !ok {
			return cur, false
		}
		result, present = v, true
		return v, true
	})
	return
}

// ComputeIfPresent invokes remap exactly once, under key's bucket lock, if
// and only if key is already mapped; if remap returns ok=false, the mapping
// is removed.
func (m *Map[V]) ComputeIfPresent(key int64, remap func(key int64, old V) (V, bool)) (result V, present bool) {
	m.computeOnce(key, func(cur V, curPresent bool) (V, bool) {
		if !curPresent {
			return cur, false
		}
		v, keep := remap(key, cur)
		if !keep {
			return cur, false
		}
		result, present = v, true
		return v, true
	})
	return
}

// Merge maps key to value if key is unmapped, or to remap(old, value) if
// it is mapped, unless remap returns ok=false, in which case the mapping is
// removed. remap runs at most once, under key's bucket lock.
func (m *Map[V]) Merge(key int64, value V, remap func(old, new V) (V, bool)) (result V, present bool) {
	m.computeOnce(key, func(cur V, curPresent bool) (V, bool) {
		if !curPresent {
			result, present = value, true
			return value, true
		}
		v, keep := remap(cur, value)
		if !keep {
			return cur, false
		}
		result, present = v, true
		return v, true
	})
	return
}

func nextCapacity(sum int64, loadFactor float64) int {
	target := float64(sum)/loadFactor + 1.0
	if target >= float64(maxCapacity) {
		return maxCapacity
	}
	capacity := int(bitutil.RoundCeilLog2(uint64(target)))
	if capacity > maxCapacity {
		capacity = maxCapacity
	}
	if capacity < 1 {
		capacity = 1
	}
	return capacity
}

// resize is only ever invoked by the single goroutine that won the CAS to
// thresholdResizing. It migrates every bucket of the old table into a
// fresh, larger table, planting a redirect marker behind it so concurrent
// readers and writers already holding the old table transparently follow
// along.
func (m *Map[V]) resize(oldTable *table[V], sum int64) {
	capacity := nextCapacity(sum, m.loadFactor)
	if capacity == len(oldTable.buckets) {
		panic("intmap: resizing to same size")
	}
	newTable := newTableData[V](capacity)

	for i := range oldTable.buckets {
		idx := uint64(i)
		oldTable.locks[idx].Lock()
		head := oldTable.buckets[idx].Load()
		for node := head; node != nil; node = node.next.Load() {
			hash := bitutil.Mix64(node.key)
			newIdx := uint64(hash) & newTable.mask
			v := *node.value.Load()

			newTable.locks[newIdx].Lock()
			newNode := newEntryNode(node.key, v)
			for {
				cur := newTable.buckets[newIdx].Load()
				newNode.next.Store(cur)
				if newTable.buckets[newIdx].CompareAndSwap(cur, newNode) {
					break
				}
			}
			newTable.locks[newIdx].Unlock()
		}
		oldTable.buckets[idx].Store(&entry[V]{redirect: newTable})
		oldTable.locks[idx].Unlock()
	}

	m.tbl.Store(newTable)
	if capacity == maxCapacity {
		m.threshold.Store(thresholdNoResize)
	} else {
		m.threshold.Store(targetThreshold(capacity, m.loadFactor))
	}
}

// Clear removes every mapping from the map, replacing it with a fresh
// table at the default capacity. Concurrent iterators created before
// Clear may still observe pre-clear entries.
func (m *Map[V]) Clear() {
	fresh := newTableData[V](defaultCapacity)
	m.tbl.Store(fresh)
	m.threshold.Store(targetThreshold(defaultCapacity, m.loadFactor))
	for i := range m.stripes {
		m.stripes[i].count.Store(0)
	}
}

// Entry is a key/value pair snapshotted during iteration.
type Entry[V any] struct {
	Key   int64
	Value V
}

// Range calls fn for every mapping currently in the map, stopping early if
// fn returns false. Range is weakly consistent: it reflects the state of
// the map at some point during the call, and may or may not observe
// mutations made concurrently with it, including mutations caused by a
// resize.
func (m *Map[V]) Range(fn func(key int64, value V) bool) {
	t := m.tbl.Load()
	idx := 0
	for idx < len(t.buckets) {
		head := t.buckets[idx].Load()
		if head == nil {
			idx++
			continue
		}
		if head.redirect != nil {
			if head.redirect != t {
				t = head.redirect
				idx = 0
				continue
			}
			idx++
			continue
		}
		for node := head; node != nil; node = node.next.Load() {
			v := node.value.Load()
			if v == nil {
				continue
			}
			if !fn(node.key, *v) {
				return
			}
		}
		idx++
	}
}

// Entries returns a snapshot slice of every mapping in the map at the time
// of the call.
func (m *Map[V]) Entries() []Entry[V] {
	var out []Entry[V]
	m.Range(func(k int64, v V) bool {
		out = append(out, Entry[V]{Key: k, Value: v})
		return true
	})
	return out
}

// Keys returns a snapshot slice of every key in the map at the time of the
// call.
func (m *Map[V]) Keys() []int64 {
	var out []int64
	m.Range(func(k int64, _ V) bool {
		out = append(out, k)
		return true
	})
	return out
}

// Values returns a snapshot slice of every value in the map at the time of
// the call.
func (m *Map[V]) Values() []V {
	var out []V
	m.Range(func(_ int64, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}
