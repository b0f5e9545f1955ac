// Package arealock implements a reentrant lock over a 2-D grid of
// coordinate sections, keyed by (x, z) pairs shifted into sections. A
// goroutine that holds the lock over one area can freely re-acquire any
// part of that same area. Acquiring with LockRange an area that only
// partially overlaps one the goroutine already holds is a programming
// error and panics; the TryLock methods do not check for this.
package arealock

import (
	"runtime"
	"sync"
	"time"

	"github.com/Spottedleaf/ConcurrentUtil/internal/bitutil"
	"github.com/Spottedleaf/ConcurrentUtil/intmap"
)

const (
	lockCapacity   = 128
	lockLoadFactor = 0.2

	spinLimit       = 128
	shortParkLimit  = 1_200
	shortParkPeriod = 1 * time.Microsecond
)

// Lock is a reentrant lock over a grid of (sectionX, sectionZ) cells,
// where a cell is (x >> coordinateShift, z >> coordinateShift).
type Lock struct {
	coordinateShift int
	nodes           *intmap.Map[*Node]
}

// New returns a Lock whose cells are coordinateShift bits wide.
func New(coordinateShift int) *Lock {
	return &Lock{
		coordinateShift: coordinateShift,
		nodes:           intmap.NewWithCapacity[*Node](lockCapacity, intmap.WithLoadFactor(lockLoadFactor)),
	}
}

func (l *Lock) key(sectionX, sectionZ int32) int64 {
	return bitutil.PackCoords(sectionX, sectionZ)
}

// Node represents one successful acquisition of a Lock. Pass it to Unlock
// to release the area it covers.
type Node struct {
	lock            *Lock
	areaAffected    []int64
	areaAffectedLen int
	owner           uint64
	waiters         waiterQueue
}

func newNode(lock *Lock, areaAffected []int64, owner uint64) *Node {
	return &Node{lock: lock, areaAffected: areaAffected, owner: owner}
}

// waiterQueue is a mutex-guarded multi-producer/single-consumer-drain
// queue of parked goroutines, standing in for the Java source's
// MultiThreadedQueue<Thread> plus LockSupport.park/unpark: each waiter adds
// its own wake channel and blocks on it; the lock holder drains the queue
// on unlock, closing each channel in turn.
type waiterQueue struct {
	mu      sync.Mutex
	items   []chan struct{}
	blocked bool
}

// add appends ch to the queue, returning false if a drain has already
// emptied the queue and closed it for adds, in which case the caller must
// not block on ch and should retry acquisition instead.
func (q *waiterQueue) add(ch chan struct{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.blocked {
		return false
	}
	q.items = append(q.items, ch)
	return true
}

// pollOrBlockAdds pops the next waiter to wake, or — once the queue is
// empty — marks it closed for further adds and returns nil.
func (q *waiterQueue) pollOrBlockAdds() chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		q.blocked = true
		return nil
	}
	ch := q.items[0]
	q.items = q.items[1:]
	return ch
}

// allowAdds reopens the queue for adds after a failed acquisition attempt
// that needs to retry.
func (q *waiterQueue) allowAdds() {
	q.mu.Lock()
	q.blocked = false
	q.mu.Unlock()
}

func (q *waiterQueue) drainAndWake() {
	for {
		ch := q.pollOrBlockAdds()
		if ch == nil {
			return
		}
		close(ch)
	}
}

var goroutineOwner = newGoroutineOwnerID

// newGoroutineOwnerID returns a value identifying the calling goroutine,
// stable for the lifetime of that goroutine.
func newGoroutineOwnerID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

func sectionRange(fromX, fromZ, toX, toZ int32, shift int) (fromSX, fromSZ, toSX, toSZ int32) {
	if fromX > toX || fromZ > toZ {
		panic("arealock: invalid area: from > to")
	}
	return fromX >> shift, fromZ >> shift, toX >> shift, toZ >> shift
}

// IsHeldByCurrentGoroutine reports whether the calling goroutine holds the
// lock over the cell containing (x, z).
func (l *Lock) IsHeldByCurrentGoroutine(x, z int32) bool {
	owner := goroutineOwner()
	sectionX, sectionZ := x>>l.coordinateShift, z>>l.coordinateShift
	node, ok := l.nodes.Get(l.key(sectionX, sectionZ))
	return ok && node.owner == owner
}

// IsHeldByCurrentGoroutineRadius reports whether the calling goroutine
// holds the lock over every cell within radius of (centerX, centerZ).
func (l *Lock) IsHeldByCurrentGoroutineRadius(centerX, centerZ, radius int32) bool {
	return l.IsHeldByCurrentGoroutineRange(centerX-radius, centerZ-radius, centerX+radius, centerZ+radius)
}

// IsHeldByCurrentGoroutineRange reports whether the calling goroutine holds
// the lock over every cell in the inclusive rectangle [fromX,toX]x[fromZ,toZ].
func (l *Lock) IsHeldByCurrentGoroutineRange(fromX, fromZ, toX, toZ int32) bool {
	owner := goroutineOwner()
	fromSX, fromSZ, toSX, toSZ := sectionRange(fromX, fromZ, toX, toZ, l.coordinateShift)

	for z := fromSZ; z <= toSZ; z++ {
		for x := fromSX; x <= toSX; x++ {
			node, ok := l.nodes.Get(l.key(x, z))
			if !ok || node.owner != owner {
				return false
			}
		}
	}
	return true
}

// TryLockPoint attempts to acquire the cell containing (x, z), returning
// nil if it is held by another goroutine.
func (l *Lock) TryLockPoint(x, z int32) *Node {
	return l.TryLockRange(x, z, x, z)
}

// TryLockRadius attempts to acquire every cell within radius of
// (centerX, centerZ), returning nil if any of them is held by another
// goroutine.
func (l *Lock) TryLockRadius(centerX, centerZ, radius int32) *Node {
	return l.TryLockRange(centerX-radius, centerZ-radius, centerX+radius, centerZ+radius)
}

// TryLockRange attempts to acquire every cell in the inclusive rectangle
// [fromX,toX]x[fromZ,toZ], returning nil if any of them is held by
// another goroutine. Acquisition is all-or-nothing.
func (l *Lock) TryLockRange(fromX, fromZ, toX, toZ int32) *Node {
	owner := goroutineOwner()
	fromSX, fromSZ, toSX, toSZ := sectionRange(fromX, fromZ, toX, toZ, l.coordinateShift)

	areaAffected := make([]int64, 0, int(toSX-fromSX+1)*int(toSZ-fromSZ+1))
	node := newNode(l, areaAffected, owner)

	failed := false
loop:
	for z := fromSZ; z <= toSZ; z++ {
		for x := fromSX; x <= toSX; x++ {
			coordinate := l.key(x, z)
			prev, had := l.nodes.PutIfAbsent(coordinate, node)
			if !had {
				node.areaAffected = append(node.areaAffected, coordinate)
				continue
			}
			if prev.owner != owner {
				failed = true
				break loop
			}
		}
	}

	if !failed {
		node.areaAffectedLen = len(node.areaAffected)
		return node
	}

	l.rollback(node)
	return nil
}

func (l *Lock) rollback(node *Node) {
	if len(node.areaAffected) == 0 {
		return
	}
	for _, key := range node.areaAffected {
		if !l.nodes.RemoveExpected(key, node, samePointer[*Node]) {
			panic("arealock: corrupted lock state on rollback")
		}
	}
	node.areaAffected = node.areaAffected[:0]
	node.waiters.drainAndWake()
}

func samePointer[T comparable](a, b T) bool { return a == b }

func spinBackoff(failures int64) int64 {
	if failures < spinLimit {
		for i := int64(0); i < failures; i++ {
			runtime.Gosched()
		}
		return failures << 1
	}
	if failures < shortParkLimit {
		time.Sleep(shortParkPeriod)
		return failures + 1
	}
	runtime.Gosched()
	time.Sleep(time.Duration(failures) * 100 * time.Microsecond)
	return failures + 1
}

// LockPoint blocks until the cell containing (x, z) is acquired.
func (l *Lock) LockPoint(x, z int32) *Node {
	owner := goroutineOwner()
	sectionX, sectionZ := x>>l.coordinateShift, z>>l.coordinateShift
	coordinate := l.key(sectionX, sectionZ)

	node := newNode(l, []int64{coordinate}, owner)

	var failures int64
	for {
		prev, had := l.nodes.PutIfAbsent(coordinate, node)
		if !had {
			node.areaAffectedLen = 1
			return node
		}
		if prev.owner == owner {
			node.areaAffected = node.areaAffected[:0]
			return node
		}

		failures++
		if failures > spinLimit && l.park(prev, owner) {
			continue
		}
		failures = spinBackoff(failures)
	}
}

// LockRadius blocks until every cell within radius of (centerX, centerZ)
// is acquired.
func (l *Lock) LockRadius(centerX, centerZ, radius int32) *Node {
	return l.LockRange(centerX-radius, centerZ-radius, centerX+radius, centerZ+radius)
}

// LockRange blocks until every cell in the inclusive rectangle
// [fromX,toX]x[fromZ,toZ] is acquired. Acquisition is all-or-nothing;
// acquiring a range that only partially overlaps an area already held by
// this goroutine is a programming error and panics.
func (l *Lock) LockRange(fromX, fromZ, toX, toZ int32) *Node {
	owner := goroutineOwner()
	fromSX, fromSZ, toSX, toSZ := sectionRange(fromX, fromZ, toX, toZ, l.coordinateShift)

	if fromSX == toSX && fromSZ == toSZ {
		return l.LockPoint(fromX, fromZ)
	}

	areaAffected := make([]int64, 0, int(toSX-fromSX+1)*int(toSZ-fromSZ+1))
	node := newNode(l, areaAffected, owner)

	var failures int64
	for {
		var park *Node
		addedToArea := false
		sawSelfOwned := false

	loop:
		for z := fromSZ; z <= toSZ; z++ {
			for x := fromSX; x <= toSX; x++ {
				coordinate := l.key(x, z)
				prev, had := l.nodes.PutIfAbsent(coordinate, node)
				if !had {
					addedToArea = true
					node.areaAffected = append(node.areaAffected, coordinate)
					continue
				}
				if prev.owner != owner {
					park = prev
					break loop
				}
				sawSelfOwned = true
			}
		}

		intersecting := park == nil && sawSelfOwned && addedToArea
		if (park != nil && addedToArea) || intersecting {
			l.rollback(node)
		}

		if park == nil {
			if intersecting {
				panic("arealock: improper lock usage: should never acquire intersecting areas")
			}
			node.areaAffectedLen = len(node.areaAffected)
			return node
		}

		failures++
		parked := false
		if failures > spinLimit {
			parked = l.park(park, owner)
		}
		if !parked {
			failures = spinBackoff(failures)
		}

		if addedToArea {
			node.waiters.allowAdds()
		}
	}
}

// park registers this goroutine as a waiter on blocker and blocks until
// woken, returning true if it actually parked. It returns false (without
// blocking) if the waiter queue was already drained and closed for adds,
// so the caller should fall back to spinning instead.
func (l *Lock) park(blocker *Node, owner uint64) bool {
	ch := make(chan struct{})
	if !blocker.waiters.add(ch) {
		return false
	}
	<-ch
	return true
}

// Unlock releases the area node covers, waking any goroutines parked on
// it. node must have been returned by a successful call to one of this
// Lock's acquisition methods.
func (l *Lock) Unlock(node *Node) {
	if node.lock != l {
		panic("arealock: unlock target lock mismatch")
	}
	if node.areaAffectedLen == 0 {
		return
	}

	for i := 0; i < node.areaAffectedLen; i++ {
		coordinate := node.areaAffected[i]
		if removed := l.nodes.RemoveExpected(coordinate, node, samePointer[*Node]); !removed {
			panic("arealock: corrupted lock state on unlock")
		}
	}

	node.waiters.drainAndWake()
}
