// Package executor implements a prioritised task queue and a thread pool
// that schedules many such queues, organised into divisions (ExecutorGroup)
// and per-division executors (Executor), over a fixed set of worker
// goroutines.
package executor

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Spottedleaf/ConcurrentUtil/priority"
)

// Logger receives diagnostic events (currently: panics recovered from
// queued tasks). It defaults to a no-op logger.
var Logger = zerolog.Nop()

// Task is a unit of work scheduled on a Queue. All methods are safe to call
// from any goroutine, including concurrently with the task's own execution.
type Task interface {
	// Queue schedules the task, returning false if it was already queued,
	// already completed, or cancelled.
	Queue() bool
	// IsQueued reports whether the task is currently scheduled but not yet
	// executing or completed.
	IsQueued() bool
	// Cancel prevents the task from ever running, returning false if it
	// had already started running or completed.
	Cancel() bool
	// Execute runs the task inline on the calling goroutine, returning
	// false if it had already started running, completed, or was
	// cancelled.
	Execute() bool
	// Priority returns the task's current priority.
	Priority() priority.Priority
	// SetPriority changes the task's priority, returning false if the
	// task has already started completing or already has that priority.
	SetPriority(p priority.Priority) bool
	// RaisePriority is SetPriority, but only if p is higher than the
	// task's current priority.
	RaisePriority(p priority.Priority) bool
	// LowerPriority is SetPriority, but only if p is lower than the
	// task's current priority.
	LowerPriority(p priority.Priority) bool
	// SubOrder returns the task's tie-breaking sub-order.
	SubOrder() int64
	// SetSubOrder changes the task's sub-order.
	SetSubOrder(subOrder int64) bool
	// RaiseSubOrder is SetSubOrder, but only if subOrder is greater than
	// the task's current sub-order.
	RaiseSubOrder(subOrder int64) bool
	// LowerSubOrder is SetSubOrder, but only if subOrder is less than the
	// task's current sub-order.
	LowerSubOrder(subOrder int64) bool
	// SetPriorityAndSubOrder changes both the priority and sub-order in
	// one reschedule.
	SetPriorityAndSubOrder(p priority.Priority, subOrder int64) bool
}

// TaskOption configures a task at creation time.
type TaskOption func(*taskConfig)

type taskConfig struct {
	priority priority.Priority
	subOrder int64
	hasOrder bool
}

// WithPriority sets a task's initial priority. The default is
// priority.Normal.
func WithPriority(p priority.Priority) TaskOption {
	return func(c *taskConfig) { c.priority = p }
}

// WithSubOrder sets a task's initial tie-breaking sub-order. The default
// is the owning queue's next generated sub-order.
func WithSubOrder(subOrder int64) TaskOption {
	return func(c *taskConfig) { c.subOrder, c.hasOrder = subOrder, true }
}

// holder is the ordered-index entry for a scheduled task: its position in
// the queue's heap, keyed by (priority, subOrder, id) for a stable total
// order with FIFO tie-breaking.
type holder struct {
	task     *queuedTask
	priority priority.Priority
	subOrder int64
	id       int64
	index    int
	removed  atomic.Bool
}

// markRemoved reports true only for the first caller, mirroring a
// single-assignment "already handled" flag.
func (h *holder) markRemoved() bool {
	return !h.removed.Swap(true)
}

type holderHeap []*holder

func (h holderHeap) Len() int { return len(h) }

func (h holderHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.subOrder != b.subOrder {
		return a.subOrder < b.subOrder
	}
	return a.id < b.id
}

func (h holderHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *holderHeap) Push(x any) {
	hd := x.(*holder)
	hd.index = len(*h)
	*h = append(*h, hd)
}

func (h *holderHeap) Pop() any {
	old := *h
	n := len(old)
	hd := old[n-1]
	old[n-1] = nil
	hd.index = -1
	*h = old[:n-1]
	return hd
}

// Queue is an ordered multiset of tasks: pollable in priority order, with
// sub-order and insertion id breaking ties. The zero value is not usable;
// construct one with NewQueue.
type Queue struct {
	taskIDGen    atomic.Int64
	subOrderGen  atomic.Int64
	scheduled    atomic.Int64
	executed     atomic.Int64
	shutdownFlag atomic.Bool

	mu   sync.Mutex
	heap holderHeap
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// TotalTasksScheduled returns the number of tasks ever queued.
func (q *Queue) TotalTasksScheduled() int64 { return q.scheduled.Load() }

// TotalTasksExecuted returns the number of tasks ever removed from the
// queue, whether by running, cancellation, or being polled.
func (q *Queue) TotalTasksExecuted() int64 { return q.executed.Load() }

// GenerateNextSubOrder returns the next value from this queue's
// monotonically increasing sub-order generator.
func (q *Queue) GenerateNextSubOrder() int64 { return q.subOrderGen.Add(1) - 1 }

// Shutdown marks the queue as shut down, returning false if it already was.
func (q *Queue) Shutdown() bool { return !q.shutdownFlag.Swap(true) }

// IsShutdown reports whether Shutdown has been called.
func (q *Queue) IsShutdown() bool { return q.shutdownFlag.Load() }

// HasNoScheduledTasks reports whether every task ever queued has since been
// removed (run, cancelled, or polled).
func (q *Queue) HasNoScheduledTasks() bool {
	return q.executed.Load() == q.scheduled.Load()
}

// PeekFirst returns the highest-priority task without removing it, or nil
// if the queue is empty.
func (q *Queue) PeekFirst() Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0].task
}

// HighestPriority returns the priority of the highest-priority task, and
// false if the queue is empty.
func (q *Queue) HighestPriority() (priority.Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].priority, true
}

func (q *Queue) pollHolder() *holder {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*holder)
}

func (q *Queue) pushHolder(h *holder) {
	q.mu.Lock()
	heap.Push(&q.heap, h)
	q.mu.Unlock()
}

func (q *Queue) removeHolder(h *holder) {
	q.mu.Lock()
	if h.index >= 0 {
		heap.Remove(&q.heap, h.index)
	}
	q.mu.Unlock()
}

// PollTask removes and returns the highest-priority task's runnable,
// skipping over any task that was concurrently cancelled, or nil if the
// queue has no runnable task.
func (q *Queue) PollTask() func() {
	for {
		h := q.pollHolder()
		if h == nil {
			return nil
		}
		h.markRemoved()
		if !h.task.Cancel() {
			continue
		}
		return h.task.run
	}
}

// ExecuteTask removes and runs the highest-priority task inline, skipping
// over any task that was concurrently cancelled. It returns false if the
// queue had nothing runnable.
func (q *Queue) ExecuteTask() bool {
	for {
		h := q.pollHolder()
		if h == nil {
			return false
		}
		h.markRemoved()
		if !h.task.Execute() {
			continue
		}
		return true
	}
}

// CreateTask builds a Task without scheduling it. Use Task.Queue, or
// QueueTask, to schedule it.
func (q *Queue) CreateTask(run func(), opts ...TaskOption) Task {
	cfg := taskConfig{priority: priority.Normal}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.hasOrder {
		cfg.subOrder = q.GenerateNextSubOrder()
	}
	if !cfg.priority.IsValid() {
		panic("executor: invalid priority")
	}
	return newQueuedTask(q, run, cfg.priority, cfg.subOrder)
}

// QueueTask builds and schedules a task in one step.
func (q *Queue) QueueTask(run func(), opts ...TaskOption) Task {
	t := q.CreateTask(run, opts...)
	t.Queue()
	return t
}

// queuedTask is the concrete Task implementation. Every mutating method
// takes mu, mirroring the Java source's per-task intrinsic lock; a task
// method pushes or removes its holder in the owning queue's heap only
// while holding mu, so the lock order is always task mutex before queue
// mutex. The queue's own poll and peek methods take only the queue mutex.
type queuedTask struct {
	queue *Queue
	run   func()
	id    int64

	mu       sync.Mutex
	priority priority.Priority
	subOrder int64
	h        *holder
}

func newQueuedTask(q *Queue, run func(), p priority.Priority, subOrder int64) *queuedTask {
	return &queuedTask{
		queue:    q,
		run:      run,
		id:       q.taskIDGen.Add(1) - 1,
		priority: p,
		subOrder: subOrder,
	}
}

func (t *queuedTask) Queue() bool {
	t.mu.Lock()
	if t.h != nil || t.priority == priority.Completing {
		t.mu.Unlock()
		return false
	}
	if t.queue.IsShutdown() {
		t.mu.Unlock()
		panic("executor: queue is shutdown")
	}

	h := &holder{task: t, priority: t.priority, subOrder: t.subOrder, id: t.id}
	t.h = h
	t.queue.scheduled.Add(1)
	t.queue.pushHolder(h)
	t.mu.Unlock()

	if t.queue.IsShutdown() {
		t.Cancel()
		panic("executor: queue is shutdown")
	}
	return true
}

func (t *queuedTask) IsQueued() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h != nil && t.priority != priority.Completing
}

// removeHolderLocked unschedules t's current holder, if any. Callers must
// hold t.mu.
func (t *queuedTask) removeHolderLocked() {
	if t.h == nil {
		return
	}
	if t.h.markRemoved() {
		t.queue.removeHolder(t.h)
	}
}

// rescheduleLocked replaces t's holder with a fresh one reflecting its
// current priority/subOrder. Callers must hold t.mu and have already
// checked t.h != nil.
func (t *queuedTask) rescheduleLocked() {
	t.removeHolderLocked()
	h := &holder{task: t, priority: t.priority, subOrder: t.subOrder, id: t.id}
	t.h = h
	t.queue.pushHolder(h)
}

func (t *queuedTask) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.priority == priority.Completing {
		return false
	}
	t.priority = priority.Completing
	if t.h != nil {
		t.removeHolderLocked()
		t.queue.executed.Add(1)
	}
	return true
}

func (t *queuedTask) Execute() bool {
	t.mu.Lock()
	if t.priority == priority.Completing {
		t.mu.Unlock()
		return false
	}
	t.priority = priority.Completing
	increaseExecuted := t.h != nil
	if increaseExecuted {
		t.removeHolderLocked()
	}
	t.mu.Unlock()

	defer func() {
		if increaseExecuted {
			t.queue.executed.Add(1)
		}
	}()
	t.run()
	return true
}

func (t *queuedTask) Priority() priority.Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *queuedTask) SetPriority(p priority.Priority) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.priority == priority.Completing || t.priority == p {
		return false
	}
	t.priority = p
	if t.h != nil {
		t.rescheduleLocked()
	}
	return true
}

func (t *queuedTask) RaisePriority(p priority.Priority) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.priority == priority.Completing || t.priority.IsHigherOrEqual(p) {
		return false
	}
	t.priority = p
	if t.h != nil {
		t.rescheduleLocked()
	}
	return true
}

func (t *queuedTask) LowerPriority(p priority.Priority) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.priority == priority.Completing || t.priority.IsLowerOrEqual(p) {
		return false
	}
	t.priority = p
	if t.h != nil {
		t.rescheduleLocked()
	}
	return true
}

func (t *queuedTask) SubOrder() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subOrder
}

func (t *queuedTask) SetSubOrder(subOrder int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.priority == priority.Completing || t.subOrder == subOrder {
		return false
	}
	t.subOrder = subOrder
	if t.h != nil {
		t.rescheduleLocked()
	}
	return true
}

func (t *queuedTask) RaiseSubOrder(subOrder int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.priority == priority.Completing || t.subOrder >= subOrder {
		return false
	}
	t.subOrder = subOrder
	if t.h != nil {
		t.rescheduleLocked()
	}
	return true
}

func (t *queuedTask) LowerSubOrder(subOrder int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.priority == priority.Completing || t.subOrder <= subOrder {
		return false
	}
	t.subOrder = subOrder
	if t.h != nil {
		t.rescheduleLocked()
	}
	return true
}

func (t *queuedTask) SetPriorityAndSubOrder(p priority.Priority, subOrder int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.priority == priority.Completing || (t.priority == p && t.subOrder == subOrder) {
		return false
	}
	t.priority = p
	t.subOrder = subOrder
	if t.h != nil {
		t.rescheduleLocked()
	}
	return true
}
