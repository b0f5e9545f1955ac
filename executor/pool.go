package executor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Spottedleaf/ConcurrentUtil/priority"
)

// highPriorityNotifyThreshold is the priority at or above which queuing a
// task, besides trying to wake a parked worker, flags each busy worker it
// tries to drop its current executor at its next poll. Below it, queuing a
// task only tries to wake a parked worker.
const highPriorityNotifyThreshold = priority.High

// queueShutdownPriority is the priority an Executor reports for scheduling
// purposes once it has been shut down and still has unexecuted tasks, so
// that drain-on-shutdown work gets attention ahead of ordinary work.
const queueShutdownPriority = priority.High

const (
	spinPollInterval = 10 * time.Microsecond
	spinWaitTime     = 100 * time.Microsecond
	parkSafetyNet    = time.Second
)

// Pool owns a set of worker goroutines that service tasks queued across any
// number of ExecutorGroups. Construct one with NewPool, then size it with
// AdjustThreadCount.
type Pool struct {
	modifyWorker func(*Worker)

	mu           sync.Mutex
	groups       []*ExecutorGroup
	workers      []*Worker
	aliveWorkers []*Worker
	shutdown     bool
}

// NewPool returns an empty, zero-worker Pool. modifyWorker is called once
// per worker goroutine created by AdjustThreadCount, before it starts
// running tasks, to let the caller configure it (name it, pin it, whatever
// the caller needs); it must not be nil.
func NewPool(modifyWorker func(*Worker)) *Pool {
	if modifyWorker == nil {
		panic("executor: modifyWorker must not be nil")
	}
	return &Pool{modifyWorker: modifyWorker}
}

// ExecutorGroup is a named division of work within a Pool: a set of
// Executors that compete for worker attention as one unit relative to other
// groups, and individually relative to each other.
type ExecutorGroup struct {
	pool               *Pool
	division           int
	subOrderGen        atomic.Int64
	currentParallelism atomic.Int64

	executors []*Executor // guarded by pool.mu
}

// CreateExecutorGroup registers a new division of work. division is an
// opaque tag used only to compare groups against each other when workers
// choose between executors in different groups.
func (p *Pool) CreateExecutorGroup(division int) *ExecutorGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		panic("executor: pool is shutdown")
	}
	g := &ExecutorGroup{pool: p, division: division}
	p.groups = append(p.groups, g)
	return g
}

// GenerateNextSubOrder returns the next value from this group's
// monotonically increasing sub-order generator, for tasks that want a
// group-wide FIFO order rather than a per-executor one.
func (g *ExecutorGroup) GenerateNextSubOrder() int64 { return g.subOrderGen.Add(1) - 1 }

// Executor is one schedulable task queue within an ExecutorGroup, bounded
// to at most maxParallelism workers running its tasks concurrently (no
// bound if maxParallelism <= 0).
type Executor struct {
	group          *ExecutorGroup
	queue          *Queue
	holdTime       time.Duration
	maxParallelism atomic.Int64
	halt           atomic.Bool

	currentParallelism atomic.Int64
	lastRetrieved      int64 // nanoseconds; guarded by pool.mu
}

// CreateExecutor registers a new Executor in this group. holdTime bounds
// how long a worker keeps draining this executor's queue before yielding
// to let the pool reconsider priorities across all executors.
func (g *ExecutorGroup) CreateExecutor(maxParallelism int, holdTime time.Duration) *Executor {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	if g.pool.shutdown {
		panic("executor: pool is shutdown")
	}
	e := &Executor{group: g, queue: NewQueue(), holdTime: holdTime}
	e.maxParallelism.Store(int64(maxParallelism))
	g.executors = append(g.executors, e)
	return e
}

func (g *ExecutorGroup) removeExecutor(e *Executor) {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	for i, x := range g.executors {
		if x == e {
			g.executors = append(g.executors[:i], g.executors[i+1:]...)
			return
		}
	}
}

// getTargetPriority returns the priority this executor should be scheduled
// at: its highest-priority task's priority, raised to queueShutdownPriority
// if it has been shut down and still has work pending. Returns false if the
// executor has nothing that needs a worker right now.
func (e *Executor) getTargetPriority() (priority.Priority, bool) {
	p, ok := e.queue.HighestPriority()
	if !e.queue.IsShutdown() {
		return p, ok
	}
	if !ok {
		if e.queue.HasNoScheduledTasks() {
			return 0, false
		}
		return queueShutdownPriority, true
	}
	return priority.Max(p, queueShutdownPriority), true
}

func (e *Executor) canNotify() bool {
	if e.halt.Load() {
		return false
	}
	max := e.maxParallelism.Load()
	return max <= 0 || e.currentParallelism.Load() < max
}

func (e *Executor) notifyHighPriority() {
	if !e.canNotify() {
		return
	}
	for _, w := range e.group.pool.snapshotWorkers() {
		if w.alertHighPriority() {
			return
		}
	}
}

func (e *Executor) notifyScheduled() {
	if !e.canNotify() {
		return
	}
	for _, w := range e.group.pool.snapshotWorkers() {
		if w.notifyTasks() {
			return
		}
	}
}

// wrappedTask decorates a Queue's Task so that scheduling or raising its
// priority also pokes a worker awake, the way plain Queue.QueueTask cannot
// on its own since a bare Queue has no pool to notify.
type wrappedTask struct {
	inner    Task
	executor *Executor
}

func (w *wrappedTask) notifyAfter(ok bool) bool {
	if !ok {
		return false
	}
	if p := w.inner.Priority(); p != priority.Completing {
		if p.IsHigherOrEqual(highPriorityNotifyThreshold) {
			w.executor.notifyHighPriority()
		} else {
			w.executor.notifyScheduled()
		}
	}
	return true
}

func (w *wrappedTask) Queue() bool                 { return w.notifyAfter(w.inner.Queue()) }
func (w *wrappedTask) IsQueued() bool              { return w.inner.IsQueued() }
func (w *wrappedTask) Cancel() bool                { return w.inner.Cancel() }
func (w *wrappedTask) Execute() bool               { return w.inner.Execute() }
func (w *wrappedTask) Priority() priority.Priority { return w.inner.Priority() }
func (w *wrappedTask) SubOrder() int64             { return w.inner.SubOrder() }
func (w *wrappedTask) SetPriority(p priority.Priority) bool {
	return w.notifyAfter(w.inner.SetPriority(p))
}
func (w *wrappedTask) RaisePriority(p priority.Priority) bool {
	return w.notifyAfter(w.inner.RaisePriority(p))
}
func (w *wrappedTask) LowerPriority(p priority.Priority) bool {
	return w.inner.LowerPriority(p)
}
func (w *wrappedTask) SetSubOrder(s int64) bool   { return w.notifyAfter(w.inner.SetSubOrder(s)) }
func (w *wrappedTask) RaiseSubOrder(s int64) bool { return w.notifyAfter(w.inner.RaiseSubOrder(s)) }
func (w *wrappedTask) LowerSubOrder(s int64) bool { return w.inner.LowerSubOrder(s) }
func (w *wrappedTask) SetPriorityAndSubOrder(p priority.Priority, s int64) bool {
	return w.notifyAfter(w.inner.SetPriorityAndSubOrder(p, s))
}

// CreateTask builds a task on this executor's queue without scheduling it.
func (e *Executor) CreateTask(run func(), opts ...TaskOption) Task {
	return &wrappedTask{inner: e.queue.CreateTask(run, opts...), executor: e}
}

// QueueTask builds and schedules a task on this executor in one step,
// waking an idle worker if one is available.
func (e *Executor) QueueTask(run func(), opts ...TaskOption) Task {
	t := e.CreateTask(run, opts...)
	t.Queue()
	return t
}

// ExecuteTask runs this executor's highest-priority task inline, returning
// false if it has nothing runnable.
func (e *Executor) ExecuteTask() bool { return e.queue.ExecuteTask() }

// TotalTasksScheduled returns the number of tasks ever queued on this
// executor.
func (e *Executor) TotalTasksScheduled() int64 { return e.queue.TotalTasksScheduled() }

// TotalTasksExecuted returns the number of tasks ever removed from this
// executor's queue.
func (e *Executor) TotalTasksExecuted() int64 { return e.queue.TotalTasksExecuted() }

// GenerateNextSubOrder returns the next value from this group's sub-order
// generator (executors within a group share one FIFO counter).
func (e *Executor) GenerateNextSubOrder() int64 { return e.group.GenerateNextSubOrder() }

// SetMaxParallelism changes how many workers may run this executor's tasks
// concurrently; n <= 0 means unbounded.
func (e *Executor) SetMaxParallelism(n int) {
	e.maxParallelism.Store(int64(n))
	if _, ok := e.getTargetPriority(); ok {
		e.group.pool.notifyAllWorkers()
	}
}

// IsActive reports whether this executor is still in use: always true
// until it is shut down, then true while it still has scheduled tasks. Once
// halted, it is true only while one of its tasks is still running.
func (e *Executor) IsActive() bool {
	if e.halt.Load() {
		return e.currentParallelism.Load() > 0
	}
	if !e.queue.IsShutdown() {
		return true
	}
	return !e.queue.HasNoScheduledTasks()
}

// IsShutdown reports whether Shutdown has been called.
func (e *Executor) IsShutdown() bool { return e.queue.IsShutdown() }

// Shutdown stops the executor from accepting new tasks, returning false if
// it was already shut down. Already-queued tasks still run.
func (e *Executor) Shutdown() bool {
	if !e.queue.Shutdown() {
		return false
	}
	if e.queue.HasNoScheduledTasks() {
		e.group.removeExecutor(e)
	}
	return true
}

// Halt immediately removes the executor from scheduling, abandoning any
// tasks still in its queue. Workers already running one of its tasks finish
// that task but will not pick up another.
func (e *Executor) Halt() {
	e.halt.Store(true)
	e.group.removeExecutor(e)
}

func compareTimes(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareInsideGroup orders two candidate executors from the same group:
// by priority, then by current parallelism (prefer the less busy one), then
// by recency (prefer the one retrieved longest ago). A positive result
// means src should be replaced by dst.
func compareInsideGroup(srcPriority priority.Priority, src *Executor, dstPriority priority.Priority, dst *Executor) int {
	if d := int(srcPriority) - int(dstPriority); d != 0 {
		return d
	}
	if d := int(src.currentParallelism.Load() - dst.currentParallelism.Load()); d != 0 {
		return d
	}
	return compareTimes(src.lastRetrieved, dst.lastRetrieved)
}

// compareOutsideGroup orders the best candidate from two different groups:
// by priority only when both candidates' groups share a division, then by
// group-wide parallelism, then falls back to compareInsideGroup's
// parallelism/recency tie-breaking on the executors themselves.
func compareOutsideGroup(srcPriority priority.Priority, src *Executor, dstPriority priority.Priority, dst *Executor) int {
	if src.group.division == dst.group.division {
		if d := int(srcPriority) - int(dstPriority); d != 0 {
			return d
		}
	}
	if d := int(src.group.currentParallelism.Load() - dst.group.currentParallelism.Load()); d != 0 {
		return d
	}
	if d := int(src.currentParallelism.Load() - dst.currentParallelism.Load()); d != 0 {
		return d
	}
	return compareTimes(src.lastRetrieved, dst.lastRetrieved)
}

// obtainQueue picks the best executor to run a task from right now, across
// every group, and reserves a parallelism slot on it. Returns nil if
// nothing is runnable anywhere.
func (p *Pool) obtainQueue() *Executor {
	now := time.Now().UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Executor
	var bestPriority priority.Priority

	for _, group := range p.groups {
		var highest *Executor
		var highestPriority priority.Priority

		for _, ex := range group.executors {
			if max := ex.maxParallelism.Load(); max > 0 && ex.currentParallelism.Load() >= max {
				continue
			}
			pr, ok := ex.getTargetPriority()
			if !ok {
				continue
			}
			if highest == nil || compareInsideGroup(highestPriority, highest, pr, ex) > 0 {
				highest, highestPriority = ex, pr
			}
		}
		if highest == nil {
			continue
		}
		if best == nil || compareOutsideGroup(bestPriority, best, highestPriority, highest) > 0 {
			best, bestPriority = highest, highestPriority
		}
	}

	if best != nil {
		best.lastRetrieved = now
		best.currentParallelism.Add(1)
		best.group.currentParallelism.Add(1)
	}
	return best
}

// returnQueue releases the parallelism slot obtainQueue reserved on e, and
// retires it from its group if it has been shut down and drained.
func (p *Pool) returnQueue(e *Executor) {
	p.mu.Lock()
	e.currentParallelism.Add(-1)
	e.group.currentParallelism.Add(-1)
	p.mu.Unlock()

	if e.queue.IsShutdown() && e.queue.HasNoScheduledTasks() {
		e.group.removeExecutor(e)
	}
}

func (p *Pool) snapshotWorkers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

func (p *Pool) notifyAllWorkers() {
	for _, w := range p.snapshotWorkers() {
		w.notifyTasks()
	}
}

func (p *Pool) die(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.aliveWorkers {
		if x == w {
			p.aliveWorkers = append(p.aliveWorkers[:i], p.aliveWorkers[i+1:]...)
			return
		}
	}
}

// AdjustThreadCount resizes the worker pool to exactly n goroutines,
// starting new ones (via modifyWorker) or halting existing ones from the
// tail as needed. It is a no-op once the pool is shut down.
func (p *Pool) AdjustThreadCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown || n == len(p.workers) {
		return
	}

	if n < len(p.workers) {
		remove := p.workers[n:]
		p.workers = p.workers[:n]
		for _, w := range remove {
			w.Halt()
		}
		return
	}

	for i := len(p.workers); i < n; i++ {
		w := newWorker(p)
		p.modifyWorker(w)
		p.aliveWorkers = append(p.aliveWorkers, w)
		p.workers = append(p.workers, w)
		go w.run()
	}
}

// Shutdown shuts down every registered executor, preventing new tasks from
// being queued, and asks every worker to stop once its queues drain. If
// wait is true it blocks until every worker goroutine has exited.
func (p *Pool) Shutdown(wait bool) {
	p.mu.Lock()
	p.shutdown = true
	groups := append([]*ExecutorGroup(nil), p.groups...)
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()

	for _, g := range groups {
		g.pool.mu.Lock()
		execs := append([]*Executor(nil), g.executors...)
		g.pool.mu.Unlock()
		for _, e := range execs {
			e.Shutdown()
		}
	}
	for _, w := range workers {
		w.Close(false)
	}
	if wait {
		p.Join(0)
	}
}

// Halt immediately stops the pool: every worker goroutine is asked to exit
// without waiting for its queues to drain. If killQueues is true, every
// registered executor is also shut down.
func (p *Pool) Halt(killQueues bool) {
	p.mu.Lock()
	p.shutdown = true
	groups := append([]*ExecutorGroup(nil), p.groups...)
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()

	if killQueues {
		for _, g := range groups {
			g.pool.mu.Lock()
			execs := append([]*Executor(nil), g.executors...)
			g.pool.mu.Unlock()
			for _, e := range execs {
				e.Shutdown()
			}
		}
	}
	for _, w := range workers {
		w.Halt()
	}
}

// Join blocks until every worker goroutine created so far has exited, or
// until timeout elapses (no timeout if timeout <= 0). It returns false if
// the timeout elapsed first.
func (p *Pool) Join(timeout time.Duration) bool {
	p.mu.Lock()
	workers := append([]*Worker(nil), p.aliveWorkers...)
	p.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for _, w := range workers {
		if timeout <= 0 {
			<-w.done
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-w.done:
		case <-time.After(remaining):
			return false
		}
	}
	return true
}

// JoinContext blocks until every worker goroutine created so far has
// exited, or ctx is done.
func (p *Pool) JoinContext(ctx context.Context) error {
	p.mu.Lock()
	workers := append([]*Worker(nil), p.aliveWorkers...)
	p.mu.Unlock()

	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Worker is one goroutine servicing a Pool's executors: it repeatedly picks
// the best available executor, drains it for up to that executor's hold
// time, then spins briefly and finally parks until woken.
type Worker struct {
	pool *Pool

	wake                chan struct{}
	done                chan struct{}
	parked              atomic.Bool
	alertedHighPriority atomic.Bool
	shuttingDown        atomic.Bool
	halted              atomic.Bool
}

func newWorker(pool *Pool) *Worker {
	return &Worker{
		pool: pool,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// notifyTasks wakes this worker if it is currently parked, returning
// whether it actually did so.
func (w *Worker) notifyTasks() bool {
	if !w.parked.CompareAndSwap(true, false) {
		return false
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// alertHighPriority is notifyTasks, but if the worker isn't parked it
// leaves a flag for the worker to notice on its next poll instead of doing
// nothing.
func (w *Worker) alertHighPriority() bool {
	if w.notifyTasks() {
		return true
	}
	w.alertedHighPriority.Store(true)
	return false
}

func (w *Worker) isAlertedHighPriority() bool {
	return w.alertedHighPriority.CompareAndSwap(true, false)
}

func (w *Worker) wakeChan() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.pool.die(w)
	w.mainLoop()
}

func (w *Worker) mainLoop() {
	for {
		w.pollTasks()
		if w.handleClose() {
			return
		}

		spun := w.spinWait()
		if spun {
			continue
		}
		if w.handleClose() {
			return
		}

		w.park()
		if w.handleClose() {
			return
		}
	}
}

// spinWait re-polls for work for a short grace period before the worker
// parks, avoiding a park/unpark round trip for tasks arriving just after a
// drain. Returns true if it found and ran something.
func (w *Worker) spinWait() bool {
	deadline := time.Now().Add(spinWaitTime)
	for time.Now().Before(deadline) {
		runtime.Gosched()
		time.Sleep(spinPollInterval)
		if w.pollTasks() {
			return true
		}
		if w.halted.Load() || w.shuttingDown.Load() {
			return false
		}
	}
	return false
}

func (w *Worker) park() {
	w.parked.Store(true)
	if w.pollTasks() {
		w.parked.Store(false)
		return
	}
	for w.parked.Load() {
		select {
		case <-w.wake:
		case <-time.After(parkSafetyNet):
		}
		if w.halted.Load() || w.shuttingDown.Load() {
			w.parked.Store(false)
			return
		}
	}
}

// pollTasks repeatedly obtains the best executor and drains it, for as long
// as any executor has runnable work. Returns whether it ran anything.
func (w *Worker) pollTasks() bool {
	ran := false
	for !w.halted.Load() {
		ex := w.pool.obtainQueue()
		if ex == nil {
			break
		}
		ran = true
		w.drainExecutor(ex)
		w.pool.returnQueue(ex)
	}
	return ran
}

func (w *Worker) drainExecutor(ex *Executor) {
	var deadline time.Time
	if ex.holdTime > 0 {
		deadline = time.Now().Add(ex.holdTime)
	}
	for {
		if w.halted.Load() || ex.halt.Load() {
			return
		}
		if !w.executeOne(ex) {
			return
		}
		if w.isAlertedHighPriority() {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return
		}
	}
}

func (w *Worker) executeOne(ex *Executor) (ran bool) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Error().Interface("panic", r).Msg("executor task panicked")
			ran = true
		}
	}()
	return ex.ExecuteTask()
}

// handleClose drains remaining work one more time if the worker is
// shutting down gracefully, then reports whether the worker should exit.
func (w *Worker) handleClose() bool {
	if w.halted.Load() {
		return true
	}
	if w.shuttingDown.Load() {
		w.pollTasks()
		return true
	}
	return false
}

// Halt asks the worker to exit immediately, abandoning any task queue
// draining in progress once the current task (if any) finishes.
func (w *Worker) Halt() {
	w.halted.Store(true)
	w.parked.Store(false)
	w.wakeChan()
}

// Close asks the worker to drain whatever is runnable and then exit. If
// wait is true it blocks until the worker goroutine has exited.
func (w *Worker) Close(wait bool) {
	w.shuttingDown.Store(true)
	w.parked.Store(false)
	w.wakeChan()
	if wait {
		<-w.done
	}
}
