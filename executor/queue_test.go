package executor

import (
	"testing"

	"github.com/Spottedleaf/ConcurrentUtil/priority"
)

func TestQueueTaskRunsAndMarksExecuted(t *testing.T) {
	q := NewQueue()
	ran := false
	task := q.QueueTask(func() { ran = true })

	if !task.IsQueued() {
		t.Fatal("task should be queued immediately after QueueTask")
	}
	if !q.ExecuteTask() {
		t.Fatal("ExecuteTask should find the queued task")
	}
	if !ran {
		t.Fatal("task body should have run")
	}
	if task.IsQueued() {
		t.Fatal("task should no longer be queued after executing")
	}
	if q.TotalTasksExecuted() != 1 || q.TotalTasksScheduled() != 1 {
		t.Fatalf("scheduled/executed = %d/%d, want 1/1", q.TotalTasksScheduled(), q.TotalTasksExecuted())
	}
}

func TestPollTaskOrdersByPriorityThenSubOrder(t *testing.T) {
	q := NewQueue()
	var order []string

	q.CreateTask(func() { order = append(order, "low") }, WithPriority(priority.Low)).Queue()
	q.CreateTask(func() { order = append(order, "high-2") }, WithPriority(priority.High), WithSubOrder(2)).Queue()
	q.CreateTask(func() { order = append(order, "high-1") }, WithPriority(priority.High), WithSubOrder(1)).Queue()
	q.CreateTask(func() { order = append(order, "blocking") }, WithPriority(priority.Blocking)).Queue()

	for q.ExecuteTask() {
	}

	want := []string{"blocking", "high-1", "high-2", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCancelPreventsExecution(t *testing.T) {
	q := NewQueue()
	ran := false
	task := q.QueueTask(func() { ran = true })

	if !task.Cancel() {
		t.Fatal("Cancel should succeed on a queued task")
	}
	if task.Cancel() {
		t.Fatal("Cancel should only succeed once")
	}
	if q.ExecuteTask() {
		t.Fatal("ExecuteTask should find nothing after the only task was cancelled")
	}
	if ran {
		t.Fatal("cancelled task body should never run")
	}
}

func TestExecuteDirectlyBypassesQueue(t *testing.T) {
	q := NewQueue()
	ran := false
	task := q.CreateTask(func() { ran = true })

	if !task.Execute() {
		t.Fatal("Execute should succeed on a freshly created task")
	}
	if !ran {
		t.Fatal("task body should have run")
	}
	if task.Execute() {
		t.Fatal("Execute should only succeed once")
	}
	if task.Queue() {
		t.Fatal("a completed task should never be queueable")
	}
}

func TestSetPriorityReordersQueue(t *testing.T) {
	q := NewQueue()
	var order []string

	a := q.CreateTask(func() { order = append(order, "a") }, WithPriority(priority.Low))
	b := q.CreateTask(func() { order = append(order, "b") }, WithPriority(priority.Normal))
	a.Queue()
	b.Queue()

	if !a.SetPriority(priority.Blocking) {
		t.Fatal("SetPriority should succeed on a queued task")
	}

	for q.ExecuteTask() {
	}
	if order[0] != "a" {
		t.Fatalf("raising a's priority should have run it first, order = %v", order)
	}
}

func TestRaiseLowerPriority(t *testing.T) {
	q := NewQueue()
	task := q.CreateTask(func() {}, WithPriority(priority.Normal))
	task.Queue()

	if task.RaisePriority(priority.Low) {
		t.Fatal("RaisePriority to a lower priority should fail")
	}
	if !task.RaisePriority(priority.High) {
		t.Fatal("RaisePriority to a higher priority should succeed")
	}
	if task.Priority() != priority.High {
		t.Fatalf("priority = %v, want High", task.Priority())
	}
	if task.LowerPriority(priority.Blocking) {
		t.Fatal("LowerPriority to a higher priority should fail")
	}
	if !task.LowerPriority(priority.Low) {
		t.Fatal("LowerPriority to a lower priority should succeed")
	}
}

func TestSubOrderMutators(t *testing.T) {
	q := NewQueue()
	task := q.CreateTask(func() {}, WithSubOrder(10))

	if task.RaiseSubOrder(5) {
		t.Fatal("RaiseSubOrder to a smaller value should fail")
	}
	if !task.RaiseSubOrder(20) {
		t.Fatal("RaiseSubOrder to a larger value should succeed")
	}
	if task.SubOrder() != 20 {
		t.Fatalf("SubOrder = %d, want 20", task.SubOrder())
	}
	if task.LowerSubOrder(30) {
		t.Fatal("LowerSubOrder to a larger value should fail")
	}
	if !task.LowerSubOrder(1) {
		t.Fatal("LowerSubOrder to a smaller value should succeed")
	}
	if task.SubOrder() != 1 {
		t.Fatalf("SubOrder = %d, want 1", task.SubOrder())
	}
}

func TestQueuePanicsWhenShutdown(t *testing.T) {
	q := NewQueue()
	q.Shutdown()

	defer func() {
		if recover() == nil {
			t.Fatal("Queue() on a shut-down queue should panic")
		}
	}()
	q.CreateTask(func() {}).Queue()
}

func TestHasNoScheduledTasks(t *testing.T) {
	q := NewQueue()
	if !q.HasNoScheduledTasks() {
		t.Fatal("a fresh queue should have no scheduled tasks")
	}
	task := q.QueueTask(func() {})
	if q.HasNoScheduledTasks() {
		t.Fatal("a queue with a pending task should report scheduled work")
	}
	task.Cancel()
	if !q.HasNoScheduledTasks() {
		t.Fatal("cancelling the only task should clear scheduled work")
	}
}
