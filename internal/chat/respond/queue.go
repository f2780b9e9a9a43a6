// Package respond schedules AI generation tasks. Tasks carry an absolute
// dispatch time; the queue releases them in time order while holding a
// global concurrency cap, so at most MaxConcurrentResponses generations run
// at once no matter how many rooms or AIs are active.
//
// The queue deliberately knows nothing about the orchestrator: it is handed
// a dispatch function and an isSleeping probe at construction.
package respond

import (
	"container/heap"
	"sync"
	"time"

	"github.com/zjrosen/confab/internal/log"
)

// MaxConcurrentResponses is the default global cap on in-flight generations.
const MaxConcurrentResponses = 2

// QueueRetry is how long the queue waits before re-checking a task that was
// blocked by sleep or capacity at its scheduled time.
const QueueRetry = 1 * time.Second

// Task is one pending AI generation.
type Task struct {
	AIID             string
	RoomID           string
	IsUserResponse   bool
	IsMentioned      bool
	TriggerMessageID string
	TriggerSender    string
	// ScheduledTime is the absolute time the task becomes ready.
	ScheduledTime time.Time
}

// Config holds configuration for creating a Queue.
type Config struct {
	// MaxConcurrent caps in-flight dispatches. Defaults to
	// MaxConcurrentResponses if zero.
	MaxConcurrent int
	// Clock provides time operations. Defaults to RealClock if nil.
	Clock Clock
	// IsSleeping is probed at dispatch time; a true result defers the task.
	// Optional.
	IsSleeping func() bool
	// Dispatch runs a ready task. Called on its own goroutine; the callee
	// must call OnComplete when the generation finishes. Required.
	Dispatch func(Task)
}

// Queue is a time-ordered dispatch queue with a concurrency cap.
type Queue struct {
	clock         Clock
	maxConcurrent int
	isSleeping    func() bool
	dispatch      func(Task)

	mu      sync.Mutex
	tasks   taskHeap
	active  int
	timer   Timer
	cleared bool
	quit    chan struct{}
	seq     uint64
}

// New creates a Queue from cfg.
func New(cfg Config) *Queue {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = MaxConcurrentResponses
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	return &Queue{
		clock:         clock,
		maxConcurrent: maxConcurrent,
		isSleeping:    cfg.IsSleeping,
		dispatch:      cfg.Dispatch,
		quit:          make(chan struct{}),
	}
}

// Enqueue adds one task and kicks processing.
func (q *Queue) Enqueue(t Task) {
	q.EnqueueBatch([]Task{t})
}

// EnqueueBatch adds tasks and kicks processing once.
func (q *Queue) EnqueueBatch(tasks []Task) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cleared {
		log.Debug(log.CatRespond, "enqueue after clear dropped", "count", len(tasks))
		return
	}
	for _, t := range tasks {
		q.seq++
		heap.Push(&q.tasks, &entry{task: t, seq: q.seq})
	}
	// A new head may be earlier than the armed timer; re-arm from scratch.
	q.disarmLocked()
	q.processLocked()
}

// OnComplete releases one slot of capacity and resumes processing.
func (q *Queue) OnComplete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active > 0 {
		q.active--
	}
	if q.timer == nil {
		q.processLocked()
	}
}

// Clear drops all pending tasks, cancels the timer, and marks the queue
// cleared. In-flight dispatches are unaffected.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cleared {
		return
	}
	q.cleared = true
	q.disarmLocked()
	q.tasks = nil
	close(q.quit)
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Active returns the number of in-flight dispatches.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// processLocked releases every ready task it can, then arms a single timer
// for the next wakeup. Caller holds q.mu.
func (q *Queue) processLocked() {
	if q.cleared || q.timer != nil {
		return
	}
	for {
		if q.tasks.Len() == 0 || q.active >= q.maxConcurrent {
			return
		}
		head := q.tasks[0]
		if wait := head.task.ScheduledTime.Sub(q.clock.Now()); wait > 0 {
			q.armLocked(wait)
			return
		}
		if q.isSleeping != nil && q.isSleeping() {
			q.armLocked(QueueRetry)
			return
		}
		e := heap.Pop(&q.tasks).(*entry)
		q.active++
		task := e.task
		log.Debug(log.CatRespond, "dispatching task",
			"ai", task.AIID, "room", task.RoomID, "mentioned", task.IsMentioned)
		log.SafeGo("respond.dispatch", func() {
			q.dispatch(task)
		})
	}
}

// armLocked starts the single wakeup timer. Caller holds q.mu.
func (q *Queue) armLocked(d time.Duration) {
	t := q.clock.NewTimer(d)
	q.timer = t
	quit := q.quit
	go func() {
		select {
		case <-t.C():
			q.mu.Lock()
			if q.timer == t {
				q.timer = nil
				q.processLocked()
			}
			q.mu.Unlock()
		case <-quit:
		}
	}()
}

// disarmLocked stops any armed timer. Caller holds q.mu.
func (q *Queue) disarmLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// entry pairs a task with an insertion sequence for a stable time order.
type entry struct {
	task Task
	seq  uint64
}

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.ScheduledTime.Equal(h[j].task.ScheduledTime) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.ScheduledTime.Before(h[j].task.ScheduledTime)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
