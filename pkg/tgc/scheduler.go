package tgc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"
)

// TaskID identifies a scheduled task.
type TaskID uint64

type scheduledTask struct {
	id         TaskID
	fn         func()
	interval   time.Duration
	generation uint64
}

// scheduledEntry is one pending firing of a task. Entries from an older generation
// of their task are stale and skipped.
type scheduledEntry struct {
	deadline   time.Time
	seq        uint64
	task       *scheduledTask
	generation uint64
}

// Compare orders entries by deadline, ties by insertion order.
func (se *scheduledEntry) Compare(other queue.Item) int {

	o := other.(*scheduledEntry)
	switch {
	case se.deadline.Before(o.deadline):
		return -1
	case se.deadline.After(o.deadline):
		return 1
	case se.seq < o.seq:
		return -1
	case se.seq > o.seq:
		return 1
	}

	return 0
}

// Scheduler runs timed tasks from a single goroutine over a deadline min-heap.
// Task functions run on the scheduler goroutine and must not block; pool
// maintenance tasks only signal their workers.
type Scheduler struct {
	queue    *queue.PriorityQueue
	tasks    map[TaskID]*scheduledTask
	lock     sync.Mutex
	nextID   uint64
	seq      uint64
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewScheduler creates a Scheduler and starts its timer goroutine.
func NewScheduler(logger *zap.Logger) *Scheduler {

	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		queue:  queue.NewPriorityQueue(16, true),
		tasks:  make(map[TaskID]*scheduledTask),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.Named("scheduler"),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Schedule runs fn after delay, then every interval when interval > 0.
func (s *Scheduler) Schedule(fn func(), delay time.Duration, interval time.Duration) TaskID {

	s.lock.Lock()
	s.nextID++
	task := &scheduledTask{
		id:       TaskID(s.nextID),
		fn:       fn,
		interval: interval,
	}
	s.tasks[task.id] = task
	s.pushLocked(task, time.Now().Add(delay))
	s.lock.Unlock()

	s.signal()

	return task.id
}

// Cancel stops a task. Returns false when the task is unknown or already finished.
func (s *Scheduler) Cancel(id TaskID) bool {

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return false
	}

	delete(s.tasks, id)
	return true
}

// Reset moves the next firing of a task to now+delay. Periodic tasks keep their interval afterwards.
func (s *Scheduler) Reset(id TaskID, delay time.Duration) bool {

	s.lock.Lock()
	task, ok := s.tasks[id]
	if ok {
		task.generation++
		s.pushLocked(task, time.Now().Add(delay))
	}
	s.lock.Unlock()

	if ok {
		s.signal()
	}

	return ok
}

// Pending returns the number of live tasks.
func (s *Scheduler) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.tasks)
}

// Stop cancels every task and waits for the timer goroutine to exit.
func (s *Scheduler) Stop() {

	s.stopOnce.Do(func() {
		s.lock.Lock()
		s.tasks = make(map[TaskID]*scheduledTask)
		s.lock.Unlock()

		close(s.done)
		s.queue.Dispose()
	})

	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		items, err := s.queue.Get(1)
		if err != nil || len(items) == 0 {
			return // disposed
		}

		entry := items[0].(*scheduledEntry)
		if !s.isLive(entry) {
			continue
		}

		if wait := time.Until(entry.deadline); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.wake:
				// Something was scheduled; it may be due sooner.
				timer.Stop()
				_ = s.queue.Put(entry)
				continue
			case <-s.done:
				timer.Stop()
				return
			}
		}

		s.fire(entry)
	}
}

func (s *Scheduler) fire(entry *scheduledEntry) {

	s.lock.Lock()
	task, ok := s.tasks[entry.task.id]
	if !ok || task.generation != entry.generation {
		s.lock.Unlock()
		return
	}

	if task.interval > 0 {
		s.pushLocked(task, time.Now().Add(task.interval))
	} else {
		delete(s.tasks, task.id)
	}
	s.lock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", zap.Uint64("task", uint64(task.id)), zap.Any("panic", r))
		}
	}()

	task.fn()
}

func (s *Scheduler) isLive(entry *scheduledEntry) bool {

	s.lock.Lock()
	defer s.lock.Unlock()

	task, ok := s.tasks[entry.task.id]
	return ok && task.generation == entry.generation
}

// pushLocked requires s.lock.
func (s *Scheduler) pushLocked(task *scheduledTask, deadline time.Time) {

	entry := &scheduledEntry{
		deadline:   deadline,
		seq:        atomic.AddUint64(&s.seq, 1),
		task:       task,
		generation: task.generation,
	}

	if err := s.queue.Put(entry); err != nil {
		s.logger.Debug("schedule after stop ignored", zap.Uint64("task", uint64(task.id)))
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
