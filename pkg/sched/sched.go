// Package sched implements a cooperative, single-threaded-semantics
// task scheduler: a fixed pool of stack-per-task workers scheduled
// round-robin over the Ready set, with sleep/yield as the only
// suspension points. It is the bridge's C1 component.
//
// Each task runs on its own goroutine but only one task's entry
// function is ever executing bridge logic at a time — the dispatcher
// hands off a baton via per-task channels, so the observable semantics
// match a cooperative scheduler even though the runtime underneath is
// preemptible. Handlers dispatched from the event bus (pkg/bus) must
// never call Sleep/Yield/Block; they run inside the dispatching task
// and would deadlock the baton handoff.
package sched

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"zigbridge/pkg/ids"
)

// ErrNoMem indicates the task pool is full.
var ErrNoMem = errors.New("task pool full")

// ErrInvalidHandle indicates a Handle does not refer to a live task.
var ErrInvalidHandle = errors.New("invalid task handle")

// TaskState is the lifecycle state of a scheduled task.
type TaskState int

const (
	Ready TaskState = iota
	Running
	Sleeping
	Blocked
	Dead
)

func (s TaskState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Blocked:
		return "blocked"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Handle identifies a task within a Scheduler.
type Handle int

// EntryFunc is a task's body. It must suspend periodically via the
// TaskHandle's Yield/Sleep/Block methods — it is never preempted.
type EntryFunc func(t *TaskHandle, arg any)

// TaskInfo is a snapshot of a task's scheduling state, returned by List.
type TaskInfo struct {
	Name     string
	State    TaskState
	WakeTick ids.Tick
	RunCount int
}

type task struct {
	name     string
	state    TaskState
	wakeTick ids.Tick
	runCount int
	entry    EntryFunc
	arg      any
	resumeCh chan struct{}
	doneCh   chan struct{}
	live     bool
}

// Scheduler is a fixed-capacity cooperative task pool.
type Scheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tasks    []*task
	capacity int
	now      ids.Tick
	started  bool
	current  int
}

// New creates a Scheduler with room for capacity tasks.
func New(capacity int) *Scheduler {
	s := &Scheduler{
		tasks:    make([]*task, 0, capacity),
		capacity: capacity,
		current:  -1,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Create registers a new task. stackHint is advisory (kept for parity
// with the embedded original; Go goroutines manage their own stacks).
func (s *Scheduler) Create(name string, stackHint int, entry EntryFunc, arg any) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, t := range s.tasks {
		if t == nil || !t.live {
			idx = i
			break
		}
	}
	if idx == -1 {
		if len(s.tasks) >= s.capacity {
			return 0, ErrNoMem
		}
		idx = len(s.tasks)
		s.tasks = append(s.tasks, nil)
	}

	t := &task{
		name:     name,
		state:    Ready,
		entry:    entry,
		arg:      arg,
		resumeCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
		live:     true,
	}
	s.tasks[idx] = t

	go s.run(idx, t)

	s.cond.Broadcast()
	log.Debug().Str("task", name).Int("stack_hint", stackHint).Msg("task created")
	return Handle(idx), nil
}

// run is the goroutine body wrapping a task's entry function.
func (s *Scheduler) run(idx int, t *task) {
	<-t.resumeCh
	h := &TaskHandle{sched: s, idx: idx}
	t.entry(h, t.arg)

	s.mu.Lock()
	t.state = Dead
	t.live = false
	s.mu.Unlock()
	t.doneCh <- struct{}{}
}

// pickNextLocked returns the index of the next Ready task in
// round-robin order starting after current, or -1 if none are Ready.
// Caller must hold s.mu.
func (s *Scheduler) pickNextLocked() int {
	n := len(s.tasks)
	if n == 0 {
		return -1
	}
	start := s.current + 1
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		t := s.tasks[idx]
		if t != nil && t.live && t.state == Ready {
			return idx
		}
	}
	return -1
}

// wakeDueLocked transitions Sleeping tasks whose wake_tick has passed
// (signed wraparound comparison) to Ready. Caller must hold s.mu.
func (s *Scheduler) wakeDueLocked() {
	for _, t := range s.tasks {
		if t != nil && t.live && t.state == Sleeping && t.wakeTick.Before(s.now+1) {
			t.state = Ready
		}
	}
}

// Start enters the dispatch loop. The first call blocks the calling
// goroutine forever (it never returns, even when every task has
// exited); subsequent calls are no-ops, matching the
// idempotent-with-effect contract of spec §4.1.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	log.Info().Msg("scheduler started")

	for {
		s.mu.Lock()
		s.wakeDueLocked()
		idx := s.pickNextLocked()
		for idx == -1 {
			// Idle: no task is Ready. Wait for a state change (tick
			// advance, create, wake, or a sleeping task's timer).
			s.cond.Wait()
			s.wakeDueLocked()
			idx = s.pickNextLocked()
		}

		t := s.tasks[idx]
		t.state = Running
		t.runCount++
		s.current = idx
		resumeCh := t.resumeCh
		doneCh := t.doneCh
		s.mu.Unlock()

		resumeCh <- struct{}{}
		<-doneCh
	}
}

// NowTicks returns the current monotonic tick count.
func (s *Scheduler) NowTicks() ids.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// UptimeMs returns elapsed milliseconds since the scheduler began
// (1ms nominal tick resolution, per spec §3).
func (s *Scheduler) UptimeMs() uint64 {
	return uint64(s.NowTicks())
}

// TickAdvance moves the monotonic clock forward by delta ticks and
// wakes any Sleeping tasks whose deadline has passed. Intended to be
// driven by an external timer source (spec §4.1); also usable
// directly by tests for deterministic time control.
func (s *Scheduler) TickAdvance(delta ids.Tick) {
	s.mu.Lock()
	s.now += delta
	s.wakeDueLocked()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// List returns a snapshot of every live task's scheduling info.
func (s *Scheduler) List() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t == nil || !t.live {
			continue
		}
		out = append(out, TaskInfo{
			Name:     t.name,
			State:    t.state,
			WakeTick: t.wakeTick,
			RunCount: t.runCount,
		})
	}
	return out
}

// Wake transitions a Blocked task back to Ready. Returns
// ErrInvalidHandle if the handle is stale or the task is not Blocked.
func (s *Scheduler) Wake(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := int(h)
	if idx < 0 || idx >= len(s.tasks) || s.tasks[idx] == nil || !s.tasks[idx].live {
		return fmt.Errorf("wake task %d: %w", h, ErrInvalidHandle)
	}
	t := s.tasks[idx]
	if t.state == Blocked {
		t.state = Ready
		s.cond.Broadcast()
	}
	return nil
}

// TaskHandle is passed to a task's EntryFunc and is the only way the
// task may suspend itself.
type TaskHandle struct {
	sched *Scheduler
	idx   int
}

// Name returns the task's registered name.
func (h *TaskHandle) Name() string {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	return h.sched.tasks[h.idx].name
}

// Yield suspends the calling task, making it Ready again immediately;
// the scheduler will pick another Ready task first if one exists.
// Yield(0) semantics: Sleep(0) is defined to be equivalent to Yield.
func (h *TaskHandle) Yield() {
	s := h.sched
	s.mu.Lock()
	t := s.tasks[h.idx]
	t.state = Ready
	s.cond.Broadcast()
	s.mu.Unlock()

	t.doneCh <- struct{}{}
	<-t.resumeCh
}

// Sleep suspends the calling task for ms milliseconds of scheduler
// tick-time. Sleep(0) is equivalent to Yield.
func (h *TaskHandle) Sleep(ms int) {
	if ms <= 0 {
		h.Yield()
		return
	}

	s := h.sched
	s.mu.Lock()
	t := s.tasks[h.idx]
	t.state = Sleeping
	t.wakeTick = s.now + ids.Tick(ms)
	s.cond.Broadcast()
	s.mu.Unlock()

	t.doneCh <- struct{}{}
	<-t.resumeCh
}

// Block suspends the calling task until a later call to
// Scheduler.Wake(handle) for this task. Used for user-defined
// suspension points beyond sleep/yield (spec §5).
func (h *TaskHandle) Block() {
	s := h.sched
	s.mu.Lock()
	t := s.tasks[h.idx]
	t.state = Blocked
	s.cond.Broadcast()
	s.mu.Unlock()

	t.doneCh <- struct{}{}
	<-t.resumeCh
}

// Handle returns this task's Handle, usable with Scheduler.Wake.
func (h *TaskHandle) Handle() Handle {
	return Handle(h.idx)
}
