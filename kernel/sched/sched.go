// Package sched is the thread registry and cooperative scheduler.
//
// Threads live in a fixed arena indexed by kernel.ThreadID. Selection picks
// the highest-priority READY thread, FIFO among equal priorities. Sleeping
// threads carry a wake deadline in timer ticks and are promoted by TickTo.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sparkcore/hal"
	"sparkcore/internal/telemetry"
	"sparkcore/kernel"
)

// State is a thread's lifecycle state.
type State uint8

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateBlocked
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Descriptor is the caller-supplied part of a thread.
type Descriptor struct {
	ID        kernel.ThreadID
	Owner     kernel.AgentID
	Entry     uint64
	StackBase uint64
	StackSize uint32
	// Priority orders selection; larger runs first.
	Priority uint32
}

// Thread is a point-in-time copy of a thread slot.
type Thread struct {
	Descriptor
	State State
	// Deadline is the tick at which a sleeping thread wakes; 0 means none.
	Deadline uint64
	Context  hal.Frame
}

// DefaultTickHz is the timer frequency assumed when Config.TickHz is zero.
const DefaultTickHz = 1000

// Config wires optional collaborators.
type Config struct {
	TickHz  uint64
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Switcher is invoked by Schedule when a thread other than the
	// previous one is selected, with that thread's saved context.
	Switcher func(next Thread)
}

type slot struct {
	desc     Descriptor
	state    State
	used     bool
	seq      uint64
	index    int
	deadline uint64
	ctx      hal.Frame
	wake     chan struct{}
}

// Scheduler owns the thread table and the ready queue.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	slots [kernel.MaxThreads]slot
	ready readyQueue

	current kernel.ThreadID
	running bool
	last    kernel.ThreadID
	hasLast bool

	seq uint64
	now uint64
}

// New returns a scheduler with an empty thread table.
func New(cfg Config) *Scheduler {
	if cfg.TickHz == 0 {
		cfg.TickHz = DefaultTickHz
	}
	s := &Scheduler{cfg: cfg, log: telemetry.OrDiscard(cfg.Logger)}
	for i := range s.slots {
		s.slots[i].index = -1
	}
	s.ready.slots = &s.slots
	return s
}

// lookup returns the slot of a thread that has been created at least once.
func (s *Scheduler) lookup(id kernel.ThreadID) *slot {
	if !id.Valid() {
		return nil
	}
	sl := &s.slots[id]
	if !sl.used {
		return nil
	}
	return sl
}

func (s *Scheduler) enqueue(id kernel.ThreadID) {
	s.seq++
	s.slots[id].seq = s.seq
	s.ready.push(id)
}

// signal delivers a wake notification without blocking.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// leaveCPU clears the running marker if id holds the CPU.
func (s *Scheduler) leaveCPU(id kernel.ThreadID) {
	if s.running && s.current == id {
		s.running = false
	}
}

func (s *Scheduler) done(op string, id kernel.ThreadID, st kernel.Status) kernel.Status {
	s.cfg.Metrics.ThreadOp(op, st.String())
	if st != kernel.OK {
		s.log.Debug("thread op rejected", "op", op, "thread", id, "status", st)
	}
	s.publish()
	return st
}

// publish refreshes the per-state gauge. Caller holds s.mu.
func (s *Scheduler) publish() {
	if s.cfg.Metrics == nil {
		return
	}
	counts := map[string]int{
		StateReady.String(): 0, StateRunning.String(): 0, StateBlocked.String(): 0, StateDead.String(): 0,
	}
	for i := range s.slots {
		if s.slots[i].used {
			counts[s.slots[i].state.String()]++
		}
	}
	s.cfg.Metrics.ThreadStates(counts)
}

// Create installs d in its slot and makes it READY.
func (s *Scheduler) Create(d Descriptor) kernel.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !d.ID.Valid() {
		return s.done("create", d.ID, kernel.InvalidParam)
	}
	sl := &s.slots[d.ID]
	if sl.used && sl.state != StateDead {
		return s.done("create", d.ID, kernel.PermissionDenied)
	}

	*sl = slot{
		desc:  d,
		state: StateReady,
		used:  true,
		index: -1,
		wake:  make(chan struct{}, 1),
	}
	s.enqueue(d.ID)
	s.log.Debug("thread created", "thread", d.ID, "agent", d.Owner, "priority", d.Priority)
	return s.done("create", d.ID, kernel.OK)
}

// Exit moves a thread to DEAD from any state.
func (s *Scheduler) Exit(id kernel.ThreadID) kernel.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.lookup(id)
	if sl == nil {
		return s.done("exit", id, kernel.NotFound)
	}
	s.ready.remove(id)
	s.leaveCPU(id)
	sl.state = StateDead
	sl.deadline = 0
	signal(sl.wake)
	s.log.Debug("thread exited", "thread", id)
	return s.done("exit", id, kernel.OK)
}

// Yield moves the RUNNING thread to the tail of its priority level.
func (s *Scheduler) Yield(id kernel.ThreadID) kernel.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.lookup(id)
	if sl == nil {
		return s.done("yield", id, kernel.NotFound)
	}
	if sl.state != StateRunning {
		return s.done("yield", id, kernel.InvalidState)
	}
	s.leaveCPU(id)
	sl.state = StateReady
	s.enqueue(id)
	return s.done("yield", id, kernel.OK)
}

// Block moves a RUNNING or READY thread to BLOCKED with no deadline.
func (s *Scheduler) Block(id kernel.ThreadID) kernel.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done("block", id, s.block(id, 0))
}

// Sleep blocks a thread until d has elapsed in timer ticks, or until Wake.
// A zero duration sleeps without a deadline.
func (s *Scheduler) Sleep(id kernel.ThreadID, d time.Duration) kernel.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deadline uint64
	if d > 0 {
		deadline = s.now + s.ticksFor(d)
	}
	return s.done("sleep", id, s.block(id, deadline))
}

// ticksFor rounds d up to whole ticks, at least one.
func (s *Scheduler) ticksFor(d time.Duration) uint64 {
	hz := s.cfg.TickHz
	sec := uint64(time.Second)
	whole, rem := uint64(d)/sec, uint64(d)%sec
	n := whole*hz + (rem*hz+sec-1)/sec
	if n == 0 {
		n = 1
	}
	return n
}

func (s *Scheduler) block(id kernel.ThreadID, deadline uint64) kernel.Status {
	sl := s.lookup(id)
	if sl == nil {
		return kernel.NotFound
	}
	if sl.state != StateRunning && sl.state != StateReady {
		return kernel.InvalidState
	}
	s.ready.remove(id)
	s.leaveCPU(id)
	sl.state = StateBlocked
	sl.deadline = deadline
	return kernel.OK
}

// Wake moves a BLOCKED thread to READY.
func (s *Scheduler) Wake(id kernel.ThreadID) kernel.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done("wake", id, s.wake(id))
}

func (s *Scheduler) wake(id kernel.ThreadID) kernel.Status {
	sl := s.lookup(id)
	if sl == nil {
		return kernel.NotFound
	}
	if sl.state != StateBlocked {
		return kernel.InvalidState
	}
	sl.state = StateReady
	sl.deadline = 0
	s.enqueue(id)
	signal(sl.wake)
	return kernel.OK
}

// TickTo advances the scheduler clock to now and promotes every sleeper
// whose deadline has passed. It returns the number of threads woken.
func (s *Scheduler) TickTo(now uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now > s.now {
		s.now = now
	}
	woken := 0
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.used || sl.state != StateBlocked || sl.deadline == 0 || sl.deadline > s.now {
			continue
		}
		s.wake(kernel.ThreadID(i))
		woken++
	}
	if woken > 0 {
		s.log.Debug("sleepers woken", "tick", s.now, "count", woken)
		s.cfg.Metrics.SleepersWoken(woken)
		s.publish()
	}
	return woken
}

// Now returns the last tick observed by TickTo.
func (s *Scheduler) Now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule selects the thread that should hold the CPU.
//
// Scheduling is cooperative: a RUNNING thread keeps the CPU. Otherwise the
// best READY thread becomes RUNNING. It reports false when nothing is
// runnable.
func (s *Scheduler) Schedule() (kernel.ThreadID, bool) {
	s.mu.Lock()
	if s.running {
		id := s.current
		s.mu.Unlock()
		return id, true
	}
	id, ok := s.ready.pop()
	if !ok {
		s.mu.Unlock()
		return 0, false
	}
	next := s.run(id)
	s.publish()
	switched := !s.hasLast || s.last != id
	s.last, s.hasLast = id, true
	s.mu.Unlock()

	if switched {
		s.cfg.Metrics.ContextSwitch()
		s.log.Debug("context switch", "thread", id)
		if s.cfg.Switcher != nil {
			s.cfg.Switcher(next)
		}
	}
	return id, true
}

// run marks a dequeued thread RUNNING. Caller holds s.mu.
func (s *Scheduler) run(id kernel.ThreadID) Thread {
	sl := &s.slots[id]
	sl.state = StateRunning
	s.current, s.running = id, true
	return s.snapshot(id)
}

// Dispatch puts a specific READY thread on the CPU, preempting the
// current RUNNING thread back to READY.
func (s *Scheduler) Dispatch(id kernel.ThreadID) kernel.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.lookup(id)
	if sl == nil {
		return s.done("dispatch", id, kernel.NotFound)
	}
	if sl.state == StateRunning {
		return s.done("dispatch", id, kernel.OK)
	}
	if sl.state != StateReady {
		return s.done("dispatch", id, kernel.InvalidState)
	}
	if s.running {
		prev := s.current
		s.slots[prev].state = StateReady
		s.enqueue(prev)
	}
	s.ready.remove(id)
	s.run(id)
	s.last, s.hasLast = id, true
	return s.done("dispatch", id, kernel.OK)
}

// Next reports the thread Schedule would pick, without changing state.
func (s *Scheduler) Next() (kernel.ThreadID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return s.current, true
	}
	return s.ready.peek()
}

// Current returns the RUNNING thread, if any.
func (s *Scheduler) Current() (kernel.ThreadID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.running
}

// State returns a thread's state; ok is false for never-created ids.
func (s *Scheduler) State(id kernel.ThreadID) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.lookup(id)
	if sl == nil {
		return StateNew, false
	}
	return sl.state, true
}

// Lookup returns a snapshot of a created thread.
func (s *Scheduler) Lookup(id kernel.ThreadID) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(id) == nil {
		return Thread{}, false
	}
	return s.snapshot(id), true
}

// Snapshot returns every created thread in id order.
func (s *Scheduler) Snapshot() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Thread
	for i := range s.slots {
		if s.slots[i].used {
			out = append(out, s.snapshot(kernel.ThreadID(i)))
		}
	}
	return out
}

func (s *Scheduler) snapshot(id kernel.ThreadID) Thread {
	sl := &s.slots[id]
	return Thread{Descriptor: sl.desc, State: sl.state, Deadline: sl.deadline, Context: sl.ctx}
}

// SaveContext stores the execution context of a live thread.
func (s *Scheduler) SaveContext(id kernel.ThreadID, f hal.Frame) kernel.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.lookup(id)
	if sl == nil {
		return kernel.NotFound
	}
	if sl.state == StateDead {
		return kernel.InvalidState
	}
	sl.ctx = f
	return kernel.OK
}

// Park blocks a RUNNING or READY thread on behalf of a kernel path that
// must wait, and returns the channel signalled when the thread is woken or
// killed.
func (s *Scheduler) Park(id kernel.ThreadID) (<-chan struct{}, kernel.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.block(id, 0); st != kernel.OK {
		return nil, s.done("park", id, st)
	}
	sl := &s.slots[id]
	// Drop a notification left over from an earlier wake.
	select {
	case <-sl.wake:
	default:
	}
	s.done("park", id, kernel.OK)
	return sl.wake, kernel.OK
}

// Alive reports whether a thread exists and has not exited.
func (s *Scheduler) Alive(id kernel.ThreadID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.lookup(id)
	return sl != nil && sl.state != StateDead
}

// Await waits until a BLOCKED thread is woken or killed. It returns OK once
// the thread is runnable, InvalidState if it died, and Timeout when ctx ends
// first.
func (s *Scheduler) Await(ctx context.Context, id kernel.ThreadID) kernel.Status {
	for {
		s.mu.Lock()
		sl := s.lookup(id)
		if sl == nil {
			s.mu.Unlock()
			return kernel.NotFound
		}
		state, ch := sl.state, sl.wake
		s.mu.Unlock()

		switch state {
		case StateDead:
			return kernel.InvalidState
		case StateBlocked:
		default:
			return kernel.OK
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return kernel.Timeout
		}
	}
}
