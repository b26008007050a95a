// Package trap captures trapped execution state, routes traps to the
// syscall, interrupt and fault paths, and decides how execution resumes.
//
// Trap frames come from a fixed arena. A trap is handled in three steps:
// Capture saves the CPU registers into a frame, Dispatch classifies the trap
// and runs its handler, and Restore either resumes the interrupted context,
// hands the CPU to the scheduler, or halts the kernel.
package trap

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"sparkcore/hal"
	"sparkcore/internal/telemetry"
	"sparkcore/kernel"
	"sparkcore/kernel/sched"
	"sparkcore/kernel/syscall"
)

// Type classifies a trap.
type Type uint32

const (
	Syscall Type = iota + 1
	Interrupt
	Fault
)

func (t Type) String() string {
	switch t {
	case Syscall:
		return "syscall"
	case Interrupt:
		return "interrupt"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// DispatchStatus is the outcome of Dispatch.
type DispatchStatus uint8

const (
	DispatchOK DispatchStatus = iota
	Unhandled
	ThreadKilled
)

func (s DispatchStatus) String() string {
	switch s {
	case DispatchOK:
		return "ok"
	case Unhandled:
		return "unhandled"
	case ThreadKilled:
		return "thread killed"
	default:
		return "unknown"
	}
}

// Action says how Restore leaves the kernel.
type Action uint8

const (
	ReturnToCaller Action = iota
	ScheduleNext
	Panic
)

func (a Action) String() string {
	switch a {
	case ReturnToCaller:
		return "return"
	case ScheduleNext:
		return "schedule"
	case Panic:
		return "panic"
	default:
		return "unknown"
	}
}

// Syscall register convention.
const (
	RegNumber     = 0 // in: syscall number; out: status
	RegArgAddr    = 1
	RegArgSize    = 2
	RegResultAddr = 3
	RegResultSize = 4
	RegABI        = 5
)

// Context describes the trap being handled.
type Context struct {
	Type Type
	// Number is the interrupt vector or fault code.
	Number    uint64
	CPU       uint32
	Privilege kernel.Privilege
	Thread    kernel.ThreadID
	Agent     kernel.AgentID
}

// Transaction carries a trap through capture, dispatch and restore.
type Transaction struct {
	// Frame is the captured register file; nil once released.
	Frame     *hal.Frame
	ErrorCode uint64
	Dispatch  DispatchStatus
	Action    Action
	// Syscall is the syscall outcome for Syscall traps.
	Syscall syscall.Transaction

	slot int
}

// InterruptHandler services one interrupt vector.
type InterruptHandler func(ctx context.Context, c *Context)

// DefaultFrameSlots is the arena size used when Config.FrameSlots is zero.
const DefaultFrameSlots = 8

// Config wires the dispatcher.
type Config struct {
	HAL hal.HAL
	// HW is the hardware context passed to every HAL call.
	HW       *hal.Context
	Syscalls *syscall.Dispatcher
	Sched    *sched.Scheduler
	// FrameSlots bounds concurrently captured traps.
	FrameSlots int
	// Halt stops the kernel after an unrecoverable trap. The default enters
	// kernel panic mode and never returns.
	Halt    func(kernel.PanicInfo)
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Dispatcher owns the frame arena and the interrupt vector table.
type Dispatcher struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	frames   []hal.Frame
	inUse    []bool
	handlers map[uint64]InterruptHandler
}

// New returns a dispatcher with an empty arena.
func New(cfg Config) *Dispatcher {
	if cfg.FrameSlots <= 0 {
		cfg.FrameSlots = DefaultFrameSlots
	}
	if cfg.Halt == nil {
		cfg.Halt = halt
	}
	return &Dispatcher{
		cfg:      cfg,
		log:      telemetry.OrDiscard(cfg.Logger),
		frames:   make([]hal.Frame, cfg.FrameSlots),
		inUse:    make([]bool, cfg.FrameSlots),
		handlers: make(map[uint64]InterruptHandler),
	}
}

func halt(info kernel.PanicInfo) {
	kernel.TriggerPanic(info)
	select {}
}

// Bind attaches the services traps are routed to. It must be called
// before the first trap is taken.
func (d *Dispatcher) Bind(sys *syscall.Dispatcher, s *sched.Scheduler) {
	d.cfg.Syscalls = sys
	d.cfg.Sched = s
}

// Handle registers fn for an interrupt vector, replacing any previous
// handler. A nil fn removes it.
func (d *Dispatcher) Handle(vector uint64, fn InterruptHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fn == nil {
		delete(d.handlers, vector)
		return
	}
	d.handlers[vector] = fn
}

func (d *Dispatcher) acquire() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, used := range d.inUse {
		if !used {
			d.inUse[i] = true
			d.frames[i] = hal.Frame{}
			return i, true
		}
	}
	return 0, false
}

// release returns t's frame to the arena. Releasing twice is a no-op.
func (d *Dispatcher) release(t *Transaction) {
	if t.Frame == nil {
		return
	}
	d.mu.Lock()
	d.inUse[t.slot] = false
	d.mu.Unlock()
	t.Frame = nil
}

// InUse returns the number of captured frames not yet released.
func (d *Dispatcher) InUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, used := range d.inUse {
		if used {
			n++
		}
	}
	return n
}

func (d *Dispatcher) invoke(op hal.Op, f *hal.Frame) hal.Status {
	if d.cfg.HAL == nil {
		return hal.StatusUnsupported
	}
	txn := hal.Transaction{Op: op, Frame: f}
	return hal.Invoke(d.cfg.HAL, d.cfg.HW, &txn)
}

// Capture takes a frame from the arena and saves the CPU registers into it.
func (d *Dispatcher) Capture(c *Context, t *Transaction) kernel.Status {
	if c == nil || t == nil {
		return kernel.InvalidParam
	}
	slot, ok := d.acquire()
	if !ok {
		d.log.Warn("trap frame arena exhausted", "type", c.Type, "thread", c.Thread)
		return kernel.InvalidParam
	}
	*t = Transaction{Frame: &d.frames[slot], slot: slot}
	if st := d.invoke(hal.OpSaveContext, t.Frame); st != hal.StatusOK {
		d.release(t)
		d.log.Warn("trap capture failed", "type", c.Type, "hal", st)
		return kernel.InvalidState
	}
	return kernel.OK
}

// Dispatch routes a captured trap. Unrecognized trap types are fatal: the
// frame is released, the action becomes Panic and InvalidParam is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Context, t *Transaction) kernel.Status {
	if c == nil || t == nil || t.Frame == nil {
		return kernel.InvalidParam
	}
	defer func() { d.cfg.Metrics.Trap(c.Type.String(), t.Action.String()) }()

	switch c.Type {
	case Syscall:
		d.handleSyscall(ctx, c, t)
	case Interrupt:
		d.mu.Lock()
		fn := d.handlers[c.Number]
		d.mu.Unlock()
		if fn != nil {
			fn(ctx, c)
		} else {
			d.log.Debug("spurious interrupt", "vector", c.Number)
		}
		t.Dispatch, t.Action = DispatchOK, ReturnToCaller
	case Fault:
		d.log.Warn("thread fault", "thread", c.Thread, "agent", c.Agent,
			"code", c.Number, "error", t.ErrorCode, "pc", t.Frame.ELR)
		if d.cfg.Sched != nil {
			if st := d.cfg.Sched.Exit(c.Thread); st != kernel.OK {
				d.log.Warn("faulting thread not killed", "thread", c.Thread, "status", st)
			}
		}
		t.Dispatch, t.Action = ThreadKilled, ScheduleNext
	default:
		d.log.Error("unrecognized trap", "type", uint32(c.Type), "thread", c.Thread)
		t.Dispatch, t.Action = Unhandled, Panic
		d.release(t)
		return kernel.InvalidParam
	}
	return kernel.OK
}

func (d *Dispatcher) handleSyscall(ctx context.Context, c *Context, t *Transaction) {
	f := t.Frame
	num := f.X[RegNumber]
	if num > math.MaxUint32 {
		num = 0
	}
	sc := syscall.Context{
		Number:    syscall.Number(num),
		Agent:     c.Agent,
		Thread:    c.Thread,
		ABI:       uint32(f.X[RegABI]),
		Privilege: c.Privilege,
	}
	t.Syscall = syscall.Transaction{
		ArgAddr:    f.X[RegArgAddr],
		ArgSize:    uint32(f.X[RegArgSize]),
		ResultAddr: f.X[RegResultAddr],
		ResultSize: uint32(f.X[RegResultSize]),
	}

	wasRunning := d.running(c.Thread)
	st := kernel.InvalidState
	if d.cfg.Syscalls != nil {
		st = d.cfg.Syscalls.Handle(ctx, &sc, &t.Syscall)
	}
	t.Syscall.Status = st
	f.X[RegNumber] = st.Word()

	t.Dispatch, t.Action = DispatchOK, ReturnToCaller
	if wasRunning && !d.running(c.Thread) {
		// The caller gave up the CPU; it resumes from here when rescheduled.
		d.cfg.Sched.SaveContext(c.Thread, *f)
		t.Action = ScheduleNext
	}
}

func (d *Dispatcher) running(id kernel.ThreadID) bool {
	if d.cfg.Sched == nil {
		return false
	}
	st, ok := d.cfg.Sched.State(id)
	return ok && st == sched.StateRunning
}

// Restore leaves the kernel according to t.Action.
func (d *Dispatcher) Restore(c *Context, t *Transaction) kernel.Status {
	if t == nil {
		return kernel.InvalidParam
	}
	switch t.Action {
	case Panic:
		d.release(t)
		info := kernel.PanicInfo{Reason: "unrecoverable trap"}
		if c != nil {
			info.Thread, info.Agent = c.Thread, c.Agent
			info.Detail = *c
		}
		d.cfg.Halt(info)
		return kernel.InvalidState

	case ScheduleNext:
		d.release(t)
		if d.cfg.Sched == nil {
			return kernel.OK
		}
		if next, ok := d.cfg.Sched.Schedule(); ok {
			d.log.Debug("rescheduled", "thread", next)
		} else {
			d.log.Debug("no runnable thread")
		}
		return kernel.OK

	default:
		if t.Frame == nil {
			return kernel.InvalidParam
		}
		st := d.invoke(hal.OpRestoreContext, t.Frame)
		d.release(t)
		if st != hal.StatusOK {
			d.log.Warn("trap restore failed", "hal", st)
			return kernel.InvalidState
		}
		return kernel.OK
	}
}

// Enter handles one trap end to end. The first failing step's status is
// returned alongside the transaction.
func (d *Dispatcher) Enter(ctx context.Context, c *Context) (Transaction, kernel.Status) {
	var t Transaction
	if st := d.Capture(c, &t); st != kernel.OK {
		return t, st
	}
	st := d.Dispatch(ctx, c, &t)
	if rst := d.Restore(c, &t); st == kernel.OK {
		st = rst
	}
	return t, st
}
