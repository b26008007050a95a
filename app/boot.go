// Package app boots the kernel core on a HAL and runs it.
//
// Boot brings subsystems up in a fixed phase order and reports the phase
// and reason of the first failure. The resulting System pumps HAL timer
// ticks into the trap path and offers a syscall stub for host-side agents.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"sparkcore/hal"
	"sparkcore/internal/telemetry"
	"sparkcore/kernel"
	"sparkcore/kernel/ipc"
	"sparkcore/kernel/sched"
	"sparkcore/kernel/syscall"
	"sparkcore/kernel/trap"
)

// Phase is a boot stage.
type Phase uint32

const (
	PhaseHALInit Phase = iota + 1
	PhaseTrapInit
	PhaseThreadInit
	PhaseIPCInit
	PhaseSyscallInit
	PhaseWiring
	PhaseActivation
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseHALInit:
		return "hal init"
	case PhaseTrapInit:
		return "trap init"
	case PhaseThreadInit:
		return "thread init"
	case PhaseIPCInit:
		return "ipc init"
	case PhaseSyscallInit:
		return "syscall init"
	case PhaseWiring:
		return "wiring"
	case PhaseActivation:
		return "activation"
	case PhaseReady:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", uint32(p))
	}
}

// FailureReason names the subsystem that stopped the boot.
type FailureReason uint32

const (
	FailNone FailureReason = iota
	FailHAL
	FailTrap
	FailThread
	FailIPC
	FailSyscall
	FailWiring
)

func (r FailureReason) String() string {
	switch r {
	case FailNone:
		return "none"
	case FailHAL:
		return "hal"
	case FailTrap:
		return "trap"
	case FailThread:
		return "thread"
	case FailIPC:
		return "ipc"
	case FailSyscall:
		return "syscall"
	case FailWiring:
		return "wiring"
	default:
		return "unknown"
	}
}

// BootError reports where the boot stopped.
type BootError struct {
	Phase  Phase
	Reason FailureReason
	Err    error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("boot failed in %s (%s): %v", e.Phase, e.Reason, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// BootContext describes the machine handed over by the loader.
type BootContext struct {
	Arch     uint32
	CPUCount uint32
	BootInfo uint64
	// InitAgent and InitThread identify the first system thread.
	InitAgent  kernel.AgentID
	InitThread kernel.ThreadID
}

// Options configures Boot.
type Options struct {
	Config Config
	Boot   BootContext
	Logger *slog.Logger
	// Registry receives the kernel metrics; nil disables them.
	Registry prometheus.Registerer
	// Halt overrides how an unrecoverable trap stops the system.
	Halt func(kernel.PanicInfo)
}

// System is a booted kernel core.
type System struct {
	ID       uuid.UUID
	HAL      hal.HAL
	HW       *hal.Context
	Sched    *sched.Scheduler
	IPC      *ipc.Manager
	Syscalls *syscall.Dispatcher
	Traps    *trap.Dispatcher
	Metrics  *telemetry.Metrics
	Log      *slog.Logger

	cfg   Config
	boot  BootContext
	phase Phase

	// cpu serializes access to the simulated register file.
	cpu  sync.Mutex
	tick atomic.Uint64

	panicked func() bool
}

// ErrPanicked is returned by Run and Syscall once the kernel has panicked.
var ErrPanicked = errors.New("kernel is in panic mode")

// Phase returns the last phase the boot reached.
func (s *System) Phase() Phase { return s.phase }

// Config returns the configuration the system booted with.
func (s *System) Config() Config { return s.cfg }

func (s *System) invoke(op hal.Op, in uint64) hal.Status {
	txn := hal.Transaction{Op: op, InValue: in}
	return hal.Invoke(s.HAL, s.HW, &txn)
}

// Boot constructs and starts every subsystem on h.
func Boot(h hal.HAL, opts Options) (*System, error) {
	if h == nil {
		return nil, &BootError{Phase: PhaseHALInit, Reason: FailHAL, Err: errors.New("nil hal")}
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, &BootError{Phase: PhaseHALInit, Reason: FailHAL, Err: err}
	}
	s := &System{
		ID:       uuid.New(),
		HAL:      h,
		cfg:      cfg,
		boot:     opts.Boot,
		panicked: kernel.InPanicMode,
	}
	s.Log = telemetry.OrDiscard(opts.Logger).With("boot_id", s.ID.String())
	if opts.Registry != nil {
		s.Metrics = telemetry.MustNewMetrics(opts.Registry)
	}

	steps := []struct {
		phase  Phase
		reason FailureReason
		run    func(opts Options) error
	}{
		{PhaseHALInit, FailHAL, s.initHAL},
		{PhaseTrapInit, FailTrap, s.initTraps},
		{PhaseThreadInit, FailThread, s.initThreads},
		{PhaseIPCInit, FailIPC, s.initIPC},
		{PhaseSyscallInit, FailSyscall, s.initSyscalls},
		{PhaseWiring, FailWiring, s.wire},
		{PhaseActivation, FailHAL, s.activate},
		{PhaseReady, FailThread, s.launch},
	}
	for _, step := range steps {
		s.phase = step.phase
		if err := step.run(opts); err != nil {
			s.Log.Error("boot failed", "phase", step.phase.String(), "reason", step.reason.String(), "err", err)
			return nil, &BootError{Phase: step.phase, Reason: step.reason, Err: err}
		}
		s.Log.Debug("boot phase complete", "phase", step.phase.String())
	}
	s.Log.Info("kernel ready", "timer_hz", cfg.Timer.Hz, "init_thread", s.boot.InitThread)
	return s, nil
}

func (s *System) initHAL(Options) error {
	m := s.cfg.Memory
	s.HW = &hal.Context{
		Arch:     s.boot.Arch,
		BootInfo: s.boot.BootInfo,
		MemBase:  m.Base,
		MemLimit: m.Base + m.Size,
	}
	if s.HW.MemLimit <= s.HW.MemBase {
		return fmt.Errorf("kernel memory limit %#x not above base %#x", s.HW.MemLimit, s.HW.MemBase)
	}
	if st := s.invoke(hal.OpInitHardware, 0); st != hal.StatusOK {
		return fmt.Errorf("init hardware: %s", st)
	}
	return nil
}

func (s *System) initTraps(opts Options) error {
	s.Traps = trap.New(trap.Config{
		HAL:        s.HAL,
		HW:         s.HW,
		FrameSlots: s.cfg.Trap.FrameSlots,
		Halt:       opts.Halt,
		Logger:     s.Log.With("subsystem", "trap"),
		Metrics:    s.Metrics,
	})
	return nil
}

func (s *System) initThreads(Options) error {
	s.Sched = sched.New(sched.Config{
		TickHz:   s.cfg.Timer.Hz,
		Logger:   s.Log.With("subsystem", "sched"),
		Metrics:  s.Metrics,
		Switcher: s.switchTo,
	})
	return nil
}

// switchTo loads the selected thread's saved registers.
func (s *System) switchTo(next sched.Thread) {
	f := next.Context
	txn := hal.Transaction{Op: hal.OpRestoreContext, Frame: &f}
	if st := hal.Invoke(s.HAL, s.HW, &txn); st != hal.StatusOK {
		s.Log.Warn("context restore failed", "thread", next.ID, "hal", st.String())
	}
}

func (s *System) initIPC(Options) error {
	s.IPC = ipc.New(ipc.Config{
		Suspender:   s.Sched,
		Logger:      s.Log.With("subsystem", "ipc"),
		Metrics:     s.Metrics,
		MemoryLimit: s.cfg.IPC.MemoryLimit,
	})
	return nil
}

func (s *System) initSyscalls(Options) error {
	s.Syscalls = syscall.New(syscall.Config{
		Sched:   s.Sched,
		IPC:     s.IPC,
		Memory:  s.HAL.Memory(),
		Logger:  s.Log.With("subsystem", "syscall"),
		Metrics: s.Metrics,
	})
	return nil
}

func (s *System) wire(Options) error {
	if s.HAL.Memory() == nil {
		return errors.New("hal exposes no memory")
	}
	s.Traps.Bind(s.Syscalls, s.Sched)
	s.Traps.Handle(s.cfg.Timer.Vector, s.onTimer)
	installPanicHandler(s)
	return nil
}

func (s *System) activate(Options) error {
	if st := s.invoke(hal.OpSetTimer, s.cfg.Timer.Hz); st != hal.StatusOK {
		return fmt.Errorf("configure timer: %s", st)
	}
	if st := s.invoke(hal.OpEnableIRQ, 0); st != hal.StatusOK {
		return fmt.Errorf("enable interrupts: %s", st)
	}
	return nil
}

func (s *System) launch(Options) error {
	d := sched.Descriptor{ID: s.boot.InitThread, Owner: s.boot.InitAgent}
	if st := s.Sched.Create(d); st != kernel.OK {
		return fmt.Errorf("create init thread %d: %w", d.ID, st)
	}
	return nil
}

// onTimer services the timer interrupt: sleepers are promoted up to the
// latest delivered tick, then the vector is acknowledged.
func (s *System) onTimer(_ context.Context, c *trap.Context) {
	s.Sched.TickTo(s.tick.Load())
	if st := s.invoke(hal.OpAckIRQ, c.Number); st != hal.StatusOK {
		s.Log.Warn("timer ack failed", "vector", c.Number, "hal", st.String())
	}
}

// Interrupt raises vector through the trap path.
func (s *System) Interrupt(ctx context.Context, vector uint64) kernel.Status {
	s.cpu.Lock()
	defer s.cpu.Unlock()
	_, st := s.Traps.Enter(ctx, &trap.Context{Type: trap.Interrupt, Number: vector, Privilege: kernel.PrivilegeKernel})
	return st
}

// Run pumps HAL ticks into the timer interrupt until ctx ends, the tick
// stream closes or the kernel panics.
func (s *System) Run(ctx context.Context) error {
	t := s.HAL.Time()
	if t == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticks := t.Ticks()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seq, ok := <-ticks:
			if !ok {
				return nil
			}
			if s.panicked() {
				return ErrPanicked
			}
			s.tick.Store(seq)
			if st := s.Interrupt(ctx, s.cfg.Timer.Vector); st != kernel.OK {
				return fmt.Errorf("timer interrupt: %w", st)
			}
		}
	}
}
