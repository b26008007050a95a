package app

import (
	"context"
	"errors"
	"fmt"

	"sparkcore/hal"
	"sparkcore/kernel"
	"sparkcore/kernel/ipc"
	"sparkcore/kernel/syscall"
	"sparkcore/kernel/trap"
)

// Offsets inside a thread's scratch page.
const (
	scratchArgs    = 0x000
	scratchResult  = 0x100
	scratchPayload = 0x200

	// MaxStubPayload is the largest payload a host thread can move per call.
	MaxStubPayload = hal.PageSize - scratchPayload
)

var errNoCPU = errors.New("hal has no register file")

// Result is what a syscall hands back to its host thread.
type Result struct {
	Status kernel.Status
	Value  uint32
	// Payload holds the received bytes for recv and call.
	Payload []byte
}

// scratch returns the base of the page reserved for thread id at the top of
// kernel memory.
func (s *System) scratch(id kernel.ThreadID) uint64 {
	return s.HW.MemLimit - uint64(kernel.MaxThreads-uint32(id))*hal.PageSize
}

// Syscall raises syscall n for the caller through the trap path, the way a
// user thread would: the argument block and payload are placed in the
// thread's scratch page, the registers are loaded and a Syscall trap is
// taken. args must be a *syscall.IPCArgs or *syscall.ThreadArgs and
// receives whatever the kernel writes back.
//
// The returned error covers failures of the stub itself; the kernel's
// verdict is in Result.Status.
func (s *System) Syscall(ctx context.Context, c ipc.Caller, n syscall.Number, args any, payload []byte) (Result, error) {
	if s.panicked() {
		return Result{}, ErrPanicked
	}
	cpu, ok := s.HAL.(hal.CPU)
	if !ok {
		return Result{}, errNoCPU
	}
	if !c.Thread.Valid() {
		return Result{}, fmt.Errorf("thread %d: %w", c.Thread, kernel.InvalidParam)
	}
	if len(payload) > MaxStubPayload {
		return Result{}, fmt.Errorf("payload of %d bytes: %w", len(payload), kernel.PayloadTooLarge)
	}
	base := s.scratch(c.Thread)
	mem := s.HAL.Memory()

	receive := 0
	if a, ok := args.(*syscall.IPCArgs); ok {
		a.Envelope.PayloadAddr = base + scratchPayload
		switch n {
		case syscall.IPCSend, syscall.IPCCall:
			a.Envelope.PayloadLen = uint32(len(payload))
		}
		switch n {
		case syscall.IPCRecv:
			a.Envelope.PayloadLen = min(a.Envelope.PayloadLen, MaxStubPayload)
			receive = int(a.Envelope.PayloadLen)
		case syscall.IPCCall:
			a.Envelope.ReplyCap = min(a.Envelope.ReplyCap, MaxStubPayload)
			receive = int(a.Envelope.ReplyCap)
		}
	}
	block, err := syscall.Encode(args)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s args: %w", n, err)
	}
	if len(block) > scratchResult {
		return Result{}, fmt.Errorf("%s args of %d bytes do not fit", n, len(block))
	}

	var regs hal.Frame
	regs.X[trap.RegNumber] = uint64(n)
	regs.X[trap.RegArgAddr] = base + scratchArgs
	regs.X[trap.RegArgSize] = uint64(len(block))
	regs.X[trap.RegResultAddr] = base + scratchResult
	regs.X[trap.RegResultSize] = uint64(syscall.ResultSize)
	regs.X[trap.RegABI] = syscall.ABIVersion

	tc := &trap.Context{Type: trap.Syscall, Thread: c.Thread, Agent: c.Agent}
	var t trap.Transaction

	s.cpu.Lock()
	if _, err := mem.WriteAt(block, base+scratchArgs); err != nil {
		s.cpu.Unlock()
		return Result{}, fmt.Errorf("write %s args: %w", n, err)
	}
	if len(payload) > 0 {
		if _, err := mem.WriteAt(payload, base+scratchPayload); err != nil {
			s.cpu.Unlock()
			return Result{}, fmt.Errorf("write %s payload: %w", n, err)
		}
	}
	cpu.SetRegisters(regs)
	st := s.Traps.Capture(tc, &t)
	s.cpu.Unlock()
	if st != kernel.OK {
		return Result{}, fmt.Errorf("capture %s: %w", n, st)
	}

	// Blocking services wait here without holding the CPU.
	st = s.Traps.Dispatch(ctx, tc, &t)

	s.cpu.Lock()
	if rst := s.Traps.Restore(tc, &t); st == kernel.OK {
		st = rst
	}
	res := Result{Status: t.Syscall.Status, Value: t.Syscall.Value}
	if st == kernel.OK {
		err = s.readBack(base, block, args, receive, &res)
	}
	s.cpu.Unlock()

	if st != kernel.OK {
		return res, fmt.Errorf("%s trap: %w", n, st)
	}
	return res, err
}

func (s *System) readBack(base uint64, block []byte, args any, receive int, res *Result) error {
	mem := s.HAL.Memory()
	if _, err := mem.ReadAt(block, base+scratchArgs); err != nil {
		return fmt.Errorf("read args back: %w", err)
	}
	if err := syscall.Decode(block, args); err != nil {
		return fmt.Errorf("decode args back: %w", err)
	}
	if res.Status != kernel.OK || receive == 0 {
		return nil
	}
	n := min(int(res.Value), receive)
	res.Payload = make([]byte, n)
	if _, err := mem.ReadAt(res.Payload, base+scratchPayload); err != nil {
		return fmt.Errorf("read payload back: %w", err)
	}
	return nil
}
