package hal

import (
	"sync"
	"sync/atomic"
)

// Fake is a deterministic HAL for tests: the clock moves only when told,
// ticks are injected by hand, and any operation can be scripted to fail.
type Fake struct {
	*machine

	now   atomic.Uint64
	ticks chan uint64

	mu     sync.Mutex
	calls  []Op
	fail   map[Op]Status
	lines  []string
	tickNo uint64
}

// NewFake returns a Fake with ramSize bytes of RAM at ramBase.
func NewFake(ramBase, ramSize uint64) *Fake {
	f := &Fake{
		ticks: make(chan uint64, 64),
		fail:  make(map[Op]Status),
	}
	f.machine = newMachine(ramBase, ramSize, f.now.Load)
	return f
}

// Fail makes every later call of op return st without side effects.
func (f *Fake) Fail(op Op, st Status) {
	f.mu.Lock()
	f.fail[op] = st
	f.mu.Unlock()
}

// Calls returns the operations invoked so far, in order.
func (f *Fake) Calls() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Op(nil), f.calls...)
}

// Lines returns everything written to the Logger.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

// SetCounter sets the monotonic counter returned by ReadTime.
func (f *Fake) SetCounter(v uint64) { f.now.Store(v) }

// Tick delivers the next tick sequence number on the Time stream.
func (f *Fake) Tick() uint64 {
	f.mu.Lock()
	f.tickNo++
	seq := f.tickNo
	f.mu.Unlock()
	f.ticks <- seq
	return seq
}

// CloseTicks ends the Time stream.
func (f *Fake) CloseTicks() { close(f.ticks) }

func (f *Fake) Logger() Logger { return fakeLogger{f: f} }
func (f *Fake) Time() Time     { return fakeTime{f: f} }

func (f *Fake) record(op Op, t *Transaction) (Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	st, ok := f.fail[op]
	if ok && t != nil {
		t.Status = st
	}
	return st, ok
}

func (f *Fake) Init(c *Context, t *Transaction) Status {
	if st, ok := f.record(OpInitHardware, t); ok {
		return st
	}
	return f.machine.Init(c, t)
}

func (f *Fake) EnableInterrupts(c *Context, t *Transaction) Status {
	if st, ok := f.record(OpEnableIRQ, t); ok {
		return st
	}
	return f.machine.EnableInterrupts(c, t)
}

func (f *Fake) DisableInterrupts(c *Context, t *Transaction) Status {
	if st, ok := f.record(OpDisableIRQ, t); ok {
		return st
	}
	return f.machine.DisableInterrupts(c, t)
}

func (f *Fake) ConfigureTimer(c *Context, t *Transaction) Status {
	if st, ok := f.record(OpSetTimer, t); ok {
		return st
	}
	return f.machine.ConfigureTimer(c, t)
}

func (f *Fake) ReadTime(c *Context, t *Transaction) Status {
	if st, ok := f.record(OpReadTime, t); ok {
		return st
	}
	return f.machine.ReadTime(c, t)
}

func (f *Fake) SaveContext(c *Context, t *Transaction) Status {
	if st, ok := f.record(OpSaveContext, t); ok {
		return st
	}
	return f.machine.SaveContext(c, t)
}

func (f *Fake) RestoreContext(c *Context, t *Transaction) Status {
	if st, ok := f.record(OpRestoreContext, t); ok {
		return st
	}
	return f.machine.RestoreContext(c, t)
}

func (f *Fake) AckInterrupt(c *Context, t *Transaction) Status {
	if st, ok := f.record(OpAckIRQ, t); ok {
		return st
	}
	return f.machine.AckInterrupt(c, t)
}

func (f *Fake) MapPage(c *Context, t *Transaction) Status {
	if st, ok := f.record(OpMapPage, t); ok {
		return st
	}
	return f.machine.MapPage(c, t)
}

func (f *Fake) UnmapPage(c *Context, t *Transaction) Status {
	if st, ok := f.record(OpUnmapPage, t); ok {
		return st
	}
	return f.machine.UnmapPage(c, t)
}

type fakeLogger struct {
	f *Fake
}

func (l fakeLogger) WriteLineString(s string) {
	l.f.mu.Lock()
	l.f.lines = append(l.f.lines, s)
	l.f.mu.Unlock()
}

func (l fakeLogger) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

type fakeTime struct {
	f *Fake
}

func (t fakeTime) Ticks() <-chan uint64 { return t.f.ticks }
