package kernel

import (
	"sync"
	"sync/atomic"
)

// PanicInfo describes the fatal condition that stopped the kernel.
type PanicInfo struct {
	Thread ThreadID
	Agent  AgentID
	Reason string
	// Detail carries subsystem-specific state (for traps, the trap record).
	Detail any
	Stack  []byte
}

var (
	panicActive atomic.Bool
	panicOnce   sync.Once

	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether the kernel is in panic mode.
func InPanicMode() bool {
	return panicActive.Load()
}

// SetPanicHandler installs a process-wide panic handler.
//
// The handler is invoked at most once (on the first panic). It must not panic.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

// TriggerPanic enters panic mode and runs the installed handler once.
// It returns; halting the caller is up to the caller.
func TriggerPanic(info PanicInfo) {
	panicOnce.Do(func() {
		panicActive.Store(true)
		info.Stack = captureStack()
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}
