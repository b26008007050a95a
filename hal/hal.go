package hal

import "errors"

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// ErrUnmapped is returned by Memory for addresses with no backing page.
var ErrUnmapped = errors.New("address not mapped")

// Status is the outcome of a HAL operation.
type Status uint32

const (
	StatusOK Status = iota
	StatusInvalid
	StatusUnsupported
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalid:
		return "invalid"
	case StatusUnsupported:
		return "unsupported"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Op identifies the operation a Transaction carries.
type Op uint32

const (
	OpEnableIRQ Op = iota + 1
	OpDisableIRQ
	OpSetTimer
	OpReadTime
	OpMapPage
	OpUnmapPage
	OpAckIRQ
	OpInitHardware
	OpSaveContext
	OpRestoreContext
)

// PageSize is the granularity of MapPage/UnmapPage.
const PageSize = 4096

// Page mapping flags carried in Transaction.InValue.
const (
	PageRead uint64 = 1 << iota
	PageWrite
	PageUser
)

// Context describes the hardware the kernel runs on.
type Context struct {
	Arch                uint32
	CPU                 uint32
	InterruptController uint32
	Timer               uint32
	BootInfo            uint64
	MemBase             uint64 // first byte of kernel memory
	MemLimit            uint64 // one past the last byte of kernel memory
}

// InKernel reports whether [addr, addr+n) lies inside kernel memory.
func (c *Context) InKernel(addr, n uint64) bool {
	return addr >= c.MemBase && addr+n >= addr && addr+n <= c.MemLimit
}

// Transaction is one HAL request/response record.
type Transaction struct {
	Op      Op
	InAddr  uint64
	InValue uint64
	OutAddr uint64
	// Frame is the register snapshot for OpSaveContext/OpRestoreContext.
	Frame  *Frame
	Status Status
}

// Frame is a saved CPU execution context.
type Frame struct {
	X    [31]uint64 // general purpose registers
	SP   uint64
	ELR  uint64 // return address
	SPSR uint64 // saved status register
}

// Time provides a base tick stream.
//
// The tick duration is platform-defined (see ConfigureTimer).
type Time interface {
	Ticks() <-chan uint64
}

// Memory reads and writes the virtual address space visible to the kernel.
//
// Kernel memory is identity mapped; other addresses resolve through pages
// installed by MapPage.
type Memory interface {
	ReadAt(p []byte, addr uint64) (int, error)
	WriteAt(p []byte, addr uint64) (int, error)
}

// HAL is the capability surface the kernel core consumes.
//
// Every operation validates its context and transaction (nil → StatusInvalid),
// stores the outcome in t.Status and returns it.
type HAL interface {
	Logger() Logger
	Time() Time
	Memory() Memory

	Init(c *Context, t *Transaction) Status
	EnableInterrupts(c *Context, t *Transaction) Status
	DisableInterrupts(c *Context, t *Transaction) Status
	// ConfigureTimer programs the tick frequency in Hz (t.InValue).
	ConfigureTimer(c *Context, t *Transaction) Status
	// ReadTime writes the monotonic counter as a little-endian u64 at
	// t.OutAddr, which must lie in kernel memory. The value is also
	// returned in t.InValue.
	ReadTime(c *Context, t *Transaction) Status
	SaveContext(c *Context, t *Transaction) Status
	RestoreContext(c *Context, t *Transaction) Status
	// AckInterrupt acknowledges vector t.InValue.
	AckInterrupt(c *Context, t *Transaction) Status
	// MapPage maps virtual t.OutAddr to physical t.InAddr with flags t.InValue.
	MapPage(c *Context, t *Transaction) Status
	// UnmapPage removes the mapping of virtual t.InAddr.
	UnmapPage(c *Context, t *Transaction) Status
}

// Invoke routes t to the HAL operation named by t.Op.
func Invoke(h HAL, c *Context, t *Transaction) Status {
	if t == nil {
		return StatusInvalid
	}
	switch t.Op {
	case OpEnableIRQ:
		return h.EnableInterrupts(c, t)
	case OpDisableIRQ:
		return h.DisableInterrupts(c, t)
	case OpSetTimer:
		return h.ConfigureTimer(c, t)
	case OpReadTime:
		return h.ReadTime(c, t)
	case OpMapPage:
		return h.MapPage(c, t)
	case OpUnmapPage:
		return h.UnmapPage(c, t)
	case OpAckIRQ:
		return h.AckInterrupt(c, t)
	case OpInitHardware:
		return h.Init(c, t)
	case OpSaveContext:
		return h.SaveContext(c, t)
	case OpRestoreContext:
		return h.RestoreContext(c, t)
	default:
		t.Status = StatusUnsupported
		return t.Status
	}
}

func validate(c *Context, t *Transaction) bool {
	if c == nil || t == nil {
		if t != nil {
			t.Status = StatusInvalid
		}
		return false
	}
	return true
}

// CPU exposes the live register file of backends that simulate one. User
// code running on the host loads its syscall registers through it.
type CPU interface {
	Registers() Frame
	SetRegisters(Frame)
}
