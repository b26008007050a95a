package hal

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// machine is the simulated CPU + memory shared by the host and fake backends:
// a flat RAM window, a page table, the live register file, and interrupt and
// timer state.
type machine struct {
	mu sync.Mutex

	hw          Context
	initialized bool

	ramBase uint64
	ram     []byte
	pages   map[uint64]pageEntry // virtual page -> physical page

	regs       Frame
	irqEnabled bool
	timerHz    uint64
	acked      []uint64

	counter func() uint64
}

type pageEntry struct {
	phys  uint64
	flags uint64
}

func newMachine(ramBase, ramSize uint64, counter func() uint64) *machine {
	return &machine{
		ramBase: ramBase,
		ram:     make([]byte, ramSize),
		pages:   make(map[uint64]pageEntry),
		counter: counter,
	}
}

func (m *machine) Init(c *Context, t *Transaction) Status {
	if !validate(c, t) {
		return StatusInvalid
	}
	if c.MemLimit <= c.MemBase {
		t.Status = StatusInvalid
		return t.Status
	}
	m.mu.Lock()
	m.hw = *c
	m.initialized = true
	m.mu.Unlock()
	t.Status = StatusOK
	return t.Status
}

func (m *machine) EnableInterrupts(c *Context, t *Transaction) Status {
	if !validate(c, t) {
		return StatusInvalid
	}
	m.mu.Lock()
	m.irqEnabled = true
	m.mu.Unlock()
	t.Status = StatusOK
	return t.Status
}

func (m *machine) DisableInterrupts(c *Context, t *Transaction) Status {
	if !validate(c, t) {
		return StatusInvalid
	}
	m.mu.Lock()
	m.irqEnabled = false
	m.mu.Unlock()
	t.Status = StatusOK
	return t.Status
}

func (m *machine) ConfigureTimer(c *Context, t *Transaction) Status {
	if !validate(c, t) {
		return StatusInvalid
	}
	if t.InValue == 0 {
		t.Status = StatusInvalid
		return t.Status
	}
	m.mu.Lock()
	m.timerHz = t.InValue
	m.mu.Unlock()
	t.Status = StatusOK
	return t.Status
}

func (m *machine) ReadTime(c *Context, t *Transaction) Status {
	if !validate(c, t) {
		return StatusInvalid
	}
	now := m.counter()
	if t.OutAddr != 0 {
		if !c.InKernel(t.OutAddr, 8) {
			t.Status = StatusInvalid
			return t.Status
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], now)
		if err := m.writePhys(buf[:], t.OutAddr); err != nil {
			t.Status = StatusFailure
			return t.Status
		}
	}
	t.InValue = now
	t.Status = StatusOK
	return t.Status
}

func (m *machine) SaveContext(c *Context, t *Transaction) Status {
	if !validate(c, t) {
		return StatusInvalid
	}
	if t.Frame == nil {
		t.Status = StatusInvalid
		return t.Status
	}
	m.mu.Lock()
	*t.Frame = m.regs
	m.mu.Unlock()
	t.Status = StatusOK
	return t.Status
}

func (m *machine) RestoreContext(c *Context, t *Transaction) Status {
	if !validate(c, t) {
		return StatusInvalid
	}
	if t.Frame == nil {
		t.Status = StatusInvalid
		return t.Status
	}
	m.mu.Lock()
	m.regs = *t.Frame
	m.mu.Unlock()
	t.Status = StatusOK
	return t.Status
}

func (m *machine) AckInterrupt(c *Context, t *Transaction) Status {
	if !validate(c, t) {
		return StatusInvalid
	}
	m.mu.Lock()
	m.acked = append(m.acked, t.InValue)
	m.mu.Unlock()
	t.Status = StatusOK
	return t.Status
}

func (m *machine) MapPage(c *Context, t *Transaction) Status {
	if !validate(c, t) {
		return StatusInvalid
	}
	virt, phys := t.OutAddr, t.InAddr
	if virt%PageSize != 0 || phys%PageSize != 0 || !m.inRAM(phys, PageSize) {
		t.Status = StatusInvalid
		return t.Status
	}
	m.mu.Lock()
	m.pages[virt] = pageEntry{phys: phys, flags: t.InValue}
	m.mu.Unlock()
	t.Status = StatusOK
	return t.Status
}

func (m *machine) UnmapPage(c *Context, t *Transaction) Status {
	if !validate(c, t) {
		return StatusInvalid
	}
	virt := t.InAddr &^ (PageSize - 1)
	m.mu.Lock()
	_, ok := m.pages[virt]
	delete(m.pages, virt)
	m.mu.Unlock()
	if !ok {
		t.Status = StatusInvalid
		return t.Status
	}
	t.Status = StatusOK
	return t.Status
}

// Registers returns the live register file.
func (m *machine) Registers() Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs
}

// SetRegisters loads the live register file, as the CPU would before a trap.
func (m *machine) SetRegisters(f Frame) {
	m.mu.Lock()
	m.regs = f
	m.mu.Unlock()
}

// TimerHz returns the last programmed tick frequency.
func (m *machine) TimerHz() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerHz
}

// InterruptsEnabled reports the interrupt mask state.
func (m *machine) InterruptsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.irqEnabled
}

// Acked returns the acknowledged interrupt vectors in order.
func (m *machine) Acked() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.acked...)
}

func (m *machine) Memory() Memory { return machineMemory{m: m} }

func (m *machine) inRAM(addr, n uint64) bool {
	end := m.ramBase + uint64(len(m.ram))
	return addr >= m.ramBase && addr+n >= addr && addr+n <= end
}

func (m *machine) writePhys(p []byte, addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inRAM(addr, uint64(len(p))) {
		return fmt.Errorf("phys write at %#x: %w", addr, ErrUnmapped)
	}
	copy(m.ram[addr-m.ramBase:], p)
	return nil
}

// translate resolves a virtual address. Caller holds m.mu.
func (m *machine) translate(virt uint64) (uint64, bool) {
	if e, ok := m.pages[virt&^(PageSize-1)]; ok {
		return e.phys + virt%PageSize, true
	}
	if m.inRAM(virt, 1) {
		return virt, true
	}
	return 0, false
}

type machineMemory struct {
	m *machine
}

func (mm machineMemory) ReadAt(p []byte, addr uint64) (int, error) {
	return mm.access(p, addr, false)
}

func (mm machineMemory) WriteAt(p []byte, addr uint64) (int, error) {
	return mm.access(p, addr, true)
}

// access copies page by page so a buffer may straddle mappings.
func (mm machineMemory) access(p []byte, addr uint64, write bool) (int, error) {
	m := mm.m
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for n < len(p) {
		virt := addr + uint64(n)
		phys, ok := m.translate(virt)
		if !ok {
			return n, fmt.Errorf("access at %#x: %w", virt, ErrUnmapped)
		}
		chunk := int(PageSize - virt%PageSize)
		if rest := len(p) - n; chunk > rest {
			chunk = rest
		}
		if !m.inRAM(phys, uint64(chunk)) {
			return n, fmt.Errorf("access at %#x: %w", virt, ErrUnmapped)
		}
		off := phys - m.ramBase
		if write {
			copy(m.ram[off:off+uint64(chunk)], p[n:n+chunk])
		} else {
			copy(p[n:n+chunk], m.ram[off:off+uint64(chunk)])
		}
		n += chunk
	}
	return n, nil
}
