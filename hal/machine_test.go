package hal

import (
	"encoding/binary"
	"errors"
	"testing"
)

const (
	testRAMBase = 0x1000_0000
	testRAMSize = 64 * PageSize
)

func testContext() *Context {
	return &Context{MemBase: testRAMBase, MemLimit: testRAMBase + 16*PageSize}
}

func TestReadTimeWritesInsideKernelMemory(t *testing.T) {
	f := NewFake(testRAMBase, testRAMSize)
	f.SetCounter(0xABCD)
	c := testContext()

	addr := uint64(testRAMBase + 0x100)
	txn := Transaction{Op: OpReadTime, OutAddr: addr}
	if st := f.ReadTime(c, &txn); st != StatusOK {
		t.Fatalf("ReadTime() = %s, want ok", st)
	}

	var buf [8]byte
	if _, err := f.Memory().ReadAt(buf[:], addr); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf[:]); got != 0xABCD {
		t.Fatalf("stored time = %#x, want 0xabcd", got)
	}
	if txn.InValue != 0xABCD {
		t.Fatalf("txn.InValue = %#x, want 0xabcd", txn.InValue)
	}
}

func TestReadTimeRejectsOutOfBoundsAddress(t *testing.T) {
	f := NewFake(testRAMBase, testRAMSize)
	c := testContext()

	for _, addr := range []uint64{testRAMBase - 8, c.MemLimit - 4, c.MemLimit} {
		txn := Transaction{Op: OpReadTime, OutAddr: addr}
		if st := f.ReadTime(c, &txn); st != StatusInvalid {
			t.Fatalf("ReadTime(%#x) = %s, want invalid", addr, st)
		}
	}
}

func TestNilArgumentsAreInvalid(t *testing.T) {
	f := NewFake(testRAMBase, testRAMSize)
	var txn Transaction
	if st := f.EnableInterrupts(nil, &txn); st != StatusInvalid || txn.Status != StatusInvalid {
		t.Fatalf("EnableInterrupts(nil) = %s/%s, want invalid", st, txn.Status)
	}
	if st := f.Init(testContext(), nil); st != StatusInvalid {
		t.Fatalf("Init(nil txn) = %s, want invalid", st)
	}
}

func TestInitRejectsEmptyKernelRange(t *testing.T) {
	f := NewFake(testRAMBase, testRAMSize)
	c := &Context{MemBase: 0x2000, MemLimit: 0x2000}
	var txn Transaction
	if st := f.Init(c, &txn); st != StatusInvalid {
		t.Fatalf("Init() = %s, want invalid", st)
	}
}

func TestMapPageTranslatesAccess(t *testing.T) {
	f := NewFake(testRAMBase, testRAMSize)
	c := testContext()

	const virt = 0x7000_0000
	phys := uint64(testRAMBase + 20*PageSize)
	txn := Transaction{Op: OpMapPage, OutAddr: virt, InAddr: phys, InValue: PageRead | PageWrite | PageUser}
	if st := Invoke(f, c, &txn); st != StatusOK {
		t.Fatalf("MapPage() = %s, want ok", st)
	}

	mem := f.Memory()
	if _, err := mem.WriteAt([]byte("hello"), virt+10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 5)
	if _, err := mem.ReadAt(got, phys+10); err != nil {
		t.Fatalf("ReadAt phys: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("phys bytes = %q, want %q", got, "hello")
	}

	txn = Transaction{Op: OpUnmapPage, InAddr: virt}
	if st := Invoke(f, c, &txn); st != StatusOK {
		t.Fatalf("UnmapPage() = %s, want ok", st)
	}
	if _, err := mem.ReadAt(got, virt); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("ReadAt after unmap err = %v, want ErrUnmapped", err)
	}
	if st := Invoke(f, c, &txn); st != StatusInvalid {
		t.Fatalf("second UnmapPage() = %s, want invalid", st)
	}
}

func TestMapPageRejectsUnalignedAddresses(t *testing.T) {
	f := NewFake(testRAMBase, testRAMSize)
	txn := Transaction{OutAddr: 0x7000_0010, InAddr: testRAMBase}
	if st := f.MapPage(testContext(), &txn); st != StatusInvalid {
		t.Fatalf("MapPage() = %s, want invalid", st)
	}
}

func TestSaveRestoreContext(t *testing.T) {
	f := NewFake(testRAMBase, testRAMSize)
	c := testContext()

	var live Frame
	live.X[0] = 7
	live.SP = 0x8000
	live.ELR = 0x4000_1000
	f.SetRegisters(live)

	var saved Frame
	txn := Transaction{Frame: &saved}
	if st := f.SaveContext(c, &txn); st != StatusOK {
		t.Fatalf("SaveContext() = %s, want ok", st)
	}
	if saved != live {
		t.Fatalf("saved frame = %+v, want %+v", saved, live)
	}

	saved.X[0] = 99
	txn = Transaction{Frame: &saved}
	if st := f.RestoreContext(c, &txn); st != StatusOK {
		t.Fatalf("RestoreContext() = %s, want ok", st)
	}
	if got := f.Registers().X[0]; got != 99 {
		t.Fatalf("live X0 = %d, want 99", got)
	}

	if st := f.SaveContext(c, &Transaction{}); st != StatusInvalid {
		t.Fatalf("SaveContext(nil frame) = %s, want invalid", st)
	}
}

func TestFakeScriptedFailure(t *testing.T) {
	f := NewFake(testRAMBase, testRAMSize)
	f.Fail(OpSetTimer, StatusUnsupported)

	txn := Transaction{Op: OpSetTimer, InValue: 1000}
	if st := Invoke(f, testContext(), &txn); st != StatusUnsupported {
		t.Fatalf("ConfigureTimer() = %s, want unsupported", st)
	}
	if hz := f.TimerHz(); hz != 0 {
		t.Fatalf("TimerHz() = %d, want 0", hz)
	}
	calls := f.Calls()
	if len(calls) != 1 || calls[0] != OpSetTimer {
		t.Fatalf("Calls() = %v, want [OpSetTimer]", calls)
	}
}

func TestInvokeUnknownOp(t *testing.T) {
	f := NewFake(testRAMBase, testRAMSize)
	txn := Transaction{Op: Op(99)}
	if st := Invoke(f, testContext(), &txn); st != StatusUnsupported {
		t.Fatalf("Invoke(99) = %s, want unsupported", st)
	}
}

func TestAckInterruptRecordsVector(t *testing.T) {
	f := NewFake(testRAMBase, testRAMSize)
	txn := Transaction{InValue: 30}
	if st := f.AckInterrupt(testContext(), &txn); st != StatusOK {
		t.Fatalf("AckInterrupt() = %s, want ok", st)
	}
	if got := f.Acked(); len(got) != 1 || got[0] != 30 {
		t.Fatalf("Acked() = %v, want [30]", got)
	}
}
