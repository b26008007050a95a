package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"sparkcore/kernel"
)

// CrashDump is the record written when the kernel panics.
type CrashDump struct {
	BootID  string        `cbor:"boot_id"`
	Time    time.Time     `cbor:"time"`
	Reason  string        `cbor:"reason"`
	Thread  uint32        `cbor:"thread"`
	Agent   uint32        `cbor:"agent"`
	Detail  string        `cbor:"detail,omitempty"`
	Stack   []string      `cbor:"stack,omitempty"`
	Threads []ThreadState `cbor:"threads"`
}

// ThreadState is one thread table entry in a crash dump.
type ThreadState struct {
	ID       uint32 `cbor:"id"`
	Owner    uint32 `cbor:"owner"`
	Priority uint32 `cbor:"priority"`
	State    string `cbor:"state"`
	PC       uint64 `cbor:"pc"`
}

var dumpMode cbor.EncMode

func init() {
	var err error
	dumpMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("app: crash dump encoder: " + err.Error())
	}
}

func installPanicHandler(s *System) {
	kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		s.Log.Error("kernel panic", "reason", info.Reason, "thread", info.Thread, "agent", info.Agent)
		for _, line := range stackLines(info.Stack) {
			s.Log.Error(line)
		}
		if s.cfg.CrashDump == "" {
			return
		}
		if err := s.writeCrashDump(s.cfg.CrashDump, info); err != nil {
			s.Log.Error("crash dump not written", "path", s.cfg.CrashDump, "err", err)
			return
		}
		s.Log.Error("crash dump written", "path", s.cfg.CrashDump)
	})
}

func stackLines(stack []byte) []string {
	var out []string
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimRight(line, " \t"); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (s *System) crashDump(info kernel.PanicInfo) CrashDump {
	d := CrashDump{
		BootID: s.ID.String(),
		Time:   time.Now().UTC(),
		Reason: info.Reason,
		Thread: uint32(info.Thread),
		Agent:  uint32(info.Agent),
		Stack:  stackLines(info.Stack),
	}
	if info.Detail != nil {
		d.Detail = fmt.Sprintf("%+v", info.Detail)
	}
	if s.Sched != nil {
		for _, th := range s.Sched.Snapshot() {
			d.Threads = append(d.Threads, ThreadState{
				ID:       uint32(th.ID),
				Owner:    uint32(th.Owner),
				Priority: th.Priority,
				State:    th.State.String(),
				PC:       th.Context.ELR,
			})
		}
	}
	return d
}

func (s *System) writeCrashDump(path string, info kernel.PanicInfo) error {
	p, err := dumpMode.Marshal(s.crashDump(info))
	if err != nil {
		return fmt.Errorf("encode crash dump: %w", err)
	}
	if err := os.WriteFile(path, p, 0o600); err != nil {
		return fmt.Errorf("write crash dump: %w", err)
	}
	return nil
}

// ReadCrashDump decodes a dump written by a panicking system.
func ReadCrashDump(path string) (CrashDump, error) {
	var d CrashDump
	p, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("read crash dump: %w", err)
	}
	if err := cbor.Unmarshal(p, &d); err != nil {
		return d, fmt.Errorf("decode crash dump %s: %w", path, err)
	}
	return d, nil
}
