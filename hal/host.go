package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// HostConfig sizes the simulated machine.
type HostConfig struct {
	RAMBase uint64
	RAMSize uint64
	// Output receives log lines; nil means os.Stdout.
	Output io.Writer
}

const (
	DefaultRAMBase = 0x4000_0000
	DefaultRAMSize = 4 << 20
)

type hostHAL struct {
	*machine
	logger *hostLogger
	t      *hostTime
}

// New returns a host HAL implementation.
func New(cfg HostConfig) HAL {
	return newHost(cfg)
}

func newHost(cfg HostConfig) *hostHAL {
	if cfg.RAMSize == 0 {
		cfg.RAMSize = DefaultRAMSize
	}
	if cfg.RAMBase == 0 {
		cfg.RAMBase = DefaultRAMBase
	}
	w := cfg.Output
	if w == nil {
		w = os.Stdout
	}
	start := time.Now()
	return &hostHAL{
		machine: newMachine(cfg.RAMBase, cfg.RAMSize, func() uint64 {
			return uint64(time.Since(start))
		}),
		logger: &hostLogger{w: w},
		t:      newHostTime(),
	}
}

func (h *hostHAL) Logger() Logger { return h.logger }
func (h *hostHAL) Time() Time     { return h.t }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
