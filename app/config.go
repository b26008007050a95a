package app

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sparkcore/hal"
	"sparkcore/internal/telemetry"
	"sparkcore/kernel"
	"sparkcore/kernel/ipc"
	"sparkcore/kernel/sched"
	"sparkcore/kernel/trap"
)

// TimerVector is the interrupt vector the tick pump raises by default.
const TimerVector = 30

// Config is the system configuration, loadable from YAML.
type Config struct {
	Memory    MemoryConfig        `yaml:"memory"`
	Timer     TimerConfig         `yaml:"timer"`
	Trap      TrapConfig          `yaml:"trap"`
	IPC       IPCConfig           `yaml:"ipc"`
	Log       telemetry.LogConfig `yaml:"log"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Demo      DemoConfig          `yaml:"demo"`
	CrashDump string              `yaml:"crash_dump"`
}

// MemoryConfig bounds the kernel's memory window.
type MemoryConfig struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

type TimerConfig struct {
	Hz     uint64 `yaml:"hz"`
	Vector uint64 `yaml:"vector"`
}

type TrapConfig struct {
	FrameSlots int `yaml:"frame_slots"`
}

type IPCConfig struct {
	MemoryLimit int `yaml:"memory_limit"`
}

type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables it.
	Addr string `yaml:"addr"`
}

// DemoConfig controls the ping/pong workload.
type DemoConfig struct {
	Enabled bool `yaml:"enabled"`
	Rounds  int  `yaml:"rounds"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Memory: MemoryConfig{Base: hal.DefaultRAMBase, Size: hal.DefaultRAMSize},
		Timer:  TimerConfig{Hz: sched.DefaultTickHz, Vector: TimerVector},
		Trap:   TrapConfig{FrameSlots: trap.DefaultFrameSlots},
		IPC:    IPCConfig{MemoryLimit: ipc.DefaultMemoryLimit},
		Log:    telemetry.LogConfig{Level: "info", Format: "text"},
		Demo:   DemoConfig{Rounds: 3},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.Memory.Size == 0 {
		return errors.New("memory.size must be positive")
	}
	if c.Memory.Base%hal.PageSize != 0 {
		return fmt.Errorf("memory.base %#x is not page aligned", c.Memory.Base)
	}
	if c.Memory.Base+c.Memory.Size < c.Memory.Base {
		return errors.New("memory window overflows the address space")
	}
	if c.Memory.Size < kernel.MaxThreads*hal.PageSize {
		return fmt.Errorf("memory.size %#x leaves no room for %d thread scratch pages", c.Memory.Size, kernel.MaxThreads)
	}
	if c.Timer.Hz == 0 {
		return errors.New("timer.hz must be positive")
	}
	if c.Trap.FrameSlots <= 0 {
		return errors.New("trap.frame_slots must be positive")
	}
	if c.IPC.MemoryLimit <= 0 {
		return errors.New("ipc.memory_limit must be positive")
	}
	if c.Demo.Rounds < 0 {
		return errors.New("demo.rounds must not be negative")
	}
	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
