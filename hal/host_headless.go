package hal

import (
	"context"
	"fmt"
	"time"
)

// HeadlessConfig controls the host runner.
type HeadlessConfig struct {
	// Hz is the runner loop rate; timer ticks are derived from the
	// frequency programmed through ConfigureTimer.
	Hz    int
	Ticks uint64
	Host  HostConfig
}

// RunHeadless boots the system on a host HAL and drives it until ctx ends
// or cfg.Ticks loop iterations have run.
//
// newApp is called once with the HAL; the returned step function runs on
// every loop iteration after the tick stream has been advanced.
func RunHeadless(ctx context.Context, newApp func(HAL) (func() error, error), cfg HeadlessConfig) error {
	if cfg.Hz <= 0 {
		cfg.Hz = 60
	}

	h := newHost(cfg.Host)
	step, err := newApp(h)
	if err != nil {
		return err
	}

	d := time.Second / time.Duration(cfg.Hz)
	if d <= 0 {
		return fmt.Errorf("invalid headless hz: %d", cfg.Hz)
	}
	t := time.NewTicker(d)
	defer t.Stop()

	var n uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if h.InterruptsEnabled() {
				h.t.step(tickPeriod(h.TimerHz()))
			}
			if step != nil {
				if err := step(); err != nil {
					return err
				}
			}
			n++
			if cfg.Ticks > 0 && n >= cfg.Ticks {
				return nil
			}
		}
	}
}
