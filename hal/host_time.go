package hal

import "time"

type hostTime struct {
	ch  chan uint64
	seq uint64

	last time.Time
	acc  time.Duration
}

func newHostTime() *hostTime {
	return &hostTime{ch: make(chan uint64, 1024)}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// step converts elapsed wall time into ticks of the programmed period.
// A zero period (timer not configured) delivers nothing.
func (t *hostTime) step(period time.Duration) {
	now := time.Now()
	if period <= 0 {
		t.last = now
		return
	}
	if t.last.IsZero() {
		t.last = now
		t.acc = 0
		t.stepN(1)
		return
	}

	t.acc += now.Sub(t.last)
	t.last = now

	ticks := uint64(t.acc / period)
	if ticks == 0 {
		return
	}
	t.acc = t.acc % period
	t.stepN(ticks)
}

func (t *hostTime) stepN(n uint64) {
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}

func tickPeriod(hz uint64) time.Duration {
	if hz == 0 {
		return 0
	}
	return time.Second / time.Duration(hz)
}
