package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkcore/hal"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	log.Debug("channel created", "channel", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "channel created", rec["msg"])
	assert.EqualValues(t, 3, rec["channel"])

	buf.Reset()
	log, err = NewLogger(LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	log.Info("dropped")
	assert.Empty(t, buf.String())

	_, err = NewLogger(LogConfig{Format: "xml"}, &buf)
	assert.Error(t, err)
}

func TestLineWriterSplitsRecords(t *testing.T) {
	f := hal.NewFake(0x1000_0000, hal.PageSize)
	w := NewLineWriter(f.Logger())

	n, err := w.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, []string{"first"}, f.Lines())

	_, err = w.Write([]byte("ond\nthird\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, f.Lines())
}

func TestLoggerThroughHAL(t *testing.T) {
	f := hal.NewFake(0x1000_0000, hal.PageSize)
	log, err := NewLogger(LogConfig{}, NewLineWriter(f.Logger()))
	require.NoError(t, err)
	log.Info("kernel ready", "timer_hz", 1000)

	lines := f.Lines()
	require.Len(t, lines, 1)
	assert.True(t, strings.Contains(lines[0], "timer_hz=1000"), lines[0])
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := slog.Default()
	assert.Same(t, l, OrDiscard(l))
}

func TestMetrics(t *testing.T) {
	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.Syscall(101, "ok")
		nilMetrics.ContextSwitch()
		nilMetrics.QueuedBytes(4)
	})

	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	m.Syscall(103, "ok")
	m.Syscall(103, "ok")
	m.Syscall(104, "timeout")
	m.SleepersWoken(0)
	m.SleepersWoken(2)
	m.QueuedBytes(128)
	m.ThreadStates(map[string]int{"ready": 2, "dead": 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.syscalls.WithLabelValues("103", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sleepersWoken))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.queuedBytes))
	assert.Equal(t, 2, testutil.CollectAndCount(m.threads))
}
