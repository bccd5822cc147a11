package modrt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLogger records log entries for assertions.
type testLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

func (l *testLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *testLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *testLogger) Error(msg string, args ...any) { l.log("error", msg, args) }
func (l *testLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }

func (l *testLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

func newTestFramework(t *testing.T, opts ...Option) *Framework {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StateChangeTimeout = time.Second
	fw, err := NewFramework(append([]Option{WithConfig(cfg), WithLogger(&testLogger{})}, opts...)...)
	require.NoError(t, err)
	return fw
}

func startedFramework(t *testing.T, opts ...Option) *Framework {
	t.Helper()
	fw := newTestFramework(t, opts...)
	require.NoError(t, fw.Start(context.Background()))
	t.Cleanup(func() { _ = fw.Stop(context.Background()) })
	return fw
}

// descriptor renders a minimal YAML descriptor followed by extra lines.
func descriptor(name, ver string, extra ...string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "symbolicName: %s\nversion: %s\n", name, ver)
	for _, line := range extra {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

func install(t *testing.T, fw *Framework, name, ver string, extra ...string) *Bundle {
	t.Helper()
	b, err := fw.Install(context.Background(), "mem:"+name+"-"+ver+".yaml", descriptor(name, ver, extra...))
	require.NoError(t, err)
	return b
}

// eventLog collects events from synchronous listeners.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

func recordBundleEvents(t *testing.T, fw *Framework) *eventLog {
	t.Helper()
	log := &eventLog{}
	require.NoError(t, fw.Context().AddBundleListener(NewBundleListener(func(e BundleEvent) {
		log.add(e.Type.String() + " " + e.Bundle.SymbolicName())
	}, true)))
	return log
}

// frameworkEvents collects framework events delivered asynchronously.
type frameworkEvents struct {
	ch chan FrameworkEvent
}

func recordFrameworkEvents(t *testing.T, fw *Framework) *frameworkEvents {
	t.Helper()
	fe := &frameworkEvents{ch: make(chan FrameworkEvent, 64)}
	require.NoError(t, fw.Context().AddFrameworkListener(NewFrameworkListener(func(e FrameworkEvent) {
		fe.ch <- e
	})))
	return fe
}

func (fe *frameworkEvents) wait(t *testing.T, typ FrameworkEventType) FrameworkEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-fe.ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s framework event", typ)
			return FrameworkEvent{}
		}
	}
}

// recordingActivator counts calls and can be told to fail.
type recordingActivator struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
	onStart  func(ctx context.Context, bc *BundleContext) error
}

func (a *recordingActivator) Start(ctx context.Context, bc *BundleContext) error {
	a.mu.Lock()
	a.starts++
	a.mu.Unlock()
	if a.onStart != nil {
		if err := a.onStart(ctx, bc); err != nil {
			return err
		}
	}
	return a.startErr
}

func (a *recordingActivator) Stop(context.Context, *BundleContext) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	return nil
}

func (a *recordingActivator) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts, a.stops
}
