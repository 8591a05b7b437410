package modkernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// callLog records module calls across modules in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type testModule struct {
	name string
	log  *callLog

	configErr error
	initErr   error
	stopErr   error
	onUpdate  func(ctx context.Context) error

	mu        sync.Mutex
	sections  []Section
	inits     int
	stops     int
	svc       Services
	updates   atomic.Int64
	healthy   atomic.Bool
	selfScore atomic.Int64
	maxUpdate time.Duration
}

func newTestModule(name string, log *callLog) *testModule {
	m := &testModule{name: name, log: log}
	m.healthy.Store(true)
	m.selfScore.Store(100)
	return m
}

func (m *testModule) Name() string { return m.name }

func (m *testModule) record(op string) {
	if m.log != nil {
		m.log.add(op + ":" + m.name)
	}
}

func (m *testModule) Configure(s Section) error {
	m.mu.Lock()
	m.sections = append(m.sections, s)
	m.mu.Unlock()
	m.record("configure")
	return m.configErr
}

func (m *testModule) Init(svc Services) error {
	m.mu.Lock()
	m.inits++
	m.svc = svc
	m.mu.Unlock()
	m.record("init")
	return m.initErr
}

func (m *testModule) Update(ctx context.Context) error {
	m.updates.Add(1)
	m.record("update")
	if m.onUpdate != nil {
		return m.onUpdate(ctx)
	}
	return nil
}

func (m *testModule) Stop(context.Context) error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	m.record("stop")
	return m.stopErr
}

func (m *testModule) IsHealthy() bool  { return m.healthy.Load() }
func (m *testModule) HealthScore() int { return int(m.selfScore.Load()) }

func (m *testModule) MaxUpdateTime() time.Duration { return m.maxUpdate }

func (m *testModule) lastSection() Section {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sections) == 0 {
		return nil
	}
	return m.sections[len(m.sections)-1]
}

func (m *testModule) counts() (inits, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inits, m.stops
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type testLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *testLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *testLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *testLogger) Error(msg string, args ...any) { l.add("error", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *testLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }

func (l *testLogger) has(level, fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && strings.Contains(e.msg, fragment) {
			return true
		}
	}
	return false
}

func (l *testLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, e := range l.entries {
		fmt.Fprintf(&b, "%s %s %v\n", e.level, e.msg, e.args)
	}
	return b.String()
}

type fakeProbe struct {
	free  atomic.Uint64
	stack atomic.Uint64
}

func newFakeProbe(free, stack uint64) *fakeProbe {
	p := &fakeProbe{}
	p.free.Store(free)
	p.stack.Store(stack)
	return p
}

func (p *fakeProbe) FreeMemory() uint64    { return p.free.Load() }
func (p *fakeProbe) StackHeadroom() uint64 { return p.stack.Load() }
