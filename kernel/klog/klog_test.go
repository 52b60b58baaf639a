package klog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/smp"
)

type mockSink struct {
	lines      []string
	resetCount int
	panicCount int
}

func (m *mockSink) Write(p []byte) (int, error) {
	m.lines = append(m.lines, string(p))
	return len(p), nil
}
func (m *mockSink) Reset()      { m.resetCount++ }
func (m *mockSink) BeginPanic() { m.panicCount++ }

func setup(t *testing.T, n int) {
	t.Helper()
	cpu.Init(n)
	Init(n)
	sinks = nil
	queue = cpu.MPSCQueue{}
	readTimestampFn = func() uint64 { return 42 }
	currentThreadIDFn = nil
	t.Cleanup(func() {
		sinks = nil
		readTimestampFn = nil
	})
}

// panicSeams overrides every hal/smp seam Panic touches so a test can
// drive it without ever reaching real hardware primitives or HwHalt's
// non-returning behavior.
type panicSeams struct {
	intrsOffCalls int
	haltCalls     int
	mailedTo      []kernel.CpuID
}

func setupPanicSeams(t *testing.T) *panicSeams {
	t.Helper()
	p := &panicSeams{}

	origIntrsOff, origHalt, origDump, origSendMail := intrsOffFn, haltFn, dumpStateFn, sendMailFn
	intrsOffFn = func() { p.intrsOffCalls++ }
	haltFn = func() { p.haltCalls++ }
	dumpStateFn = func(buf []byte) int { return copy(buf, "REGS") }
	sendMailFn = func(c *cpu.Cpu, data *smp.MailData) {
		p.mailedTo = append(p.mailedTo, c.ID)
		data.Fn(data.Arg)
	}

	t.Cleanup(func() {
		intrsOffFn, haltFn, dumpStateFn, sendMailFn = origIntrsOff, origHalt, origDump, origSendMail
	})
	return p
}

func TestLogDrainsToRegisteredSink(t *testing.T) {
	setup(t, 1)
	readTimestampFn = func() uint64 { return 42 }
	sink := &mockSink{}
	AddLogSink(sink)

	Log(Info, "hello %d", 7)

	require.Len(t, sink.lines, 1)
	require.Equal(t, "hello 7", sink.lines[0])
}

func TestLogRecordsCpuAndThreadID(t *testing.T) {
	setup(t, 1)
	readTimestampFn = func() uint64 { return 99 }
	currentThreadIDFn = func() kernel.ThreadID { return 5 }

	var captured Entry
	capturing := &capturingWriter{fn: func(e Entry) { captured = e }}
	AddLogSink(capturing)

	Log(Warning, "x")

	// Sinks receive only the text; the metadata lives in the ring slot.
	require.Equal(t, "x", string(captured.Bytes()))
	slot := &rings[0][0]
	require.Equal(t, uint64(99), slot.Timestamp)
	require.Equal(t, kernel.CpuID(0), slot.CpuID)
	require.Equal(t, kernel.ThreadID(5), slot.ThreadID)
	require.Equal(t, Warning, slot.Level)
}

type capturingWriter struct {
	fn func(Entry)
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	var e Entry
	e.TextLen = copy(e.Text[:], p)
	c.fn(e)
	return len(p), nil
}
func (c *capturingWriter) Reset()      {}
func (c *capturingWriter) BeginPanic() {}

func TestRemoveLogSinkStopsDelivery(t *testing.T) {
	setup(t, 1)
	sink := &mockSink{}
	AddLogSink(sink)
	RemoveLogSink(sink)

	Log(Info, "should not arrive")
	require.Empty(t, sink.lines)
}

func TestResetSinksCallsEachSink(t *testing.T) {
	setup(t, 1)
	s1, s2 := &mockSink{}, &mockSink{}
	AddLogSink(s1)
	AddLogSink(s2)

	ResetSinks()
	require.Equal(t, 1, s1.resetCount)
	require.Equal(t, 1, s2.resetCount)
}

func TestOverflowsCountsOverwrittenEntries(t *testing.T) {
	setup(t, 1)
	// Every Log past ringCapacity reuses a ring slot, and each reuse is
	// counted (no sink is registered here, so nothing is written anywhere).
	for i := 0; i < ringCapacity+3; i++ {
		Log(Debug, "x")
	}
	require.Equal(t, uint64(3), Overflows(0))
}

func TestTryWriteLogsFalseWhenLockHeld(t *testing.T) {
	setup(t, 1)
	sinksLock.Acquire()
	require.False(t, TryWriteLogs())
	sinksLock.Release()
}

func TestLogBeforeInitIsANoOp(t *testing.T) {
	cpu.Init(1)
	rings, ringHeads, overflows = nil, nil, nil
	t.Cleanup(func() { Init(1) })

	require.NotPanics(t, func() { Log(Info, "dropped") })
}

func TestPanicHaltsEveryOtherCpuAndPrintsBanner(t *testing.T) {
	setup(t, 3)
	seams := setupPanicSeams(t)
	sink := &mockSink{}
	AddLogSink(sink)

	Panic(&kernel.Error{Module: "vmm", Message: "page fault at unmapped address"})

	require.ElementsMatch(t, []kernel.CpuID{1, 2}, seams.mailedTo)
	// intrsOffFn: once on the panicking CPU plus once per remote CPU halted
	// via haltOthers.
	require.Equal(t, 3, seams.intrsOffCalls)
	// haltFn: once per remote CPU via haltOthers plus once for the
	// panicking CPU itself at the end of Panic.
	require.Equal(t, 3, seams.haltCalls)

	require.Equal(t, 1, sink.panicCount)
	joined := ""
	for _, l := range sink.lines {
		joined += l
	}
	require.Contains(t, joined, "[vmm] unrecoverable error: page fault at unmapped address")
	require.Contains(t, joined, "REGS")
	require.Contains(t, joined, "*** kernel panic: system halted ***")
}

func TestPanicPrintsEvenWhenSinksLockIsHeld(t *testing.T) {
	setup(t, 1)
	setupPanicSeams(t)
	sink := &mockSink{}
	AddLogSink(sink)

	// Simulate a panic occurring while some other context holds the sinks
	// lock: Panic must still print after exhausting its bounded try-lock
	// attempts, rather than deadlocking (spec.md §7: bounded try-locks).
	sinksLock.Acquire()

	Panic(&kernel.Error{Module: "sched", Message: "double free"})

	require.Equal(t, 1, sink.panicCount)
	sinksLock.Release()
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "DEBUG", Debug.String())
	require.Equal(t, "INFO", Info.String())
	require.Equal(t, "WARN", Warning.String())
	require.Equal(t, "ERROR", Error.String())
	require.Equal(t, "?", Level(99).String())
}
