package contextmgr

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/auxoncorp/modality-defmt-plugins/internal/config"
	"github.com/auxoncorp/modality-defmt-plugins/internal/eventrecord"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withTimestamp(ts uint64, attrs map[string]eventrecord.AttrVal) *eventrecord.EventRecord {
	attrs[eventrecord.InternalAttrKey("timestamp")] = eventrecord.Integer(int64(ts))
	return eventrecord.FromMap(attrs)
}

func traceStart(ts uint64) *eventrecord.EventRecord {
	return withTimestamp(ts, map[string]eventrecord.AttrVal{
		eventrecord.AttrKey("name"):    eventrecord.String(rtic1TraceStart),
		eventrecord.AttrKey("task"):    eventrecord.String("init"),
		eventrecord.AttrKey("version"): eventrecord.Integer(1),
	})
}

func isrEnter(ts uint64) *eventrecord.EventRecord {
	return withTimestamp(ts, map[string]eventrecord.AttrVal{
		eventrecord.AttrKey("name"): eventrecord.String(rtic1IsrEnter),
		eventrecord.AttrKey("isr"):  eventrecord.String("ISR"),
	})
}

func isrExit(ts uint64) *eventrecord.EventRecord {
	return withTimestamp(ts, map[string]eventrecord.AttrVal{
		eventrecord.AttrKey("name"): eventrecord.String(rtic1IsrExit),
	})
}

func taskEnter(ts uint64) *eventrecord.EventRecord {
	return withTimestamp(ts, map[string]eventrecord.AttrVal{
		eventrecord.AttrKey("name"): eventrecord.String(rtic1TaskEnter),
		eventrecord.AttrKey("task"): eventrecord.String("task"),
	})
}

func taskExit(ts uint64) *eventrecord.EventRecord {
	return withTimestamp(ts, map[string]eventrecord.AttrVal{
		eventrecord.AttrKey("name"): eventrecord.String(rtic1TaskExit),
	})
}

func plainEvent(name string, ts uint64) *eventrecord.EventRecord {
	return withTimestamp(ts, map[string]eventrecord.AttrVal{
		eventrecord.AttrKey("name"): eventrecord.String(name),
	})
}

func checkMngrState(t *testing.T, m *ContextManager, activeCtxName string, tsAndEvCnt uint64) {
	t.Helper()
	active, err := m.activeContext()
	if err != nil {
		t.Fatalf("activeContext: %v", err)
	}
	if active != contextID(activeCtxName) {
		t.Errorf("active context = %d, want %s (%d)", active, activeCtxName, contextID(activeCtxName))
	}
	if m.eventCounter != tsAndEvCnt {
		t.Errorf("eventCounter = %d, want %d", m.eventCounter, tsAndEvCnt)
	}
	if m.lastTimestamp == nil || *m.lastTimestamp != tsAndEvCnt {
		t.Errorf("lastTimestamp = %v, want %d", m.lastTimestamp, tsAndEvCnt)
	}
}

func checkCtxEvent(t *testing.T, ev ContextEvent, ctxName string, globalOrdering int64, intNonce int64, addPrev bool) {
	t.Helper()
	if ev.Context != contextID(ctxName) {
		t.Errorf("context = %d, want %s", ev.Context, ctxName)
	}
	if ev.GlobalOrdering.Cmp(big.NewInt(globalOrdering)) != 0 {
		t.Errorf("global_ordering = %s, want %d", ev.GlobalOrdering, globalOrdering)
	}
	n, ok := ev.Record.InternalNonce()
	if !ok || n != intNonce {
		t.Errorf("internal nonce = %v, ok=%v, want %d", n, ok, intNonce)
	}
	if ev.AddPreviousEventNonce != addPrev {
		t.Errorf("add_previous_event_nonce = %v, want %v", ev.AddPreviousEventNonce, addPrev)
	}
}

func TestRtic1ContextSwitching(t *testing.T) {
	cfg := &config.Config{RtosMode: config.RtosModeRtic1}
	m := New(cfg, nil, testLogger())

	ctx, err := m.ProcessRecord(traceStart(1))
	if err != nil {
		t.Fatalf("trace_start: %v", err)
	}
	if m.integrationVersion == nil || *m.integrationVersion != 1 {
		t.Fatalf("integrationVersion = %v", m.integrationVersion)
	}
	checkMngrState(t, m, "init", 1)
	if len(ctx.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(ctx.Events))
	}
	checkCtxEvent(t, ctx.Events[0], "init", 1, 1, false)
	if v, ok := ctx.Events[0].Record.IntegrationVersion(); !ok || v != 1 {
		t.Fatalf("IntegrationVersion = %v, %v", v, ok)
	}

	ctx, err = m.ProcessRecord(isrEnter(2))
	if err != nil {
		t.Fatalf("isr_enter: %v", err)
	}
	checkMngrState(t, m, "ISR", 2)
	if len(ctx.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(ctx.Events))
	}
	checkCtxEvent(t, ctx.Events[0], "ISR", 2, 1, true)

	ctx, err = m.ProcessRecord(taskEnter(3))
	if err != nil {
		t.Fatalf("task_enter: %v", err)
	}
	checkMngrState(t, m, "task", 3)
	checkCtxEvent(t, ctx.Events[0], "task", 3, 1, true)

	ctx, err = m.ProcessRecord(plainEvent("foo", 4))
	if err != nil {
		t.Fatalf("foo: %v", err)
	}
	checkMngrState(t, m, "task", 4)
	checkCtxEvent(t, ctx.Events[0], "task", 4, 2, false)

	ctx, err = m.ProcessRecord(taskExit(5))
	if err != nil {
		t.Fatalf("task_exit: %v", err)
	}
	checkMngrState(t, m, "ISR", 5)
	checkCtxEvent(t, ctx.Events[0], "task", 5, 3, false)

	ctx, err = m.ProcessRecord(isrExit(6))
	if err != nil {
		t.Fatalf("isr_exit: %v", err)
	}
	checkMngrState(t, m, "init", 6)
	checkCtxEvent(t, ctx.Events[0], "ISR", 6, 2, true)

	ctx, err = m.ProcessRecord(isrEnter(7))
	if err != nil {
		t.Fatalf("isr_enter 2: %v", err)
	}
	checkMngrState(t, m, "ISR", 7)
	if len(ctx.Events) != 2 {
		t.Fatalf("events = %d, want 2 (synthetic + real)", len(ctx.Events))
	}
	checkCtxEvent(t, ctx.Events[0], "init", 7, 2, true)
	checkCtxEvent(t, ctx.Events[1], "ISR", 8, 3, true)

	ctx, err = m.ProcessRecord(taskEnter(8))
	if err != nil {
		t.Fatalf("task_enter 2: %v", err)
	}
	checkMngrState(t, m, "task", 8)
	checkCtxEvent(t, ctx.Events[0], "task", 9, 4, true)
}

func TestMidStreamStartDowngradesToNone(t *testing.T) {
	cfg := &config.Config{RtosMode: config.RtosModeRtic1}
	m := New(cfg, nil, testLogger())

	ctx, err := m.ProcessRecord(plainEvent("some_event", 1))
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	if m.cfg.RtosMode != config.RtosModeNone {
		t.Fatalf("RtosMode = %v, want none after downgrade", m.cfg.RtosMode)
	}
	if len(ctx.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(ctx.Events))
	}
	if ctx.Events[0].Context != contextID(unknownContext) {
		t.Fatalf("context = %d, want UNKNOWN_CONTEXT", ctx.Events[0].Context)
	}

	ctx, err = m.ProcessRecord(plainEvent("another", 2))
	if err != nil {
		t.Fatalf("ProcessRecord 2: %v", err)
	}
	if ctx.Events[0].Context != contextID(unknownContext) {
		t.Fatalf("subsequent event landed outside UNKNOWN_CONTEXT")
	}
}

// TestRtic1RootContextNamedFromStartEventWhenInitTaskNameUnconfigured exercises
// the real config.Parse path (not a bare Config{} literal) to guard against a
// root context silently named "main" in rtic1 mode when init_task_name is
// left out of the YAML: the root context must take its name from the
// AUXON_TRACE_START event's own task.
func TestRtic1RootContextNamedFromStartEventWhenInitTaskNameUnconfigured(t *testing.T) {
	cfg, err := config.Parse([]byte("rtos_mode: rtic1\n"))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	if cfg.InitTaskName != "" {
		t.Fatalf("InitTaskName = %q, want empty so rtic1 mode applies its own fallback", cfg.InitTaskName)
	}

	m := New(cfg, nil, testLogger())
	ctx, err := m.ProcessRecord(traceStart(1))
	if err != nil {
		t.Fatalf("trace_start: %v", err)
	}
	if ctx.Events[0].Context != contextID("init") {
		t.Fatalf("root context = %d, want %q (%d), not the none-mode \"main\" default", ctx.Events[0].Context, "init", contextID("init"))
	}
}

func TestGlobalOrderingStrictlyIncreasing(t *testing.T) {
	cfg := &config.Config{RtosMode: config.RtosModeNone, InitTaskName: "main"}
	m := New(cfg, nil, testLogger())

	var last *big.Int
	for i := uint64(1); i <= 5; i++ {
		ctx, err := m.ProcessRecord(plainEvent("e", i))
		if err != nil {
			t.Fatalf("ProcessRecord: %v", err)
		}
		for _, ev := range ctx.Events {
			if last != nil && ev.GlobalOrdering.Cmp(last) <= 0 {
				t.Fatalf("global_ordering did not strictly increase: %s -> %s", last, ev.GlobalOrdering)
			}
			last = ev.GlobalOrdering
		}
	}
}

func TestNonceWrapsWithoutPanicking(t *testing.T) {
	tl := newTimelineMeta("ctx", contextID("ctx"))
	tl.Nonce = (1 << 63) - 1
	tl.IncrementNonce()
	if tl.Nonce != -(1 << 63) {
		t.Fatalf("nonce after wrap = %d, want %d", tl.Nonce, int64(-(1<<63)))
	}
}

func TestNoneModeNoncesAdvanceByOne(t *testing.T) {
	cfg := &config.Config{RtosMode: config.RtosModeNone}
	m := New(cfg, nil, testLogger())

	var prev *int64
	for i := uint64(1); i <= 4; i++ {
		ctx, err := m.ProcessRecord(plainEvent("e", i))
		if err != nil {
			t.Fatalf("ProcessRecord: %v", err)
		}
		n, ok := ctx.Events[0].Record.InternalNonce()
		if !ok {
			t.Fatalf("record %d has no internal nonce", i)
		}
		if prev != nil && n != *prev+1 {
			t.Fatalf("nonce advanced %d -> %d, want +1", *prev, n)
		}
		prev = &n
	}
	if len(m.contextsToTimelines) != 1 {
		t.Fatalf("timelines = %d, want exactly 1 in none mode", len(m.contextsToTimelines))
	}
	if active, _ := m.activeContext(); active != contextID(defaultSingleTimelineContext) {
		t.Fatalf("active context = %d, want the %q default", active, defaultSingleTimelineContext)
	}
}

func TestContextStackNeverEmptyAfterFirstRecord(t *testing.T) {
	cfg := &config.Config{RtosMode: config.RtosModeNone, InitTaskName: "main"}
	m := New(cfg, nil, testLogger())
	if _, err := m.ProcessRecord(plainEvent("e", 1)); err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	if len(m.contextStack) == 0 {
		t.Fatal("context stack is empty after first record")
	}
}
