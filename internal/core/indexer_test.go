package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"MarginIndexer/internal/core"
	"MarginIndexer/internal/cursor"
	"MarginIndexer/internal/event"
	"MarginIndexer/internal/ingestion"
	"MarginIndexer/internal/observability"
	"MarginIndexer/internal/persistence"
	"MarginIndexer/internal/projection"
)

// --- Test helpers ---

type fakeSource struct {
	mu    sync.Mutex
	pages map[string]*ingestion.Page
	errs  map[event.EventType]error
	calls []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages: make(map[string]*ingestion.Page),
		errs:  make(map[event.EventType]error),
	}
}

// addPage serves p for requests of et that resume after the given cursor.
func (f *fakeSource) addPage(et event.EventType, after string, p *ingestion.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[et.String()+"|"+after] = p
}

func (f *fakeSource) failWith(et event.EventType, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, et)
		return
	}
	f.errs[et] = err
}

func (f *fakeSource) QueryEvents(_ context.Context, et event.EventType, after string) (*ingestion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, et.String()+"@"+after)
	if err := f.errs[et]; err != nil {
		return nil, &ingestion.SourceError{EventType: et, Err: err}
	}
	if p, ok := f.pages[et.String()+"|"+after]; ok {
		return p, nil
	}
	return &ingestion.Page{}, nil
}

func (f *fakeSource) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// recordingApplier records applied cursors and fails on demand.
type recordingApplier struct {
	mu        sync.Mutex
	applied   []string
	failOn    string
	failErr   error
	onApplied func(event.Record)
}

func (a *recordingApplier) Apply(_ context.Context, rec event.Record) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failOn != "" && rec.Cursor == a.failOn {
		return false, a.failErr
	}
	a.applied = append(a.applied, rec.Cursor)
	if a.onApplied != nil {
		a.onApplied(rec)
	}
	return true, nil
}

// failingApplier delegates to inner except for one cursor while fail is set.
type failingApplier struct {
	inner  core.Applier
	cursor string
	fail   bool
}

func (a *failingApplier) Apply(ctx context.Context, rec event.Record) (bool, error) {
	if a.fail && rec.Cursor == a.cursor {
		return false, errors.New("connection reset by peer")
	}
	return a.inner.Apply(ctx, rec)
}

type brokenStore struct{}

func (brokenStore) Load(context.Context) (map[string]string, error) {
	return nil, errors.New("relation \"indexer_cursors\" does not exist")
}

func (brokenStore) Save(context.Context, string, string) error { return nil }

func newMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func rec(et event.EventType, cur string) event.Record {
	return event.Record{EventType: et, TxDigest: "0xtx-" + cur, Cursor: cur, Payload: json.RawMessage(`{}`)}
}

func openedRecord(t *testing.T, cur, positionID string) event.Record {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"position_id":   positionID,
		"owner":         "0xowner",
		"trading_pair":  []int{66, 84, 67, 47, 85, 83, 68, 67},
		"position_type": 0,
		"entry_price":   "95000000000",
		"quantity":      "1000000",
		"leverage":      5,
		"margin":        "19000000000",
		"timestamp":     "1700000000000",
	})
	if err != nil {
		t.Fatal(err)
	}
	return event.Record{EventType: event.EventTypePositionOpened, TxDigest: "0xtx-" + cur, Cursor: cur, Payload: raw}
}

func copyTradeRecord(t *testing.T, cur, originalID, followerPositionID string) event.Record {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"original_position_id": originalID,
		"follower_position_id": followerPositionID,
		"trader":               "0xleader",
		"follower":             "0xowner",
		"copy_ratio":           "5000",
		"timestamp":            "1700000100000",
	})
	if err != nil {
		t.Fatal(err)
	}
	return event.Record{EventType: event.EventTypeCopyTradeExecuted, TxDigest: "0xtx-" + cur, Cursor: cur, Payload: raw}
}

func noSleep(context.Context, time.Duration) error { return nil }

// --- Cursor advancement ---

func TestRunCycle_AdvancesCursorAcrossPages(t *testing.T) {
	src := newFakeSource()
	et := event.EventTypePositionClosed
	src.addPage(et, "", &ingestion.Page{
		Events:      []event.Record{rec(et, "c1"), rec(et, "c2")},
		HasNextPage: true,
		NextCursor:  "c2",
	})
	src.addPage(et, "c2", &ingestion.Page{
		Events:     []event.Record{rec(et, "c3")},
		NextCursor: "c3",
	})

	store := cursor.NewMemoryStore(nil)
	applier := &recordingApplier{}
	m := newMetrics()
	ix := core.NewIndexer(core.Config{EventTypes: []event.EventType{et}}, src, applier, store, zerolog.Nop(), m)

	if err := ix.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got := fmt.Sprint(applier.applied); got != "[c1 c2 c3]" {
		t.Fatalf("applied = %s", got)
	}
	stored, _ := store.Load(context.Background())
	if stored["PositionClosed"] != "c3" {
		t.Fatalf("stored cursor = %q", stored["PositionClosed"])
	}
	if store.Saves() != 2 {
		t.Fatalf("expected 2 saves, got %d", store.Saves())
	}
	if got := testutil.ToFloat64(m.CursorAdvances.WithLabelValues("PositionClosed")); got != 2 {
		t.Fatalf("cursor advances = %v", got)
	}
	if got := ix.Cursors()["PositionClosed"]; got != "c3" {
		t.Fatalf("in-memory cursor = %q", got)
	}
}

func TestRunCycle_ResumesFromStoredCursor(t *testing.T) {
	src := newFakeSource()
	store := cursor.NewMemoryStore(map[string]string{"Liquidation": "c41"})
	ix := core.NewIndexer(core.Config{EventTypes: []event.EventType{event.EventTypeLiquidation}},
		src, &recordingApplier{}, store, zerolog.Nop(), newMetrics())

	if err := ix.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if calls := src.Calls(); len(calls) != 1 || calls[0] != "Liquidation@c41" {
		t.Fatalf("calls = %v", calls)
	}
	if store.Saves() != 0 {
		t.Fatal("empty page must not save a cursor")
	}
}

func TestRunCycle_StopsWhenCursorDoesNotMove(t *testing.T) {
	src := newFakeSource()
	et := event.EventTypePositionOpened
	src.addPage(et, "c1", &ingestion.Page{HasNextPage: true, NextCursor: "c1"})

	store := cursor.NewMemoryStore(map[string]string{"PositionOpened": "c1"})
	ix := core.NewIndexer(core.Config{EventTypes: []event.EventType{et}}, src, &recordingApplier{}, store, zerolog.Nop(), newMetrics())

	if err := ix.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(src.Calls()) != 1 || store.Saves() != 0 {
		t.Fatalf("calls=%v saves=%d", src.Calls(), store.Saves())
	}
}

func TestRunCycle_MidPageFailureKeepsCursor(t *testing.T) {
	src := newFakeSource()
	et := event.EventTypePositionOpened
	src.addPage(et, "", &ingestion.Page{
		Events: []event.Record{
			openedRecord(t, "c1", "0xp1"),
			openedRecord(t, "c2", "0xp2"),
			openedRecord(t, "c3", "0xp3"),
		},
		NextCursor: "c3",
	})

	gw := persistence.NewMemoryGateway()
	m := newMetrics()
	applier := &failingApplier{
		inner:  projection.NewProjector(gw, nil, zerolog.Nop(), m),
		cursor: "c2",
		fail:   true,
	}
	store := cursor.NewMemoryStore(nil)
	ix := core.NewIndexer(core.Config{EventTypes: []event.EventType{et}}, src, applier, store, zerolog.Nop(), m)

	err := ix.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected cycle error")
	}

	// The first event's effects persist, nothing after the failure does.
	if got := len(gw.Positions()); got != 1 {
		t.Fatalf("positions after failure = %d, want 1", got)
	}
	if store.Saves() != 0 {
		t.Fatal("cursor must not advance past a failing page")
	}
	if _, ok := ix.Cursors()["PositionOpened"]; ok {
		t.Fatal("in-memory cursor must not advance either")
	}

	// Next cycle retries the page; the already applied event is not re-run.
	applier.fail = false
	if err := ix.RunCycle(context.Background()); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if got := len(gw.Positions()); got != 3 {
		t.Fatalf("positions after retry = %d, want 3", got)
	}
	stored, _ := store.Load(context.Background())
	if stored["PositionOpened"] != "c3" {
		t.Fatalf("stored cursor = %q", stored["PositionOpened"])
	}
	if got := testutil.ToFloat64(m.EventsDeduped.WithLabelValues("PositionOpened")); got != 1 {
		t.Fatalf("deduplicated = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsApplied.WithLabelValues("PositionOpened")); got != 3 {
		t.Fatalf("applied = %v, want 3", got)
	}
}

func TestRunCycle_RetriedPageAppliesEventSkippedForMissingReferent(t *testing.T) {
	src := newFakeSource()
	et := event.EventTypeCopyTradeExecuted
	src.addPage(et, "", &ingestion.Page{
		Events: []event.Record{
			copyTradeRecord(t, "k1", "0xleader", "0xf1"),
			copyTradeRecord(t, "k2", "0xseed", "0xf2"),
		},
		NextCursor: "k2",
	})

	gw := persistence.NewMemoryGateway()
	m := newMetrics()
	proj := projection.NewProjector(gw, nil, zerolog.Nop(), m)
	ctx := context.Background()
	if _, err := proj.Apply(ctx, openedRecord(t, "o0", "0xseed")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	applier := &failingApplier{inner: proj, cursor: "k2", fail: true}
	store := cursor.NewMemoryStore(nil)
	ix := core.NewIndexer(core.Config{EventTypes: []event.EventType{et}}, src, applier, store, zerolog.Nop(), m)

	// k1 is skipped because 0xleader is not indexed yet, then k2 fails.
	if err := ix.RunCycle(ctx); err == nil {
		t.Fatal("expected cycle error")
	}
	if got := testutil.ToFloat64(m.EventsSkipped.WithLabelValues("CopyTradeExecuted", projection.ReasonMissingReferent)); got != 1 {
		t.Fatalf("missing referent skips = %v", got)
	}

	// The leader position arrives through its own event type.
	if _, err := proj.Apply(ctx, openedRecord(t, "o1", "0xleader")); err != nil {
		t.Fatalf("open leader: %v", err)
	}

	applier.fail = false
	if err := ix.RunCycle(ctx); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	indexed := map[string]bool{}
	for _, p := range gw.Positions() {
		indexed[p.OnChainPositionID] = true
	}
	if !indexed["0xf1"] || !indexed["0xf2"] {
		t.Fatalf("follower positions indexed = %v", indexed)
	}
	if got := testutil.ToFloat64(m.EventsDeduped.WithLabelValues("CopyTradeExecuted")); got != 0 {
		t.Fatalf("a skipped event must not be deduplicated, got %v", got)
	}
	stored, _ := store.Load(ctx)
	if stored["CopyTradeExecuted"] != "k2" {
		t.Fatalf("stored cursor = %q", stored["CopyTradeExecuted"])
	}
}

func TestRunCycle_FailingTypeDoesNotBlockOthers(t *testing.T) {
	src := newFakeSource()
	src.failWith(event.EventTypePositionOpened, errors.New("503 service unavailable"))
	src.addPage(event.EventTypePositionClosed, "", &ingestion.Page{
		Events:     []event.Record{rec(event.EventTypePositionClosed, "k1")},
		NextCursor: "k1",
	})

	store := cursor.NewMemoryStore(nil)
	applier := &recordingApplier{}
	ix := core.NewIndexer(core.Config{
		EventTypes: []event.EventType{event.EventTypePositionOpened, event.EventTypePositionClosed},
	}, src, applier, store, zerolog.Nop(), newMetrics())

	err := ix.RunCycle(context.Background())
	var srcErr *ingestion.SourceError
	if !errors.As(err, &srcErr) || srcErr.EventType != event.EventTypePositionOpened {
		t.Fatalf("expected source error for PositionOpened, got %v", err)
	}
	if len(applier.applied) != 1 {
		t.Fatalf("PositionClosed page not applied: %v", applier.applied)
	}
	stored, _ := store.Load(context.Background())
	if stored["PositionClosed"] != "k1" {
		t.Fatalf("stored = %v", stored)
	}
}

func TestRunCycle_CursorSaveFailureIsNotFatal(t *testing.T) {
	src := newFakeSource()
	et := event.EventTypeFlashLiquidation
	src.addPage(et, "", &ingestion.Page{Events: []event.Record{rec(et, "f1")}, NextCursor: "f1"})

	store := cursor.NewMemoryStore(nil)
	store.FailSaves(errors.New("disk full"))
	m := newMetrics()
	ix := core.NewIndexer(core.Config{EventTypes: []event.EventType{et}}, src, &recordingApplier{}, store, zerolog.Nop(), m)

	if err := ix.RunCycle(context.Background()); err != nil {
		t.Fatalf("save failure must not fail the cycle: %v", err)
	}
	if got := testutil.ToFloat64(m.CursorSaveErrors.WithLabelValues("FlashLiquidation")); got != 1 {
		t.Fatalf("save errors = %v", got)
	}
	if ix.Cursors()["FlashLiquidation"] != "f1" {
		t.Fatal("in-memory cursor should still advance")
	}
}

func TestRunCycle_CursorLoadFailure(t *testing.T) {
	ix := core.NewIndexer(core.Config{}, newFakeSource(), &recordingApplier{}, brokenStore{}, zerolog.Nop(), newMetrics())
	if err := ix.RunCycle(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
}

// --- Run loop ---

func TestRun_DoublesDelayAfterFailedCycle(t *testing.T) {
	src := newFakeSource()
	src.failWith(event.EventTypePositionClosed, errors.New("timeout"))

	m := newMetrics()
	ix := core.NewIndexer(core.Config{
		EventTypes:   []event.EventType{event.EventTypePositionClosed},
		PollInterval: 100 * time.Millisecond,
	}, src, &recordingApplier{}, cursor.NewMemoryStore(nil), zerolog.Nop(), m)

	var cycleErrs []error
	ix.OnCycle(func(err error) { cycleErrs = append(cycleErrs, err) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var delays []time.Duration
	ix.WithSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		src.failWith(event.EventTypePositionClosed, nil)
		if len(delays) == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	})

	if err := ix.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(delays) != 2 || delays[0] != 200*time.Millisecond || delays[1] != 100*time.Millisecond {
		t.Fatalf("delays = %v", delays)
	}
	if len(cycleErrs) != 2 || cycleErrs[0] == nil || cycleErrs[1] != nil {
		t.Fatalf("cycle errors = %v", cycleErrs)
	}
	if got := testutil.ToFloat64(m.CycleErrors); got != 1 {
		t.Fatalf("cycle error metric = %v", got)
	}
}

func TestRun_ShutdownFinishesCurrentPage(t *testing.T) {
	src := newFakeSource()
	et := event.EventTypeCopyTradeExecuted
	src.addPage(et, "", &ingestion.Page{
		Events:      []event.Record{rec(et, "a1"), rec(et, "a2")},
		HasNextPage: true,
		NextCursor:  "a2",
	})
	src.addPage(et, "a2", &ingestion.Page{
		Events:     []event.Record{rec(et, "a3")},
		NextCursor: "a3",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applier := &recordingApplier{onApplied: func(event.Record) { cancel() }}
	store := cursor.NewMemoryStore(nil)
	ix := core.NewIndexer(core.Config{
		EventTypes: []event.EventType{et, event.EventTypeLiquidation},
	}, src, applier, store, zerolog.Nop(), newMetrics()).WithSleep(noSleep)

	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if got := fmt.Sprint(applier.applied); got != "[a1 a2]" {
		t.Fatalf("applied = %s", got)
	}
	stored, _ := store.Load(context.Background())
	if stored["CopyTradeExecuted"] != "a2" {
		t.Fatalf("cursor of the finished page not saved: %v", stored)
	}
	if calls := src.Calls(); len(calls) != 1 {
		t.Fatalf("no fetch may start after cancellation, calls = %v", calls)
	}
}

func TestRun_ReturnsImmediatelyWhenCancelled(t *testing.T) {
	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ix := core.NewIndexer(core.Config{}, src, &recordingApplier{}, cursor.NewMemoryStore(nil), zerolog.Nop(), newMetrics())
	if err := ix.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(src.Calls()) != 0 {
		t.Fatalf("unexpected fetches: %v", src.Calls())
	}
}

// --- Applied-event cache ---

func TestAppliedCache_EvictsLeastRecentlyUsed(t *testing.T) {
	m := newMetrics()
	c := core.NewAppliedCache(2, m)
	c.Add("a")
	c.Add("b")
	c.Contains("a") // promote a
	c.Add("c")      // evicts b

	if !c.Contains("a") || c.Contains("b") || !c.Contains("c") {
		t.Fatal("unexpected cache contents")
	}
	if c.Size() != 2 || c.Evictions() != 1 {
		t.Fatalf("size=%d evictions=%d", c.Size(), c.Evictions())
	}
	if got := testutil.ToFloat64(m.DedupEvictions); got != 1 {
		t.Fatalf("eviction metric = %v", got)
	}
	if got := testutil.ToFloat64(m.DedupLRUSize); got != 2 {
		t.Fatalf("size metric = %v", got)
	}
}

func TestAppliedCache_ZeroCapacityDisables(t *testing.T) {
	c := core.NewAppliedCache(0, nil)
	c.Add("a")
	if c.Contains("a") || c.Size() != 0 {
		t.Fatal("zero-capacity cache must stay empty")
	}
}
