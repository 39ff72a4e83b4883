package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pimmirror/pimmirror/internal/model"
)

func newTestOrchestrator(source *mockSource, store *mockStore, partitions ...string) *Orchestrator {
	if len(partitions) == 0 {
		partitions = []string{testPartition}
	}
	return NewOrchestrator(source, store, NewReconciler(0, testLogger), partitions, Options{}, testLogger)
}

// ---------------------------------------------------------------------------
// Scenario 1: First sync of a partition is upgraded to a full sync
// ---------------------------------------------------------------------------

func TestSync_MissingCheckpointUpgradesToFull(t *testing.T) {
	source := newMockSource()
	store := newMockStore()
	now := time.Now().UTC()
	source.set(testPartition,
		rawMsg("row-1", "a@example.com", "", "A", now),
		rawMsg("row-2", "b@example.com", "", "B", now),
	)
	o := newTestOrchestrator(source, store)

	res, err := o.RunIncremental(context.Background(), testPartition)
	if err != nil {
		t.Fatalf("RunIncremental: %v", err)
	}
	if !res.FullSync {
		t.Error("FullSync = false, want upgrade when no checkpoint exists")
	}
	if res.Added != 2 {
		t.Errorf("Added = %d, want 2", res.Added)
	}
	if source.fetchAllCalls != 1 || source.fetchSinceCalls != 0 {
		t.Errorf("fetches = %d full / %d since, want 1/0", source.fetchAllCalls, source.fetchSinceCalls)
	}
	if res.RunID == "" {
		t.Error("RunID not set")
	}

	cp, _ := store.Checkpoint(context.Background(), testPartition)
	if cp == nil || cp.Cursor != "cursor-1" || cp.LastFullSyncAt.IsZero() {
		t.Errorf("checkpoint = %+v, want cursor-1 with full-sync stamp", cp)
	}
	if got := o.PartitionState(testPartition); got != StateIdle {
		t.Errorf("state = %v, want idle after success", got)
	}
}

// ---------------------------------------------------------------------------
// Scenario 2: Incremental sync hands the stored cursor to the adapter
// ---------------------------------------------------------------------------

func TestSync_IncrementalUsesStoredCursor(t *testing.T) {
	source := newMockSource()
	store := newMockStore()
	now := time.Now().UTC()
	source.set(testPartition, rawMsg("row-1", "a@example.com", "", "A", now))
	o := newTestOrchestrator(source, store)
	ctx := context.Background()

	if _, err := o.RunFull(ctx, testPartition); err != nil {
		t.Fatalf("RunFull: %v", err)
	}

	source.cursor = "cursor-2"
	res, err := o.RunIncremental(ctx, testPartition)
	if err != nil {
		t.Fatalf("RunIncremental: %v", err)
	}
	if res.FullSync {
		t.Error("FullSync = true, want incremental with a checkpoint present")
	}
	if source.lastSinceCursor != "cursor-1" {
		t.Errorf("adapter got cursor %q, want the stored cursor-1", source.lastSinceCursor)
	}
	cp, _ := store.Checkpoint(ctx, testPartition)
	if cp.Cursor != "cursor-2" {
		t.Errorf("checkpoint cursor = %q, want advanced to cursor-2", cp.Cursor)
	}
}

// ---------------------------------------------------------------------------
// Scenario 3: Permission denied is fatal and never retried
// ---------------------------------------------------------------------------

func TestSync_PermissionDeniedNotRetried(t *testing.T) {
	source := newMockSource()
	source.denied = true
	source.guidance = "grant Full Disk Access"
	store := newMockStore()
	o := newTestOrchestrator(source, store)

	_, err := o.RunFull(context.Background(), testPartition)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	var pd *PermissionDeniedError
	if !errors.As(err, &pd) || pd.Guidance != "grant Full Disk Access" {
		t.Errorf("err = %v, want guidance carried through", err)
	}
	if source.checkCalls != 1 {
		t.Errorf("access checks = %d, want exactly 1 (no retry)", source.checkCalls)
	}
	if source.fetchAllCalls != 0 {
		t.Errorf("fetches = %d, want 0 after denied access", source.fetchAllCalls)
	}
	if got := o.PartitionState(testPartition); got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

// ---------------------------------------------------------------------------
// Scenario 4: Transient source failure is retried within the call
// ---------------------------------------------------------------------------

func TestSync_TransientFailureRetried(t *testing.T) {
	source := newMockSource()
	store := newMockStore()
	now := time.Now().UTC()
	source.set(testPartition, rawMsg("row-1", "a@example.com", "", "A", now))
	source.failures = 1
	o := newTestOrchestrator(source, store)

	res, err := o.RunFull(context.Background(), testPartition)
	if err != nil {
		t.Fatalf("RunFull after one transient failure: %v", err)
	}
	if res.Added != 1 {
		t.Errorf("Added = %d, want 1", res.Added)
	}
	if source.fetchAllCalls != 2 {
		t.Errorf("fetch attempts = %d, want 2", source.fetchAllCalls)
	}
}

// ---------------------------------------------------------------------------
// Scenario 5: Apply fails → checkpoint untouched, re-run is idempotent
// ---------------------------------------------------------------------------

func TestSync_CheckpointNotAdvancedOnApplyFailure(t *testing.T) {
	source := newMockSource()
	store := newMockStore()
	now := time.Now().UTC()
	source.set(testPartition,
		rawMsg("row-1", "a@example.com", "", "A", now),
		rawMsg("row-2", "b@example.com", "", "B", now),
	)
	store.applyErr = errors.New("disk full")
	o := newTestOrchestrator(source, store)
	ctx := context.Background()

	if _, err := o.RunFull(ctx, testPartition); err == nil {
		t.Fatal("expected apply failure to surface")
	}
	if cp, _ := store.Checkpoint(ctx, testPartition); cp != nil {
		t.Fatalf("checkpoint = %+v, want none after failed apply", cp)
	}

	// The crash-and-retry path: the same batch is re-delivered and lands
	// exactly once.
	res, err := o.RunFull(ctx, testPartition)
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if res.Added != 2 || store.count() != 2 {
		t.Errorf("re-run added %d (store %d), want the batch applied once", res.Added, store.count())
	}

	// And a third pass of the unchanged batch mutates nothing.
	res, err = o.RunFull(ctx, testPartition)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if res.Added != 0 || res.Updated != 0 {
		t.Errorf("third run = %d added / %d updated, want 0/0", res.Added, res.Updated)
	}
}

// ---------------------------------------------------------------------------
// Scenario 6: RunAll keeps going when one partition fails
// ---------------------------------------------------------------------------

func TestSync_RunAllIsolatesPartitionFailures(t *testing.T) {
	source := newMockSource()
	store := newMockStore()
	now := time.Now().UTC()
	source.set("ok", rawMsg("row-1", "a@example.com", "", "A", now))
	// Partition "broken" hits transient failures beyond the retry budget.
	source.failures = defaultMaxAttempts
	o := newTestOrchestrator(source, store, "broken", "ok")

	results, err := o.RunAll(context.Background(), true)
	if err == nil {
		t.Fatal("expected the broken partition's error to be reported")
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (both partitions attempted)", len(results))
	}
	if store.count() != 1 {
		t.Errorf("store has %d records, want the healthy partition applied", store.count())
	}
}

// ---------------------------------------------------------------------------
// Scenario 7: Watch cycle parks non-transient failures until woken
// ---------------------------------------------------------------------------

func TestWatch_CycleParksDeniedPartition(t *testing.T) {
	source := newMockSource()
	source.denied = true
	store := newMockStore()
	o := newTestOrchestrator(source, store)
	ctx := context.Background()

	if n := o.cycle(ctx); n != 0 {
		t.Errorf("transient failures = %d, want 0 for permission denial", n)
	}
	o.mu.Lock()
	_, parked := o.failed[testPartition]
	o.mu.Unlock()
	if !parked {
		t.Fatal("partition not parked after non-transient failure")
	}

	// Parked partitions are skipped entirely on the next cycle.
	checks := source.checkCalls
	o.cycle(ctx)
	if source.checkCalls != checks {
		t.Errorf("parked partition was re-checked (%d → %d)", checks, source.checkCalls)
	}
}

func TestWatch_WakeUnparksAndRuns(t *testing.T) {
	source := newMockSource()
	source.denied = true
	store := newMockStore()
	now := time.Now().UTC()
	source.set(testPartition, rawMsg("row-1", "a@example.com", "", "A", now))

	o := newTestOrchestrator(source, store)
	o.opts.Interval = time.Hour // only wakes drive cycles after the first

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Watch(ctx) }()

	// First cycle parks the partition on denied access.
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.failed) == 1
	})

	// Operator fixes permissions and wakes the loop.
	source.mu.Lock()
	source.denied = false
	source.mu.Unlock()
	o.Wake()

	waitFor(t, func() bool { return store.count() == 1 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Watch returned %v, want context.Canceled", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

// ---------------------------------------------------------------------------
// Scenario 8: Cancellation between cycles shuts down cleanly
// ---------------------------------------------------------------------------

func TestWatch_CancelledContextStopsLoop(t *testing.T) {
	source := newMockSource()
	store := newMockStore()
	o := newTestOrchestrator(source, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Watch(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Watch = %v, want context.Canceled", err)
	}
}

// ---------------------------------------------------------------------------
// Scenario 9: Expansion collision is fatal through the orchestrator too
// ---------------------------------------------------------------------------

func TestSync_SkipsAndWarningsReported(t *testing.T) {
	source := newMockSource()
	store := newMockStore()
	now := time.Now().UTC()
	source.set(testPartition,
		rawMsg("row-1", "", "", "no identity", now),
		rawMsg("row-2", "dup@example.com", "", "first", now),
		rawMsg("row-3", "dup@example.com", "", "second", now),
	)
	o := newTestOrchestrator(source, store)

	res, err := o.RunFull(context.Background(), testPartition)
	if err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.Skipped)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("Warnings = %v, want the duplicate warning", res.Warnings)
	}
	if res.Added != 1 {
		t.Errorf("Added = %d, want the collapsed duplicate only", res.Added)
	}
}

// ---------------------------------------------------------------------------
// Scenario 10: Fetch timeout surfaces as a transient source failure
// ---------------------------------------------------------------------------

type hangingSource struct{ mockSource }

func (h *hangingSource) FetchAll(ctx context.Context, _ string) ([]model.RawSourceRecord, string, error) {
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func TestSync_FetchTimeoutIsTransient(t *testing.T) {
	source := &hangingSource{}
	store := newMockStore()
	o := NewOrchestrator(source, store, NewReconciler(0, testLogger), []string{testPartition},
		Options{FetchTimeout: 20 * time.Millisecond}, testLogger)

	_, err := o.syncPartition(context.Background(), testPartition, true)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("err = %v, want wrapped ErrSourceUnavailable", err)
	}
	if !transient(err) {
		t.Error("fetch timeout must be classified transient")
	}
}
