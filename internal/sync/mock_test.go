package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/pimmirror/pimmirror/internal/mirror"
	"github.com/pimmirror/pimmirror/internal/model"
)

// --- Mock source adapter ------------------------------------------------------

type mockSource struct {
	mu      gosync.Mutex
	records map[string][]model.RawSourceRecord // partition → upstream state
	cursor  string

	denied   bool
	guidance string

	// failures makes the next N fetches return a transient error.
	failures int

	checkCalls      int
	fetchAllCalls   int
	fetchSinceCalls int
	lastSinceCursor string
}

func newMockSource() *mockSource {
	return &mockSource{records: make(map[string][]model.RawSourceRecord), cursor: "cursor-1"}
}

func (m *mockSource) set(partition string, records ...model.RawSourceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[partition] = records
}

func (m *mockSource) CheckAccess(_ context.Context, _ string) Access {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkCalls++
	if m.denied {
		return Access{Guidance: m.guidance}
	}
	return Access{Granted: true}
}

func (m *mockSource) FetchAll(_ context.Context, partition string) ([]model.RawSourceRecord, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchAllCalls++
	if m.failures > 0 {
		m.failures--
		return nil, "", fmt.Errorf("%w: mock outage", ErrSourceUnavailable)
	}
	return append([]model.RawSourceRecord(nil), m.records[partition]...), m.cursor, nil
}

func (m *mockSource) FetchSince(_ context.Context, partition, cursor string) ([]model.RawSourceRecord, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchSinceCalls++
	m.lastSinceCursor = cursor
	if m.failures > 0 {
		m.failures--
		return nil, "", fmt.Errorf("%w: mock outage", ErrSourceUnavailable)
	}
	return append([]model.RawSourceRecord(nil), m.records[partition]...), m.cursor, nil
}

// --- Mock mirror store --------------------------------------------------------

type mockStore struct {
	mu          gosync.Mutex
	records     map[string]*model.MirrorRecord // stable ID → row
	checkpoints map[string]*mirror.Checkpoint

	// applyErr fails the next Apply call, then clears.
	applyErr   error
	applyCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		records:     make(map[string]*model.MirrorRecord),
		checkpoints: make(map[string]*mirror.Checkpoint),
	}
}

func (m *mockStore) RecordsForPartition(_ context.Context, partition string) ([]*model.MirrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []*model.MirrorRecord
	for _, rec := range m.records {
		if rec.Partition == partition {
			cp := *rec
			recs = append(recs, &cp)
		}
	}
	return recs, nil
}

// Apply mimics the real store's semantics: upserts stamp PayloadHash and
// SyncedAt and clear DeletedAt; soft deletes are a no-op on already-deleted
// rows.
func (m *mockStore) Apply(_ context.Context, cs *model.Changeset) (mirror.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	if m.applyErr != nil {
		err := m.applyErr
		m.applyErr = nil
		return mirror.ApplyResult{}, err
	}

	var res mirror.ApplyResult
	now := time.Now().UTC()
	upsert := func(rec *model.MirrorRecord) {
		cp := *rec
		cp.SyncedAt = now
		cp.PayloadHash = cp.ContentHash()
		cp.DeletedAt = nil
		m.records[cp.StableID] = &cp
	}
	for _, rec := range cs.Inserts {
		upsert(rec)
		res.Added++
	}
	for _, rec := range cs.Updates {
		upsert(rec)
		res.Updated++
	}
	for _, id := range cs.SoftDeletes {
		rec, ok := m.records[id]
		if !ok || rec.Deleted() {
			continue
		}
		at := now
		rec.DeletedAt = &at
		res.SoftDeleted++
	}
	return res, nil
}

func (m *mockStore) Checkpoint(_ context.Context, partition string) (*mirror.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[partition]
	if !ok {
		return nil, nil
	}
	out := *cp
	return &out, nil
}

func (m *mockStore) AdvanceCheckpoint(_ context.Context, partition, cursor string, fullSync bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[partition]
	if !ok {
		cp = &mirror.Checkpoint{Partition: partition}
		m.checkpoints[partition] = cp
	}
	cp.Cursor = cursor
	cp.UpdatedAt = time.Now().UTC()
	if fullSync {
		cp.LastFullSyncAt = cp.UpdatedAt
	}
	return nil
}

func (m *mockStore) get(stableID string) *model.MirrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[stableID]
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockStore) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if !rec.Deleted() {
			n++
		}
	}
	return n
}
