package mirror

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pimmirror/pimmirror/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirror.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleMessage(stableID, title string) *model.MirrorRecord {
	return &model.MirrorRecord{
		StableID:         stableID,
		Partition:        "inbox",
		Kind:             model.KindMessage,
		SourceInternalID: "rel/" + stableID + ".eml",
		SourceDurableID:  stableID + "@example.com",
		Title:            title,
		Body:             "body of " + title,
		From:             "alice@example.com",
		To:               "bob@example.com",
		UpdatedAtSource:  time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		Attachments:      []model.Attachment{{Filename: "a.pdf", MIMEType: "application/pdf", Size: 1024}},
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or re-run migrations destructively.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("s2.Close: %v", err)
	}
}

func TestApply_InsertAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleMessage("aaa1", "Invoice March")
	res, err := s.Apply(ctx, &model.Changeset{Partition: "inbox", Inserts: []*model.MirrorRecord{rec}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Added != 1 || res.Updated != 0 || res.SoftDeleted != 0 {
		t.Errorf("ApplyResult = %+v, want 1 added", res)
	}

	got, err := s.Lookup(ctx, "aaa1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil {
		t.Fatal("Lookup returned nil for applied record")
	}
	if got.Title != "Invoice March" || got.SourceDurableID != "aaa1@example.com" {
		t.Errorf("unexpected record: %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Filename != "a.pdf" {
		t.Errorf("attachments = %+v, want the applied child", got.Attachments)
	}
	if got.PayloadHash == "" || got.SyncedAt.IsZero() {
		t.Error("Apply did not stamp PayloadHash / SyncedAt")
	}
}

func TestLookup_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Lookup(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Errorf("Lookup = %+v, want nil for unknown stable ID", got)
	}
}

func TestApply_UpdateReplacesChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleMessage("bbb2", "Draft")
	if _, err := s.Apply(ctx, &model.Changeset{Inserts: []*model.MirrorRecord{rec}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	upd := sampleMessage("bbb2", "Draft v2")
	upd.Attachments = []model.Attachment{
		{Filename: "b.png", MIMEType: "image/png", Size: 10},
		{Filename: "c.png", MIMEType: "image/png", Size: 20},
	}
	res, err := s.Apply(ctx, &model.Changeset{Updates: []*model.MirrorRecord{upd}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("Updated = %d, want 1", res.Updated)
	}

	got, _ := s.Lookup(ctx, "bbb2")
	if got.Title != "Draft v2" {
		t.Errorf("Title = %q, want updated value", got.Title)
	}
	// Children are replaced wholesale, not merged.
	if len(got.Attachments) != 2 || got.Attachments[0].Filename != "b.png" {
		t.Errorf("attachments = %+v, want the two new ones only", got.Attachments)
	}
}

func TestApply_SoftDeleteAndRevive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleMessage("ccc3", "Old mail")
	if _, err := s.Apply(ctx, &model.Changeset{Inserts: []*model.MirrorRecord{rec}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := s.Apply(ctx, &model.Changeset{SoftDeletes: []string{"ccc3"}})
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if res.SoftDeleted != 1 {
		t.Errorf("SoftDeleted = %d, want 1", res.SoftDeleted)
	}

	got, _ := s.Lookup(ctx, "ccc3")
	if got == nil || !got.Deleted() {
		t.Fatalf("record = %+v, want soft-deleted but still resolvable", got)
	}
	firstMark := *got.DeletedAt

	// Deleting again is a no-op and must not bump the marker.
	res, err = s.Apply(ctx, &model.Changeset{SoftDeletes: []string{"ccc3"}})
	if err != nil {
		t.Fatalf("second soft delete: %v", err)
	}
	if res.SoftDeleted != 0 {
		t.Errorf("second SoftDeleted = %d, want 0", res.SoftDeleted)
	}
	got, _ = s.Lookup(ctx, "ccc3")
	if !got.DeletedAt.Equal(firstMark) {
		t.Errorf("DeletedAt moved from %v to %v on repeated delete", firstMark, got.DeletedAt)
	}

	// Reappearing upstream revives the row.
	if _, err := s.Apply(ctx, &model.Changeset{Updates: []*model.MirrorRecord{sampleMessage("ccc3", "Old mail")}}); err != nil {
		t.Fatalf("revive: %v", err)
	}
	got, _ = s.Lookup(ctx, "ccc3")
	if got.Deleted() {
		t.Error("record still deleted after re-apply")
	}
}

func TestSearch_RanksAndExcludesDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleMessage("ddd4", "Invoice for widgets")
	b := sampleMessage("eee5", "Lunch plans")
	c := sampleMessage("fff6", "Invoice reminder")
	if _, err := s.Apply(ctx, &model.Changeset{Inserts: []*model.MirrorRecord{a, b, c}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	recs, err := s.Search(ctx, "invoice", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Search hits = %d, want 2", len(recs))
	}

	// Soft-deleted records drop out of search immediately.
	if _, err := s.Apply(ctx, &model.Changeset{SoftDeletes: []string{"ddd4"}}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	recs, err = s.Search(ctx, "invoice", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(recs) != 1 || recs[0].StableID != "fff6" {
		t.Errorf("Search after delete = %+v, want only fff6", recs)
	}
}

func TestQuerySince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := sampleMessage("ggg7", "old")
	old.UpdatedAtSource = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := sampleMessage("hhh8", "fresh")
	fresh.UpdatedAtSource = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := s.Apply(ctx, &model.Changeset{Inserts: []*model.MirrorRecord{old, fresh}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	recs, err := s.QuerySince(ctx, "inbox", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("QuerySince: %v", err)
	}
	if len(recs) != 1 || recs[0].StableID != "hhh8" {
		t.Errorf("QuerySince = %+v, want only the fresh record", recs)
	}
}

func TestCheckpoint_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp, err := s.Checkpoint(ctx, "inbox")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp != nil {
		t.Fatalf("checkpoint = %+v, want nil before first sync", cp)
	}

	if err := s.AdvanceCheckpoint(ctx, "inbox", "cursor-1", true); err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}
	cp, err = s.Checkpoint(ctx, "inbox")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp == nil || cp.Cursor != "cursor-1" || cp.LastFullSyncAt.IsZero() {
		t.Fatalf("checkpoint = %+v, want cursor-1 with full-sync stamp", cp)
	}
	fullStamp := cp.LastFullSyncAt

	// Incremental advance moves the cursor but not the full-sync stamp.
	if err := s.AdvanceCheckpoint(ctx, "inbox", "cursor-2", false); err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}
	cp, _ = s.Checkpoint(ctx, "inbox")
	if cp.Cursor != "cursor-2" {
		t.Errorf("Cursor = %q, want cursor-2", cp.Cursor)
	}
	if !cp.LastFullSyncAt.Equal(fullStamp) {
		t.Errorf("LastFullSyncAt moved on incremental advance: %v vs %v", cp.LastFullSyncAt, fullStamp)
	}

	if err := s.ResetCheckpoint(ctx, "inbox"); err != nil {
		t.Fatalf("ResetCheckpoint: %v", err)
	}
	cp, _ = s.Checkpoint(ctx, "inbox")
	if cp != nil {
		t.Errorf("checkpoint = %+v, want nil after reset", cp)
	}
}

func TestPurge_RemovesOnlyLongDeletedRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleMessage("iii9", "stale")
	keep := sampleMessage("jjj0", "live")
	if _, err := s.Apply(ctx, &model.Changeset{Inserts: []*model.MirrorRecord{rec, keep}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := s.Apply(ctx, &model.Changeset{SoftDeletes: []string{"iii9"}}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	// Cutoff before the delete: nothing qualifies.
	n, err := s.Purge(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 0 {
		t.Errorf("early purge removed %d rows, want 0", n)
	}

	// Cutoff after the delete: the soft-deleted row goes, the live one stays.
	n, err = s.Purge(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purge removed %d rows, want 1", n)
	}
	if got, _ := s.Lookup(ctx, "iii9"); got != nil {
		t.Errorf("purged record still present: %+v", got)
	}
	if got, _ := s.Lookup(ctx, "jjj0"); got == nil {
		t.Error("live record vanished during purge")
	}
}
