// Package sync implements the mirror synchronization engine: identity-aware
// reconciliation of raw source records against the local mirror, bounded
// recurring-event expansion, and the orchestrator that drives full and
// incremental passes with retry and a periodic watch loop.
//
// The package contains two main components:
//
//   - [Reconciler] computes a changeset from a batch of raw source records
//     and the current mirror snapshot. It never touches storage.
//   - [Orchestrator] fetches from the source adapter, applies changesets
//     through the mirror store, advances checkpoints, and runs the watch loop.
package sync

import (
	"context"
	"time"

	"github.com/pimmirror/pimmirror/internal/mirror"
	"github.com/pimmirror/pimmirror/internal/model"
)

// Access is the result of a capability check, consumed before any source
// fetch. Guidance tells the operator what to do when access is denied
// (e.g. which System Settings privacy pane to visit).
type Access struct {
	Granted  bool
	Guidance string
}

// SourceAdapter provides read access to one upstream source system. The
// returned cursor is an opaque watermark covering the fetched set; the
// engine stores it verbatim and hands it back to FetchSince.
// Implemented by [maildir.Adapter] for mail; calendar adapters plug in the
// same way.
type SourceAdapter interface {
	CheckAccess(ctx context.Context, partition string) Access
	FetchAll(ctx context.Context, partition string) (records []model.RawSourceRecord, cursor string, err error)
	FetchSince(ctx context.Context, partition, cursor string) (records []model.RawSourceRecord, newCursor string, err error)
}

// MirrorStore is the subset of [mirror.Store] the engine needs.
type MirrorStore interface {
	RecordsForPartition(ctx context.Context, partition string) ([]*model.MirrorRecord, error)
	Apply(ctx context.Context, cs *model.Changeset) (mirror.ApplyResult, error)
	Checkpoint(ctx context.Context, partition string) (*mirror.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, partition, cursor string, fullSync bool) error
}

// Result summarizes one sync pass over one partition. Counts and warnings
// are reported even when the pass ultimately failed.
type Result struct {
	RunID       string
	Partition   string
	FullSync    bool
	Added       int
	Updated     int
	SoftDeleted int
	Skipped     int
	Warnings    []string
	Duration    time.Duration
}
