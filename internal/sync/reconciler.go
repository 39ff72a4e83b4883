package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pimmirror/pimmirror/internal/identity"
	"github.com/pimmirror/pimmirror/internal/model"
)

// DefaultExpansionWindow bounds recurring-event expansion to one year ahead.
const DefaultExpansionWindow = 365 * 24 * time.Hour

// Reconciler computes changesets: given a batch of raw source records and
// the current mirror snapshot for a partition, it decides the minimal set of
// inserts, updates, and soft-deletes. It holds no persistent state and never
// mutates storage; every call works purely on its inputs.
type Reconciler struct {
	window time.Duration
	log    *slog.Logger

	// now is the expansion-window anchor, overridable in tests.
	now func() time.Time
}

// NewReconciler creates a Reconciler with the given forward expansion window
// for recurring events. A non-positive window selects the default.
func NewReconciler(window time.Duration, logger *slog.Logger) *Reconciler {
	if window <= 0 {
		window = DefaultExpansionWindow
	}
	return &Reconciler{window: window, log: logger, now: time.Now}
}

// pendingRecord is one raw record after identity resolution, paired with the
// mirror row it maps onto (nil for new records).
type pendingRecord struct {
	raw      model.RawSourceRecord
	resolved identity.Resolved
	existing *model.MirrorRecord
}

// Reconcile implements the reconciliation algorithm for one partition.
//
// Per-record identity failures become skips, duplicate stable IDs within the
// batch resolve last-wins with a warning, and neither aborts the batch. Only
// an expansion-key collision with a non-recurring record is fatal: that
// signals a hashing or logic defect, not bad input.
//
// Deletion detection from absence runs only when fullSync is true, because
// an incremental batch is a subset of the partition by construction.
// Occurrence pruning (window shrink, rule removed) runs on every pass.
func (r *Reconciler) Reconcile(partition string, incoming []model.RawSourceRecord, current []*model.MirrorRecord, fullSync bool) (*model.Changeset, error) {
	cs := &model.Changeset{Partition: partition}

	// Index the mirror snapshot.
	byID := make(map[string]*model.MirrorRecord, len(current))
	byDurable := make(map[string]*model.MirrorRecord)
	occsByMaster := make(map[string][]*model.MirrorRecord)
	for _, rec := range current {
		byID[rec.StableID] = rec
		if rec.SourceDurableID != "" {
			byDurable[rec.SourceDurableID] = rec
		}
		if rec.MasterStableID != "" {
			occsByMaster[rec.MasterStableID] = append(occsByMaster[rec.MasterStableID], rec)
		}
	}

	// 1. Resolve identities; collapse in-batch duplicates last-wins.
	var order []string
	pending := make(map[string]pendingRecord, len(incoming))
	for _, raw := range incoming {
		res, err := identity.Resolve(raw.DurableID, raw.IdentitySeed)
		if err != nil {
			if !errors.Is(err, identity.ErrUnresolvable) {
				return nil, fmt.Errorf("resolving identity for %q: %w", raw.InternalID, err)
			}
			cs.Skips = append(cs.Skips, model.Skip{InternalID: raw.InternalID, Reason: "identity unresolvable"})
			r.log.Warn("skipping record with unresolvable identity",
				"partition", partition, "internal_id", raw.InternalID)
			continue
		}

		existing := findExisting(raw, res, byID, byDurable)
		stableID := res.StableID
		if existing != nil {
			stableID = existing.StableID
		}

		if _, dup := pending[stableID]; dup {
			warn := fmt.Sprintf("duplicate stable ID %s in batch; keeping later record (internal id %q)", stableID, raw.InternalID)
			cs.Warnings = append(cs.Warnings, warn)
			r.log.Warn("reconciliation conflict", "partition", partition, "stable_id", stableID, "internal_id", raw.InternalID)
		} else {
			order = append(order, stableID)
		}
		pending[stableID] = pendingRecord{raw: raw, resolved: res, existing: existing}
	}

	// seen collects every stable ID the source still vouches for, including
	// expanded occurrences, for full-sync deletion detection.
	seen := make(map[string]bool, len(pending))

	// softDelete dedupes: a pruned occurrence is also absent from a full
	// sync and must not appear in the changeset twice.
	dropped := make(map[string]bool)
	softDelete := func(stableID string) {
		if dropped[stableID] {
			return
		}
		dropped[stableID] = true
		cs.SoftDeletes = append(cs.SoftDeletes, stableID)
	}

	// 2/3. Diff each incoming record against its mirror row.
	type masterEntry struct {
		rec  *model.MirrorRecord
		rule *model.RecurrenceRule
	}
	var masters []masterEntry
	for _, stableID := range order {
		p := pending[stableID]
		rec := buildRecord(partition, stableID, p)
		seen[stableID] = true

		if p.existing == nil {
			cs.Inserts = append(cs.Inserts, rec)
		} else {
			if identity.Reconcile(p.existing, p.raw.DurableID) == identity.ActionAnnotate {
				r.log.Info("durable identifier discovered; annotating without re-keying",
					"partition", partition, "stable_id", stableID, "durable_id", p.raw.DurableID)
			}
			if recordChanged(p.existing, rec) {
				cs.Updates = append(cs.Updates, rec)
			}
		}
		if rec.Recurrence != nil {
			masters = append(masters, masterEntry{rec: rec, rule: rec.Recurrence})
		}
	}

	// Masters not in this batch still re-expand from their persisted rule so
	// window changes take effect on every sync, not just when a master edits.
	for _, rec := range current {
		if rec.Recurrence == nil || rec.Deleted() {
			continue
		}
		if _, inBatch := pending[rec.StableID]; inBatch {
			continue
		}
		if fullSync {
			// Absent from a full sync: the master is gone upstream and its
			// occurrences fall out through deletion detection below.
			continue
		}
		masters = append(masters, masterEntry{rec: rec, rule: rec.Recurrence})
	}

	// 4. Expand recurring masters within the window; prune stale occurrences.
	expanded := make(map[string]bool)
	for _, m := range masters {
		occs, err := r.expand(m.rec, m.rule)
		if err != nil {
			return nil, err
		}
		expectedKeys := make(map[string]bool, len(occs))
		for _, occ := range occs {
			expectedKeys[occ.StableID] = true
			seen[occ.StableID] = true
			existing := byID[occ.StableID]
			switch {
			case existing == nil:
				cs.Inserts = append(cs.Inserts, occ)
			case existing.MasterStableID == "":
				return nil, fmt.Errorf("%w: key %s (master %s, start %s)",
					ErrExpansionCollision, occ.StableID, m.rec.StableID, occ.StartsAt.Format(time.RFC3339))
			case existing.MasterStableID != m.rec.StableID:
				return nil, fmt.Errorf("%w: key %s claimed by master %s, expected %s",
					ErrExpansionCollision, occ.StableID, existing.MasterStableID, m.rec.StableID)
			case recordChanged(existing, occ):
				cs.Updates = append(cs.Updates, occ)
			}
		}
		for _, old := range occsByMaster[m.rec.StableID] {
			if !old.Deleted() && !expectedKeys[old.StableID] {
				softDelete(old.StableID)
			}
		}
		expanded[m.rec.StableID] = true
	}

	// A master that stopped recurring keeps its own row but loses its
	// occurrences.
	for masterID, occs := range occsByMaster {
		if expanded[masterID] {
			continue
		}
		p, inBatch := pending[masterID]
		if !inBatch || p.raw.Recurrence != nil {
			continue
		}
		for _, old := range occs {
			if !old.Deleted() {
				softDelete(old.StableID)
			}
		}
	}

	// 5. Full-sync deletion detection: anything the source no longer vouches
	// for is soft-deleted, never physically removed.
	if fullSync {
		for _, rec := range current {
			if !rec.Deleted() && !seen[rec.StableID] {
				softDelete(rec.StableID)
			}
		}
	}

	return cs, nil
}

// findExisting locates the mirror row a raw record maps onto. Lookup is by
// stable ID, never by source internal ID (the source may recycle those):
// first the durable-derived ID, then the stored durable identifier, then the
// fingerprint-derived ID — the last covers a record created before its
// durable identifier existed, which must keep its original stable ID.
func findExisting(raw model.RawSourceRecord, res identity.Resolved, byID, byDurable map[string]*model.MirrorRecord) *model.MirrorRecord {
	if rec := byID[res.StableID]; rec != nil {
		return rec
	}
	durable := strings.TrimSpace(raw.DurableID)
	if durable == "" {
		return nil
	}
	if rec := byDurable[durable]; rec != nil {
		return rec
	}
	fp, err := identity.Resolve("", raw.IdentitySeed)
	if err != nil {
		return nil
	}
	if rec := byID[fp.StableID]; rec != nil && rec.Fingerprint != "" && rec.SourceDurableID == "" {
		return rec
	}
	return nil
}

// buildRecord materializes the mirror record an incoming raw record should
// become. The stable ID is the existing row's when one was found, so a
// record is never re-keyed; the fingerprint likewise survives annotation.
func buildRecord(partition, stableID string, p pendingRecord) *model.MirrorRecord {
	fingerprint := p.resolved.Fingerprint
	if p.existing != nil {
		fingerprint = p.existing.Fingerprint
	}
	return &model.MirrorRecord{
		StableID:         stableID,
		Partition:        partition,
		Kind:             p.raw.Kind,
		SourceInternalID: p.raw.InternalID,
		SourceDurableID:  strings.TrimSpace(p.raw.DurableID),
		Fingerprint:      fingerprint,
		Title:            p.raw.Title,
		Body:             p.raw.Body,
		From:             p.raw.From,
		To:               p.raw.To,
		Location:         p.raw.Location,
		StartsAt:         p.raw.StartsAt,
		EndsAt:           p.raw.EndsAt,
		Recurrence:       p.raw.Recurrence,
		UpdatedAtSource:  p.raw.UpdatedAt,
		Attachments:      p.raw.Attachments,
		Attendees:        p.raw.Attendees,
	}
}

// recordChanged reports whether applying rec would alter the stored row.
// A soft-deleted row always counts as changed: re-appearing upstream revives
// it. Source identifier drift alone also counts, so stable-ID-to-source
// lookups stay accurate for write-back consumers.
func recordChanged(existing, rec *model.MirrorRecord) bool {
	return existing.Deleted() ||
		existing.PayloadHash != rec.ContentHash() ||
		!existing.UpdatedAtSource.Equal(rec.UpdatedAtSource) ||
		existing.SourceDurableID != rec.SourceDurableID ||
		existing.SourceInternalID != rec.SourceInternalID
}
