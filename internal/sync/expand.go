package sync

import (
	"time"

	"github.com/pimmirror/pimmirror/internal/identity"
	"github.com/pimmirror/pimmirror/internal/model"
)

// maxExpansionSteps caps rule iteration so a degenerate rule cannot spin the
// reconciler. Daily over a one-year window needs 366 steps; this leaves
// ample headroom for rules whose start lies far in the past.
const maxExpansionSteps = 100_000

// expand generates the occurrence records a recurring master should have
// within the forward window [now, now+window], boundaries inclusive. The
// master's own start instant is the first instance of the series and is
// counted against a COUNT cap, but it is represented by the master row
// itself, never duplicated as an occurrence.
//
// Expansion is deterministic: for an unchanged master it reproduces
// identical occurrence keys on every run, which is what makes re-expansion
// on every sync idempotent.
func (r *Reconciler) expand(master *model.MirrorRecord, rule *model.RecurrenceRule) ([]*model.MirrorRecord, error) {
	if master.StartsAt == nil {
		r.log.Warn("recurring master has no start instant; skipping expansion",
			"stable_id", master.StableID)
		return nil, nil
	}

	windowStart := r.now().UTC()
	windowEnd := windowStart.Add(r.window)

	var duration time.Duration
	if master.EndsAt != nil {
		duration = master.EndsAt.Sub(*master.StartsAt)
	}

	start := master.StartsAt.UTC()
	var occs []*model.MirrorRecord
	instances := 1 // the master's own start
	for n := 1; n <= maxExpansionSteps; n++ {
		t := rule.Nth(start, n)
		if rule.Until != nil && t.After(rule.Until.UTC()) {
			break
		}
		if rule.Count > 0 && instances >= rule.Count {
			break
		}
		if t.After(windowEnd) {
			break
		}
		instances++
		if !t.Before(windowStart) {
			occs = append(occs, occurrenceOf(master, t, duration))
		}
	}
	return occs, nil
}

// occurrenceOf builds one occurrence record: the master's payload at a
// shifted instant, independently addressable under its own stable ID.
func occurrenceOf(master *model.MirrorRecord, startsAt time.Time, duration time.Duration) *model.MirrorRecord {
	key := identity.OccurrenceKey(master.StableID, startsAt)
	start := startsAt
	occ := &model.MirrorRecord{
		StableID:         key,
		Partition:        master.Partition,
		Kind:             model.KindEvent,
		SourceInternalID: master.SourceInternalID,
		SourceDurableID:  "",
		Title:            master.Title,
		Body:             master.Body,
		Location:         master.Location,
		StartsAt:         &start,
		MasterStableID:   master.StableID,
		OccurrenceKey:    key,
		UpdatedAtSource:  master.UpdatedAtSource,
	}
	if master.EndsAt != nil {
		end := startsAt.Add(duration)
		occ.EndsAt = &end
	}
	return occ
}
