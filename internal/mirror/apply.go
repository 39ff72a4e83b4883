package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pimmirror/pimmirror/internal/model"
)

// ApplyResult reports what a committed changeset actually mutated.
type ApplyResult struct {
	Added       int
	Updated     int
	SoftDeleted int
}

// Apply executes a whole changeset in a single transaction: record upserts,
// wholesale child replacement, full-text index maintenance, and soft
// deletes. Either everything commits or nothing does. A locked database
// surfaces as [ErrUnavailable].
//
// Apply is idempotent per record: re-applying an already-applied insert or
// update leaves the row in the same state, which is what makes at-least-once
// re-delivery after a crash safe.
func (s *Store) Apply(ctx context.Context, cs *model.Changeset) (ApplyResult, error) {
	var res ApplyResult
	if cs.Empty() {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, wrapErr("beginning apply transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	for _, rec := range cs.Inserts {
		if err := upsertRecord(ctx, tx, rec, now); err != nil {
			return ApplyResult{}, wrapErr("inserting record "+rec.StableID, err)
		}
		res.Added++
	}
	for _, rec := range cs.Updates {
		if err := upsertRecord(ctx, tx, rec, now); err != nil {
			return ApplyResult{}, wrapErr("updating record "+rec.StableID, err)
		}
		res.Updated++
	}
	for _, id := range cs.SoftDeletes {
		n, err := softDeleteRecord(ctx, tx, id, now)
		if err != nil {
			return ApplyResult{}, wrapErr("soft-deleting record "+id, err)
		}
		res.SoftDeleted += n
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, wrapErr("committing changeset", err)
	}
	return res, nil
}

// upsertRecord writes the record row, replaces its children wholesale, and
// refreshes its full-text index row. The record's SyncedAt, PayloadHash, and
// DeletedAt are set here: a record present in a changeset is live by
// definition, so an upsert also revives a previously soft-deleted row.
func upsertRecord(ctx context.Context, tx *sql.Tx, rec *model.MirrorRecord, now time.Time) error {
	rec.SyncedAt = now
	rec.PayloadHash = rec.ContentHash()
	rec.DeletedAt = nil

	const q = `
		INSERT INTO records
		    (stable_id, partition, kind, source_internal_id, source_durable_id,
		     fingerprint, title, body, sender, recipients, location,
		     starts_at, ends_at, master_stable_id, occurrence_key, recurrence,
		     payload_hash, updated_at_source, synced_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')
		ON CONFLICT(stable_id) DO UPDATE SET
		    partition          = excluded.partition,
		    kind               = excluded.kind,
		    source_internal_id = excluded.source_internal_id,
		    source_durable_id  = excluded.source_durable_id,
		    fingerprint        = excluded.fingerprint,
		    title              = excluded.title,
		    body               = excluded.body,
		    sender             = excluded.sender,
		    recipients         = excluded.recipients,
		    location           = excluded.location,
		    starts_at          = excluded.starts_at,
		    ends_at            = excluded.ends_at,
		    master_stable_id   = excluded.master_stable_id,
		    occurrence_key     = excluded.occurrence_key,
		    recurrence         = excluded.recurrence,
		    payload_hash       = excluded.payload_hash,
		    updated_at_source  = excluded.updated_at_source,
		    synced_at          = excluded.synced_at,
		    deleted_at         = ''`

	var startsAt, endsAt string
	if rec.StartsAt != nil {
		startsAt = formatTime(*rec.StartsAt)
	}
	if rec.EndsAt != nil {
		endsAt = formatTime(*rec.EndsAt)
	}

	var recurrence string
	if rec.Recurrence != nil {
		raw, err := json.Marshal(rec.Recurrence)
		if err != nil {
			return fmt.Errorf("encoding recurrence rule: %w", err)
		}
		recurrence = string(raw)
	}

	if _, err := tx.ExecContext(ctx, q,
		rec.StableID, rec.Partition, string(rec.Kind),
		rec.SourceInternalID, rec.SourceDurableID, rec.Fingerprint,
		rec.Title, rec.Body, rec.From, rec.To, rec.Location,
		startsAt, endsAt, rec.MasterStableID, rec.OccurrenceKey, recurrence,
		rec.PayloadHash, formatTime(rec.UpdatedAtSource), formatTime(rec.SyncedAt),
	); err != nil {
		return err
	}

	// Children have no stable identity of their own: replace wholesale.
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE stable_id = ?`, rec.StableID); err != nil {
		return err
	}
	for _, a := range rec.Attachments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attachments (stable_id, filename, mime_type, size) VALUES (?, ?, ?, ?)`,
			rec.StableID, a.Filename, a.MIMEType, a.Size,
		); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attendees WHERE stable_id = ?`, rec.StableID); err != nil {
		return err
	}
	for _, a := range rec.Attendees {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attendees (stable_id, name, email, status) VALUES (?, ?, ?, ?)`,
			rec.StableID, a.Name, a.Email, a.Status,
		); err != nil {
			return err
		}
	}

	// Full-text index stays in lockstep within the same transaction.
	if _, err := tx.ExecContext(ctx, `DELETE FROM records_fts WHERE stable_id = ?`, rec.StableID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO records_fts (stable_id, title, body, sender, recipients, location)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.StableID, rec.Title, rec.Body, rec.From, rec.To, rec.Location,
	)
	return err
}

// softDeleteRecord marks the record deleted and drops it from the full-text
// index, leaving every other field intact. Already-deleted rows are a no-op
// so re-applied full syncs do not bump DeletedAt.
func softDeleteRecord(ctx context.Context, tx *sql.Tx, stableID string, now time.Time) (int, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE records SET deleted_at = ?, synced_at = ? WHERE stable_id = ? AND deleted_at = ''`,
		formatTime(now), formatTime(now), stableID,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records_fts WHERE stable_id = ?`, stableID); err != nil {
			return 0, err
		}
	}
	return int(n), nil
}
