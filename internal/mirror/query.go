package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pimmirror/pimmirror/internal/model"
)

const recordColumns = `
	stable_id, partition, kind, source_internal_id, source_durable_id,
	fingerprint, title, body, sender, recipients, location,
	starts_at, ends_at, master_stable_id, occurrence_key, recurrence,
	payload_hash, updated_at_source, synced_at, deleted_at`

// Lookup returns the record with the given stable ID, including its children,
// or (nil, nil) if no such record exists. Soft-deleted records are returned
// with DeletedAt set so stable-ID references stay resolvable after deletion.
func (s *Store) Lookup(ctx context.Context, stableID string) (*model.MirrorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE stable_id = ?`, stableID)
	rec, err := scanRecord(row)
	if err != nil || rec == nil {
		return rec, wrapErr("looking up record", err)
	}
	if err := s.loadChildren(ctx, rec); err != nil {
		return nil, wrapErr("loading children for "+stableID, err)
	}
	return rec, nil
}

// RecordsForPartition returns the current mirror snapshot for a partition,
// including soft-deleted rows, without children. This is the reconciler's
// view: PayloadHash carries the stored content hash so change detection
// needs no child loads.
func (s *Store) RecordsForPartition(ctx context.Context, partition string) ([]*model.MirrorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE partition = ?`, partition)
	if err != nil {
		return nil, wrapErr("querying partition "+partition, err)
	}
	return collectRecords(rows)
}

// QuerySince returns records in a partition whose source modification time is
// strictly after since, soft-deleted rows included, ordered oldest first.
func (s *Store) QuerySince(ctx context.Context, partition string, since time.Time) ([]*model.MirrorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE partition = ? AND updated_at_source > ?
		 ORDER BY updated_at_source`,
		partition, formatTime(since))
	if err != nil {
		return nil, wrapErr("querying partition "+partition+" since cursor", err)
	}
	return collectRecords(rows)
}

// Purge physically removes records soft-deleted at or before olderThan.
// Children go with their parents via cascade. This is the only path that
// ever hard-deletes rows.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE deleted_at != '' AND deleted_at <= ?`,
		formatTime(olderThan))
	if err != nil {
		return 0, wrapErr("purging records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge row count: %w", err)
	}
	return int(n), nil
}

func (s *Store) loadChildren(ctx context.Context, rec *model.MirrorRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT filename, mime_type, size FROM attachments WHERE stable_id = ? ORDER BY id`,
		rec.StableID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.Filename, &a.MIMEType, &a.Size); err != nil {
			return err
		}
		rec.Attachments = append(rec.Attachments, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT name, email, status FROM attendees WHERE stable_id = ? ORDER BY id`,
		rec.StableID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var a model.Attendee
		if err := rows.Scan(&a.Name, &a.Email, &a.Status); err != nil {
			return err
		}
		rec.Attendees = append(rec.Attendees, a)
	}
	return rows.Err()
}

// --- scan helpers ------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanRecord can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*model.MirrorRecord, error) {
	var rec model.MirrorRecord
	var kind, startsAt, endsAt, recurrence, updatedAt, syncedAt, deletedAt string

	err := sc.Scan(
		&rec.StableID,
		&rec.Partition,
		&kind,
		&rec.SourceInternalID,
		&rec.SourceDurableID,
		&rec.Fingerprint,
		&rec.Title,
		&rec.Body,
		&rec.From,
		&rec.To,
		&rec.Location,
		&startsAt,
		&endsAt,
		&rec.MasterStableID,
		&rec.OccurrenceKey,
		&recurrence,
		&rec.PayloadHash,
		&updatedAt,
		&syncedAt,
		&deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record row: %w", err)
	}

	rec.Kind = model.Kind(kind)
	rec.StartsAt = parseInstant(startsAt)
	rec.EndsAt = parseInstant(endsAt)
	if recurrence != "" {
		var rule model.RecurrenceRule
		if err := json.Unmarshal([]byte(recurrence), &rule); err != nil {
			return nil, fmt.Errorf("decoding recurrence rule for %s: %w", rec.StableID, err)
		}
		rec.Recurrence = &rule
	}
	rec.UpdatedAtSource, _ = parseTime(updatedAt)
	rec.SyncedAt, _ = parseTime(syncedAt)
	rec.DeletedAt = parseInstant(deletedAt)

	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*model.MirrorRecord, error) {
	defer func() { _ = rows.Close() }()
	var recs []*model.MirrorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func parseInstant(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil
	}
	return &t
}
