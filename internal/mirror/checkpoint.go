package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Checkpoint is the per-partition sync watermark. It is created on a
// partition's first sync and advanced only after the corresponding changeset
// has committed, which guarantees at-least-once re-delivery: a crash between
// commit and advance re-fetches records the reconciler then no-ops.
type Checkpoint struct {
	Partition      string
	Cursor         string
	LastFullSyncAt time.Time
	UpdatedAt      time.Time
}

// Checkpoint returns the checkpoint for a partition, or (nil, nil) when the
// partition has never completed a sync. A missing checkpoint means the next
// sync must be a full one.
func (s *Store) Checkpoint(ctx context.Context, partition string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT partition, cursor_value, last_full_sync_at, updated_at
		 FROM checkpoints WHERE partition = ?`, partition)

	var cp Checkpoint
	var lastFull, updated string
	err := row.Scan(&cp.Partition, &cp.Cursor, &lastFull, &updated)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "first sync" sentinel
	}
	if err != nil {
		return nil, wrapErr("reading checkpoint for "+partition, err)
	}
	cp.LastFullSyncAt, _ = parseTime(lastFull)
	cp.UpdatedAt, _ = parseTime(updated)
	return &cp, nil
}

// Checkpoints returns every partition's checkpoint, ordered by partition.
func (s *Store) Checkpoints(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition, cursor_value, last_full_sync_at, updated_at
		 FROM checkpoints ORDER BY partition`)
	if err != nil {
		return nil, wrapErr("listing checkpoints", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var lastFull, updated string
		if err := rows.Scan(&cp.Partition, &cp.Cursor, &lastFull, &updated); err != nil {
			return nil, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		cp.LastFullSyncAt, _ = parseTime(lastFull)
		cp.UpdatedAt, _ = parseTime(updated)
		cps = append(cps, &cp)
	}
	return cps, rows.Err()
}

// AdvanceCheckpoint moves a partition's cursor forward. fullSync additionally
// stamps LastFullSyncAt. Callers must only invoke this after Apply committed
// the batch the cursor covers.
func (s *Store) AdvanceCheckpoint(ctx context.Context, partition, cursor string, fullSync bool) error {
	now := formatTime(time.Now().UTC())

	var err error
	if fullSync {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (partition, cursor_value, last_full_sync_at, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(partition) DO UPDATE SET
			     cursor_value = excluded.cursor_value,
			     last_full_sync_at = excluded.last_full_sync_at,
			     updated_at = excluded.updated_at`,
			partition, cursor, now, now)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (partition, cursor_value, last_full_sync_at, updated_at)
			 VALUES (?, ?, '', ?)
			 ON CONFLICT(partition) DO UPDATE SET
			     cursor_value = excluded.cursor_value,
			     updated_at = excluded.updated_at`,
			partition, cursor, now)
	}
	return wrapErr("advancing checkpoint for "+partition, err)
}

// ResetCheckpoint deletes a partition's checkpoint, forcing the next sync of
// that partition to be a full resync. This is the only sanctioned rollback.
func (s *Store) ResetCheckpoint(ctx context.Context, partition string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE partition = ?`, partition)
	return wrapErr("resetting checkpoint for "+partition, err)
}
