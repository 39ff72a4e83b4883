package mirror

import (
	"context"

	"github.com/pimmirror/pimmirror/internal/model"
)

// Search runs a full-text query over the live (non-deleted) mirror and
// returns up to limit records ranked best-first by bm25. The terms string is
// passed to FTS5 as-is, so callers may use the usual MATCH operators
// (quoted phrases, AND/OR, column filters like title:foo).
func (s *Store) Search(ctx context.Context, terms string, limit int) ([]*model.MirrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+qualifiedRecordColumns+`
		 FROM records_fts f
		 JOIN records r ON r.stable_id = f.stable_id
		 WHERE records_fts MATCH ? AND r.deleted_at = ''
		 ORDER BY bm25(records_fts)
		 LIMIT ?`,
		terms, limit)
	if err != nil {
		return nil, wrapErr("searching mirror", err)
	}
	return collectRecords(rows)
}

const qualifiedRecordColumns = `
	r.stable_id, r.partition, r.kind, r.source_internal_id, r.source_durable_id,
	r.fingerprint, r.title, r.body, r.sender, r.recipients, r.location,
	r.starts_at, r.ends_at, r.master_stable_id, r.occurrence_key, r.recurrence,
	r.payload_hash, r.updated_at_source, r.synced_at, r.deleted_at`
