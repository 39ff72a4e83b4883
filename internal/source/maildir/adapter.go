// Package maildir reads mail messages from a directory tree of .eml/.emlx
// files and converts them to raw source records for the sync engine.
//
// The adapter exposes only the operations the engine needs. Each partition
// is one account subdirectory under the adapter's root; the sync cursor is
// the latest file modification time seen, so incremental fetches return
// only files touched since the previous pass.
package maildir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pimmirror/pimmirror/internal/model"
	syncp "github.com/pimmirror/pimmirror/internal/sync"
)

// accessGuidance is shown when macOS TCC blocks reads of the Mail directory.
const accessGuidance = "grant Full Disk Access to this binary in System Settings → Privacy & Security → Full Disk Access, then re-run"

// Adapter provides engine-oriented read access to a mail directory tree.
type Adapter struct {
	root string
	log  *slog.Logger
}

// NewAdapter creates an Adapter rooted at dir. Partitions resolve to
// subdirectories of dir.
func NewAdapter(dir string, logger *slog.Logger) *Adapter {
	return &Adapter{root: dir, log: logger}
}

func (a *Adapter) partitionDir(partition string) string {
	return filepath.Join(a.root, partition)
}

// CheckAccess verifies the partition directory is readable before any fetch.
func (a *Adapter) CheckAccess(_ context.Context, partition string) syncp.Access {
	dir := a.partitionDir(partition)
	f, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return syncp.Access{Guidance: accessGuidance}
		}
		return syncp.Access{Guidance: fmt.Sprintf("mail directory %q is not readable: %v", dir, err)}
	}
	_ = f.Close()
	return syncp.Access{Granted: true}
}

// FetchAll returns every message in the partition plus the cursor covering
// the fetched set.
func (a *Adapter) FetchAll(ctx context.Context, partition string) ([]model.RawSourceRecord, string, error) {
	return a.scan(ctx, partition, time.Time{}, "")
}

// FetchSince returns messages whose files changed at or after the cursor
// instant. An empty or unparseable cursor degrades to a full fetch.
func (a *Adapter) FetchSince(ctx context.Context, partition, cursor string) ([]model.RawSourceRecord, string, error) {
	since, err := time.Parse(time.RFC3339Nano, cursor)
	if err != nil {
		if cursor != "" {
			a.log.Warn("unparseable cursor, falling back to full fetch", "partition", partition, "cursor", cursor)
		}
		return a.scan(ctx, partition, time.Time{}, "")
	}
	return a.scan(ctx, partition, since, cursor)
}

// scan walks the partition directory, parsing every mail file whose
// modification time is at or after since. The boundary is inclusive, so the
// file whose mtime set the cursor is re-delivered on the next pass; that
// keeps a file rewritten at the exact cursor instant from being skipped
// forever, at the cost of a few idempotent re-parses. The returned cursor
// is the newest modification time seen across all mail files, or the
// previous cursor when nothing moved.
func (a *Adapter) scan(ctx context.Context, partition string, since time.Time, prevCursor string) ([]model.RawSourceRecord, string, error) {
	dir := a.partitionDir(partition)

	type candidate struct {
		path    string
		relPath string
		modTime time.Time
	}
	var files []candidate
	var newest time.Time

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || !isMailFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if info.ModTime().Before(since) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		files = append(files, candidate{path: path, relPath: rel, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: scanning %q: %v", syncp.ErrSourceUnavailable, dir, err)
	}

	// Deterministic input order so in-batch last-wins ties resolve stably.
	sort.Slice(files, func(i, j int) bool { return files[i].relPath < files[j].relPath })

	records := make([]model.RawSourceRecord, 0, len(files))
	for _, f := range files {
		rec, err := a.readMessage(f.path, f.relPath, f.modTime)
		if err != nil {
			// A malformed file becomes an unresolvable-identity skip rather
			// than failing the whole batch.
			a.log.Warn("failed to parse mail file", "path", f.path, "error", err)
			records = append(records, model.RawSourceRecord{
				InternalID: f.relPath,
				Kind:       model.KindMessage,
				UpdatedAt:  f.modTime.UTC(),
			})
			continue
		}
		records = append(records, rec)
	}

	cursor := prevCursor
	if !newest.IsZero() {
		cursor = newest.UTC().Format(time.RFC3339Nano)
	}
	a.log.Debug("scanned mail partition",
		"partition", partition, "matched", len(records), "cursor", cursor)
	return records, cursor, nil
}

func isMailFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".eml", ".emlx":
		return true
	}
	return false
}
