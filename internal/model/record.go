// Package model defines shared types used across the sync engine, the mirror
// store, and the source adapters.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind distinguishes the two mirrored entity families.
type Kind string

const (
	// KindMessage is a mirrored mail message.
	KindMessage Kind = "message"
	// KindEvent is a mirrored calendar event (master or occurrence).
	KindEvent Kind = "event"
)

// MirrorRecord is one mirrored item: an email message or a calendar event.
// The StableID is the public identifier and never changes after first
// assignment, regardless of source-side identifier churn.
type MirrorRecord struct {
	// StableID is the immutable public identifier, derived from the source
	// durable identifier when present, otherwise from a content fingerprint.
	StableID string

	// Partition is the logical sync scope this record belongs to
	// (one mail account or one calendar).
	Partition string

	// Kind is the entity family (message or event).
	Kind Kind

	// SourceInternalID is the source system's current transient identifier
	// (e.g. a ROWID in the Mail envelope database). May be recycled by the
	// source and must never be used as a lookup key across syncs.
	SourceInternalID string

	// SourceDurableID is the source-provided durable identifier (e.g. an
	// RFC 5322 Message-ID or a calendar item UID). May be absent initially
	// and appear on a later sync; the resolver then annotates it without
	// re-keying the record.
	SourceDurableID string

	// Fingerprint is the content hash used for identity when no durable
	// identifier existed at creation time. Empty for durable-ID records.
	Fingerprint string

	// Payload fields. Subject/Title, body text, and the mail- or
	// event-specific attributes mirrored for search and export.
	Title    string
	Body     string
	From     string
	To       string
	Location string
	StartsAt *time.Time
	EndsAt   *time.Time

	// MasterStableID links an expanded occurrence to its recurring master.
	// Empty for non-occurrence records.
	MasterStableID string

	// OccurrenceKey addresses one occurrence within a recurrence group,
	// derived from the master stable ID and the occurrence start instant.
	OccurrenceKey string

	// Recurrence is the rule a recurring master expands under. Persisted so
	// expansion re-runs on every sync of the partition even when the master
	// itself did not change (window growth must generate missing
	// occurrences). Nil for non-recurring records and occurrences.
	Recurrence *RecurrenceRule

	// PayloadHash is the stored ContentHash of the payload as of the last
	// apply, letting the reconciler detect changes without reloading
	// child rows.
	PayloadHash string

	// UpdatedAtSource is the modification time reported by the source,
	// used for incremental changed-since queries.
	UpdatedAtSource time.Time

	// SyncedAt is the local time of the last successful reconciliation.
	SyncedAt time.Time

	// DeletedAt marks a soft-deleted record. Soft-deleted rows stay in the
	// store until an explicit purge so downstream references keep resolving.
	DeletedAt *time.Time

	// Children, replaced wholesale whenever the parent is updated.
	Attachments []Attachment
	Attendees   []Attendee
}

// Attachment is a child row owned by exactly one MirrorRecord.
type Attachment struct {
	Filename string
	MIMEType string
	Size     int64
}

// Attendee is a child row owned by exactly one calendar MirrorRecord.
type Attendee struct {
	Name   string
	Email  string
	Status string
}

// Deleted reports whether the record carries a soft-delete marker.
func (r *MirrorRecord) Deleted() bool {
	return r.DeletedAt != nil
}

// ContentHash returns a deterministic SHA-256 hex digest of the payload
// fields that matter for change detection. UpdatedAtSource is intentionally
// excluded: sources bump it on saves that change nothing the mirror cares
// about, and it is compared separately by the reconciler.
func (r *MirrorRecord) ContentHash() string {
	h := sha256.New()
	for _, f := range []string{r.Title, r.Body, r.From, r.To, r.Location} {
		h.Write([]byte(f))
		h.Write([]byte("|"))
	}
	writeInstant(h, r.StartsAt)
	h.Write([]byte("|"))
	writeInstant(h, r.EndsAt)
	if r.Recurrence != nil {
		_, _ = fmt.Fprintf(h, "|r:%s/%d/%d", r.Recurrence.Freq, r.Recurrence.Interval, r.Recurrence.Count)
		h.Write([]byte("/"))
		writeInstant(h, r.Recurrence.Until)
	}
	for _, a := range r.Attachments {
		h.Write([]byte("|a:" + a.Filename + "/" + a.MIMEType))
	}
	for _, a := range r.Attendees {
		h.Write([]byte("|p:" + a.Email + "/" + a.Status))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeInstant(h interface{ Write([]byte) (int, error) }, t *time.Time) {
	if t == nil {
		return
	}
	_, _ = h.Write([]byte(t.UTC().Format(time.RFC3339)))
}
