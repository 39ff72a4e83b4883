package model

import "time"

// RawSourceRecord is what a source adapter hands the engine: one record as it
// currently exists upstream, before identity resolution. The engine copies
// the payload fields into the mirror without further interpretation.
type RawSourceRecord struct {
	// InternalID is the source's transient identifier for this record.
	InternalID string

	// DurableID is the source-provided durable identifier, if any.
	DurableID string

	// IdentitySeed is the adapter's composition of stable-enough attributes
	// (normalized headers for mail, calendar+title+start for events), used
	// for fingerprint identity when DurableID is absent.
	IdentitySeed string

	// UpdatedAt is the source-reported modification time.
	UpdatedAt time.Time

	Kind     Kind
	Title    string
	Body     string
	From     string
	To       string
	Location string
	StartsAt *time.Time
	EndsAt   *time.Time

	// Recurrence, when non-nil, marks this record as a recurring master that
	// the engine expands into occurrence records within the configured window.
	Recurrence *RecurrenceRule

	Attachments []Attachment
	Attendees   []Attendee
}

// Frequency is the repetition unit of a recurrence rule.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
	FreqYearly  Frequency = "yearly"
)

// RecurrenceRule is the bounded subset of recurrence semantics the engine
// expands: a frequency, an interval, and optional UNTIL/COUNT limits.
// Anything richer stays a source-side concern.
type RecurrenceRule struct {
	Freq     Frequency
	Interval int

	// Until, when non-nil, is the last instant (inclusive) an occurrence
	// may start at.
	Until *time.Time

	// Count, when positive, caps the total number of occurrences
	// including the master's own start.
	Count int
}

// Nth returns the start of the series instance n intervals after start. Each
// instance is computed directly from start, not by iterating the previous
// one, so month-end normalization (Jan 31 + 1 month = Mar 3) cannot
// accumulate across the series. An Interval of zero or less is treated as
// one; n of zero returns start.
func (r *RecurrenceRule) Nth(start time.Time, n int) time.Time {
	iv := r.Interval
	if iv <= 0 {
		iv = 1
	}
	switch r.Freq {
	case FreqDaily:
		return start.AddDate(0, 0, n*iv)
	case FreqWeekly:
		return start.AddDate(0, 0, 7*n*iv)
	case FreqMonthly:
		return start.AddDate(0, n*iv, 0)
	case FreqYearly:
		return start.AddDate(n*iv, 0, 0)
	}
	return start.AddDate(0, 0, n*iv)
}
