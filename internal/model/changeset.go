package model

// Skip records one raw source record the reconciler excluded from a batch,
// with the reason it could not be processed.
type Skip struct {
	InternalID string
	Reason     string
}

// Changeset is the minimal set of mutations a reconciliation pass computed
// for one partition. The mirror store applies it in a single transaction;
// the reconciler never touches storage directly.
type Changeset struct {
	Partition string

	Inserts []*MirrorRecord
	Updates []*MirrorRecord

	// SoftDeletes lists stable IDs to mark deleted: records absent from a
	// full sync, and occurrences that fell out of the expansion window.
	SoftDeletes []string

	Skips    []Skip
	Warnings []string
}

// Empty reports whether applying the changeset would mutate nothing.
// Skips and warnings alone do not make a changeset non-empty.
func (c *Changeset) Empty() bool {
	return len(c.Inserts) == 0 && len(c.Updates) == 0 && len(c.SoftDeletes) == 0
}
