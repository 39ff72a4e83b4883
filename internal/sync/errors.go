package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/pimmirror/pimmirror/internal/mirror"
)

// Sentinel errors for the per-partition failure taxonomy. Per-record
// failures (unresolvable identity, duplicate stable IDs) never surface as
// errors; they are folded into the changeset as skips and warnings.
var (
	// ErrPermissionDenied marks a fatal, operator-actionable failure.
	// Never retried automatically.
	ErrPermissionDenied = errors.New("sync: permission denied")

	// ErrSourceUnavailable marks a transient source failure (locked
	// database, timed-out fetch). Retried with backoff.
	ErrSourceUnavailable = errors.New("sync: source unavailable")

	// ErrExpansionCollision marks an internal invariant violation: an
	// occurrence key collided with a non-recurring record. Fatal, since it
	// indicates a logic or hashing defect rather than bad input.
	ErrExpansionCollision = errors.New("sync: occurrence key collides with non-recurring record")
)

// PermissionDeniedError carries operator guidance alongside the sentinel.
type PermissionDeniedError struct {
	Partition string
	Guidance  string
}

func (e *PermissionDeniedError) Error() string {
	if e.Guidance == "" {
		return fmt.Sprintf("sync: permission denied for partition %q", e.Partition)
	}
	return fmt.Sprintf("sync: permission denied for partition %q: %s", e.Partition, e.Guidance)
}

// Is makes errors.Is(err, ErrPermissionDenied) hold for wrapped instances.
func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// transient reports whether err warrants an automatic retry: source or store
// contention, or a fetch that hit its deadline. Permission problems and
// invariant violations are never transient.
func transient(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, mirror.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
