// Package identity derives stable public identifiers for mirrored records
// and reconciles an existing record's identity with a possibly-changed
// source identifier.
//
// A stable ID is a pure function of the source durable identifier when one
// exists, otherwise of the identity seed. It is assigned exactly once:
// downstream consumers persist stable IDs as foreign keys, so a record is
// never re-keyed even when a durable identifier shows up later for a record
// that started life with a fingerprint-derived ID.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/pimmirror/pimmirror/internal/model"
)

// ErrUnresolvable is returned when a record offers neither a durable
// identifier nor any seed attributes. The reconciler skips such records
// with a warning instead of failing the batch.
var ErrUnresolvable = errors.New("identity: record has no durable identifier and no seed attributes")

// stableIDLen is the hex length stable IDs are truncated to. 32 hex chars
// (128 bits) keeps collision probability negligible at single-user scale.
const stableIDLen = 32

// Resolved is the outcome of resolving one raw source record.
type Resolved struct {
	StableID string

	// FromFingerprint is true when the ID was derived from the identity
	// seed rather than a durable identifier. Stored so a later appearance
	// of a durable identifier triggers annotation, not re-keying.
	FromFingerprint bool

	// Fingerprint is the seed digest, set only when FromFingerprint.
	Fingerprint string
}

// Resolve derives the stable ID for a record. durableID wins when present;
// otherwise the identity seed is fingerprinted.
func Resolve(durableID, identitySeed string) (Resolved, error) {
	if d := strings.TrimSpace(durableID); d != "" {
		return Resolved{StableID: digest(d)}, nil
	}
	if s := strings.TrimSpace(identitySeed); s != "" {
		fp := digest(s)
		return Resolved{StableID: fp, FromFingerprint: true, Fingerprint: fp}, nil
	}
	return Resolved{}, ErrUnresolvable
}

// Action is what reconciling an existing record's identity decided.
type Action int

const (
	// ActionNone means the stored identity already matches the source.
	ActionNone Action = iota
	// ActionAnnotate means a durable identifier appeared for a record that
	// was created from a fingerprint: store the durable ID for future
	// lookups, keep the existing stable ID.
	ActionAnnotate
)

// Reconcile compares an existing mirror record's identity with the durable
// identifier the source reports now. The stable ID is never changed; at most
// the newly discovered durable identifier is recorded alongside it.
func Reconcile(existing *model.MirrorRecord, freshDurableID string) Action {
	fresh := strings.TrimSpace(freshDurableID)
	if fresh == "" || existing.SourceDurableID == fresh {
		return ActionNone
	}
	return ActionAnnotate
}

// OccurrenceKey derives the addressing key for one occurrence of a recurring
// master: deterministic for an unchanged master, distinct per start instant.
// The instant is normalized to UTC so timezone churn cannot re-key siblings.
func OccurrenceKey(masterStableID string, startsAt time.Time) string {
	return digest(masterStableID + "@" + startsAt.UTC().Format(time.RFC3339))
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:stableIDLen]
}
