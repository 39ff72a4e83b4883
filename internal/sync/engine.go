package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/pimmirror/pimmirror/internal/mirror"
	"github.com/pimmirror/pimmirror/internal/model"
)

const (
	otelScope          = "pimmirror/sync"
	spanSyncPartition  = "sync.partition"
	metricAdded        = "pimmirror.sync.records.added"
	metricUpdated      = "pimmirror.sync.records.updated"
	metricSoftDeleted  = "pimmirror.sync.records.soft_deleted"
	metricSkipped      = "pimmirror.sync.records.skipped"
	metricWarnings     = "pimmirror.sync.warnings"
	metricRetryBackoff = "pimmirror.sync.watch.backoffs"
)

// State is a partition's position in the sync lifecycle.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateCommitting
	StateFailed
)

// String returns the lowercase state label.
func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Options tunes the Orchestrator's timing behaviour.
type Options struct {
	// Interval between watch-loop passes. Defaults to 1m.
	Interval time.Duration

	// FetchTimeout bounds any single source fetch. A fetch exceeding it is
	// treated as a transient failure, not hung indefinitely. Defaults to 2m.
	FetchTimeout time.Duration

	// MaxBackoff caps the watch loop's exponential backoff. Defaults to 15m.
	MaxBackoff time.Duration
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 2 * time.Minute
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 15 * time.Minute
	}
}

// Orchestrator drives full and incremental sync passes per partition and
// runs the periodic watch loop. Exactly one reconcile/apply sequence is in
// flight per partition at a time; the loop itself is a single cooperative
// task, so partitions are processed one after another within a cycle.
type Orchestrator struct {
	source     SourceAdapter
	store      MirrorStore
	reconciler *Reconciler
	partitions []string
	opts       Options
	log        *slog.Logger

	wake chan struct{}

	mu     gosync.Mutex
	states map[string]State
	failed map[string]error

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer         trace.Tracer
	cntAdded       metric.Int64Counter
	cntUpdated     metric.Int64Counter
	cntSoftDeleted metric.Int64Counter
	cntSkipped     metric.Int64Counter
	cntWarnings    metric.Int64Counter
	cntBackoffs    metric.Int64Counter
}

// NewOrchestrator creates an Orchestrator over the given partitions.
func NewOrchestrator(source SourceAdapter, store MirrorStore, reconciler *Reconciler, partitions []string, opts Options, logger *slog.Logger) *Orchestrator {
	opts.applyDefaults()

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Orchestrator{
		source:     source,
		store:      store,
		reconciler: reconciler,
		partitions: partitions,
		opts:       opts,
		log:        logger,
		wake:       make(chan struct{}, 1),
		states:     make(map[string]State, len(partitions)),
		failed:     make(map[string]error),

		tracer:         tracer,
		cntAdded:       mustCounter(metricAdded, "Records inserted into the mirror"),
		cntUpdated:     mustCounter(metricUpdated, "Records updated in the mirror"),
		cntSoftDeleted: mustCounter(metricSoftDeleted, "Records soft-deleted in the mirror"),
		cntSkipped:     mustCounter(metricSkipped, "Records skipped during reconciliation"),
		cntWarnings:    mustCounter(metricWarnings, "Reconciliation warnings"),
		cntBackoffs:    mustCounter(metricRetryBackoff, "Watch-loop backoff cycles"),
	}
}

// PartitionState returns the current lifecycle state of a partition.
func (o *Orchestrator) PartitionState(partition string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[partition]
}

func (o *Orchestrator) setState(partition string, s State) {
	o.mu.Lock()
	o.states[partition] = s
	o.mu.Unlock()
}

// RunFull performs one full sync of a partition: the complete current record
// set is fetched and deletion detection from absence is enabled. Transient
// failures are retried a few times within the call.
func (o *Orchestrator) RunFull(ctx context.Context, partition string) (Result, error) {
	return o.runWithRetry(ctx, partition, true)
}

// RunIncremental performs one incremental sync of a partition using its
// checkpoint cursor. A partition with no checkpoint is upgraded to a full
// sync. Deletion detection from absence stays off.
func (o *Orchestrator) RunIncremental(ctx context.Context, partition string) (Result, error) {
	return o.runWithRetry(ctx, partition, false)
}

// RunAll syncs every configured partition once. Partitions are independent:
// a failure in one is logged and reported but does not stop the others.
func (o *Orchestrator) RunAll(ctx context.Context, full bool) ([]Result, error) {
	var results []Result
	var firstErr error
	for _, partition := range o.partitions {
		res, err := o.runWithRetry(ctx, partition, full)
		results = append(results, res)
		if err != nil {
			o.log.Error("partition sync failed", "partition", partition, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, firstErr
}

func (o *Orchestrator) runWithRetry(ctx context.Context, partition string, full bool) (Result, error) {
	var res Result
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var err error
		res, err = o.syncPartition(ctx, partition, full)
		if err != nil && transient(err) {
			o.log.Warn("transient sync failure, will retry", "partition", partition, "error", err)
		}
		return err
	})
	return res, err
}

// syncPartition is one complete pass: capability check, fetch, reconcile,
// apply, checkpoint advance. The fetch completes (or fails) before the apply
// transaction opens, so a slow upstream read never holds a write lock. The
// checkpoint advances only after the changeset committed, giving
// at-least-once re-delivery across a crash between the two.
func (o *Orchestrator) syncPartition(ctx context.Context, partition string, full bool) (result Result, err error) {
	start := time.Now()
	result = Result{RunID: uuid.NewString(), Partition: partition}

	ctx, span := o.tracer.Start(ctx, spanSyncPartition)
	defer span.End()
	span.SetAttributes(attribute.String("sync.partition", partition))

	o.setState(partition, StateSyncing)
	defer func() {
		if err != nil {
			o.setState(partition, StateFailed)
			span.RecordError(err)
		} else {
			o.setState(partition, StateIdle)
		}
		result.Duration = time.Since(start)
	}()

	if access := o.source.CheckAccess(ctx, partition); !access.Granted {
		return result, &PermissionDeniedError{Partition: partition, Guidance: access.Guidance}
	}

	cp, err := o.store.Checkpoint(ctx, partition)
	if err != nil {
		return result, fmt.Errorf("reading checkpoint: %w", err)
	}
	if cp == nil && !full {
		o.log.Info("no checkpoint for partition, running full sync", "partition", partition)
		full = true
	}
	result.FullSync = full

	records, cursor, err := o.fetch(ctx, partition, full, cp)
	if err != nil {
		return result, err
	}

	snapshot, err := o.store.RecordsForPartition(ctx, partition)
	if err != nil {
		return result, fmt.Errorf("reading mirror snapshot: %w", err)
	}

	cs, err := o.reconciler.Reconcile(partition, records, snapshot, full)
	if err != nil {
		return result, fmt.Errorf("reconciling partition %q: %w", partition, err)
	}
	result.Skipped = len(cs.Skips)
	result.Warnings = cs.Warnings

	o.setState(partition, StateCommitting)
	applied, err := o.store.Apply(ctx, cs)
	if err != nil {
		return result, fmt.Errorf("applying changeset: %w", err)
	}
	result.Added = applied.Added
	result.Updated = applied.Updated
	result.SoftDeleted = applied.SoftDeleted

	if err := o.store.AdvanceCheckpoint(ctx, partition, cursor, full); err != nil {
		return result, fmt.Errorf("advancing checkpoint: %w", err)
	}

	o.record(ctx, span, result)
	o.log.Info("sync pass complete",
		"run_id", result.RunID,
		"partition", partition,
		"full", full,
		"added", result.Added,
		"updated", result.Updated,
		"soft_deleted", result.SoftDeleted,
		"skipped", result.Skipped,
		"warnings", len(result.Warnings),
	)
	return result, nil
}

// fetch pulls the batch for a pass entirely into memory under the configured
// timeout. A timed-out fetch surfaces as a transient source failure.
func (o *Orchestrator) fetch(ctx context.Context, partition string, full bool, cp *mirror.Checkpoint) ([]model.RawSourceRecord, string, error) {
	fctx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	defer cancel()

	var records []model.RawSourceRecord
	var cursor string
	var err error
	if full {
		records, cursor, err = o.source.FetchAll(fctx, partition)
	} else {
		records, cursor, err = o.source.FetchSince(fctx, partition, cp.Cursor)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, "", fmt.Errorf("%w: fetch exceeded %s: %v", ErrSourceUnavailable, o.opts.FetchTimeout, err)
		}
		return nil, "", fmt.Errorf("fetching partition %q: %w", partition, err)
	}
	return records, cursor, nil
}
