package sync

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Wake nudges the watch loop to run a cycle now instead of waiting for the
// next tick, and clears partitions parked in the failed state — an external
// wake means the operator may have fixed something. Safe to call from any
// goroutine; a wake that arrives while one is already pending coalesces.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Watch runs the periodic incremental sync loop until ctx is cancelled.
// Transient failures back off exponentially up to Options.MaxBackoff;
// non-transient failures park the partition until the operator intervenes
// (a Wake unparks everything). Cancellation is honored between cycles and
// inside blocking calls, never leaving a transaction half-applied — Apply is
// all-or-nothing regardless of when the context fires.
func (o *Orchestrator) Watch(ctx context.Context) error {
	o.log.Info("watch loop starting",
		"interval", o.opts.Interval,
		"partitions", len(o.partitions),
	)

	timer := time.NewTimer(0) // immediate first cycle
	defer timer.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			o.log.Info("watch loop shutting down")
			return ctx.Err()
		case <-timer.C:
		case <-o.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			o.log.Info("wake signal received, clearing failed partitions")
			o.mu.Lock()
			clear(o.failed)
			o.mu.Unlock()
		}

		transientFailures := o.cycle(ctx)
		if ctx.Err() != nil {
			o.log.Info("watch loop shutting down")
			return ctx.Err()
		}

		delay := o.opts.Interval
		if transientFailures > 0 {
			attempt++
			delay = backoffDelay(attempt, o.opts.Interval, o.opts.MaxBackoff)
			o.cntBackoffs.Add(ctx, 1)
			o.log.Warn("transient failures this cycle, backing off",
				"failures", transientFailures,
				"attempt", attempt,
				"next_cycle_in", delay,
			)
		} else {
			attempt = 0
		}
		timer.Reset(delay)
	}
}

// cycle runs one incremental pass over every partition not parked as failed,
// returning how many partitions hit a transient error.
func (o *Orchestrator) cycle(ctx context.Context) int {
	transientFailures := 0
	for _, partition := range o.partitions {
		if ctx.Err() != nil {
			return transientFailures
		}

		o.mu.Lock()
		_, parked := o.failed[partition]
		o.mu.Unlock()
		if parked {
			continue
		}

		_, err := o.syncPartition(ctx, partition, false)
		if err == nil {
			continue
		}
		if transient(err) {
			transientFailures++
			o.log.Warn("transient sync failure", "partition", partition, "error", err)
			continue
		}
		if errors.Is(err, context.Canceled) {
			return transientFailures
		}

		// Non-transient: park the partition; other partitions keep syncing.
		o.mu.Lock()
		o.failed[partition] = err
		o.mu.Unlock()
		if errors.Is(err, ErrPermissionDenied) {
			o.log.Error("permission denied, not retrying automatically",
				"partition", partition, "error", err)
		} else {
			o.log.Error("sync failed, partition parked until operator intervention",
				"partition", partition, "error", err)
		}
	}
	return transientFailures
}

// record feeds a completed pass into the OTel counters and the pass span.
func (o *Orchestrator) record(ctx context.Context, span trace.Span, res Result) {
	if res.Added > 0 {
		o.cntAdded.Add(ctx, int64(res.Added))
	}
	if res.Updated > 0 {
		o.cntUpdated.Add(ctx, int64(res.Updated))
	}
	if res.SoftDeleted > 0 {
		o.cntSoftDeleted.Add(ctx, int64(res.SoftDeleted))
	}
	if res.Skipped > 0 {
		o.cntSkipped.Add(ctx, int64(res.Skipped))
	}
	if len(res.Warnings) > 0 {
		o.cntWarnings.Add(ctx, int64(len(res.Warnings)))
	}

	span.SetAttributes(
		attribute.String("sync.run_id", res.RunID),
		attribute.Bool("sync.full", res.FullSync),
		attribute.Int("sync.added", res.Added),
		attribute.Int("sync.updated", res.Updated),
		attribute.Int("sync.soft_deleted", res.SoftDeleted),
		attribute.Int("sync.skipped", res.Skipped),
		attribute.Int("sync.warnings", len(res.Warnings)),
	)
}
