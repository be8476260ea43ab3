package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Delay before retrying after a failed probe cycle.
const probeRetryBackoff = 5 * time.Second

// probeLoop drives health-probe cycles at the configured interval until
// the context is canceled. A failed cycle is logged and retried after a
// fixed backoff; the loop itself never terminates on error.
func (o *Orchestrator) probeLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.probeCycle(ctx); err != nil {
				o.logger.Warn("health probe cycle failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(probeRetryBackoff):
				}
			}
		}
	}
}

// probeCycle fans out one probe per registered server. Each probe has
// its own bounded timeout, so a hung endpoint never stalls the cycle
// for the others.
func (o *Orchestrator) probeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe cycle panicked: %v", r)
		}
	}()

	o.mu.RLock()
	ids := append([]string(nil), o.order...)
	o.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			o.probeOne(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

// probeOne checks a single server and feeds the outcome into its
// record. Probe failures are absorbed here; Route callers never see
// them.
func (o *Orchestrator) probeOne(ctx context.Context, id string) {
	ent := o.entryFor(id)
	if ent == nil {
		// Deregistered mid-cycle.
		return
	}
	rec := ent.record
	before := rec.Status()

	probeCtx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()

	report, err := ent.client.CheckHealth(probeCtx)
	rec.MarkChecked(time.Now())

	if err != nil {
		rec.RecordFailure()
		o.logger.Debug("health probe failed",
			zap.String("server", id), zap.Error(err))
	} else {
		rec.RecordSuccess(float64(report.Latency.Milliseconds()))
		rec.ApplyProbeStatus(report.Degraded())
	}

	if after := rec.Status(); after != before {
		o.logger.Info("server status changed",
			zap.String("server", id),
			zap.String("from", string(before)),
			zap.String("to", string(after)))
		o.mirrorStatus(ctx, id, after)
	}
}

// mirrorStatus records a status transition in the registry store.
func (o *Orchestrator) mirrorStatus(ctx context.Context, id string, status ServerStatus) {
	o.mu.RLock()
	store := o.registry
	o.mu.RUnlock()
	if store == nil {
		return
	}
	if err := store.UpdateStatus(ctx, id, status); err != nil {
		o.logger.Debug("failed to mirror server status",
			zap.String("server", id), zap.Error(err))
	}
}

// ProbeNow runs one probe cycle immediately, outside the loop cadence.
// Used at startup so a freshly registered pool becomes routable without
// waiting a full interval.
func (o *Orchestrator) ProbeNow(ctx context.Context) error {
	return o.probeCycle(ctx)
}
