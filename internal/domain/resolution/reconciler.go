package resolution

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	appctx "contactsync/internal/core/context"
	"contactsync/pkg/logger"
)

// ReconcileResult summarizes one pass. Rescored counts records re-evaluated,
// Upgraded counts records replaced by a higher tier, Failed counts records
// whose re-evaluation errored and were left untouched.
type ReconcileResult struct {
	Rescored int `json:"rescored"`
	Upgraded int `json:"upgraded"`
	Failed   int `json:"failed"`
}

// Reconciler re-scores weak resolutions against the current directory.
type Reconciler struct {
	resolver *Resolver
	log      *logger.Logger
}

// NewReconciler creates a Reconciler sharing the resolver's collaborators.
func NewReconciler(r *Resolver) *Reconciler {
	return &Reconciler{
		resolver: r,
		log:      r.deps.Logger.WithComponent("reconciler"),
	}
}

// Reconcile walks every active unmatched, fuzzy or domain record and
// upgrades it when the tier cascade now yields a strictly better tier.
// Manual and exact records are never touched. Running it twice over an
// unchanged directory upgrades nothing the second time. Records are scanned
// batchSize at a time; a non-positive batchSize uses Config.ReconcileBatchSize.
func (rc *Reconciler) Reconcile(ctx context.Context, batchSize int) (ReconcileResult, error) {
	r := rc.resolver
	if batchSize <= 0 {
		batchSize = r.cfg.ReconcileBatchSize
	}
	ctx = appctx.WithNewTrace(ctx)
	log := rc.log.WithContext(ctx)
	start := r.deps.Clock.Now()

	var rescored, upgraded, failed atomic.Int64
	result := func() ReconcileResult {
		return ReconcileResult{
			Rescored: int(rescored.Load()),
			Upgraded: int(upgraded.Load()),
			Failed:   int(failed.Load()),
		}
	}

	var after Cursor
	for {
		if err := ctx.Err(); err != nil {
			return result(), fmt.Errorf("reconcile cancelled: %w", err)
		}

		batch, err := r.deps.Store.ScanActive(ctx, ReconcilableTiers, after, batchSize)
		if err != nil {
			return result(), fmt.Errorf("scan active resolutions: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(r.cfg.Concurrency)
		for i := range batch {
			rec := batch[i]
			g.Go(func() error {
				ident := rec.NormalizedIdentifier()
				d, err := r.Decide(ctx, ident)
				if err == nil {
					var changed bool
					_, changed, err = r.apply(ctx, ident, d, true)
					if changed {
						upgraded.Add(1)
					}
				}
				if err != nil {
					failed.Add(1)
					log.Warnw("reconcile record failed", "identifier", ident.String(), "error", err)
					return nil
				}
				rescored.Add(1)
				return nil
			})
		}
		_ = g.Wait()

		last := batch[len(batch)-1]
		after = Cursor{Kind: last.Kind, Identifier: last.Identifier}
		if len(batch) < batchSize {
			break
		}
	}

	res := result()
	elapsed := elapsedSince(r.deps.Clock, start)
	r.deps.Metrics.ReconcileFinished(res, elapsed)
	log.Infow("reconcile finished",
		"rescored", res.Rescored,
		"upgraded", res.Upgraded,
		"failed", res.Failed,
		"duration", elapsed,
	)
	return res, nil
}
