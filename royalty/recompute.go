package royalty

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// RECOMPUTE CONTROLLER - Server-side recalculation + full resync
// =============================================================================

// RecomputeController asks the ledger service to recalculate every royalty
// and then reloads the whole ledger. The reload replaces the snapshot; it
// never merges, so a record the service reset to UNPAID shows as UNPAID.
//
// Concurrent RecomputeAll calls share one run.
type RecomputeController struct {
	ledger *LedgerStore
	source Source
	logger *zap.Logger
	group  singleflight.Group
}

func NewRecomputeController(ledger *LedgerStore, source Source, logger *zap.Logger) *RecomputeController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecomputeController{ledger: ledger, source: source, logger: logger}
}

// RecomputeAll triggers recalculation, then LoadAll.
// A failed trigger returns *RecomputeError and leaves the snapshot alone.
// A failed reload after a good trigger returns the *FetchError.
//
// The shared run is not tied to any one caller's context: a caller whose
// ctx ends stops waiting, and the run finishes for everyone else.
func (rc *RecomputeController) RecomputeAll(ctx context.Context) error {
	ch := rc.group.DoChan("recompute", func() (any, error) {
		return nil, rc.recompute(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			rc.logger.Debug("joined running recalculation")
		}
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("stopped waiting for recalculation: %w", ctx.Err())
	}
}

func (rc *RecomputeController) recompute(ctx context.Context) error {
	if err := rc.source.CalculateRoyalties(ctx); err != nil {
		rc.logger.Warn("royalty calculation failed", zap.Error(err))
		return &RecomputeError{Err: err}
	}

	records, err := rc.ledger.LoadAll(ctx)
	if err != nil {
		return err
	}

	rc.logger.Info("royalties recalculated", zap.Int("records", len(records)))
	return nil
}
