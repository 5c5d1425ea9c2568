package fingerprint

import (
	"context"
	"errors"
)

// BackfillReport summarizes one backfill or repair pass.
type BackfillReport struct {
	Scanned  int   `json:"scanned"`
	Hydrated int   `json:"hydrated"`
	Deferred int   `json:"deferred"`
	Errors   int   `json:"errors"`
	Touched  int64 `json:"touched,omitempty"`
}

// BackfillFingerprints reprocesses shipments whose fingerprint work is
// incomplete: null or recalc/missing-weight/pending-categorization status,
// or a zero-weight fingerprint.
func (e *Engine) BackfillFingerprints(ctx context.Context, limit int) (*BackfillReport, error) {
	shipments, err := e.store.ListForFingerprintBackfill(ctx, limit)
	if err != nil {
		return nil, err
	}
	report := &BackfillReport{Scanned: len(shipments)}
	for _, sh := range shipments {
		e.rehydrate(ctx, sh.ID, sh.OrderNumber, report)
	}
	return report, nil
}

// RepairUnexplodedKits rebuilds shipments holding a QC item whose SKU is a
// known kit parent but was never exploded. The QC set and assignments are
// wiped before re-hydration.
func (e *Engine) RepairUnexplodedKits(ctx context.Context, limit int) (*BackfillReport, error) {
	if err := e.catalog.EnsureFresh(ctx); err != nil {
		e.logger.Warn("kit snapshot refresh failed before repair", "error", err)
	}
	ids, err := e.store.FindUnexplodedKitShipments(ctx, limit)
	if err != nil {
		return nil, err
	}
	return e.wipeAndRehydrate(ctx, ids)
}

// RepairUnsubstitutedVariants is the symmetric repair for variant SKUs that
// slipped through without parent rollup.
func (e *Engine) RepairUnsubstitutedVariants(ctx context.Context, limit int) (*BackfillReport, error) {
	ids, err := e.store.FindUnsubstitutedVariantShipments(ctx, limit)
	if err != nil {
		return nil, err
	}
	return e.wipeAndRehydrate(ctx, ids)
}

// RepairMissingWeightShipments retries shipments stuck in missing_weight
// whose SKUs have since acquired weight data in the catalog mirror.
func (e *Engine) RepairMissingWeightShipments(ctx context.Context, limit int) (*BackfillReport, error) {
	shipments, err := e.store.ListMissingWeightRepairable(ctx, limit)
	if err != nil {
		return nil, err
	}
	report := &BackfillReport{Scanned: len(shipments)}
	for _, sh := range shipments {
		e.rehydrate(ctx, sh.ID, sh.OrderNumber, report)
	}
	return report, nil
}

// OnCollectionChanged invalidates the fingerprint of every active shipment
// containing any of the affected SKUs. The backfill picks them up.
func (e *Engine) OnCollectionChanged(ctx context.Context, affectedSKUs []string) (*BackfillReport, error) {
	touched, err := e.store.InvalidateFingerprintsForSKUs(ctx, affectedSKUs)
	if err != nil {
		return nil, err
	}
	e.logger.Info("collection change invalidated shipments",
		"skus", len(affectedSKUs), "shipments", touched)
	return &BackfillReport{Touched: touched}, nil
}

func (e *Engine) wipeAndRehydrate(ctx context.Context, ids []int64) (*BackfillReport, error) {
	report := &BackfillReport{Scanned: len(ids)}
	for _, id := range ids {
		sh, err := e.store.GetShipment(ctx, id)
		if err != nil {
			report.Errors++
			e.logger.Error("repair: load shipment failed", "shipment_id", id, "error", err)
			continue
		}
		if err := e.store.WipeForRehydration(ctx, id); err != nil {
			report.Errors++
			e.logger.Error("repair: wipe failed", "shipment_id", id, "error", err)
			continue
		}
		e.rehydrate(ctx, id, sh.OrderNumber, report)
	}
	return report, nil
}

func (e *Engine) rehydrate(ctx context.Context, id int64, orderNumber string, report *BackfillReport) {
	_, err := e.Hydrate(ctx, id, orderNumber)
	switch {
	case err == nil:
		report.Hydrated++
	case errors.Is(err, ErrDeferred):
		report.Deferred++
	default:
		report.Errors++
		e.logger.Error("repair: hydration failed", "shipment_id", id, "error", err)
	}
}
