// Package ratecheck runs the cost-aware rate analysis: an eligibility gate,
// a candidate fetch, and a cheapest-that-meets-SLA selection.
package ratecheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/packhouse-labs/fulfillment-core/pkg/config"
	"github.com/packhouse-labs/fulfillment-core/pkg/labelapi"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetShipment(ctx context.Context, id int64) (*model.Shipment, error)
	GetFingerprint(ctx context.Context, id int64) (*model.Fingerprint, error)
	GetFingerprintModel(ctx context.Context, fingerprintID int64) (*model.FingerprintModel, error)
	GetPackagingType(ctx context.Context, id int64) (*model.PackagingType, error)
	UpsertRateAnalysis(ctx context.Context, ra *model.RateAnalysis) error
	SetRateCheckStatus(ctx context.Context, id int64, status model.RateCheckStatus) error
}

// RateFetcher fetches candidate rates from the label provider.
type RateFetcher interface {
	GetRates(ctx context.Context, externalID string) ([]labelapi.Rate, error)
}

// Eligibility is the sync gate's outcome. When ineligible, Reason names the
// missing field.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// PackageSpec is the resolved physical package the async gate produces.
type PackageSpec struct {
	LengthIn float64
	WidthIn  float64
	HeightIn float64
	WeightOz float64
}

// Result is the terminal outcome of one analysis.
type Result struct {
	Status              model.RateCheckStatus `json:"status"`
	SmartShippingMethod string                `json:"smart_shipping_method,omitempty"`
	Savings             float64               `json:"savings"`
	Reasoning           string                `json:"reasoning"`
}

// Engine performs rate analyses.
type Engine struct {
	store  Store
	rates  RateFetcher
	policy *config.Policy
	logger *slog.Logger
}

// New creates an engine.
func New(st Store, rates RateFetcher, policy *config.Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		rates:  rates,
		policy: policy,
		logger: logger.With("component", "rate_check"),
	}
}

// CheckSyncEligibility is the cheap five-field gate the state machine uses.
func CheckSyncEligibility(sh *model.Shipment) Eligibility {
	switch {
	case sh.ExternalShipmentID == nil || *sh.ExternalShipmentID == "":
		return Eligibility{Reason: "missing external shipment id"}
	case sh.DestPostalCode == "":
		return Eligibility{Reason: "missing destination postal code"}
	case sh.ServiceCode == "":
		return Eligibility{Reason: "missing service code"}
	case sh.FingerprintID == nil:
		return Eligibility{Reason: "missing fingerprint"}
	case sh.PackagingTypeID == nil:
		return Eligibility{Reason: "missing packaging type"}
	}
	return Eligibility{Eligible: true}
}

// ResolvePackage is the async pre-API gate: it additionally requires a
// fingerprint with positive weight, a confirmed fingerprint model, and the
// packaging catalog row, returning the resolved dims and weight in ounces.
func (e *Engine) ResolvePackage(ctx context.Context, sh *model.Shipment) (*PackageSpec, error) {
	if gate := CheckSyncEligibility(sh); !gate.Eligible {
		return nil, fmt.Errorf("not eligible: %s", gate.Reason)
	}
	fp, err := e.store.GetFingerprint(ctx, *sh.FingerprintID)
	if err != nil {
		return nil, fmt.Errorf("load fingerprint %d: %w", *sh.FingerprintID, err)
	}
	if fp.TotalWeight <= 0 {
		return nil, fmt.Errorf("fingerprint %d has no weight", fp.ID)
	}
	if _, err := e.store.GetFingerprintModel(ctx, fp.ID); err != nil {
		return nil, fmt.Errorf("no packaging decision for fingerprint %d: %w", fp.ID, err)
	}
	pt, err := e.store.GetPackagingType(ctx, *sh.PackagingTypeID)
	if err != nil {
		return nil, fmt.Errorf("load packaging type %d: %w", *sh.PackagingTypeID, err)
	}
	weightOz := fp.TotalWeight
	if strings.EqualFold(fp.WeightUnit, "lb") {
		weightOz *= 16
	}
	return &PackageSpec{
		LengthIn: pt.LengthIn,
		WidthIn:  pt.WidthIn,
		HeightIn: pt.HeightIn,
		WeightOz: weightOz,
	}, nil
}

// AnalyzeAndSave runs the full analysis for one shipment and persists the
// outcome. Skips are terminal success; fetch errors propagate so the queue
// can retry with its own policy.
func (e *Engine) AnalyzeAndSave(ctx context.Context, sh *model.Shipment) (*Result, error) {
	externalID := ""
	if sh.ExternalShipmentID != nil {
		externalID = *sh.ExternalShipmentID
	}

	if e.policy.CustomerServiceLocked(sh.ServiceCode) {
		res := &Result{
			Status:    model.RateCheckSkipped,
			Reasoning: fmt.Sprintf("customer service %s is not allowed to change", sh.ServiceCode),
		}
		if err := e.store.SetRateCheckStatus(ctx, sh.ID, model.RateCheckSkipped); err != nil {
			return nil, err
		}
		return res, nil
	}

	spec, err := e.ResolvePackage(ctx, sh)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Decision data disappeared between gating and analysis; a
			// later evaluation re-gates the shipment.
			_ = e.store.SetRateCheckStatus(ctx, sh.ID, model.RateCheckFailed)
			return &Result{Status: model.RateCheckFailed, Reasoning: err.Error()}, nil
		}
		return nil, err
	}

	candidates, err := e.rates.GetRates(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("fetch rates for %s: %w", externalID, err)
	}

	analysis := e.selectRate(sh, spec, candidates)
	analysis.ExternalShipmentID = externalID
	if err := e.store.UpsertRateAnalysis(ctx, analysis); err != nil {
		return nil, err
	}
	if err := e.store.SetRateCheckStatus(ctx, sh.ID, model.RateCheckComplete); err != nil {
		return nil, err
	}
	return &Result{
		Status:              model.RateCheckComplete,
		SmartShippingMethod: analysis.SmartShippingMethod,
		Savings:             analysis.Savings,
		Reasoning:           analysis.Reasoning,
	}, nil
}

// selectRate applies the SLA-aware cheapest selection.
func (e *Engine) selectRate(sh *model.Shipment, spec *PackageSpec, candidates []labelapi.Rate) *model.RateAnalysis {
	var customer *labelapi.Rate
	for i := range candidates {
		if candidates[i].ServiceCode == sh.ServiceCode {
			customer = &candidates[i]
			break
		}
	}

	customerDays := InferDeliveryDays(sh.ServiceCode)
	customerCost := 0.0
	if customer != nil {
		if customer.DeliveryDays != nil {
			customerDays = *customer.DeliveryDays
		}
		if customer.Amount != nil {
			customerCost = *customer.Amount
		}
	}

	var best *labelapi.Rate
	for i := range candidates {
		c := &candidates[i]
		if c.ServiceCode == sh.ServiceCode {
			continue
		}
		if c.Amount == nil || c.DeliveryDays == nil {
			continue
		}
		if *c.DeliveryDays > customerDays {
			continue
		}
		if e.policy.ServiceDisallowed(c.ServiceName) {
			continue
		}
		if c.MinWeightOz != nil && spec.WeightOz < *c.MinWeightOz {
			continue
		}
		if c.MaxWeightOz != nil && spec.WeightOz > *c.MaxWeightOz {
			continue
		}
		if best == nil || *c.Amount < *best.Amount {
			best = c
		}
	}

	analysis := &model.RateAnalysis{
		CustomerService:      sh.ServiceCode,
		CustomerCost:         customerCost,
		CustomerDeliveryDays: customerDays,
	}

	if best == nil || (customer != nil && customerCost > 0 && *best.Amount >= customerCost) {
		analysis.SmartShippingMethod = sh.ServiceCode
		analysis.SmartCost = customerCost
		analysis.SmartDeliveryDays = customerDays
		analysis.Savings = 0
		analysis.Reasoning = "customer's choice is the most cost-effective option"
		return analysis
	}

	analysis.SmartShippingMethod = best.ServiceCode
	analysis.SmartCost = *best.Amount
	analysis.SmartDeliveryDays = *best.DeliveryDays
	if customerCost > 0 {
		analysis.Savings = customerCost - *best.Amount
	}
	analysis.Reasoning = fmt.Sprintf(
		"%s delivers in %d days for %.2f vs customer's %s at %.2f (saves %.2f)",
		best.ServiceCode, *best.DeliveryDays, *best.Amount,
		sh.ServiceCode, customerCost, analysis.Savings)
	return analysis
}

// InferDeliveryDays derives a delivery-day SLA from a service code when the
// provider returns no rate for it.
func InferDeliveryDays(serviceCode string) int {
	code := strings.ToLower(serviceCode)
	switch {
	case strings.Contains(code, "overnight"), strings.Contains(code, "next_day"):
		return 1
	case strings.Contains(code, "priority"), strings.Contains(code, "2day"), strings.Contains(code, "expedited"):
		return 2
	case strings.Contains(code, "3day"):
		return 3
	default:
		return 5
	}
}
