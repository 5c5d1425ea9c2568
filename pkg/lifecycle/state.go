// Package lifecycle derives the canonical (phase, subphase) of a shipment
// from its row and enumerates the legal transitions between them.
package lifecycle

import (
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
)

// Phase is the coarse lifecycle position of a shipment.
type Phase string

const (
	PhaseOnDock            Phase = "on_dock"
	PhasePickingIssues     Phase = "picking_issues"
	PhasePackingReady      Phase = "packing_ready"
	PhasePicking           Phase = "picking"
	PhaseReadyToPick       Phase = "ready_to_pick"
	PhaseReadyToSession    Phase = "ready_to_session"
	PhaseAwaitingDecisions Phase = "awaiting_decisions"
)

// Subphase is the decision position inside AWAITING_DECISIONS (and, for
// batching purposes, READY_TO_SESSION).
type Subphase string

const (
	SubReadyForSkuvault    Subphase = "ready_for_skuvault"
	SubNeedsSession        Subphase = "needs_session"
	SubNeedsRateCheck      Subphase = "needs_rate_check"
	SubNeedsPackaging      Subphase = "needs_packaging"
	SubNeedsFingerprint    Subphase = "needs_fingerprint"
	SubNeedsCategorization Subphase = "needs_categorization"
)

// State is a derived lifecycle position.
type State struct {
	Phase    Phase
	Subphase *Subphase
}

// Derive computes the current state from shipment fields. Pure and
// side-effect free; the priority order is normative.
func Derive(sh *model.Shipment) State {
	// 1. A tracking number is terminal for warehouse purposes even when the
	// carrier already reports movement beyond the dock.
	if sh.TrackingNumber != nil && *sh.TrackingNumber != "" {
		return State{Phase: PhaseOnDock}
	}

	if sh.SessionStatus != nil {
		switch *sh.SessionStatus {
		case model.SessionInactive:
			return State{Phase: PhasePickingIssues}
		case model.SessionClosed:
			// Strict rule: closed AND shipment pending. The loose variant
			// (closed alone) is kept as a backwards-compatibility fallback
			// and yields the same phase.
			return State{Phase: PhasePackingReady}
		case model.SessionActive:
			return State{Phase: PhasePicking}
		case model.SessionNew:
			return State{Phase: PhaseReadyToPick}
		}
	}

	sub := deriveSubphase(sh)
	if sh.ShipmentStatus == model.ShipmentOnHold &&
		sh.HasMoveOverTag &&
		sh.SessionStatus == nil &&
		sh.OrderStatus != "cancelled" {
		// Subphase carried so the session batcher can find needs_session
		// shipments inside this phase too.
		return State{Phase: PhaseReadyToSession, Subphase: &sub}
	}
	return State{Phase: PhaseAwaitingDecisions, Subphase: &sub}
}

func deriveSubphase(sh *model.Shipment) Subphase {
	switch {
	case sh.FulfillmentSessionID != nil && sh.SessionStatus == nil:
		return SubReadyForSkuvault
	case sh.PackagingTypeID != nil:
		if RateCheckPending(sh) {
			return SubNeedsRateCheck
		}
		return SubNeedsSession
	case sh.FingerprintID != nil:
		return SubNeedsPackaging
	case sh.FingerprintStatus != nil && *sh.FingerprintStatus == model.FingerprintComplete:
		return SubNeedsFingerprint
	default:
		return SubNeedsCategorization
	}
}

// RateCheckPending reports whether the rate-check decision still gates the
// shipment: it is sync-eligible and no terminal outcome is recorded.
func RateCheckPending(sh *model.Shipment) bool {
	if !SyncEligible(sh) {
		return false
	}
	switch sh.RateCheckStatus {
	case model.RateCheckNone, model.RateCheckPending:
		return true
	default: // complete, skipped, failed are terminal for gating purposes
		return false
	}
}

// SyncEligible is the five-field conjunction the state machine uses to know
// whether a rate check applies at all.
func SyncEligible(sh *model.Shipment) bool {
	return sh.ExternalShipmentID != nil && *sh.ExternalShipmentID != "" &&
		sh.DestPostalCode != "" &&
		sh.ServiceCode != "" &&
		sh.FingerprintID != nil &&
		sh.PackagingTypeID != nil
}

// LifecycleTransitions is the explicit edge set of legal phase moves. The
// worker refuses to log a transition outside this set.
var LifecycleTransitions = map[Phase][]Phase{
	PhaseAwaitingDecisions: {PhaseReadyToSession, PhaseReadyToPick, PhasePicking, PhasePickingIssues, PhasePackingReady, PhaseOnDock},
	PhaseReadyToSession:    {PhaseAwaitingDecisions, PhaseReadyToPick, PhasePicking, PhasePickingIssues, PhasePackingReady, PhaseOnDock},
	PhaseReadyToPick:       {PhaseReadyToSession, PhaseAwaitingDecisions, PhasePicking, PhasePickingIssues, PhasePackingReady, PhaseOnDock},
	PhasePicking:           {PhaseReadyToPick, PhasePickingIssues, PhasePackingReady, PhaseOnDock},
	PhasePickingIssues:     {PhasePicking, PhaseReadyToPick, PhaseAwaitingDecisions, PhasePackingReady, PhaseOnDock},
	PhasePackingReady:      {PhasePicking, PhasePickingIssues, PhaseOnDock},
	PhaseOnDock:            {},
}

// DecisionTransitions is the explicit edge set of legal subphase moves.
// Forward skips are legal (packaging inheritance jumps straight to
// needs_session); backward edges cover recalcs and cleared assignments.
var DecisionTransitions = map[Subphase][]Subphase{
	SubNeedsCategorization: {SubNeedsFingerprint, SubNeedsPackaging, SubNeedsRateCheck, SubNeedsSession, SubReadyForSkuvault},
	SubNeedsFingerprint:    {SubNeedsPackaging, SubNeedsRateCheck, SubNeedsSession, SubReadyForSkuvault, SubNeedsCategorization},
	SubNeedsPackaging:      {SubNeedsRateCheck, SubNeedsSession, SubReadyForSkuvault, SubNeedsCategorization, SubNeedsFingerprint},
	SubNeedsRateCheck:      {SubNeedsSession, SubReadyForSkuvault, SubNeedsCategorization, SubNeedsPackaging},
	SubNeedsSession:        {SubReadyForSkuvault, SubNeedsCategorization, SubNeedsPackaging, SubNeedsRateCheck},
	SubReadyForSkuvault:    {SubNeedsSession, SubNeedsCategorization},
}

// TransitionAllowed reports whether a phase move is in the edge set. Staying
// put is always legal.
func TransitionAllowed(from, to Phase) bool {
	if from == "" || from == to {
		return true
	}
	for _, p := range LifecycleTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// SubphaseTransitionAllowed reports whether a subphase move is in the edge
// set. Entering or leaving the subphase space entirely is legal.
func SubphaseTransitionAllowed(from, to *Subphase) bool {
	if from == nil || to == nil || *from == *to {
		return true
	}
	for _, s := range DecisionTransitions[*from] {
		if s == *to {
			return true
		}
	}
	return false
}

// IsModifiable reports whether operator edits are still permitted: only the
// first two forward phases, before picking begins.
func IsModifiable(phase Phase) bool {
	return phase == PhaseAwaitingDecisions || phase == PhaseReadyToSession
}

// Progress maps a state onto a 0-100 scalar for UI display.
func Progress(st State) int {
	switch st.Phase {
	case PhaseAwaitingDecisions:
		if st.Subphase == nil {
			return 5
		}
		switch *st.Subphase {
		case SubNeedsCategorization:
			return 5
		case SubNeedsFingerprint:
			return 15
		case SubNeedsPackaging:
			return 25
		case SubNeedsRateCheck:
			return 30
		case SubNeedsSession:
			return 35
		case SubReadyForSkuvault:
			return 45
		}
		return 5
	case PhaseReadyToSession:
		return 50
	case PhaseReadyToPick:
		return 60
	case PhasePickingIssues:
		return 65
	case PhasePicking:
		return 70
	case PhasePackingReady:
		return 85
	case PhaseOnDock:
		return 100
	}
	return 0
}
