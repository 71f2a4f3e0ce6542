package sentinel

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/coordination"
	"github.com/si64-net/si64/pkg/model"
	"github.com/si64-net/si64/pkg/settlement"
)

// Reputation deltas applied by gate outcomes.
const (
	ReputationConnect     = 10
	ReputationJobComplete = 100
	ReputationBanPenalty  = -250
	ReputationDenyPenalty = -50
)

// Verdict is the sentinel's decision on a completion claim.
type Verdict int

const (
	// VerdictApproved clears the claim for settlement.
	VerdictApproved Verdict = iota
	// VerdictDeniedStake blocks the payout but keeps the session open.
	VerdictDeniedStake
	// VerdictBanned blocks the payout, bans the node and closes the session.
	VerdictBanned
)

// CompletionClaim is everything the gates need about a finished job.
type CompletionClaim struct {
	NodeID   string
	JobID    string
	JobType  string
	Hardware model.HardwareClass
	Wallet   string
}

// Sentinel evaluates completion claims before any money moves. Both gates
// fail closed: a claim that cannot be verified is a claim that is not paid.
type Sentinel struct {
	store    *coordination.Store
	provider settlement.Provider

	budgets          map[model.HardwareClass]time.Duration
	minStake         float64
	internalPrefixes []string
	exemptJobTypes   []string
}

type Params struct {
	Store    *coordination.Store
	Provider settlement.Provider

	// Budgets is the per-class wall-clock ceiling from dispatch to
	// completion. A class without an entry is not timed.
	Budgets map[model.HardwareClass]time.Duration

	// MinStake is the wallet balance, in whole coins, an external node
	// must hold to be paid.
	MinStake float64

	// InternalPrefixes marks trusted identity prefixes that bypass both
	// gates.
	InternalPrefixes []string

	// ExemptJobTypes bypass the timing gate only.
	ExemptJobTypes []string
}

func New(params Params) *Sentinel {
	return &Sentinel{
		store:            params.Store,
		provider:         params.Provider,
		budgets:          params.Budgets,
		minStake:         params.MinStake,
		internalPrefixes: params.InternalPrefixes,
		exemptJobTypes:   params.ExemptJobTypes,
	}
}

// IsInternal reports whether a node id carries a trusted identity prefix.
func (s *Sentinel) IsInternal(nodeID string) bool {
	prefix := model.IdentityPrefix(nodeID)
	for _, p := range s.internalPrefixes {
		if prefix == p || strings.HasPrefix(nodeID, p) {
			return true
		}
	}
	return false
}

// HandshakeAllowed rejects previously banned nodes at reconnection time.
func (s *Sentinel) HandshakeAllowed(ctx context.Context, nodeID string) (bool, error) {
	banned, err := s.store.IsBanned(ctx, nodeID)
	if err != nil {
		return false, err
	}
	return !banned, nil
}

// Evaluate runs the timing and stake gates against a completion claim.
// Side effects (ban set, reputation) are applied here; the caller only has
// to act on the verdict.
func (s *Sentinel) Evaluate(ctx context.Context, claim CompletionClaim) (Verdict, error) {
	internal := s.IsInternal(claim.NodeID)

	dispatch, ok, err := s.store.Dispatch(ctx, claim.JobID)
	if err != nil || !ok {
		if internal {
			log.Ctx(ctx).Warn().Str("JobID", claim.JobID).
				Msg("no dispatch record for internal node claim, approving")
			return VerdictApproved, nil
		}
		// An unverifiable claim is denied, not banned. The record may
		// simply have aged out.
		log.Ctx(ctx).Warn().Err(err).Str("JobID", claim.JobID).
			Msg("no dispatch record for claim, denying payout")
		_, _ = s.store.AdjustReputation(ctx, claim.NodeID, ReputationDenyPenalty)
		return VerdictDeniedStake, nil
	}

	if verdict := s.timingGate(ctx, claim, dispatch, internal); verdict != VerdictApproved {
		return verdict, nil
	}

	return s.stakeGate(ctx, claim, internal), nil
}

func (s *Sentinel) timingGate(ctx context.Context, claim CompletionClaim, dispatch model.DispatchRecord, internal bool) Verdict {
	budget := s.budgets[dispatch.Hardware]
	if budget <= 0 {
		return VerdictApproved
	}
	elapsed := time.Since(dispatch.Dispatched)
	if elapsed <= budget {
		return VerdictApproved
	}
	for _, t := range s.exemptJobTypes {
		if t == claim.JobType {
			return VerdictApproved
		}
	}

	evt := log.Ctx(ctx).Warn().
		Str("NodeID", claim.NodeID).
		Str("JobID", claim.JobID).
		Dur("Elapsed", elapsed).
		Dur("Budget", budget)

	if internal {
		evt.Msg("internal node exceeded time budget, exempt from ban")
		return VerdictApproved
	}

	evt.Msg("time budget exceeded, banning node")
	if err := s.store.Ban(ctx, claim.NodeID); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("NodeID", claim.NodeID).Msg("recording ban failed")
	}
	_, _ = s.store.AdjustReputation(ctx, claim.NodeID, ReputationBanPenalty)
	return VerdictBanned
}

func (s *Sentinel) stakeGate(ctx context.Context, claim CompletionClaim, internal bool) Verdict {
	if internal || s.minStake <= 0 {
		return VerdictApproved
	}

	deny := func(reason string) Verdict {
		log.Ctx(ctx).Warn().
			Str("NodeID", claim.NodeID).
			Str("Wallet", claim.Wallet).
			Msg(reason)
		_, _ = s.store.AdjustReputation(ctx, claim.NodeID, ReputationDenyPenalty)
		return VerdictDeniedStake
	}

	if claim.Wallet == "" {
		return deny("payout denied, no wallet on record")
	}

	balance, err := s.provider.Balance(ctx, claim.Wallet)
	if err != nil {
		return deny("payout denied, stake check unavailable")
	}
	if balance < uint64(s.minStake*model.LamportsPerSOL) {
		return deny("payout denied, stake below minimum")
	}
	return VerdictApproved
}
