package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/ledger"
	"github.com/si64-net/si64/pkg/model"
	"github.com/si64-net/si64/pkg/telemetry"
)

// Engine turns payout instructions into ledger rows, broadcasting through
// the configured provider. Every instruction produces exactly one final
// row per job id, whatever the outcome.
type Engine struct {
	provider Provider
	vault    *ledger.Ledger
	retry    RetryPolicy
	metrics  *telemetry.Metrics
	dryRun   bool
}

type EngineParams struct {
	Provider Provider
	Ledger   *ledger.Ledger
	Retry    RetryPolicy

	// Metrics is optional; outcomes are counted when it is set.
	Metrics *telemetry.Metrics

	// DryRun settles without touching the dust gate: the simulated
	// signature is recorded for every payable instruction.
	DryRun bool
}

func NewEngine(params EngineParams) *Engine {
	if params.Retry.MaxAttempts == 0 {
		params.Retry = DefaultRetryPolicy()
	}
	return &Engine{
		provider: params.Provider,
		vault:    params.Ledger,
		retry:    params.Retry,
		metrics:  params.Metrics,
		dryRun:   params.DryRun,
	}
}

// Settle processes one payout instruction end to end and returns the final
// row written to the ledger.
func (e *Engine) Settle(ctx context.Context, instruction model.TransactionRecord) (model.TransactionRecord, error) {
	ctx = log.Ctx(ctx).With().Str("JobID", instruction.JobID).Logger().WithContext(ctx)

	rec := instruction
	rec.Status = model.SettlementPending
	rec.Signature = ""
	if err := e.vault.RecordTransaction(ctx, rec); err != nil {
		return rec, err
	}

	lamports := uint64(rec.Amount * model.LamportsPerSOL)

	if e.dryRun {
		sig, err := e.provider.Pay(ctx, rec.Wallet, lamports)
		if err != nil {
			rec.Status = model.SettlementFailedTx
			return rec, e.finalize(ctx, rec)
		}
		rec.Status = model.SettlementConfirmed
		rec.Signature = sig
		return rec, e.finalize(ctx, rec)
	}

	if rec.Amount < model.DustThreshold {
		rec.Status = model.SettlementSkippedDust
		log.Ctx(ctx).Debug().Float64("Amount", rec.Amount).Msg("payout below dust threshold")
		return rec, e.finalize(ctx, rec)
	}

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		sig, err := e.provider.Pay(ctx, rec.Wallet, lamports)
		if err == nil {
			rec.Status = model.SettlementConfirmed
			rec.Signature = sig
			log.Ctx(ctx).Info().
				Str("Signature", sig).
				Float64("Amount", rec.Amount).
				Msg("payout confirmed")
			return rec, e.finalize(ctx, rec)
		}
		lastErr = err

		if IsPermanent(err) {
			rec.Status = PermanentStatus(err)
			log.Ctx(ctx).Warn().Err(err).
				Str("Status", rec.Status).
				Msg("payout permanently failed, not retrying")
			return rec, e.finalize(ctx, rec)
		}

		log.Ctx(ctx).Warn().Err(err).
			Int("Attempt", attempt).
			Msg("payout broadcast failed")

		if attempt < e.retry.MaxAttempts {
			select {
			case <-ctx.Done():
				rec.Status = model.SettlementFailedTx
				return rec, e.finalize(ctx, rec)
			case <-time.After(e.retry.Backoff(attempt)):
			}
		}
	}

	rec.Status = model.SettlementFailedTx
	log.Ctx(ctx).Error().Err(lastErr).Msg("payout exhausted retries")
	return rec, e.finalize(ctx, rec)
}

// finalize writes a terminal row and counts its outcome.
func (e *Engine) finalize(ctx context.Context, rec model.TransactionRecord) error {
	if e.metrics != nil {
		e.metrics.Settlements.WithLabelValues(rec.Status).Inc()
	}
	return e.vault.RecordTransaction(ctx, rec)
}
