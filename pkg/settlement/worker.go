package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/coordination"
)

// PayoutWorker drains the shared payout queue through the engine, pausing
// between settlements so the RPC endpoint is never hammered after a burst
// of completions.
type PayoutWorker struct {
	store     *coordination.Store
	engine    *Engine
	rateDelay time.Duration
}

type PayoutWorkerParams struct {
	Store     *coordination.Store
	Engine    *Engine
	RateDelay time.Duration
}

func NewPayoutWorker(params PayoutWorkerParams) *PayoutWorker {
	return &PayoutWorker{
		store:     params.Store,
		engine:    params.Engine,
		rateDelay: params.RateDelay,
	}
}

// Run consumes payout instructions until the context is cancelled. A failed
// settlement is already recorded by the engine; the worker moves on rather
// than wedging the queue.
func (w *PayoutWorker) Run(ctx context.Context) {
	log.Ctx(ctx).Info().Dur("RateDelay", w.rateDelay).Msg("payout worker started")
	for {
		if ctx.Err() != nil {
			log.Ctx(ctx).Info().Msg("payout worker stopped")
			return
		}

		instruction, err := w.store.DequeuePayout(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Ctx(ctx).Error().Err(err).Msg("payout queue read failed")
			time.Sleep(w.rateDelay)
			continue
		}
		if instruction == nil {
			continue
		}

		if _, err := w.engine.Settle(ctx, *instruction); err != nil {
			log.Ctx(ctx).Error().Err(err).
				Str("JobID", instruction.JobID).
				Msg("settlement failed to record")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.rateDelay):
		}
	}
}
