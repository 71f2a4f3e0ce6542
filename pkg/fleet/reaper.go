package fleet

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/model"
)

// GhostReaper sweeps the coordination store for membership entries whose
// node no longer holds a transport here and whose liveness record has
// lapsed. Recovers from workers that died without a close frame.
type GhostReaper struct {
	manager  *Manager
	interval time.Duration
}

type GhostReaperParams struct {
	Manager  *Manager
	Interval time.Duration
}

func NewGhostReaper(params GhostReaperParams) *GhostReaper {
	return &GhostReaper{manager: params.Manager, interval: params.Interval}
}

// Run sweeps on a fixed interval until the context ends.
func (r *GhostReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := r.Sweep(ctx); reaped > 0 {
				log.Ctx(ctx).Info().Int("Reaped", reaped).Msg("ghost sweep complete")
			}
		}
	}
}

// Sweep removes ghosts once and returns how many it reaped. An entry with
// a live transport or an unexpired liveness key is left alone.
func (r *GhostReaper) Sweep(ctx context.Context) int {
	reaped := 0
	for _, hw := range model.HardwareClasses() {
		members, err := r.manager.store.PoolMembers(ctx, hw)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("Hardware", hw.String()).Msg("pool listing failed")
			continue
		}
		for _, nodeID := range members {
			if r.manager.HasSession(nodeID) {
				continue
			}
			alive, err := r.manager.store.IsAlive(ctx, nodeID)
			if err != nil || alive {
				continue
			}
			if err := r.manager.store.Decommission(ctx, nodeID, hw); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("Ghost", nodeID).Msg("ghost removal failed")
				continue
			}
			log.Ctx(ctx).Debug().Str("Ghost", nodeID).Msg("reaped ghost node")
			reaped++
		}
	}

	// A crash between set writes can leave a node in the global set with
	// no pool entry; those never show up in the per-class pass above.
	active, err := r.manager.store.ActiveNodes(ctx)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("active set listing failed")
		return reaped
	}
	for _, nodeID := range active {
		if r.manager.HasSession(nodeID) {
			continue
		}
		alive, err := r.manager.store.IsAlive(ctx, nodeID)
		if err != nil || alive {
			continue
		}
		if err := r.manager.store.PurgeNode(ctx, nodeID); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("Ghost", nodeID).Msg("ghost removal failed")
			continue
		}
		log.Ctx(ctx).Debug().Str("Ghost", nodeID).Msg("reaped stray active entry")
		reaped++
	}
	return reaped
}
