package node

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/config"
	"github.com/si64-net/si64/pkg/coordination"
	"github.com/si64-net/si64/pkg/fleet"
	"github.com/si64-net/si64/pkg/ledger"
	"github.com/si64-net/si64/pkg/publicapi"
	"github.com/si64-net/si64/pkg/scheduler"
	"github.com/si64-net/si64/pkg/sentinel"
	"github.com/si64-net/si64/pkg/settlement"
	"github.com/si64-net/si64/pkg/system"
	"github.com/si64-net/si64/pkg/telemetry"
)

const metricsRefreshInterval = 15 * time.Second

// Coordinator is one fully wired coordinator process.
type Coordinator struct {
	Store     *coordination.Store
	Ledger    *ledger.Ledger
	Provider  settlement.Provider
	Engine    *settlement.Engine
	Worker    *settlement.PayoutWorker
	Sentinel  *sentinel.Sentinel
	Scheduler *scheduler.Scheduler
	Rentals   *scheduler.RentalDesk
	Manager   *fleet.Manager
	Reaper    *fleet.GhostReaper
	Metrics   *telemetry.Metrics
	Server    *publicapi.Server
}

// New assembles a coordinator from configuration. Components receive their
// dependencies explicitly; nothing reaches for globals.
func New(ctx context.Context, cfg *config.Config, cm *system.CleanupManager) (*Coordinator, error) {
	client, err := coordination.NewClientFromURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	store := coordination.NewStore(coordination.StoreParams{Client: client})
	if err := store.Ping(ctx); err != nil {
		return nil, err
	}
	cm.RegisterCallback(store.Close)

	vault, err := ledger.New(ledger.Params{DatabasePath: cfg.DatabasePath})
	if err != nil {
		return nil, err
	}
	cm.RegisterCallback(vault.Close)

	var provider settlement.Provider
	if cfg.SimulationMode {
		log.Ctx(ctx).Warn().Msg("settlement running in simulation mode")
		provider = settlement.NewSimulatedProvider()
	} else {
		provider, err = settlement.NewSolanaProvider(settlement.SolanaProviderParams{
			RPCURL:      cfg.SolanaRPCURL,
			KeypairPath: cfg.KeypairPath,
		})
		if err != nil {
			return nil, err
		}
	}

	metrics := telemetry.New()

	engine := settlement.NewEngine(settlement.EngineParams{
		Provider: provider,
		Ledger:   vault,
		Retry:    settlement.DefaultRetryPolicy(),
		Metrics:  metrics,
		DryRun:   cfg.SimulationMode,
	})
	worker := settlement.NewPayoutWorker(settlement.PayoutWorkerParams{
		Store:     store,
		Engine:    engine,
		RateDelay: cfg.PayoutRateDelay,
	})

	guard := sentinel.New(sentinel.Params{
		Store:            store,
		Provider:         provider,
		Budgets:          cfg.TTSBudgets,
		MinStake:         cfg.MinStake,
		InternalPrefixes: []string{"si64-internal"},
		ExemptJobTypes:   cfg.ExemptJobTypes,
	})

	sched := scheduler.New(scheduler.Params{
		Store: store,
		Valuation: scheduler.Valuation{
			Rates:   map[string]float64{"DEFAULT": cfg.BountyPerJob},
			Default: cfg.BountyPerJob,
		},
		MaxBounty:   cfg.MaxBounty,
		BountyTTL:   cfg.BountyRecordTTL,
		DispatchTTL: cfg.DispatchPinTTL,
	})
	rentals := scheduler.NewRentalDesk(scheduler.RentalDeskParams{Ledger: vault})

	manager := fleet.NewManager(fleet.ManagerParams{
		Store:         store,
		Scheduler:     sched,
		Sentinel:      guard,
		Ledger:        vault,
		Metrics:       metrics,
		LivenessTTL:   cfg.LivenessTTL,
		WorkerFee:     cfg.WorkerFeePercent,
		DefaultBounty: cfg.BountyPerJob,
		MaxSafeTempC:  cfg.MaxSafeTempC,
	})
	reaper := fleet.NewGhostReaper(fleet.GhostReaperParams{
		Manager:  manager,
		Interval: cfg.ReapInterval,
	})

	server := publicapi.NewServer(publicapi.ServerParams{
		Address:        cfg.ListenAddress,
		AccessKey:      cfg.AccessKey,
		RequestsPerMin: cfg.RequestsPerMin,
		Manager:        manager,
		Scheduler:      sched,
		Rentals:        rentals,
		Store:          store,
		Ledger:         vault,
		Metrics:        metrics,
	})

	return &Coordinator{
		Store:     store,
		Ledger:    vault,
		Provider:  provider,
		Engine:    engine,
		Worker:    worker,
		Sentinel:  guard,
		Scheduler: sched,
		Rentals:   rentals,
		Manager:   manager,
		Reaper:    reaper,
		Metrics:   metrics,
		Server:    server,
	}, nil
}

// Start launches the background loops and the API server, blocking until
// the server stops. Background loops stop with the context.
func (c *Coordinator) Start(ctx context.Context, cm *system.CleanupManager) error {
	bgCtx, cancel := context.WithCancel(ctx)
	cm.RegisterCallback(func() error {
		cancel()
		return nil
	})

	go c.Worker.Run(bgCtx)
	go c.Reaper.Run(bgCtx)
	go c.Manager.RunWakers(bgCtx)
	go c.Metrics.RunCollector(bgCtx, c.Store, c.Ledger, metricsRefreshInterval)

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := c.Server.Shutdown(shutdownCtx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("api server shutdown failed")
		}
	}()

	return c.Server.ListenAndServe()
}
