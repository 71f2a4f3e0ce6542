package scheduler

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/coordination"
	"github.com/si64-net/si64/pkg/model"
)

const (
	maxJobTypeLength = 50
	maxPayloadLength = 10000

	// A job dropped by its node is retried once. A second drop means the
	// job itself is suspect.
	maxRedispatches = 1
)

var jobTypePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// Valuation maps job types to bounties for submissions that leave the
// bounty out.
type Valuation struct {
	Rates   map[string]float64
	Default float64
}

// Value returns the bounty for a job type, falling back to the default.
func (v Valuation) Value(jobType string) float64 {
	if rate, ok := v.Rates[jobType]; ok {
		return rate
	}
	return v.Default
}

// Scheduler owns admission and hardware-partitioned matching. Queues are
// strict FIFO per class; a node never receives work outside its declared
// class.
type Scheduler struct {
	store     *coordination.Store
	valuation Valuation

	maxBounty   float64
	bountyTTL   time.Duration
	dispatchTTL time.Duration
}

type Params struct {
	Store       *coordination.Store
	Valuation   Valuation
	MaxBounty   float64
	BountyTTL   time.Duration
	DispatchTTL time.Duration
}

func New(params Params) *Scheduler {
	return &Scheduler{
		store:       params.Store,
		valuation:   params.Valuation,
		maxBounty:   params.MaxBounty,
		bountyTTL:   params.BountyTTL,
		dispatchTTL: params.DispatchTTL,
	}
}

// SubmitRequest is an admission candidate. A nil Bounty means "appraise it
// for me".
type SubmitRequest struct {
	Type     string
	Payload  string
	Hardware model.HardwareClass
	Bounty   *float64
}

// Submit validates, appraises and enqueues a job, returning the accepted
// envelope. The bounty is pinned under the job id so settlement later pays
// the agreed figure, not a recomputed one.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (model.Job, error) {
	if err := s.validate(req); err != nil {
		return model.Job{}, err
	}

	bounty := s.valuation.Value(req.Type)
	if req.Bounty != nil {
		bounty = clamp(*req.Bounty, 0, s.maxBounty)
	}

	job := model.Job{
		ID:        uuid.NewString()[:8],
		Type:      req.Type,
		Payload:   html.EscapeString(req.Payload),
		Hardware:  req.Hardware,
		Bounty:    bounty,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.RecordBounty(ctx, job.ID, job.Bounty, s.bountyTTL); err != nil {
		return model.Job{}, err
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return model.Job{}, err
	}

	log.Ctx(ctx).Info().
		Str("JobID", job.ID).
		Str("Type", job.Type).
		Str("Hardware", job.Hardware.String()).
		Float64("Bounty", job.Bounty).
		Msg("job queued")
	return job, nil
}

func (s *Scheduler) validate(req SubmitRequest) error {
	if req.Type == "" || len(req.Type) > maxJobTypeLength {
		return fmt.Errorf("job type must be 1-%d characters", maxJobTypeLength)
	}
	if !jobTypePattern.MatchString(req.Type) {
		return fmt.Errorf("job type %q must match %s", req.Type, jobTypePattern)
	}
	if len(req.Payload) > maxPayloadLength {
		return fmt.Errorf("payload exceeds %d characters", maxPayloadLength)
	}
	if !req.Hardware.IsValid() {
		return fmt.Errorf("unknown hardware class")
	}
	return nil
}

// DispatchOnIdle pops the oldest job of the node's class and pins the
// dispatch for later timing checks. A nil job means the queue was empty,
// which is not an error.
func (s *Scheduler) DispatchOnIdle(ctx context.Context, node model.Node) (*model.Job, error) {
	job, err := s.store.DequeueJob(ctx, node.Hardware)
	if err != nil || job == nil {
		return nil, err
	}

	rec := model.DispatchRecord{
		JobID:      job.ID,
		NodeID:     node.ID,
		Hardware:   node.Hardware,
		Dispatched: time.Now().UTC(),
	}
	if err := s.store.PinDispatch(ctx, rec, s.dispatchTTL); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("JobID", job.ID).
		Str("NodeID", node.ID).
		Msg("job dispatched")
	return job, nil
}

// Requeue returns a dispatched job to the head of its queue after its node
// disconnected without completing it. Past the redispatch cap the job is
// dropped and logged.
func (s *Scheduler) Requeue(ctx context.Context, job model.Job) error {
	_ = s.store.ClearDispatch(ctx, job.ID)

	if job.Redispatches >= maxRedispatches {
		log.Ctx(ctx).Warn().
			Str("JobID", job.ID).
			Int("Redispatches", job.Redispatches).
			Msg("job dropped after repeated redispatch")
		return nil
	}
	job.Redispatches++
	if err := s.store.RequeueJob(ctx, job); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("JobID", job.ID).Msg("job requeued")
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
