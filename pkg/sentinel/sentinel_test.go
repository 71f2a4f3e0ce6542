package sentinel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/si64-net/si64/pkg/coordination"
	"github.com/si64-net/si64/pkg/logger"
	"github.com/si64-net/si64/pkg/model"
)

type stubProvider struct {
	balance uint64
	err     error
}

func (p *stubProvider) Pay(ctx context.Context, wallet string, lamports uint64) (string, error) {
	return "", errors.New("not used")
}

func (p *stubProvider) Balance(ctx context.Context, wallet string) (uint64, error) {
	return p.balance, p.err
}

func (p *stubProvider) TreasuryBalance(ctx context.Context) (uint64, error) {
	return 0, nil
}

type SentinelSuite struct {
	suite.Suite
	store    *coordination.Store
	provider *stubProvider
	ctx      context.Context
}

func TestSentinelSuite(t *testing.T) {
	suite.Run(t, new(SentinelSuite))
}

func (s *SentinelSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	mr := miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.store = coordination.NewStore(coordination.StoreParams{Client: client})
	s.provider = &stubProvider{balance: 10 * model.LamportsPerSOL}
	s.ctx = context.Background()
}

func (s *SentinelSuite) newSentinel() *Sentinel {
	return New(Params{
		Store:    s.store,
		Provider: s.provider,
		Budgets: map[model.HardwareClass]time.Duration{
			model.HardwareClassStandardGPU: 30 * time.Second,
		},
		MinStake:         0.01,
		InternalPrefixes: []string{"si64-internal"},
		ExemptJobTypes:   []string{"CALIBRATION"},
	})
}

func (s *SentinelSuite) pinDispatch(jobID, nodeID string, age time.Duration) {
	rec := model.DispatchRecord{
		JobID:      jobID,
		NodeID:     nodeID,
		Hardware:   model.HardwareClassStandardGPU,
		Dispatched: time.Now().Add(-age),
	}
	s.Require().NoError(s.store.PinDispatch(s.ctx, rec, time.Hour))
}

func (s *SentinelSuite) claim(jobID, nodeID string) CompletionClaim {
	return CompletionClaim{
		NodeID:   nodeID,
		JobID:    jobID,
		JobType:  "DEFAULT",
		Hardware: model.HardwareClassStandardGPU,
		Wallet:   "wallet1",
	}
}

func (s *SentinelSuite) TestWithinBudgetApproved() {
	s.pinDispatch("j1", "rig_01", 5*time.Second)
	verdict, err := s.newSentinel().Evaluate(s.ctx, s.claim("j1", "rig_01"))
	s.Require().NoError(err)
	s.Equal(VerdictApproved, verdict)
}

func (s *SentinelSuite) TestOverBudgetBansExternalNode() {
	s.pinDispatch("j1", "rig_01", 31*time.Second)
	verdict, err := s.newSentinel().Evaluate(s.ctx, s.claim("j1", "rig_01"))
	s.Require().NoError(err)
	s.Equal(VerdictBanned, verdict)

	banned, err := s.store.IsBanned(s.ctx, "rig_01")
	s.Require().NoError(err)
	s.True(banned)

	rep, err := s.store.Reputation(s.ctx, "rig_01")
	s.Require().NoError(err)
	s.Equal(int64(ReputationBanPenalty), rep)

	// Reconnection is refused at the next handshake.
	allowed, err := s.newSentinel().HandshakeAllowed(s.ctx, "rig_01")
	s.Require().NoError(err)
	s.False(allowed)
}

func (s *SentinelSuite) TestOverBudgetInternalNodeExempt() {
	s.pinDispatch("j1", "si64-internal_01", time.Minute)
	verdict, err := s.newSentinel().Evaluate(s.ctx, s.claim("j1", "si64-internal_01"))
	s.Require().NoError(err)
	s.Equal(VerdictApproved, verdict)

	banned, err := s.store.IsBanned(s.ctx, "si64-internal_01")
	s.Require().NoError(err)
	s.False(banned)
}

func (s *SentinelSuite) TestOverBudgetExemptJobType() {
	s.pinDispatch("j1", "rig_01", time.Minute)
	claim := s.claim("j1", "rig_01")
	claim.JobType = "CALIBRATION"
	verdict, err := s.newSentinel().Evaluate(s.ctx, claim)
	s.Require().NoError(err)
	s.Equal(VerdictApproved, verdict)
}

func (s *SentinelSuite) TestStakeBelowMinimumDenied() {
	s.pinDispatch("j1", "rig_01", time.Second)
	s.provider.balance = 1000
	verdict, err := s.newSentinel().Evaluate(s.ctx, s.claim("j1", "rig_01"))
	s.Require().NoError(err)
	s.Equal(VerdictDeniedStake, verdict)

	rep, err := s.store.Reputation(s.ctx, "rig_01")
	s.Require().NoError(err)
	s.Equal(int64(ReputationDenyPenalty), rep)
}

func (s *SentinelSuite) TestStakeCheckUnavailableFailsClosed() {
	s.pinDispatch("j1", "rig_01", time.Second)
	s.provider.err = errors.New("rpc unreachable")
	verdict, err := s.newSentinel().Evaluate(s.ctx, s.claim("j1", "rig_01"))
	s.Require().NoError(err)
	s.Equal(VerdictDeniedStake, verdict)
}

func (s *SentinelSuite) TestMissingWalletDenied() {
	s.pinDispatch("j1", "rig_01", time.Second)
	claim := s.claim("j1", "rig_01")
	claim.Wallet = ""
	verdict, err := s.newSentinel().Evaluate(s.ctx, claim)
	s.Require().NoError(err)
	s.Equal(VerdictDeniedStake, verdict)
}

func (s *SentinelSuite) TestMissingDispatchRecordDenied() {
	verdict, err := s.newSentinel().Evaluate(s.ctx, s.claim("ghost", "rig_01"))
	s.Require().NoError(err)
	s.Equal(VerdictDeniedStake, verdict)
}
