package fleet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/si64-net/si64/pkg/coordination"
	"github.com/si64-net/si64/pkg/ledger"
	"github.com/si64-net/si64/pkg/logger"
	"github.com/si64-net/si64/pkg/model"
	"github.com/si64-net/si64/pkg/scheduler"
	"github.com/si64-net/si64/pkg/sentinel"
	"github.com/si64-net/si64/pkg/settlement"
	"github.com/si64-net/si64/pkg/telemetry"
)

type ManagerSuite struct {
	suite.Suite
	mr        *miniredis.Miniredis
	store     *coordination.Store
	vault     *ledger.Ledger
	scheduler *scheduler.Scheduler
	manager   *Manager
	metrics   *telemetry.Metrics
	server    *httptest.Server
	ctx       context.Context
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	s.mr = miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.store = coordination.NewStore(coordination.StoreParams{Client: client})

	vault, err := ledger.New(ledger.Params{DatabasePath: filepath.Join(s.T().TempDir(), "vault.db")})
	s.Require().NoError(err)
	s.vault = vault
	s.T().Cleanup(func() { _ = vault.Close() })

	s.scheduler = scheduler.New(scheduler.Params{
		Store:       s.store,
		Valuation:   scheduler.Valuation{Default: 0.0001},
		MaxBounty:   10,
		BountyTTL:   time.Hour,
		DispatchTTL: time.Hour,
	})

	guard := sentinel.New(sentinel.Params{
		Store:    s.store,
		Provider: settlement.NewSimulatedProvider(),
		Budgets: map[model.HardwareClass]time.Duration{
			model.HardwareClassStandardGPU: time.Minute,
		},
		MinStake:         0.0001,
		InternalPrefixes: []string{"si64-internal"},
	})

	s.metrics = telemetry.New()
	s.manager = NewManager(ManagerParams{
		Store:         s.store,
		Scheduler:     s.scheduler,
		Sentinel:      guard,
		Ledger:        vault,
		Metrics:       s.metrics,
		LivenessTTL:   5 * time.Second,
		WorkerFee:     0.90,
		DefaultBounty: 0.0001,
		MaxSafeTempC:  85,
	})

	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.manager.Handle(r.Context(), conn)
	}))
	s.T().Cleanup(s.server.Close)
	s.ctx = context.Background()
}

func (s *ManagerSuite) dial() *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func (s *ManagerSuite) register(conn *websocket.Conn, nodeID string) {
	s.Require().NoError(conn.WriteJSON(model.Heartbeat{
		NodeID:   nodeID,
		Hardware: model.HardwareClassStandardGPU,
		Status:   model.NodeStatusIdle,
		Wallet:   "wallet1",
	}))
}

func (s *ManagerSuite) waitForSession(nodeID string) {
	s.Require().Eventually(func() bool {
		return s.manager.HasSession(nodeID)
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ManagerSuite) TestRegistrationCommissionsNode() {
	conn := s.dial()
	s.register(conn, "rig_01")
	s.waitForSession("rig_01")

	active, err := s.store.ActiveNodes(s.ctx)
	s.Require().NoError(err)
	s.Contains(active, "rig_01")

	size, err := s.store.PoolSize(s.ctx, model.HardwareClassStandardGPU)
	s.Require().NoError(err)
	s.Equal(int64(1), size)

	rep, err := s.store.Reputation(s.ctx, "rig_01")
	s.Require().NoError(err)
	s.Equal(int64(sentinel.ReputationConnect), rep)
}

func (s *ManagerSuite) TestDisconnectDecommissions() {
	conn := s.dial()
	s.register(conn, "rig_01")
	s.waitForSession("rig_01")

	s.Require().NoError(conn.Close())
	s.Require().Eventually(func() bool {
		active, err := s.store.ActiveNodes(s.ctx)
		return err == nil && len(active) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ManagerSuite) TestDispatchAndSettleRoundTrip() {
	submitted, err := s.scheduler.Submit(s.ctx, scheduler.SubmitRequest{
		Type:     "DEFAULT",
		Payload:  "render",
		Hardware: model.HardwareClassStandardGPU,
	})
	s.Require().NoError(err)

	conn := s.dial()
	s.register(conn, "rig_01")

	var delivered model.Job
	s.Require().NoError(conn.ReadJSON(&delivered))
	s.Equal(submitted.ID, delivered.ID)
	s.Equal("render", delivered.Payload)

	s.Require().NoError(conn.WriteJSON(model.Heartbeat{
		NodeID:    "rig_01",
		Status:    model.NodeStatusIdle,
		Wallet:    "wallet1",
		LastEvent: model.EventJobComplete,
		JobID:     delivered.ID,
		Result:    "done",
	}))

	var ack model.Ack
	s.Require().NoError(conn.ReadJSON(&ack))
	s.Equal(model.AckQueuedForPayout, ack.Status)
	s.InDelta(submitted.Bounty*0.90, ack.Value, 1e-12)
	s.Equal(int64(sentinel.ReputationConnect+sentinel.ReputationJobComplete), ack.Reputation)

	instruction, err := s.store.DequeuePayout(s.ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(instruction)
	s.Equal(delivered.ID, instruction.JobID)

	engine := settlement.NewEngine(settlement.EngineParams{
		Provider: settlement.NewSimulatedProvider(),
		Ledger:   s.vault,
	})
	rec, err := engine.Settle(s.ctx, *instruction)
	s.Require().NoError(err)
	s.Equal(model.SettlementConfirmed, rec.Status)
	s.Equal(settlement.SimulatedSignature, rec.Signature)

	s.Equal(1.0, testutil.ToFloat64(s.metrics.JobsDispatched))
}

func (s *ManagerSuite) TestCompletionMessageRedispatchesImmediately() {
	first, err := s.scheduler.Submit(s.ctx, scheduler.SubmitRequest{
		Type:     "DEFAULT",
		Hardware: model.HardwareClassStandardGPU,
	})
	s.Require().NoError(err)
	second, err := s.scheduler.Submit(s.ctx, scheduler.SubmitRequest{
		Type:     "DEFAULT",
		Hardware: model.HardwareClassStandardGPU,
	})
	s.Require().NoError(err)

	conn := s.dial()
	s.register(conn, "rig_01")

	var delivered model.Job
	s.Require().NoError(conn.ReadJSON(&delivered))
	s.Equal(first.ID, delivered.ID)

	// One completion message carrying IDLE: the ack and the next job must
	// both arrive without another heartbeat.
	s.Require().NoError(conn.WriteJSON(model.Heartbeat{
		NodeID:    "rig_01",
		Status:    model.NodeStatusIdle,
		Wallet:    "wallet1",
		LastEvent: model.EventJobComplete,
		JobID:     delivered.ID,
		Result:    "done",
	}))

	var ack model.Ack
	s.Require().NoError(conn.ReadJSON(&ack))
	s.Equal(model.AckQueuedForPayout, ack.Status)

	var next model.Job
	s.Require().NoError(conn.ReadJSON(&next))
	s.Equal(second.ID, next.ID)
}

func (s *ManagerSuite) TestBannedNodeRejectedAtHandshake() {
	s.Require().NoError(s.store.Ban(s.ctx, "rig_02"))

	conn := s.dial()
	s.register(conn, "rig_02")

	var anything map[string]interface{}
	err := conn.ReadJSON(&anything)
	s.Require().Error(err)
	s.True(websocket.IsCloseError(err, model.CloseSentinelBan),
		"expected sentinel ban close code, got %v", err)
}

func (s *ManagerSuite) TestMalformedRegistrationRejected() {
	conn := s.dial()
	s.Require().NoError(conn.WriteJSON(model.Heartbeat{NodeID: ""}))

	var anything map[string]interface{}
	err := conn.ReadJSON(&anything)
	s.Require().Error(err)
	s.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func (s *ManagerSuite) TestDisconnectMidJobRequeuesOnce() {
	_, err := s.scheduler.Submit(s.ctx, scheduler.SubmitRequest{
		Type:     "DEFAULT",
		Hardware: model.HardwareClassStandardGPU,
	})
	s.Require().NoError(err)

	conn := s.dial()
	s.register(conn, "rig_01")

	var delivered model.Job
	s.Require().NoError(conn.ReadJSON(&delivered))

	depth, err := s.store.QueueDepth(s.ctx, model.HardwareClassStandardGPU)
	s.Require().NoError(err)
	s.Equal(int64(0), depth)

	s.Require().NoError(conn.Close())
	s.Require().Eventually(func() bool {
		depth, err := s.store.QueueDepth(s.ctx, model.HardwareClassStandardGPU)
		return err == nil && depth == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ManagerSuite) TestGhostReaperSweep() {
	// A pool entry with no transport and no liveness key is a ghost.
	ghost := model.Node{ID: "dead_01", Hardware: model.HardwareClassStandardGPU}
	s.Require().NoError(s.store.Commission(s.ctx, ghost))

	reaper := NewGhostReaper(GhostReaperParams{Manager: s.manager, Interval: time.Hour})
	reaped := reaper.Sweep(s.ctx)
	s.Equal(1, reaped)

	active, err := s.store.ActiveNodes(s.ctx)
	s.Require().NoError(err)
	s.Empty(active)
}

func (s *ManagerSuite) TestGhostReaperSweepsStrayActiveEntry() {
	// An active-set entry with no pool membership, left by a crash between
	// set writes.
	_, err := s.mr.SetAdd("active_nodes", "stray_01")
	s.Require().NoError(err)

	reaper := NewGhostReaper(GhostReaperParams{Manager: s.manager, Interval: time.Hour})
	s.Equal(1, reaper.Sweep(s.ctx))

	active, err := s.store.ActiveNodes(s.ctx)
	s.Require().NoError(err)
	s.Empty(active)
}

func (s *ManagerSuite) TestGhostReaperSparesLiveSessions() {
	conn := s.dial()
	s.register(conn, "rig_01")
	s.waitForSession("rig_01")

	reaper := NewGhostReaper(GhostReaperParams{Manager: s.manager, Interval: time.Hour})
	s.Equal(0, reaper.Sweep(s.ctx))

	active, err := s.store.ActiveNodes(s.ctx)
	s.Require().NoError(err)
	s.Contains(active, "rig_01")
}
