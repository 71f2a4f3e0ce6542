package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/coordination"
	"github.com/si64-net/si64/pkg/ledger"
	"github.com/si64-net/si64/pkg/logger"
	"github.com/si64-net/si64/pkg/model"
	"github.com/si64-net/si64/pkg/scheduler"
	"github.com/si64-net/si64/pkg/sentinel"
	"github.com/si64-net/si64/pkg/telemetry"
)

// Manager runs one session loop per connected node. Sessions are strictly
// sequential internally and fully independent of each other; the only
// cross-session state lives in the coordination store.
type Manager struct {
	store     *coordination.Store
	scheduler *scheduler.Scheduler
	sentinel  *sentinel.Sentinel
	vault     *ledger.Ledger
	metrics   *telemetry.Metrics

	livenessTTL   time.Duration
	workerFee     float64
	defaultBounty float64
	maxSafeTempC  float64

	mu       sync.RWMutex
	sessions map[string]*Session
}

type ManagerParams struct {
	Store     *coordination.Store
	Scheduler *scheduler.Scheduler
	Sentinel  *sentinel.Sentinel
	Ledger    *ledger.Ledger

	// Metrics is optional; dispatches are counted when it is set.
	Metrics *telemetry.Metrics

	LivenessTTL   time.Duration
	WorkerFee     float64
	DefaultBounty float64
	MaxSafeTempC  float64
}

func NewManager(params ManagerParams) *Manager {
	return &Manager{
		store:         params.Store,
		scheduler:     params.Scheduler,
		sentinel:      params.Sentinel,
		vault:         params.Ledger,
		metrics:       params.Metrics,
		livenessTTL:   params.LivenessTTL,
		workerFee:     params.WorkerFee,
		defaultBounty: params.DefaultBounty,
		maxSafeTempC:  params.MaxSafeTempC,
	}
}

// SessionCount returns how many transports this process holds open.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// HasSession reports whether this process holds a live transport for the
// node. The ghost reaper uses this to spot stale pool entries.
func (m *Manager) HasSession(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[nodeID]
	return ok
}

func (m *Manager) sessionsForClass(hw model.HardwareClass) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Node().Hardware == hw {
			out = append(out, s)
		}
	}
	return out
}

// Handle owns a freshly upgraded connection for its whole life: handshake,
// registration, message loop and teardown. Credential checks happened at
// the HTTP layer; the first application message must register the node.
func (m *Manager) Handle(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * m.livenessTTL))
	var first model.Heartbeat
	if err := conn.ReadJSON(&first); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("connection dropped before registration")
		return
	}

	node := model.Node{
		ID:       first.NodeID,
		Hardware: first.Hardware,
		Wallet:   first.Wallet,
		Status:   model.NodeStatusIdle,
		LastSeen: time.Now().UTC(),
	}
	if err := node.Validate(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("rejecting malformed registration")
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	ctx = logger.ContextWithNodeIDLogger(ctx, node.ID)

	allowed, err := m.sentinel.HandshakeAllowed(ctx, node.ID)
	if err != nil || !allowed {
		log.Ctx(ctx).Warn().Err(err).Msg("rejecting banned or unverifiable node")
		closeWith(conn, model.CloseSentinelBan, "node is banned")
		return
	}

	sess := newSession(conn, node)
	if err := m.register(ctx, sess); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("registration failed")
		closeWith(conn, websocket.CloseInternalServerErr, "registration failed")
		return
	}
	defer m.teardown(ctx, sess)

	log.Ctx(ctx).Info().
		Str("Hardware", node.Hardware.String()).
		Msg("node registered")

	// Registration doubles as the first heartbeat.
	m.processHeartbeat(ctx, sess, first)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * m.livenessTTL))
		var hb model.Heartbeat
		if err := conn.ReadJSON(&hb); err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("session closed")
			return
		}
		m.processHeartbeat(ctx, sess, hb)
	}
}

func (m *Manager) register(ctx context.Context, sess *Session) error {
	node := sess.Node()
	if reaped, err := m.store.ReapStaleIdentities(ctx, node.ID, node.Hardware); err != nil {
		return err
	} else if reaped > 0 {
		log.Ctx(ctx).Info().Int("Reaped", reaped).Msg("cleared stale identities")
	}
	if err := m.store.Commission(ctx, node); err != nil {
		return err
	}
	if err := m.store.Touch(ctx, node.ID, m.livenessTTL); err != nil {
		return err
	}
	_, _ = m.store.AdjustReputation(ctx, node.ID, sentinel.ReputationConnect)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = map[string]*Session{}
	}
	// A reconnect under the same id supersedes the old transport.
	if old, ok := m.sessions[node.ID]; ok {
		old.CloseWithCode(websocket.CloseGoingAway, "superseded by new connection")
	}
	m.sessions[node.ID] = sess
	return nil
}

// teardown is idempotent: it only acts for the transport it was deferred
// from, so a superseded session cannot tear down its replacement.
func (m *Manager) teardown(ctx context.Context, sess *Session) {
	node := sess.Node()

	m.mu.Lock()
	if current, ok := m.sessions[node.ID]; !ok || current != sess {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, node.ID)
	m.mu.Unlock()

	if err := m.store.Decommission(ctx, node.ID, node.Hardware); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("decommission failed")
	}

	if job := sess.abandonedJob(); job != nil {
		if err := m.scheduler.Requeue(ctx, *job); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("JobID", job.ID).Msg("requeue failed")
		}
	}

	log.Ctx(ctx).Info().Msg("node deregistered")
}

func (m *Manager) processHeartbeat(ctx context.Context, sess *Session, hb model.Heartbeat) {
	node := sess.Node()
	if err := m.store.Touch(ctx, node.ID, m.livenessTTL); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("liveness refresh failed")
	}
	sess.setWallet(hb.Wallet)

	if temp, ok := hb.Specs["gpu_temp_c"]; ok && temp > m.maxSafeTempC {
		log.Ctx(ctx).Warn().Float64("TempC", temp).Msg("node over thermal limit")
	}

	if hb.LastEvent == model.EventJobComplete && hb.JobID != "" {
		if !m.handleCompletion(ctx, sess, hb) {
			return
		}
		// The completion message carries the node's next status; fall
		// through so an IDLE report is dispatched without waiting for
		// the next heartbeat.
	}

	sess.setStatus(hb.Status)
	if hb.Status == model.NodeStatusIdle {
		m.tryDispatch(ctx, sess)
	}
}

// tryDispatch pops work for an idle session and delivers it. A job whose
// delivery fails is dropped, not requeued: at-least-once is not promised
// across a dispatch-time failure, and payouts only exist after settlement.
func (m *Manager) tryDispatch(ctx context.Context, sess *Session) {
	node := sess.Node()
	if node.Status != model.NodeStatusIdle {
		return
	}
	job, err := m.scheduler.DispatchOnIdle(ctx, node)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("dispatch failed")
		return
	}
	if job == nil {
		return
	}
	if !sess.claimForDispatch(job) {
		// Lost the race against another dispatch path; put it back.
		if err := m.store.RequeueJob(ctx, *job); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("JobID", job.ID).Msg("requeue failed")
		}
		return
	}
	if err := sess.WriteJSON(job); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("JobID", job.ID).Msg("job delivery failed, job dropped")
		sess.abandonedJob()
		return
	}
	if m.metrics != nil {
		m.metrics.JobsDispatched.Inc()
	}
}

// handleCompletion reports whether the session survived the claim; a banned
// node's transport is closed here and must not be dispatched to.
func (m *Manager) handleCompletion(ctx context.Context, sess *Session, hb model.Heartbeat) bool {
	node := sess.Node()
	job := sess.finishJob(hb.JobID)

	claim := sentinel.CompletionClaim{
		NodeID:   node.ID,
		JobID:    hb.JobID,
		Hardware: node.Hardware,
		Wallet:   sess.Node().Wallet,
	}
	if job != nil {
		claim.JobType = job.Type
	}

	verdict, err := m.sentinel.Evaluate(ctx, claim)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("JobID", hb.JobID).Msg("sentinel evaluation failed")
		verdict = sentinel.VerdictDeniedStake
	}

	switch verdict {
	case sentinel.VerdictBanned:
		m.recordDenial(ctx, claim, model.SettlementSentinelBan)
		_ = sess.WriteJSON(model.Ack{
			Type:   model.AckTypeJob,
			Status: model.AckBannedSentinel,
			JobID:  hb.JobID,
		})
		sess.CloseWithCode(model.CloseSentinelBan, "time budget exceeded")
		return false

	case sentinel.VerdictDeniedStake:
		m.recordDenial(ctx, claim, model.SettlementDeniedStake)
		_ = sess.WriteJSON(model.Ack{
			Type:   model.AckTypeJob,
			Status: model.AckDeniedStake,
			JobID:  hb.JobID,
		})
		return true
	}

	bounty, ok, err := m.store.Bounty(ctx, hb.JobID)
	if err != nil || !ok {
		log.Ctx(ctx).Warn().Err(err).Str("JobID", hb.JobID).
			Msg("no pinned bounty, using default")
		bounty = m.defaultBounty
	}
	payable := bounty * m.workerFee

	instruction := model.TransactionRecord{
		JobID:  hb.JobID,
		NodeID: node.ID,
		Wallet: claim.Wallet,
		Amount: payable,
		Status: model.SettlementPending,
	}
	if err := m.store.EnqueuePayout(ctx, instruction); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("JobID", hb.JobID).Msg("payout enqueue failed")
		m.recordDenial(ctx, claim, model.SettlementFailedTx)
		_ = sess.WriteJSON(model.Ack{
			Type:   model.AckTypeJob,
			Status: model.AckDeniedStake,
			JobID:  hb.JobID,
		})
		return true
	}
	_ = m.store.ClearDispatch(ctx, hb.JobID)
	rep, _ := m.store.AdjustReputation(ctx, node.ID, sentinel.ReputationJobComplete)

	log.Ctx(ctx).Info().
		Str("JobID", hb.JobID).
		Float64("Payable", payable).
		Msg("completion accepted")

	_ = sess.WriteJSON(model.Ack{
		Type:       model.AckTypeJob,
		Status:     model.AckQueuedForPayout,
		JobID:      hb.JobID,
		Value:      payable,
		Reputation: rep,
	})
	return true
}

// recordDenial writes the zero-amount ledger row for a refused payout.
func (m *Manager) recordDenial(ctx context.Context, claim sentinel.CompletionClaim, status string) {
	rec := model.TransactionRecord{
		JobID:  claim.JobID,
		NodeID: claim.NodeID,
		Wallet: claim.Wallet,
		Amount: 0,
		Status: status,
	}
	if err := m.vault.RecordTransaction(ctx, rec); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("JobID", claim.JobID).Msg("denial record failed")
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}
