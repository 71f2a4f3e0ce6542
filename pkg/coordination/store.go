package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/model"
)

// Redis key layout. Sets hold fleet membership, lists are FIFO queues and
// every per-entity record carries a TTL so crashed peers age out on their own.
const (
	keyActiveNodes = "active_nodes"
	keyBannedNodes = "banned_nodes"
	keyPayoutQueue = "payout_queue"
)

func keyPool(hw model.HardwareClass) string   { return fmt.Sprintf("pool:%s:active", hw) }
func keyQueue(hw model.HardwareClass) string  { return fmt.Sprintf("queue:%s", hw) }
func keySignal(hw model.HardwareClass) string { return fmt.Sprintf("signal:%s", hw) }
func keyAlive(nodeID string) string           { return "alive:" + nodeID }
func keyReputation(nodeID string) string      { return "reputation:" + nodeID }
func keyBounty(jobID string) string           { return "bounty:" + jobID }
func keyDispatch(jobID string) string         { return "dispatch:" + jobID }

// Store is the shared coordination state over Redis. All fleet-visible
// mutations go through here so multiple coordinator replicas agree.
type Store struct {
	client *redis.Client
}

type StoreParams struct {
	Client *redis.Client
}

func NewStore(params StoreParams) *Store {
	return &Store{client: params.Client}
}

// NewClientFromURL builds a redis client from a redis:// URL.
func NewClientFromURL(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis url")
	}
	return redis.NewClient(opts), nil
}

// Ping verifies the backing Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Commission makes a node visible to schedulers. The global set and the
// per-class pool are updated in one pipeline so no reader ever sees a node
// in only one of them.
func (s *Store) Commission(ctx context.Context, node model.Node) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, keyActiveNodes, node.ID)
	pipe.SAdd(ctx, keyPool(node.Hardware), node.ID)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "commissioning node %s", node.ID)
}

// Decommission removes a node from the global set and its class pool.
// Removing an absent node is not an error.
func (s *Store) Decommission(ctx context.Context, nodeID string, hw model.HardwareClass) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, keyActiveNodes, nodeID)
	pipe.SRem(ctx, keyPool(hw), nodeID)
	pipe.Del(ctx, keyAlive(nodeID))
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "decommissioning node %s", nodeID)
}

// PurgeNode removes a node from the global set and from every hardware
// pool. For cleanup paths that do not know the node's class.
func (s *Store) PurgeNode(ctx context.Context, nodeID string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, keyActiveNodes, nodeID)
	for _, hw := range model.HardwareClasses() {
		pipe.SRem(ctx, keyPool(hw), nodeID)
	}
	pipe.Del(ctx, keyAlive(nodeID))
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "purging node %s", nodeID)
}

// ReapStaleIdentities removes set entries that share an identity prefix with
// nodeID but are not nodeID itself. A restarted node gets a fresh suffix and
// must not leave its previous incarnation behind.
func (s *Store) ReapStaleIdentities(ctx context.Context, nodeID string, hw model.HardwareClass) (int, error) {
	prefix := model.IdentityPrefix(nodeID)
	members, err := s.client.SMembers(ctx, keyPool(hw)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "listing pool members")
	}
	reaped := 0
	for _, member := range members {
		if member == nodeID || model.IdentityPrefix(member) != prefix {
			continue
		}
		if err := s.Decommission(ctx, member, hw); err != nil {
			return reaped, err
		}
		log.Ctx(ctx).Debug().Str("Stale", member).Msg("reaped stale node identity")
		reaped++
	}
	return reaped, nil
}

// ActiveNodes returns the global membership set.
func (s *Store) ActiveNodes(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, keyActiveNodes).Result()
}

// PoolMembers returns the membership of one hardware pool.
func (s *Store) PoolMembers(ctx context.Context, hw model.HardwareClass) ([]string, error) {
	return s.client.SMembers(ctx, keyPool(hw)).Result()
}

// PoolSize returns the cardinality of one hardware pool.
func (s *Store) PoolSize(ctx context.Context, hw model.HardwareClass) (int64, error) {
	return s.client.SCard(ctx, keyPool(hw)).Result()
}

// Touch refreshes a node's liveness record. The record expiring is how the
// system notices a silent death.
func (s *Store) Touch(ctx context.Context, nodeID string, ttl time.Duration) error {
	return s.client.Set(ctx, keyAlive(nodeID), time.Now().Unix(), ttl).Err()
}

// IsAlive reports whether a node's liveness record still exists.
func (s *Store) IsAlive(ctx context.Context, nodeID string) (bool, error) {
	n, err := s.client.Exists(ctx, keyAlive(nodeID)).Result()
	return n > 0, err
}

// EnqueueJob appends a job to its class queue and wakes any parked sessions
// of that class. Jobs leave the queue strictly in arrival order.
func (s *Store) EnqueueJob(ctx context.Context, job model.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshaling job")
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, keyQueue(job.Hardware), payload)
	pipe.Publish(ctx, keySignal(job.Hardware), job.ID)
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "enqueueing job %s", job.ID)
}

// DequeueJob pops the oldest job of a class. A nil job with nil error means
// the queue was empty.
func (s *Store) DequeueJob(ctx context.Context, hw model.HardwareClass) (*model.Job, error) {
	payload, err := s.client.LPop(ctx, keyQueue(hw)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dequeueing from %s", keyQueue(hw))
	}
	var job model.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, errors.Wrap(err, "unmarshaling queued job")
	}
	return &job, nil
}

// RequeueJob puts a job back at the head of its class queue so it is the
// next one dispatched.
func (s *Store) RequeueJob(ctx context.Context, job model.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshaling job")
	}
	return s.client.LPush(ctx, keyQueue(job.Hardware), payload).Err()
}

// QueueDepth returns the number of jobs waiting in a class queue.
func (s *Store) QueueDepth(ctx context.Context, hw model.HardwareClass) (int64, error) {
	return s.client.LLen(ctx, keyQueue(hw)).Result()
}

// SubscribeWake returns a subscription on the wake channel for a class.
// The caller owns the returned PubSub and must close it.
func (s *Store) SubscribeWake(ctx context.Context, hw model.HardwareClass) *redis.PubSub {
	return s.client.Subscribe(ctx, keySignal(hw))
}

// RecordBounty pins the valuation of a job for the settlement path.
func (s *Store) RecordBounty(ctx context.Context, jobID string, bounty float64, ttl time.Duration) error {
	return s.client.Set(ctx, keyBounty(jobID), bounty, ttl).Err()
}

// Bounty returns the pinned valuation of a job. ok is false when the record
// expired or never existed.
func (s *Store) Bounty(ctx context.Context, jobID string) (float64, bool, error) {
	v, err := s.client.Get(ctx, keyBounty(jobID)).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "reading bounty for %s", jobID)
	}
	return v, true, nil
}

// PinDispatch records which node a job was handed to and when. The sentinel
// reads this back to time settlement claims.
func (s *Store) PinDispatch(ctx context.Context, rec model.DispatchRecord, ttl time.Duration) error {
	key := keyDispatch(rec.JobID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"node_id":        rec.NodeID,
		"hardware_class": rec.Hardware.String(),
		"dispatched_at":  rec.Dispatched.UnixMilli(),
	})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "pinning dispatch of %s", rec.JobID)
}

// Dispatch returns the pinned dispatch record for a job. ok is false when
// nothing is pinned.
func (s *Store) Dispatch(ctx context.Context, jobID string) (model.DispatchRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, keyDispatch(jobID)).Result()
	if err != nil {
		return model.DispatchRecord{}, false, errors.Wrapf(err, "reading dispatch of %s", jobID)
	}
	if len(fields) == 0 {
		return model.DispatchRecord{}, false, nil
	}
	rec := model.DispatchRecord{JobID: jobID, NodeID: fields["node_id"]}
	_ = rec.Hardware.UnmarshalText([]byte(fields["hardware_class"]))
	var millis int64
	if _, err := fmt.Sscanf(fields["dispatched_at"], "%d", &millis); err == nil {
		rec.Dispatched = time.UnixMilli(millis)
	}
	return rec, true, nil
}

// ClearDispatch drops a job's dispatch pin once settlement is decided.
func (s *Store) ClearDispatch(ctx context.Context, jobID string) error {
	return s.client.Del(ctx, keyDispatch(jobID)).Err()
}

// EnqueuePayout appends a settlement instruction to the payout queue.
func (s *Store) EnqueuePayout(ctx context.Context, instruction model.TransactionRecord) error {
	payload, err := json.Marshal(instruction)
	if err != nil {
		return errors.Wrap(err, "marshaling payout instruction")
	}
	return s.client.RPush(ctx, keyPayoutQueue, payload).Err()
}

// DequeuePayout blocks up to timeout waiting for the next payout
// instruction. A nil record with nil error means the wait timed out.
func (s *Store) DequeuePayout(ctx context.Context, timeout time.Duration) (*model.TransactionRecord, error) {
	res, err := s.client.BLPop(ctx, timeout, keyPayoutQueue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "waiting on payout queue")
	}
	var rec model.TransactionRecord
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshaling payout instruction")
	}
	return &rec, nil
}

// PayoutBacklog returns the number of undelivered payout instructions.
func (s *Store) PayoutBacklog(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, keyPayoutQueue).Result()
}

// Ban adds a node to the permanent ban set.
func (s *Store) Ban(ctx context.Context, nodeID string) error {
	return s.client.SAdd(ctx, keyBannedNodes, nodeID).Err()
}

// IsBanned reports whether a node is in the ban set.
func (s *Store) IsBanned(ctx context.Context, nodeID string) (bool, error) {
	return s.client.SIsMember(ctx, keyBannedNodes, nodeID).Result()
}

// AdjustReputation applies a signed delta and returns the new score.
func (s *Store) AdjustReputation(ctx context.Context, nodeID string, delta int64) (int64, error) {
	return s.client.IncrBy(ctx, keyReputation(nodeID), delta).Result()
}

// Reputation returns a node's current score, zero when it has none.
func (s *Store) Reputation(ctx context.Context, nodeID string) (int64, error) {
	v, err := s.client.Get(ctx, keyReputation(nodeID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// FleetSnapshot is the aggregate view served by the stats endpoint.
type FleetSnapshot struct {
	ActiveNodes   int64            `json:"active_nodes"`
	PoolSizes     map[string]int64 `json:"pool_sizes"`
	QueueDepths   map[string]int64 `json:"queue_depths"`
	PayoutBacklog int64            `json:"payout_backlog"`
}

// Snapshot collects fleet counts in one pass. Errors degrade to zeroed
// figures so a flapping Redis never takes the stats surface down with it.
func (s *Store) Snapshot(ctx context.Context) FleetSnapshot {
	snap := FleetSnapshot{
		PoolSizes:   map[string]int64{},
		QueueDepths: map[string]int64{},
	}
	if n, err := s.client.SCard(ctx, keyActiveNodes).Result(); err == nil {
		snap.ActiveNodes = n
	}
	for _, hw := range model.HardwareClasses() {
		name := hw.String()
		if n, err := s.PoolSize(ctx, hw); err == nil {
			snap.PoolSizes[name] = n
		}
		if n, err := s.QueueDepth(ctx, hw); err == nil {
			snap.QueueDepths[name] = n
		}
	}
	if n, err := s.PayoutBacklog(ctx); err == nil {
		snap.PayoutBacklog = n
	}
	return snap
}
