package model

import (
	"fmt"
	"strings"
	"time"
)

// NodeStatus is the node's self-reported availability, carried on every
// heartbeat.
type NodeStatus int

const (
	nodeStatusUnknown NodeStatus = iota

	// NodeStatusIdle means the node is ready for a dispatch.
	NodeStatusIdle

	// NodeStatusBusy means the node is executing a job.
	NodeStatusBusy

	// NodeStatusCooldown means the node's own telemetry crossed a safety
	// threshold (typically temperature) and it is refusing work. Advisory
	// only: the coordinator never inspects the telemetry itself.
	NodeStatusCooldown
)

var nodeStatusNames = map[NodeStatus]string{
	nodeStatusUnknown:  "UNKNOWN",
	NodeStatusIdle:     "IDLE",
	NodeStatusBusy:     "BUSY",
	NodeStatusCooldown: "COOLDOWN",
}

func (s NodeStatus) String() string {
	if name, ok := nodeStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s NodeStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *NodeStatus) UnmarshalText(text []byte) error {
	needle := strings.ToUpper(strings.TrimSpace(string(text)))
	for status, name := range nodeStatusNames {
		if name == needle {
			*s = status
			return nil
		}
	}
	*s = nodeStatusUnknown
	return nil
}

// Node is the coordinator's view of one connected compute unit. The session
// that accepted the transport owns the transport exclusively; everything
// else here is shared between the session manager and the scheduler.
type Node struct {
	// ID is caller-supplied and not guaranteed unique across reconnects.
	ID string `json:"node_id"`

	// Hardware is fixed at registration and decides pool membership.
	Hardware HardwareClass `json:"hardware_class"`

	// Wallet is the settlement-network account payouts are sent to.
	// Optional until the first heartbeat that carries it.
	Wallet string `json:"wallet_address,omitempty"`

	Status     NodeStatus `json:"status"`
	LastSeen   time.Time  `json:"last_seen"`
	Reputation int64      `json:"reputation"`
}

// IdentityPrefix returns the stable part of a node ID, used to reap stale
// pool entries left behind by a restarted singleton node. IDs follow the
// convention "<host>_<unit>"; everything up to the final underscore is the
// stable identity.
func IdentityPrefix(nodeID string) string {
	if idx := strings.LastIndex(nodeID, "_"); idx > 0 {
		return nodeID[:idx]
	}
	return nodeID
}

// Validate rejects registrations the coordinator cannot place in a pool.
func (n *Node) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("node registration missing node_id")
	}
	if !n.Hardware.IsValid() {
		return fmt.Errorf("node %s declared no usable hardware class", n.ID)
	}
	return nil
}
