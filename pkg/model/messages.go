package model

// Wire messages exchanged over a node session. One websocket connection per
// node; messages are JSON, processed strictly in arrival order.

// EventJobComplete is the last_event marker a node sends when it has
// finished the job it was dispatched.
const EventJobComplete = "JOB_COMPLETE"

// Heartbeat is every node→server message after registration. The first
// message of a session doubles as registration and must carry NodeID and
// Hardware.
type Heartbeat struct {
	NodeID   string        `json:"node_id"`
	Hardware HardwareClass `json:"hardware_class,omitempty"`
	Status   NodeStatus    `json:"status"`
	Wallet   string        `json:"wallet_address,omitempty"`

	// Specs is self-reported hardware telemetry. The coordinator never
	// interprets it beyond logging; the COOLDOWN gate lives on the node.
	Specs map[string]float64 `json:"specs,omitempty"`

	// LastEvent is set to EventJobComplete with JobID when a job finished.
	LastEvent string `json:"last_event,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Result    string `json:"result,omitempty"`
}

// AckStatus describes what happened to a node's payout.
type AckStatus string

const (
	AckSettled         AckStatus = "SETTLED"
	AckQueuedForPayout AckStatus = "QUEUED_FOR_PAYOUT"
	AckDeniedStake     AckStatus = "DENIED_STAKE"
	AckBannedSentinel  AckStatus = "BANNED_SENTINEL"
)

// Ack is the server→node acknowledgement for a completion report. The node
// always receives one, even on denial.
type Ack struct {
	Type        string    `json:"type"`
	Status      AckStatus `json:"status"`
	JobID       string    `json:"job_id,omitempty"`
	TxSignature string    `json:"tx_signature,omitempty"`
	Value       float64   `json:"value,omitempty"`
	Reputation  int64     `json:"reputation,omitempty"`
}

// AckTypeJob is the type tag on every Ack, so node loops can tell control
// messages apart from job deliveries.
const AckTypeJob = "ACK"

// Websocket close codes in the application range, so a node can tell a
// credential problem from a sentinel ban from an ordinary shutdown.
const (
	CloseUnauthorized = 4401
	CloseSentinelBan  = 4403
)
