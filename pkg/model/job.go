package model

import (
	"time"
)

// JobStateType tracks a job through admission, dispatch and settlement.
type JobStateType int

const (
	JobStateQueued JobStateType = iota // must be first

	// JobStateDispatched means the job has been handed to exactly one node.
	JobStateDispatched

	// JobStateSettled means payment resolved, one way or another, and the
	// ledger holds the terminal row.
	JobStateSettled

	// JobStateDenied means the sentinel's stake gate refused the payout.
	JobStateDenied

	// JobStateBanned means the executing node tripped the time budget.
	JobStateBanned
)

var jobStateNames = map[JobStateType]string{
	JobStateQueued:     "QUEUED",
	JobStateDispatched: "DISPATCHED",
	JobStateSettled:    "SETTLED",
	JobStateDenied:     "DENIED",
	JobStateBanned:     "BANNED",
}

func (s JobStateType) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal returns true once no further state change can be expected.
func (s JobStateType) IsTerminal() bool {
	return s == JobStateSettled || s == JobStateDenied || s == JobStateBanned
}

func (s JobStateType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobStateType) UnmarshalText(text []byte) error {
	name := string(text)
	for typ := JobStateQueued; typ <= JobStateBanned; typ++ {
		if typ.String() == name {
			*s = typ
			return nil
		}
	}
	return nil
}

// Job is the envelope that travels from submission, through a hardware
// queue, to a node. The payload is opaque to the coordinator: it is carried,
// length-bounded and sanitized, but never parsed.
type Job struct {
	ID string `json:"job_id"`

	// Type is a category tag, validated against an allow-pattern at
	// admission and used to look up a bounty when none is supplied.
	Type string `json:"type"`

	// Payload is the free-form prompt/input. Opaque.
	Payload string `json:"prompt"`

	Hardware HardwareClass `json:"hardware_class"`

	// Bounty is the agreed value of the job in settlement-network base
	// currency. Pinned under the job ID at admission so settlement pays
	// the agreed figure, not a recomputed one.
	Bounty float64 `json:"bounty"`

	// Redispatches counts how many times this envelope was requeued after
	// its assigned node vanished mid-flight.
	Redispatches int `json:"redispatches,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DispatchRecord is what the scheduler pins under a job ID at dispatch time,
// with a bounded TTL. The sentinel reads it back at completion to enforce
// the per-class wall-clock budget.
type DispatchRecord struct {
	JobID      string        `json:"job_id"`
	NodeID     string        `json:"node_id"`
	Hardware   HardwareClass `json:"hardware_class"`
	Dispatched time.Time     `json:"dispatched_at"`
}
