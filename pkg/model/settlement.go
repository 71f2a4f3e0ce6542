package model

import "time"

// Settlement status values recorded in the ledger. A transaction row is
// written for every settlement attempt, including denials and skips, so the
// ledger is the complete audit trail of value movement.
const (
	SettlementPending      = "PENDING"
	SettlementConfirmed    = "CONFIRMED"
	SettlementFailedTx     = "FAILED_TX"
	SettlementFailedRent   = "FAILED_RENT"
	SettlementFailedWallet = "FAILED_WALLET"
	SettlementSkippedDust  = "SKIPPED_DUST"
	SettlementDeniedStake  = "DENIED_STAKE"
	SettlementSentinelBan  = "SENTINEL_BAN"
	SettlementMigrated     = "MIGRATED"
)

// DustThreshold is the smallest payout worth broadcasting. Anything below
// it is recorded as SKIPPED_DUST and never hits the chain.
const DustThreshold = 0.000001

// LamportsPerSOL converts the ledger's SOL-denominated amounts to the
// chain's native unit.
const LamportsPerSOL = 1_000_000_000

// TransactionRecord is one row of the transactions table, keyed by JobID.
// Re-settling the same job replaces the row rather than duplicating it.
type TransactionRecord struct {
	JobID     string    `json:"job_id"`
	NodeID    string    `json:"node_id"`
	Wallet    string    `json:"wallet_address"`
	Amount    float64   `json:"amount"`
	Status    string    `json:"status"`
	Signature string    `json:"tx_signature,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RentalRecord is a hardware rental contract. ContractID carries the
// CTR- prefix assigned at creation.
type RentalRecord struct {
	ContractID string        `json:"contract_id"`
	Renter     string        `json:"renter"`
	Hardware   HardwareClass `json:"hardware_class"`
	Hours      float64       `json:"hours"`
	Rate       float64       `json:"hourly_rate"`
	Total      float64       `json:"total"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ActivityEntry is one line of the merged recent-activity feed, drawn from
// both transactions and rentals and ordered newest first.
type ActivityEntry struct {
	Kind      string    `json:"kind"`
	Reference string    `json:"reference"`
	Amount    float64   `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	ActivityTransaction = "transaction"
	ActivityRental      = "rental"
)
