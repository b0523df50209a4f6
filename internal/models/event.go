package models

import (
	"encoding/json"
	"time"

	"github.com/campaign-indexer/internal/types"
)

// EventKey identifies a ledger event; (tx hash, log index) is unique on the chain
type EventKey struct {
	TxHash   string `json:"txHash"`
	LogIndex uint   `json:"logIndex"`
}

// RawEvent is the persisted copy of a decoded ledger event
type RawEvent struct {
	TxHash          string          `json:"txHash" db:"tx_hash"`
	LogIndex        uint            `json:"logIndex" db:"log_index"`
	BlockNumber     uint64          `json:"blockNumber" db:"block_number"`
	ContractAddress string          `json:"contractAddress" db:"contract_address"`
	CampaignAddress string          `json:"campaignAddress" db:"campaign_address"`
	Kind            types.EventKind `json:"eventName" db:"event_name"`
	Args            json.RawMessage `json:"args" db:"args_json"`
	ChainID         int64           `json:"chainId" db:"chain_id"`
	Finalized       bool            `json:"finalized" db:"finalized"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
}

// Key returns the event identity
func (e *RawEvent) Key() EventKey {
	return EventKey{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// Contribution is a donation or refund, keyed by (tx hash, log index)
type Contribution struct {
	TxHash          string                 `json:"txHash" db:"tx_hash"`
	LogIndex        uint                   `json:"logIndex" db:"log_index"`
	Kind            types.ContributionKind `json:"kind" db:"kind"`
	CampaignAddress string                 `json:"campaignAddress" db:"campaign_address"`
	Donor           string                 `json:"donor" db:"donor"`
	Amount          string                 `json:"amount" db:"amount"`
	BlockNumber     uint64                 `json:"blockNumber" db:"block_number"`
	ChainID         int64                  `json:"chainId" db:"chain_id"`
	Finalized       bool                   `json:"finalized" db:"finalized"`
}

// Key returns the contribution identity
func (c *Contribution) Key() EventKey {
	return EventKey{TxHash: c.TxHash, LogIndex: c.LogIndex}
}
