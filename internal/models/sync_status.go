package models

import "time"

// Cursor is the single progress row of the indexer
type Cursor struct {
	LastProcessedBlock uint64    `json:"lastProcessedBlock" db:"last_processed_block"`
	UpdatedAt          time.Time `json:"updatedAt" db:"updated_at"`
}

// IndexerStatus is the health view of the indexing pipeline
type IndexerStatus struct {
	LastProcessedBlock uint64 `json:"lastProcessedBlock"`
	CurrentBlock       uint64 `json:"currentBlock"`
	BlocksBehind       uint64 `json:"blocksBehind"`
	IsRunning          bool   `json:"isRunning"`
	Healthy            bool   `json:"healthy"`
	LastError          string `json:"lastError,omitempty"`
}

// StoreStats counts the rows of the projection
type StoreStats struct {
	Campaigns   int64 `json:"campaigns"`
	Milestones  int64 `json:"milestones"`
	Donations   int64 `json:"donations"`
	Refunds     int64 `json:"refunds"`
	Events      int64 `json:"events"`
	Unfinalized int64 `json:"unfinalizedEvents"`
}
