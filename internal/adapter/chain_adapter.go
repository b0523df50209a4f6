package adapter

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/campaign-indexer/internal/events"
)

// LedgerReader defines the read-only view of the chain the indexer follows.
// Implementations never retry; a failed call is reported as a transient
// network error and the scheduler tries again on its next tick.
type LedgerReader interface {
	// CurrentHeight returns the latest block number
	CurrentHeight(ctx context.Context) (uint64, error)

	// LogsForRange returns the logs emitted by addresses in [from, to] whose
	// first topic is one of topics, in ledger order
	LogsForRange(ctx context.Context, from, to uint64, addresses []string, topics []common.Hash) ([]gethtypes.Log, error)

	// BlockTransactions returns the value transfers carried by a block
	BlockTransactions(ctx context.Context, block uint64) ([]events.Transfer, error)

	// IsContractDeployed reports whether address holds contract code
	IsContractDeployed(ctx context.Context, address string) (bool, error)
}

// ErrInvalidBlockRange indicates from is above to
var ErrInvalidBlockRange = fmt.Errorf("invalid block range")

// AdapterError wraps a failed RPC call with the operation that issued it
type AdapterError struct {
	ChainID int64
	Op      string // Operation that failed (e.g., "LogsForRange")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("ledger reader error [%d:%s]: %v (details: %+v)", e.ChainID, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("ledger reader error [%d:%s]: %v", e.ChainID, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chainID int64, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		ChainID: chainID,
		Op:      op,
		Err:     err,
		Details: details,
	}
}
