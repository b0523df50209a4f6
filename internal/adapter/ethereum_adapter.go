package adapter

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/events"
	"github.com/campaign-indexer/internal/logging"
)

// maxAddressesPerQuery caps the address list of a single eth_getLogs call
const maxAddressesPerQuery = 500

// EthereumReader implements LedgerReader over JSON-RPC
type EthereumReader struct {
	chainID int64
	client  EthClient
	signer  gethtypes.Signer
	close   func()
	logger  *logging.Logger
}

// EthereumReaderConfig holds configuration for dialing a reader
type EthereumReaderConfig struct {
	// RPCURL is the node endpoint. Required.
	RPCURL string

	// ChainID is used to recover transaction senders
	ChainID int64

	// RateLimit is the allowed requests per second; 0 disables limiting
	RateLimit float64

	// Logger is optional; the global logger is used when nil
	Logger *logging.Logger
}

// NewEthereumReader dials the node and returns a reader
func NewEthereumReader(cfg *EthereumReaderConfig) (*EthereumReader, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url cannot be empty")
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, NewAdapterError(cfg.ChainID, "NewEthereumReader", err, nil)
	}

	var rpc EthClient = client
	if cfg.RateLimit > 0 {
		limited, err := NewRateLimitedClient(client, cfg.RateLimit, DefaultMaxWait)
		if err != nil {
			client.Close()
			return nil, err
		}
		rpc = limited
	}

	reader := NewEthereumReaderWithClient(cfg.ChainID, rpc, cfg.Logger)
	reader.close = client.Close
	return reader, nil
}

// NewEthereumReaderWithClient wraps an existing client
func NewEthereumReaderWithClient(chainID int64, client EthClient, logger *logging.Logger) *EthereumReader {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &EthereumReader{
		chainID: chainID,
		client:  client,
		signer:  gethtypes.LatestSignerForChainID(big.NewInt(chainID)),
		logger:  logger.WithFields(map[string]interface{}{"component": "ledger_reader", "chainId": chainID}),
	}
}

// CurrentHeight returns the latest block number
func (r *EthereumReader) CurrentHeight(ctx context.Context) (uint64, error) {
	height, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, r.transient("CurrentHeight", err, nil)
	}
	return height, nil
}

// LogsForRange returns the logs of addresses in [from, to] matching topics,
// sorted by block number then log index. Removed logs are dropped.
func (r *EthereumReader) LogsForRange(ctx context.Context, from, to uint64, addresses []string, topics []common.Hash) ([]gethtypes.Log, error) {
	if from > to {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidBlockRange, from, to)
	}
	if len(addresses) == 0 {
		return nil, nil
	}

	var filterTopics [][]common.Hash
	if len(topics) > 0 {
		filterTopics = [][]common.Hash{topics}
	}

	start := time.Now()
	var logs []gethtypes.Log
	for i := 0; i < len(addresses); i += maxAddressesPerQuery {
		end := i + maxAddressesPerQuery
		if end > len(addresses) {
			end = len(addresses)
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: toAddresses(addresses[i:end]),
			Topics:    filterTopics,
		}
		batch, err := r.client.FilterLogs(ctx, query)
		if err != nil {
			return nil, r.transient("LogsForRange", err, map[string]interface{}{
				"from":      from,
				"to":        to,
				"addresses": end - i,
			})
		}
		for _, l := range batch {
			if !l.Removed {
				logs = append(logs, l)
			}
		}
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	r.logger.WithFields(map[string]interface{}{
		"from":     from,
		"to":       to,
		"logs":     len(logs),
		"duration": time.Since(start).String(),
	}).Debug("Fetched logs")
	return logs, nil
}

// BlockTransactions returns every transaction in block that moves a positive
// value to an address. Contract creations are skipped.
func (r *EthereumReader) BlockTransactions(ctx context.Context, block uint64) ([]events.Transfer, error) {
	b, err := r.client.BlockByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, r.transient("BlockTransactions", err, map[string]interface{}{"block": block})
	}

	var transfers []events.Transfer
	for i, tx := range b.Transactions() {
		if tx.To() == nil || tx.Value().Sign() <= 0 {
			continue
		}
		sender, err := gethtypes.Sender(r.signer, tx)
		if err != nil {
			r.logger.WithError(err).WithField("txHash", tx.Hash().Hex()).Warn("Skipping transaction with unrecoverable sender")
			continue
		}
		transfers = append(transfers, events.Transfer{
			BlockNumber: block,
			TxHash:      strings.ToLower(tx.Hash().Hex()),
			TxIndex:     uint(i),
			From:        strings.ToLower(sender.Hex()),
			To:          strings.ToLower(tx.To().Hex()),
			Value:       new(big.Int).Set(tx.Value()),
		})
	}
	return transfers, nil
}

// IsContractDeployed reports whether address holds code at the latest block
func (r *EthereumReader) IsContractDeployed(ctx context.Context, address string) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, apperrors.NewInvalidParameterError("address", "not a hex address")
	}
	code, err := r.client.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return false, r.transient("IsContractDeployed", err, map[string]interface{}{"address": address})
	}
	return len(code) > 0, nil
}

// Close closes the underlying connection
func (r *EthereumReader) Close() {
	if r.close != nil {
		r.close()
	}
}

func (r *EthereumReader) transient(op string, err error, details map[string]interface{}) error {
	return apperrors.NewTransientNetworkError(op, NewAdapterError(r.chainID, op, err, details))
}

func toAddresses(addresses []string) []common.Address {
	out := make([]common.Address, len(addresses))
	for i, a := range addresses {
		out[i] = common.HexToAddress(a)
	}
	return out
}
