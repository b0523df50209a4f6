package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// DefaultMaxWait bounds how long a call waits for a token
const DefaultMaxWait = 30 * time.Second

// ErrMaxWaitExceeded is returned when a call would wait longer than MaxWait
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rpc rate limit")

// EthClient defines the RPC calls the reader issues.
// This interface allows for easier testing and mocking.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Ensure ethclient.Client implements EthClient interface
var _ EthClient = (*ethclient.Client)(nil)

// RateLimitedClient wraps an EthClient with a token bucket so backfill does
// not exhaust the provider's request allowance.
type RateLimitedClient struct {
	underlying EthClient
	limiter    *rate.Limiter
	maxWait    time.Duration
}

// NewRateLimitedClient allows requestsPerSecond calls per second with the
// same burst. maxWait <= 0 uses DefaultMaxWait.
func NewRateLimitedClient(client EthClient, requestsPerSecond float64, maxWait time.Duration) (*RateLimitedClient, error) {
	if client == nil {
		return nil, errors.New("underlying client is required")
	}
	if requestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests per second must be positive, got %v", requestsPerSecond)
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		underlying: client,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		maxWait:    maxWait,
	}, nil
}

func (c *RateLimitedClient) wait(ctx context.Context) error {
	r := c.limiter.Reserve()
	if !r.OK() {
		return ErrMaxWaitExceeded
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > c.maxWait {
		r.Cancel()
		return ErrMaxWaitExceeded
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BlockNumber wraps eth_blockNumber
func (c *RateLimitedClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.BlockNumber(ctx)
}

// BlockByNumber wraps eth_getBlockByNumber
func (c *RateLimitedClient) BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error) {
	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.BlockByNumber(ctx, number)
}

// FilterLogs wraps eth_getLogs
func (c *RateLimitedClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.FilterLogs(ctx, q)
}

// CodeAt wraps eth_getCode
func (c *RateLimitedClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.CodeAt(ctx, account, blockNumber)
}
