// Package chain reads USDC balances and confirms settlement transactions
// on an EVM chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidAddress      = errors.New("chain: invalid address")
	ErrInsufficientBalance = errors.New("chain: insufficient balance")
	ErrTransactionFailed   = errors.New("chain: transaction reverted")
	ErrTimeout             = errors.New("chain: confirmation timed out")
	ErrRPCConnection       = errors.New("chain: RPC connection failed")
)

// EthClient is the subset of the go-ethereum client used here.
type EthClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const balanceOfABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultConfirmTimeout bounds WaitForReceipt.
	DefaultConfirmTimeout = 30 * time.Second

	// DefaultPollInterval between receipt checks
	DefaultPollInterval = 2 * time.Second
)

// Config for connecting to the chain.
type Config struct {
	RPCURL         string
	USDCContract   string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Receipt is a mined, successful transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Option configures the client.
type Option func(*Client)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(c EthClient) Option {
	return func(cl *Client) { cl.eth = c }
}

// Client reads the USDC contract and waits for receipts.
type Client struct {
	eth            EthClient
	usdc           common.Address
	usdcABI        abi.ABI
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// New dials cfg.RPCURL unless WithEthClient is given.
func New(cfg Config, opts ...Option) (*Client, error) {
	if !common.IsHexAddress(cfg.USDCContract) {
		return nil, fmt.Errorf("%w: USDC contract %q", ErrInvalidAddress, cfg.USDCContract)
	}

	parsed, err := abi.JSON(strings.NewReader(balanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	c := &Client{
		usdc:           common.HexToAddress(cfg.USDCContract),
		usdcABI:        parsed,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = DefaultConfirmTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = eth
	}
	return c, nil
}

// BalanceOf returns the USDC balance of addr in minor units.
func (c *Client) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}

	data, err := c.usdcABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &c.usdc,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// WaitForReceipt polls until txHash is mined. A reverted transaction yields
// ErrTransactionFailed; running out of time yields ErrTimeout.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, fmt.Errorf("%w: %s", ErrTransactionFailed, txHash)
			}
			return &Receipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		// Anything else, including ethereum.NotFound, means not mined yet.

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}
