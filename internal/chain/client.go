package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"polymarket-exec/internal/config"
	"polymarket-exec/pkg/types"
)

// Backend is the subset of the JSON-RPC surface the engine uses.
// *ethclient.Client satisfies it; tests substitute an in-memory fake.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Client binds a Backend to the wallet, the funding-asset contract and the
// exchange's settlement contract.
type Client struct {
	backend  Backend
	wallet   *Wallet
	token    common.Address // ERC-20 funding asset
	exchange common.Address // settlement contract (allowance spender)
	erc20    abi.ABI
	timeout  time.Duration // per RPC call
	retries  int           // extra attempts for read-only calls
	logger   *slog.Logger
}

// Dial connects to cfg.Chain.RPCURL.
func Dial(ctx context.Context, cfg config.Config, wallet *Wallet, logger *slog.Logger) (*Client, *ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.Timeout)
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial rpc: %w", types.ErrUnavailable, err)
	}
	c, err := NewClient(eth, wallet, cfg.Chain, logger)
	if err != nil {
		eth.Close()
		return nil, nil, err
	}
	return c, eth, nil
}

// NewClient creates a chain client over any Backend.
func NewClient(backend Backend, wallet *Wallet, cfg config.ChainConfig, logger *slog.Logger) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if !common.IsHexAddress(cfg.FundingToken) || !common.IsHexAddress(cfg.Exchange) {
		return nil, fmt.Errorf("invalid contract address (token %q, exchange %q)", cfg.FundingToken, cfg.Exchange)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		backend:  backend,
		wallet:   wallet,
		token:    common.HexToAddress(cfg.FundingToken),
		exchange: common.HexToAddress(cfg.Exchange),
		erc20:    parsed,
		timeout:  timeout,
		retries:  max(cfg.ReadRetries, 0),
		logger:   logger.With("component", "chain"),
	}, nil
}

// Wallet returns the signing wallet.
func (c *Client) Wallet() *Wallet { return c.wallet }

// Exchange returns the settlement contract address.
func (c *Client) Exchange() common.Address { return c.exchange }

// BalanceOf returns owner's funding-asset balance in the asset's smallest unit.
func (c *Client) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint256(ctx, "balanceOf", owner)
}

// Allowance returns how much spender may move from owner's funding asset.
func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return c.callUint256(ctx, "allowance", owner, spender)
}

// Nonce returns the wallet's current transaction count at the latest block.
func (c *Client) Nonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := c.read(ctx, "nonce", func(ctx context.Context) error {
		n, err := c.backend.NonceAt(ctx, c.wallet.Address(), nil)
		nonce = n
		return err
	})
	return nonce, err
}

func (c *Client) callUint256(ctx context.Context, method string, args ...any) (*big.Int, error) {
	data, err := c.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var out []byte
	err = c.read(ctx, method, func(ctx context.Context) error {
		res, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}

	values, err := c.erc20.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", types.ErrMalformed, method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d values", types.ErrMalformed, method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T", types.ErrMalformed, method, values[0])
	}
	return v, nil
}

// read runs a read-only RPC call with a per-attempt timeout and bounded
// retries. Failures surface as types.ErrUnavailable.
func (c *Client) read(ctx context.Context, op string, call func(context.Context) error) error {
	var lastErr error
	wait := 250 * time.Millisecond

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		lastErr = call(callCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("rpc read failed", "op", op, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("%w: %s: %w", types.ErrUnavailable, op, lastErr)
}
