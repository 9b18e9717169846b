package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"polymarket-exec/pkg/types"
)

// TxRequest describes a zero-value contract call to sign and broadcast.
type TxRequest struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
	GasPrice *big.Int // wei
}

// Broadcast is a transaction accepted by the RPC node.
type Broadcast struct {
	Hash  common.Hash
	Nonce uint64
}

// ReceiptStatus is the observed fate of a broadcast transaction.
type ReceiptStatus string

const (
	ReceiptConfirmed ReceiptStatus = "confirmed" // mined with success status
	ReceiptFailed    ReceiptStatus = "failed"    // mined and reverted
	ReceiptUnknown   ReceiptStatus = "unknown"   // no receipt before the deadline
)

// PollPolicy bounds receipt polling.
type PollPolicy struct {
	Timeout     time.Duration // overall deadline
	Interval    time.Duration // first wait between polls
	MaxInterval time.Duration // backoff ceiling
}

// GweiToWei converts a gas price in gwei to wei.
func GweiToWei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9)).Int(nil)
	return wei
}

// DecodeTxData parses a settlement instruction's destination and call data.
func DecodeTxData(to, data string) (common.Address, []byte, error) {
	if !common.IsHexAddress(to) {
		return common.Address{}, nil, fmt.Errorf("%w: tx destination %q", types.ErrMalformed, to)
	}
	data = strings.TrimSpace(data)
	if data == "" || data == "0x" {
		return common.Address{}, nil, fmt.Errorf("%w: empty call data", types.ErrMalformed)
	}
	if !strings.HasPrefix(data, "0x") {
		data = "0x" + data
	}
	raw, err := hexutil.Decode(data)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: call data: %v", types.ErrMalformed, err)
	}
	return common.HexToAddress(to), raw, nil
}

// SendTx builds a legacy transaction with the wallet's current nonce, signs it
// and broadcasts it once. A failed broadcast is never retried: the caller
// cannot tell whether the node relayed it. Once the transaction is signed the
// Broadcast is returned even alongside a send error, so its hash can still be
// checked on-chain. A nil Broadcast means nothing left the process.
func (c *Client) SendTx(ctx context.Context, req TxRequest) (*Broadcast, error) {
	nonce, err := c.Nonce(ctx)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}

	to := req.To
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      req.GasLimit,
		GasPrice: req.GasPrice,
		Data:     req.Data,
	})
	signed, err := c.wallet.SignTx(tx)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	b := &Broadcast{Hash: signed.Hash(), Nonce: nonce}
	if err := c.backend.SendTransaction(sendCtx, signed); err != nil {
		c.logger.Warn("broadcast error, transaction may still be relayed", "tx", b.Hash.Hex(), "nonce", nonce, "error", err)
		return b, fmt.Errorf("send transaction: %w", err)
	}

	c.logger.Info("transaction broadcast",
		"tx", signed.Hash().Hex(),
		"to", to.Hex(),
		"nonce", nonce,
		"gas", req.GasLimit,
		"gas_price_wei", req.GasPrice.String(),
	)
	return b, nil
}

// WaitReceipt polls for the receipt of hash with exponential backoff until
// one is observed or policy.Timeout elapses. Reaching the deadline yields
// ReceiptUnknown with a nil error; the transaction may still be mined later.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash, policy PollPolicy) (ReceiptStatus, *ethtypes.Receipt, error) {
	if policy.Interval <= 0 {
		policy.Interval = time.Second
	}
	if policy.MaxInterval < policy.Interval {
		policy.MaxInterval = policy.Interval
	}

	deadline := time.NewTimer(policy.Timeout)
	defer deadline.Stop()

	wait := policy.Interval
	for {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		receipt, err := c.backend.TransactionReceipt(callCtx, hash)
		cancel()

		switch {
		case err == nil && receipt != nil:
			if receipt.Status == ethtypes.ReceiptStatusSuccessful {
				return ReceiptConfirmed, receipt, nil
			}
			return ReceiptFailed, receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.logger.Debug("receipt poll failed", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return ReceiptUnknown, nil, ctx.Err()
		case <-deadline.C:
			c.logger.Warn("receipt deadline exceeded", "tx", hash.Hex(), "timeout", policy.Timeout)
			return ReceiptUnknown, nil, nil
		case <-time.After(wait):
		}
		wait = min(wait*2, policy.MaxInterval)
	}
}

// Approve grants spender an allowance of amount on the funding asset and waits
// for the receipt.
func (c *Client) Approve(ctx context.Context, spender common.Address, amount *big.Int, gasLimit uint64, gasPrice *big.Int, policy PollPolicy) (*Broadcast, ReceiptStatus, error) {
	data, err := c.erc20.Pack("approve", spender, amount)
	if err != nil {
		return nil, "", fmt.Errorf("pack approve: %w", err)
	}

	b, err := c.SendTx(ctx, TxRequest{To: c.token, Data: data, GasLimit: gasLimit, GasPrice: gasPrice})
	if err != nil {
		return b, ReceiptUnknown, fmt.Errorf("approve: %w", err)
	}
	status, _, err := c.WaitReceipt(ctx, b.Hash, policy)
	if err != nil {
		return b, status, fmt.Errorf("approve receipt: %w", err)
	}
	return b, status, nil
}
