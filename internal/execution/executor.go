// Package execution drives one order through the sign-then-settle protocol.
//
//	BUILT → SIGNATURE_REQUESTED → SIGNED → SUBMITTED → FILLED
//	                                                 → REJECTED
//	                                                 → SETTLEMENT_PENDING → TX_BROADCAST → TX_CONFIRMED
//	                                                                                     → TX_FAILED
//	                                                                                     → TX_UNKNOWN
//
// plus BUILT → BLOCKED when funding is short and SIGNATURE_REQUESTED →
// ABANDONED when the signing endpoint fails or omits a field.
//
// Submission and broadcast each happen at most once per Execute call and are
// never retried. Cancellation is honoured only while the order is BUILT; from
// SIGNATURE_REQUESTED on, the run continues on a context detached from the
// caller's so an order or transaction is never left unobserved.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"polymarket-exec/internal/chain"
	"polymarket-exec/internal/config"
	"polymarket-exec/internal/risk"
	"polymarket-exec/pkg/types"
)

// OrderGateway is the exchange's signing and submission surface.
// *exchange.Client implements it.
type OrderGateway interface {
	RequestSignature(ctx context.Context, order types.UnsignedOrder) (*types.SignatureResponse, error)
	SubmitOrder(ctx context.Context, order types.SignedOrder) (*types.SubmitResponse, error)
}

// FundingGate re-verifies funding before an attempt. *risk.FundingChecker
// implements it.
type FundingGate interface {
	Check(ctx context.Context, owner common.Address, notional decimal.Decimal) (risk.FundingVerdict, error)
}

// Settler signs, broadcasts and confirms settlement transactions.
// *chain.Client implements it.
type Settler interface {
	SendTx(ctx context.Context, req chain.TxRequest) (*chain.Broadcast, error)
	WaitReceipt(ctx context.Context, hash common.Hash, policy chain.PollPolicy) (chain.ReceiptStatus, *ethtypes.Receipt, error)
}

// Result is the terminal outcome of one Execute call.
type Result struct {
	RunID   string
	Order   types.Order
	State   State
	History []Transition

	Funding *risk.FundingVerdict
	Signed  *types.SignedOrder
	Submit  *types.SubmitResponse
	TxHash  string // set once a settlement transaction was broadcast
	Receipt *ethtypes.Receipt

	// Err explains every non-success terminal state. Classify with errors.Is
	// against the types.Err* sentinels.
	Err error
}

// Executor builds, signs, submits and settles a single order.
type Executor struct {
	gateway OrderGateway
	funding FundingGate
	settler Settler
	owner   common.Address

	side        types.Side
	size        decimal.Decimal
	minNotional decimal.Decimal
	gasLimit    uint64
	gasPrice    *big.Int
	poll        chain.PollPolicy

	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor creates an executor for orders owned by owner.
func NewExecutor(gateway OrderGateway, funding FundingGate, settler Settler, owner common.Address, cfg config.ExecutionConfig, logger *slog.Logger) (*Executor, error) {
	side, err := types.ParseSide(cfg.Side)
	if err != nil {
		return nil, err
	}
	size := decimal.NewFromFloat(cfg.OrderSize)
	if !size.IsPositive() {
		return nil, fmt.Errorf("order size must be positive, got %s", size)
	}

	return &Executor{
		gateway:     gateway,
		funding:     funding,
		settler:     settler,
		owner:       owner,
		side:        side,
		size:        size,
		minNotional: decimal.NewFromFloat(cfg.MinNotional),
		gasLimit:    cfg.GasLimit,
		gasPrice:    chain.GweiToWei(cfg.GasPriceGwei),
		poll: chain.PollPolicy{
			Timeout:     cfg.ReceiptTimeout,
			Interval:    cfg.PollInterval,
			MaxInterval: cfg.MaxPollInterval,
		},
		logger: logger.With("component", "executor"),
		now:    time.Now,
	}, nil
}

// BuildOrder assembles the FOK market order for a selection.
func (e *Executor) BuildOrder(sel *types.Selection) types.Order {
	return types.Order{
		TokenID:     sel.TokenID,
		Side:        e.side,
		Type:        types.OrderTypeMarket,
		Size:        e.size,
		TimeInForce: types.FOK,
	}
}

// Notional is the funding amount the order must be covered for: the order's
// value at the touch, floored at the configured minimum.
func (e *Executor) Notional(sel *types.Selection) decimal.Decimal {
	price := sel.BestAsk
	if e.side == types.SELL {
		price = sel.BestBid
	}
	return decimal.Max(e.minNotional, e.size.Mul(price))
}

// Execute runs one order for sel to a terminal state. The returned error is
// Result.Err; the Result is always non-nil.
func (e *Executor) Execute(ctx context.Context, runID string, sel *types.Selection) (*Result, error) {
	log := e.logger.With("run_id", runID, "token", sel.TokenID)
	r := &run{
		m:   newMachine(log, e.now),
		res: &Result{RunID: runID, Order: e.BuildOrder(sel)},
		log: log,
	}

	// Funding is re-read right before every attempt.
	verdict, err := e.funding.Check(ctx, e.owner, e.Notional(sel))
	if err != nil {
		return r.fail(StateBlocked, "funding unreadable", fmt.Errorf("verify funding: %w", err))
	}
	r.res.Funding = &verdict
	if !verdict.OK {
		return r.fail(StateBlocked, "funding precondition", verdict.Reason)
	}
	if err := ctx.Err(); err != nil {
		return r.fail(StateAbandoned, "cancelled before signing", err)
	}

	// From here on the caller can no longer abort the attempt.
	ctx = context.WithoutCancel(ctx)

	if err := r.m.to(StateSignatureRequested, ""); err != nil {
		return r.finish(err)
	}
	unsigned := r.res.Order.Unsigned()
	sig, err := e.gateway.RequestSignature(ctx, unsigned)
	if err != nil {
		return r.fail(StateAbandoned, "signing failed", fmt.Errorf("request signature: %w", err))
	}
	if !sig.Complete() {
		return r.fail(StateAbandoned, "incomplete signature",
			fmt.Errorf("%w: missing %s", types.ErrIncompleteSignature, strings.Join(sig.Missing(), ", ")))
	}
	if err := r.m.to(StateSigned, ""); err != nil {
		return r.finish(err)
	}

	signed := types.SignedOrder{
		UnsignedOrder: unsigned,
		Nonce:         sig.Nonce.String(),
		Expiration:    sig.Expiration.String(),
		Signature:     sig.Signature.String(),
		Wallet:        e.owner.Hex(),
	}
	r.res.Signed = &signed

	if err := r.m.to(StateSubmitted, ""); err != nil {
		return r.finish(err)
	}
	submit, err := e.gateway.SubmitOrder(ctx, signed)
	if err != nil {
		return r.fail(StateRejected, "submission failed", fmt.Errorf("submit order: %w", err))
	}
	r.res.Submit = submit

	switch {
	case submit.Refused() || (submit.ErrorMsg != "" && !submit.NeedsSettlement()):
		reason := firstNonEmpty(submit.ErrorMsg, submit.Status, "success=false")
		return r.fail(StateRejected, reason, fmt.Errorf("%w: %s", types.ErrRejected, reason))
	case !submit.NeedsSettlement():
		if err := r.m.to(StateFilled, submit.OrderID); err != nil {
			return r.finish(err)
		}
		return r.finish(nil)
	}

	if err := r.m.to(StateSettlementPending, ""); err != nil {
		return r.finish(err)
	}
	return e.settle(ctx, r, submit.TxData)
}

// settle broadcasts the exchange's settlement instruction once and waits for
// its receipt. A missing receipt is reported as TX_UNKNOWN, never as failure.
// A send error after signing still polls the signed hash: the node may have
// relayed the transaction before the error surfaced.
func (e *Executor) settle(ctx context.Context, r *run, tx *types.TxData) (*Result, error) {
	to, data, err := chain.DecodeTxData(tx.To, tx.Data)
	if err != nil {
		return r.fail(StateTxFailed, "malformed tx_data", fmt.Errorf("%w: %w", types.ErrSettlementFailed, err))
	}

	b, err := e.settler.SendTx(ctx, chain.TxRequest{
		To:       to,
		Data:     data,
		GasLimit: e.gasLimit,
		GasPrice: e.gasPrice,
	})
	if b == nil {
		if err == nil {
			err = fmt.Errorf("no broadcast record")
		}
		// Nothing was signed, so nothing can be on chain.
		return r.fail(StateTxFailed, "broadcast not attempted", fmt.Errorf("%w: %w", types.ErrSettlementFailed, err))
	}
	r.res.TxHash = b.Hash.Hex()
	note := r.res.TxHash
	if err != nil {
		note = "send error, tx may be relayed: " + err.Error()
	}
	if err := r.m.to(StateTxBroadcast, note); err != nil {
		return r.finish(err)
	}
	sendErr := err

	status, receipt, err := e.settler.WaitReceipt(ctx, b.Hash, e.poll)
	r.res.Receipt = receipt
	switch {
	case err != nil:
		return r.fail(StateTxUnknown, "receipt unreadable",
			fmt.Errorf("%w: tx %s: %w", types.ErrOutcomeUnknown, r.res.TxHash, err))
	case status == chain.ReceiptUnknown && sendErr != nil:
		return r.fail(StateTxUnknown, "broadcast unacknowledged, no receipt before deadline",
			fmt.Errorf("%w: tx %s: %w", types.ErrOutcomeUnknown, r.res.TxHash, sendErr))
	case status == chain.ReceiptConfirmed:
		if err := r.m.to(StateTxConfirmed, r.res.TxHash); err != nil {
			return r.finish(err)
		}
		return r.finish(nil)
	case status == chain.ReceiptFailed:
		return r.fail(StateTxFailed, "reverted",
			fmt.Errorf("%w: tx %s reverted", types.ErrSettlementFailed, r.res.TxHash))
	default:
		return r.fail(StateTxUnknown, "no receipt before deadline",
			fmt.Errorf("%w: tx %s", types.ErrOutcomeUnknown, r.res.TxHash))
	}
}

// run carries one Execute call's machine and result.
type run struct {
	m   *machine
	res *Result
	log *slog.Logger
}

func (r *run) finish(err error) (*Result, error) {
	r.res.State = r.m.state
	r.res.History = r.m.history
	r.res.Err = err
	if err != nil {
		r.log.Warn("order ended", "state", r.m.state, "error", err)
	} else {
		r.log.Info("order ended", "state", r.m.state, "tx", r.res.TxHash)
	}
	return r.res, err
}

func (r *run) fail(next State, note string, cause error) (*Result, error) {
	if err := r.m.to(next, note); err != nil {
		return r.finish(fmt.Errorf("%w: %w", err, cause))
	}
	return r.finish(cause)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
