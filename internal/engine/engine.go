// Package engine is the central orchestrator of the execution engine.
//
// One call to Run makes exactly one trade decision:
//
//  1. Catalog lists live, tradable markets matching the topic.
//  2. Selector fetches fresh books and picks the most liquid outcome token.
//  3. Executor verifies funding and drives the order state machine through
//     signing, submission and, when instructed, on-chain settlement.
//
// Lifecycle: New() → Run() → Close()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-exec/internal/chain"
	"polymarket-exec/internal/config"
	"polymarket-exec/internal/exchange"
	"polymarket-exec/internal/execution"
	"polymarket-exec/internal/market"
	"polymarket-exec/internal/risk"
	"polymarket-exec/internal/strategy"
	"polymarket-exec/pkg/types"
)

type catalog interface {
	ListCandidates(ctx context.Context, topic market.Topic) (*market.CatalogResult, error)
}

type selector interface {
	SelectBest(ctx context.Context, markets []types.Market) (*types.Selection, error)
}

type executor interface {
	Execute(ctx context.Context, runID string, sel *types.Selection) (*execution.Result, error)
	Notional(sel *types.Selection) decimal.Decimal
}

type fundingGate interface {
	Check(ctx context.Context, owner common.Address, notional decimal.Decimal) (risk.FundingVerdict, error)
}

type approver interface {
	Approve(ctx context.Context, spender common.Address, amount *big.Int, gasLimit uint64, gasPrice *big.Int, policy chain.PollPolicy) (*chain.Broadcast, chain.ReceiptStatus, error)
}

// Report summarizes one Run.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Strategy   string // catalog query strategy that produced the candidates
	Candidates int
	Exhausted  bool

	Selection *types.Selection
	Funding   *risk.FundingVerdict
	DryRun    bool

	// Execution is nil when no order was attempted.
	Execution *execution.Result
}

// State is the order's terminal state, or "" when no order was attempted.
func (r *Report) State() execution.State {
	if r.Execution == nil {
		return ""
	}
	return r.Execution.State
}

// TxHash is the settlement transaction hash, if one was broadcast.
func (r *Report) TxHash() string {
	if r.Execution == nil {
		return ""
	}
	return r.Execution.TxHash
}

// Engine wires the catalog, selector, funding checker and executor together.
type Engine struct {
	cfg      config.Config
	owner    common.Address
	catalog  catalog
	selector selector
	funding  fundingGate
	executor executor
	approver approver
	spender  common.Address
	eth      *ethclient.Client // nil in tests
	logger   *slog.Logger
	now      func() time.Time
}

// New creates and wires all engine components from cfg.
// If L2 API credentials aren't configured, it derives them via L1 (EIP-712) auth.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	wallet, err := chain.NewWallet(cfg.Wallet.PrivateKey, cfg.Wallet.ChainID)
	if err != nil {
		return nil, err
	}

	chainClient, eth, err := chain.Dial(ctx, cfg, wallet, logger)
	if err != nil {
		return nil, err
	}

	auth := exchange.NewAuth(wallet, cfg.API)
	client := exchange.NewClient(cfg, auth, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1...")
		if _, err := client.DeriveAPIKey(ctx); err != nil {
			// Signing and submission may still be accepted without L2 headers.
			logger.Warn("API key derivation failed, continuing without L2 auth", "error", err)
		}
	}

	funding := risk.NewFundingChecker(chainClient, chainClient.Exchange(), cfg.Chain.TokenDecimals, logger)
	exec, err := execution.NewExecutor(client, funding, chainClient, wallet.Address(), cfg.Execution, logger)
	if err != nil {
		eth.Close()
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		owner:    wallet.Address(),
		catalog:  market.NewCatalog(cfg, logger),
		selector: strategy.NewSelector(client, cfg.Selector, logger),
		funding:  funding,
		executor: exec,
		approver: chainClient,
		spender:  chainClient.Exchange(),
		eth:      eth,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
	}, nil
}

// Close releases the RPC connection.
func (e *Engine) Close() {
	if e.eth != nil {
		e.eth.Close()
	}
}

// Owner is the wallet address orders are placed for.
func (e *Engine) Owner() common.Address { return e.owner }

// Run makes one trade decision for topic. The report is non-nil whenever the
// catalog was reached, including on error.
func (e *Engine) Run(ctx context.Context, topic market.Topic) (*Report, error) {
	rep := &Report{RunID: uuid.New().String(), StartedAt: e.now(), DryRun: e.cfg.DryRun}
	log := e.logger.With("run_id", rep.RunID)
	defer func() { rep.FinishedAt = e.now() }()

	log.Info("run started", "owner", e.owner.Hex(), "dry_run", rep.DryRun)

	cands, err := e.catalog.ListCandidates(ctx, topic)
	if err != nil {
		return rep, fmt.Errorf("list candidates: %w", err)
	}
	rep.Strategy = cands.Strategy
	rep.Candidates = len(cands.Markets)
	rep.Exhausted = cands.Exhausted
	if len(cands.Markets) == 0 {
		log.Warn("no candidate markets", "fetched", cands.Fetched, "live", cands.Live)
		return rep, fmt.Errorf("%w: catalog returned no live matching markets", types.ErrNoCandidates)
	}

	sel, err := e.selector.SelectBest(ctx, cands.Markets)
	if err != nil {
		return rep, fmt.Errorf("select market: %w", err)
	}
	if sel == nil {
		return rep, fmt.Errorf("%w: no token with a two-sided book among %d markets", types.ErrNoCandidates, rep.Candidates)
	}
	rep.Selection = sel

	if rep.DryRun {
		verdict, err := e.funding.Check(ctx, e.owner, e.executor.Notional(sel))
		if err != nil {
			return rep, fmt.Errorf("verify funding: %w", err)
		}
		rep.Funding = &verdict
		log.Info("dry run, no order placed", "token", sel.TokenID, "funding_ok", verdict.OK)
		if !verdict.OK {
			return rep, verdict.Reason
		}
		return rep, nil
	}

	res, err := e.executor.Execute(ctx, rep.RunID, sel)
	rep.Execution = res
	if res != nil {
		rep.Funding = res.Funding
	}
	if err != nil {
		if errors.Is(err, types.ErrOutcomeUnknown) {
			log.Error("settlement outcome unknown, verify on-chain", "tx", rep.TxHash())
		}
		return rep, err
	}
	log.Info("run complete", "state", res.State, "tx", res.TxHash)
	return rep, nil
}

// Approve grants the exchange's settlement contract an unlimited allowance on
// the funding asset and waits for the receipt. This is the out-of-band action
// that clears ErrInsufficientAllowance.
func (e *Engine) Approve(ctx context.Context) (*chain.Broadcast, chain.ReceiptStatus, error) {
	ex := e.cfg.Execution
	e.logger.Info("approving funding asset", "spender", e.spender.Hex(), "gas_limit", ex.ApproveGasLimit)

	b, status, err := e.approver.Approve(ctx, e.spender, math.MaxBig256, ex.ApproveGasLimit, chain.GweiToWei(ex.GasPriceGwei),
		chain.PollPolicy{Timeout: ex.ReceiptTimeout, Interval: ex.PollInterval, MaxInterval: ex.MaxPollInterval})
	if err != nil {
		if b != nil {
			// Signed and possibly relayed.
			return b, chain.ReceiptUnknown, fmt.Errorf("%w: approval tx %s: %w", types.ErrOutcomeUnknown, b.Hash.Hex(), err)
		}
		return b, status, err
	}
	switch status {
	case chain.ReceiptConfirmed:
		e.logger.Info("approval confirmed", "tx", b.Hash.Hex())
		return b, status, nil
	case chain.ReceiptFailed:
		return b, status, fmt.Errorf("%w: approval tx %s reverted", types.ErrSettlementFailed, b.Hash.Hex())
	default:
		return b, status, fmt.Errorf("%w: approval tx %s", types.ErrOutcomeUnknown, b.Hash.Hex())
	}
}
