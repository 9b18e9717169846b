// Package risk gates order attempts on the wallet's funding.
//
// Two independent preconditions must hold before any order is built:
//
//   - Balance:   the wallet holds at least the order notional of the funding asset
//   - Allowance: the exchange's settlement contract may spend at least that much
//
// Both are read on-chain every time. Nothing is cached and no lock is held
// between the check and the order: a withdrawal in between surfaces later as
// an ordinary rejection.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"polymarket-exec/pkg/types"
)

// TokenReader reads ERC-20 state for the funding asset. *chain.Client
// implements it.
type TokenReader interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
}

// FundingVerdict is the outcome of one precondition check. Reason wraps
// types.ErrInsufficientBalance or types.ErrInsufficientAllowance when OK is
// false.
type FundingVerdict struct {
	State    types.FundingState
	Notional decimal.Decimal
	OK       bool
	Reason   error
}

// FundingChecker verifies balance and allowance against a notional.
type FundingChecker struct {
	reader   TokenReader
	spender  common.Address // settlement contract
	decimals int32          // funding asset decimals (6 for USDC)
	logger   *slog.Logger
}

// NewFundingChecker creates a checker for the funding asset behind reader.
func NewFundingChecker(reader TokenReader, spender common.Address, decimals int32, logger *slog.Logger) *FundingChecker {
	return &FundingChecker{
		reader:   reader,
		spender:  spender,
		decimals: decimals,
		logger:   logger.With("component", "funding"),
	}
}

// State reads the owner's balance and allowance. Read failures are returned
// as errors, never as a zero balance.
func (f *FundingChecker) State(ctx context.Context, owner common.Address) (types.FundingState, error) {
	bal, err := f.reader.BalanceOf(ctx, owner)
	if err != nil {
		return types.FundingState{}, fmt.Errorf("read balance: %w", err)
	}
	allow, err := f.reader.Allowance(ctx, owner, f.spender)
	if err != nil {
		return types.FundingState{}, fmt.Errorf("read allowance: %w", err)
	}

	return types.FundingState{
		Owner:        owner.Hex(),
		RawBalance:   bal,
		RawAllowance: allow,
		Balance:      ToDecimal(bal, f.decimals),
		Allowance:    ToDecimal(allow, f.decimals),
	}, nil
}

// Check reads the funding state and compares it against notional.
func (f *FundingChecker) Check(ctx context.Context, owner common.Address, notional decimal.Decimal) (FundingVerdict, error) {
	state, err := f.State(ctx, owner)
	if err != nil {
		return FundingVerdict{}, err
	}

	v := FundingVerdict{State: state, Notional: notional, OK: true}
	switch {
	case state.Balance.LessThan(notional):
		v.OK = false
		v.Reason = fmt.Errorf("%w: have %s, need %s", types.ErrInsufficientBalance, state.Balance, notional)
	case state.Allowance.LessThan(notional):
		v.OK = false
		v.Reason = fmt.Errorf("%w: approved %s, need %s", types.ErrInsufficientAllowance, state.Allowance, notional)
	}

	if v.OK {
		f.logger.Info("funding ok", "owner", state.Owner, "balance", state.Balance, "allowance", state.Allowance, "notional", notional)
	} else {
		f.logger.Warn("funding precondition failed", "owner", state.Owner, "reason", v.Reason)
	}
	return v, nil
}

// CanTrade reports whether both balance and allowance reach minNotional.
// It returns false with a nil error for either shortfall; an error means the
// chain could not be read.
func (f *FundingChecker) CanTrade(ctx context.Context, owner common.Address, minNotional decimal.Decimal) (bool, error) {
	v, err := f.Check(ctx, owner, minNotional)
	if err != nil {
		return false, err
	}
	return v.OK, nil
}

// ToDecimal scales a smallest-unit amount by 10^-decimals.
func ToDecimal(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
