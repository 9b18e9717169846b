package execution

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"polymarket-exec/internal/chain"
	"polymarket-exec/internal/config"
	"polymarket-exec/internal/risk"
	"polymarket-exec/pkg/types"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")

const settleData = "0xa9059cbb0000000000000000000000000000000000000000000000000000000000000001"

type fakeGateway struct {
	sig       *types.SignatureResponse
	sigErr    error
	submit    *types.SubmitResponse
	submitErr error

	sigCalls    int
	submitCalls int
	unsigned    types.UnsignedOrder
	signed      types.SignedOrder
}

func (f *fakeGateway) RequestSignature(ctx context.Context, order types.UnsignedOrder) (*types.SignatureResponse, error) {
	f.sigCalls++
	f.unsigned = order
	return f.sig, f.sigErr
}

func (f *fakeGateway) SubmitOrder(ctx context.Context, order types.SignedOrder) (*types.SubmitResponse, error) {
	f.submitCalls++
	f.signed = order
	return f.submit, f.submitErr
}

type fakeFunding struct {
	balance  decimal.Decimal
	err      error
	notional decimal.Decimal
}

func (f *fakeFunding) Check(ctx context.Context, _ common.Address, notional decimal.Decimal) (risk.FundingVerdict, error) {
	f.notional = notional
	if f.err != nil {
		return risk.FundingVerdict{}, f.err
	}
	v := risk.FundingVerdict{
		State:    types.FundingState{Balance: f.balance, Allowance: f.balance},
		Notional: notional,
		OK:       f.balance.GreaterThanOrEqual(notional),
	}
	if !v.OK {
		v.Reason = types.ErrInsufficientBalance
	}
	return v, nil
}

type fakeSettler struct {
	sendErr    error
	status     chain.ReceiptStatus
	receiptErr error

	sent    []chain.TxRequest
	waitCtx context.Context
}

func (f *fakeSettler) SendTx(ctx context.Context, req chain.TxRequest) (*chain.Broadcast, error) {
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &chain.Broadcast{Hash: common.HexToHash("0xbeef"), Nonce: 7}, nil
}

func (f *fakeSettler) WaitReceipt(ctx context.Context, _ common.Hash, _ chain.PollPolicy) (chain.ReceiptStatus, *ethtypes.Receipt, error) {
	f.waitCtx = ctx
	if f.receiptErr != nil {
		return chain.ReceiptUnknown, nil, f.receiptErr
	}
	return f.status, nil, nil
}

func completeSig() *types.SignatureResponse {
	return &types.SignatureResponse{Nonce: "1", Expiration: "1700000000", Signature: "0xsig"}
}

func selection() *types.Selection {
	return &types.Selection{
		Market:  types.Market{ID: "m1"},
		Outcome: "Yes",
		TokenID: "111",
		BestBid: decimal.RequireFromString("0.40"),
		BestAsk: decimal.RequireFromString("0.45"),
	}
}

func newTestExecutor(t *testing.T, gw OrderGateway, fund FundingGate, st Settler) *Executor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	e, err := NewExecutor(gw, fund, st, owner, config.ExecutionConfig{
		Side:            "buy",
		OrderSize:       10,
		MinNotional:     1,
		GasLimit:        500_000,
		GasPriceGwei:    50,
		ReceiptTimeout:  time.Second,
		PollInterval:    10 * time.Millisecond,
		MaxPollInterval: 50 * time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e
}

func funded() *fakeFunding { return &fakeFunding{balance: decimal.NewFromInt(1000)} }

func statesOf(h []Transition) []State {
	out := make([]State, len(h))
	for i, tr := range h {
		out[i] = tr.To
	}
	return out
}

func assertPath(t *testing.T, res *Result, want ...State) {
	t.Helper()
	got := statesOf(res.History)
	if len(got) != len(want) {
		t.Fatalf("path = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("path = %v, want %v", got, want)
		}
	}
	if res.State != want[len(want)-1] {
		t.Errorf("state = %s, want %s", res.State, want[len(want)-1])
	}
}

func TestExecuteFilled(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{sig: completeSig(), submit: &types.SubmitResponse{OrderID: "o-1", Status: "matched"}}
	st := &fakeSettler{}
	res, err := newTestExecutor(t, gw, funded(), st).Execute(context.Background(), "run-1", selection())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	assertPath(t, res, StateSignatureRequested, StateSigned, StateSubmitted, StateFilled)
	if !res.State.Success() {
		t.Error("FILLED must count as success")
	}
	if len(st.sent) != 0 {
		t.Error("no transaction expected without tx_data")
	}

	if gw.unsigned.TokenID != "111" || gw.unsigned.Side != types.BUY || gw.unsigned.TimeInForce != types.FOK ||
		gw.unsigned.Type != types.OrderTypeMarket || gw.unsigned.Size != "10" {
		t.Errorf("unsigned order = %+v", gw.unsigned)
	}
	if gw.signed.Nonce != "1" || gw.signed.Expiration != "1700000000" || gw.signed.Signature != "0xsig" {
		t.Errorf("signed order = %+v", gw.signed)
	}
	if gw.signed.Wallet != owner.Hex() || gw.signed.TokenID != "111" {
		t.Errorf("signed order identity = %+v", gw.signed)
	}
}

func TestExecuteNeverSubmitsWithoutFullSignature(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sig  *types.SignatureResponse
	}{
		{"missing nonce", &types.SignatureResponse{Expiration: "1", Signature: "0x"}},
		{"missing expiration", &types.SignatureResponse{Nonce: "1", Signature: "0x"}},
		{"missing signature", &types.SignatureResponse{Nonce: "1", Expiration: "1"}},
		{"empty", &types.SignatureResponse{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw := &fakeGateway{sig: tt.sig, submit: &types.SubmitResponse{}}
			res, err := newTestExecutor(t, gw, funded(), &fakeSettler{}).Execute(context.Background(), "r", selection())
			if !errors.Is(err, types.ErrIncompleteSignature) {
				t.Fatalf("error = %v, want ErrIncompleteSignature", err)
			}
			assertPath(t, res, StateSignatureRequested, StateAbandoned)
			if gw.submitCalls != 0 {
				t.Fatalf("order submitted %d times with an incomplete signature", gw.submitCalls)
			}
		})
	}
}

func TestExecuteSigningFailureAbandons(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{sigErr: types.ErrUnavailable}
	res, err := newTestExecutor(t, gw, funded(), &fakeSettler{}).Execute(context.Background(), "r", selection())
	if !errors.Is(err, types.ErrUnavailable) {
		t.Fatalf("error = %v", err)
	}
	assertPath(t, res, StateSignatureRequested, StateAbandoned)
	if gw.submitCalls != 0 {
		t.Error("submitted after failed signing")
	}
}

func TestExecuteBlockedWithoutFunding(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{sig: completeSig()}
	fund := &fakeFunding{balance: decimal.RequireFromString("0.5")}
	e := newTestExecutor(t, gw, fund, &fakeSettler{})
	e.size = decimal.NewFromInt(1)
	sel := selection()
	sel.BestAsk = decimal.RequireFromString("0.2")

	res, err := e.Execute(context.Background(), "r", sel)
	if !errors.Is(err, types.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	assertPath(t, res, StateBlocked)
	if gw.sigCalls != 0 {
		t.Error("signing endpoint called despite funding shortfall")
	}
	if !fund.notional.Equal(decimal.NewFromInt(1)) {
		t.Errorf("notional = %s, want the minimum notional 1", fund.notional)
	}
}

func TestExecuteBlockedWhenFundingUnreadable(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{sig: completeSig()}
	res, err := newTestExecutor(t, gw, &fakeFunding{err: types.ErrUnavailable}, &fakeSettler{}).
		Execute(context.Background(), "r", selection())
	if !errors.Is(err, types.ErrUnavailable) {
		t.Fatalf("error = %v", err)
	}
	assertPath(t, res, StateBlocked)
	if gw.sigCalls != 0 {
		t.Error("signing endpoint called without a funding read")
	}
}

func TestExecuteRejected(t *testing.T) {
	t.Parallel()

	no := false
	tests := []struct {
		name      string
		submit    *types.SubmitResponse
		submitErr error
	}{
		{"success false", &types.SubmitResponse{Success: &no, ErrorMsg: "not enough liquidity"}, nil},
		{"error message", &types.SubmitResponse{ErrorMsg: "FOK could not be filled"}, nil},
		{"endpoint refused", nil, types.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw := &fakeGateway{sig: completeSig(), submit: tt.submit, submitErr: tt.submitErr}
			st := &fakeSettler{}
			res, err := newTestExecutor(t, gw, funded(), st).Execute(context.Background(), "r", selection())
			if !errors.Is(err, types.ErrRejected) {
				t.Fatalf("error = %v, want ErrRejected", err)
			}
			assertPath(t, res, StateSignatureRequested, StateSigned, StateSubmitted, StateRejected)
			if gw.submitCalls != 1 || len(st.sent) != 0 {
				t.Errorf("submits = %d, txs = %d", gw.submitCalls, len(st.sent))
			}
		})
	}
}

func settlementGateway(to, data string) *fakeGateway {
	return &fakeGateway{sig: completeSig(), submit: &types.SubmitResponse{TxData: &types.TxData{To: to, Data: data}}}
}

const settleTo = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

func TestExecuteSettlementOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		settler    *fakeSettler
		wantState  State
		wantErr    error
		wantTxHash bool
	}{
		{"confirmed", &fakeSettler{status: chain.ReceiptConfirmed}, StateTxConfirmed, nil, true},
		{"reverted", &fakeSettler{status: chain.ReceiptFailed}, StateTxFailed, types.ErrSettlementFailed, true},
		{"receipt deadline", &fakeSettler{status: chain.ReceiptUnknown}, StateTxUnknown, types.ErrOutcomeUnknown, true},
		{"receipt read error", &fakeSettler{receiptErr: types.ErrUnavailable}, StateTxUnknown, types.ErrOutcomeUnknown, true},
		{"nothing signed", &fakeSettler{sendErr: errors.New("get nonce: unavailable")}, StateTxFailed, types.ErrSettlementFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := newTestExecutor(t, settlementGateway(settleTo, settleData), funded(), tt.settler).
				Execute(context.Background(), "r", selection())

			if tt.wantErr == nil && err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if res.State != tt.wantState {
				t.Fatalf("state = %s, want %s (history %v)", res.State, tt.wantState, statesOf(res.History))
			}
			if (res.TxHash != "") != tt.wantTxHash {
				t.Errorf("tx hash = %q", res.TxHash)
			}
			if len(tt.settler.sent) != 1 {
				t.Fatalf("broadcasts = %d, want exactly 1", len(tt.settler.sent))
			}
			req := tt.settler.sent[0]
			if req.To != common.HexToAddress(settleTo) || req.GasLimit != 500_000 ||
				req.GasPrice.Cmp(big.NewInt(50_000_000_000)) != 0 || len(req.Data) != 36 {
				t.Errorf("tx request = %+v", req)
			}
		})
	}
}

func TestExecuteUnknownIsDistinct(t *testing.T) {
	t.Parallel()

	res, err := newTestExecutor(t, settlementGateway(settleTo, settleData), funded(), &fakeSettler{status: chain.ReceiptUnknown}).
		Execute(context.Background(), "r", selection())
	if errors.Is(err, types.ErrSettlementFailed) {
		t.Error("an unknown outcome must not be reported as a failure")
	}
	if res.State.Success() || res.State == StateTxFailed {
		t.Errorf("state = %s", res.State)
	}
	assertPath(t, res, StateSignatureRequested, StateSigned, StateSubmitted,
		StateSettlementPending, StateTxBroadcast, StateTxUnknown)
}

func TestExecuteMalformedTxData(t *testing.T) {
	t.Parallel()

	tests := []struct{ to, data string }{
		{"not-an-address", settleData},
		{settleTo, ""},
		{settleTo, "0xzz"},
	}
	for _, tt := range tests {
		st := &fakeSettler{}
		res, err := newTestExecutor(t, settlementGateway(tt.to, tt.data), funded(), st).
			Execute(context.Background(), "r", selection())
		if !errors.Is(err, types.ErrMalformed) || !errors.Is(err, types.ErrSettlementFailed) {
			t.Errorf("%q/%q: error = %v", tt.to, tt.data, err)
		}
		if res.State != StateTxFailed || len(st.sent) != 0 {
			t.Errorf("%q/%q: state = %s, broadcasts = %d", tt.to, tt.data, res.State, len(st.sent))
		}
	}
}

func TestExecuteCancelledBeforeSigning(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gw := &fakeGateway{sig: completeSig()}
	res, err := newTestExecutor(t, gw, funded(), &fakeSettler{}).Execute(ctx, "r", selection())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	assertPath(t, res, StateAbandoned)
	if gw.sigCalls != 0 {
		t.Error("signing endpoint called after cancellation")
	}
}

// cancellingGateway cancels the caller's context once signing has begun.
type cancellingGateway struct {
	fakeGateway
	cancel context.CancelFunc
}

func (c *cancellingGateway) RequestSignature(ctx context.Context, order types.UnsignedOrder) (*types.SignatureResponse, error) {
	c.cancel()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return c.fakeGateway.RequestSignature(ctx, order)
}

func TestExecuteIgnoresCancellationAfterSigningStarts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := &cancellingGateway{
		fakeGateway: fakeGateway{sig: completeSig(), submit: &types.SubmitResponse{TxData: &types.TxData{To: settleTo, Data: settleData}}},
		cancel:      cancel,
	}
	st := &fakeSettler{status: chain.ReceiptConfirmed}
	res, err := newTestExecutor(t, gw, funded(), st).Execute(ctx, "r", selection())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != StateTxConfirmed {
		t.Fatalf("state = %s, want TX_CONFIRMED", res.State)
	}
	if st.waitCtx.Err() != nil {
		t.Error("receipt polling ran on a cancelled context")
	}
}

func TestNotional(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, &fakeGateway{}, funded(), &fakeSettler{})
	sel := selection()
	if got := e.Notional(sel); !got.Equal(decimal.RequireFromString("4.5")) {
		t.Errorf("buy notional = %s, want 4.5", got)
	}
	e.side = types.SELL
	if got := e.Notional(sel); !got.Equal(decimal.NewFromInt(4)) {
		t.Errorf("sell notional = %s, want 4", got)
	}
	e.size = decimal.NewFromInt(1)
	if got := e.Notional(sel); !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("floored notional = %s, want 1", got)
	}
}

func TestNewExecutorRejectsBadConfig(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if _, err := NewExecutor(nil, nil, nil, owner, config.ExecutionConfig{Side: "hold", OrderSize: 1}, logger); err == nil {
		t.Error("expected error for unknown side")
	}
	if _, err := NewExecutor(nil, nil, nil, owner, config.ExecutionConfig{Side: "buy"}, logger); err == nil {
		t.Error("expected error for zero size")
	}
}

// relayingBackend accepts every transaction and then reports sendErr, the way
// a node does when the response is lost after relaying.
type relayingBackend struct {
	mu      sync.Mutex
	sendErr error
	receipt *ethtypes.Receipt
	relayed []*ethtypes.Transaction
}

func (b *relayingBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("not used")
}

func (b *relayingBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return 11, nil
}

func (b *relayingBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relayed = append(b.relayed, tx)
	return b.sendErr
}

func (b *relayingBackend) TransactionReceipt(context.Context, common.Hash) (*ethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receipt == nil {
		return nil, ethereum.NotFound
	}
	return b.receipt, nil
}

func newRelayClient(t *testing.T, backend chain.Backend) *chain.Client {
	t.Helper()
	w, err := chain.NewWallet("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", 137)
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	c, err := chain.NewClient(backend, w, config.ChainConfig{
		FundingToken: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
		Exchange:     settleTo,
		Timeout:      time.Second,
	}, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestExecuteSendErrorAfterRelayKeepsHash(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		receipt   *ethtypes.Receipt
		wantState State
		wantErr   error
	}{
		{"never mined", nil, StateTxUnknown, types.ErrOutcomeUnknown},
		{"mined anyway", &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}, StateTxConfirmed, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			backend := &relayingBackend{sendErr: context.DeadlineExceeded, receipt: tt.receipt}
			e := newTestExecutor(t, settlementGateway(settleTo, settleData), funded(), newRelayClient(t, backend))
			e.poll = chain.PollPolicy{Timeout: 50 * time.Millisecond, Interval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond}

			res, err := e.Execute(context.Background(), "r", selection())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if errors.Is(err, types.ErrSettlementFailed) {
				t.Error("a possibly relayed transaction must not be reported as failed")
			}
			if len(backend.relayed) != 1 {
				t.Fatalf("relayed = %d, want 1", len(backend.relayed))
			}
			if want := backend.relayed[0].Hash().Hex(); res.TxHash != want {
				t.Errorf("tx hash = %q, want %q", res.TxHash, want)
			}
			assertPath(t, res, StateSignatureRequested, StateSigned, StateSubmitted,
				StateSettlementPending, StateTxBroadcast, tt.wantState)
		})
	}
}
