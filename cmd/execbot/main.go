// Polymarket execution bot: makes one trade decision on a binary prediction
// market and carries the order through signing, submission and settlement.
//
// Architecture overview:
//
//	main.go               entry point: flags, config, logger, one engine run
//	engine/engine.go      orchestrator: catalog → selector → executor
//	market/catalog.go     lists live Gamma markets matching the topic, with fallback queries
//	market/codec.go       decodes outcome/token lists in any wire encoding
//	exchange/client.go    CLOB REST client: order books, signing, submission
//	exchange/auth.go      L1 (EIP-712) and L2 (HMAC) authentication for the CLOB API
//	strategy/selector.go  scores every outcome token by depth over spread
//	risk/funding.go       balance and allowance precondition on the funding asset
//	execution/            order state machine and on-chain settlement
//	chain/                wallet, ERC-20 reads, transaction broadcast and receipts
//
// Modes:
//
//	execbot               select and trade once
//	execbot --dry-run     select and verify funding, place nothing
//	execbot --approve     approve the exchange to spend the funding asset
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"polymarket-exec/internal/config"
	"polymarket-exec/internal/engine"
	"polymarket-exec/internal/market"
	"polymarket-exec/pkg/types"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUnknown = 3 // settlement outcome unknown: verify on-chain before retrying
)

func main() {
	os.Exit(run())
}

func run() int {
	defaultPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		defaultPath = p
	}

	flags := pflag.NewFlagSet("execbot", pflag.ExitOnError)
	cfgPath := flags.StringP("config", "c", defaultPath, "path to the YAML config file")
	approve := flags.Bool("approve", false, "approve the exchange to spend the funding asset, then exit")
	dryRun := flags.Bool("dry-run", false, "select a market and verify funding without placing an order")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return exitFailed
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitFailed
	}

	logger, closeLog := newLogger(cfg.Logging)
	defer closeLog()

	// Cancels the run only until signing starts; the executor detaches after that.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, *cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return exitFailed
	}
	defer eng.Close()

	if *approve {
		b, status, err := eng.Approve(ctx)
		if err != nil {
			attrs := []any{"status", status, "error", err}
			if b != nil {
				attrs = append(attrs, "tx", b.Hash.Hex())
			}
			logger.Error("approval failed", attrs...)
			return exitCode(err)
		}
		logger.Info("approval done", "tx", b.Hash.Hex(), "status", status)
		return exitOK
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: no order will be placed")
	}
	logger.Info("execution bot started",
		"wallet", eng.Owner().Hex(),
		"side", cfg.Execution.Side,
		"order_size", cfg.Execution.OrderSize,
		"dry_run", cfg.DryRun,
	)

	rep, err := eng.Run(ctx, market.TopicFromConfig(cfg.Catalog))
	if rep != nil {
		logReport(logger, rep)
	}
	if err != nil {
		logger.Error("run failed", "error", err)
		return exitCode(err)
	}
	return exitOK
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	var w io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, lj)
		closeFn = func() { _ = lj.Close() }
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closeFn
}

func logReport(logger *slog.Logger, rep *engine.Report) {
	attrs := []any{
		"run_id", rep.RunID,
		"strategy", rep.Strategy,
		"candidates", rep.Candidates,
		"duration", rep.FinishedAt.Sub(rep.StartedAt).String(),
	}
	if sel := rep.Selection; sel != nil {
		attrs = append(attrs,
			"market", sel.Market.ID,
			"question", sel.Market.Question,
			"outcome", sel.Outcome,
			"token", sel.TokenID,
			"score", sel.Score.StringFixed(4),
		)
	}
	if f := rep.Funding; f != nil {
		attrs = append(attrs, "balance", f.State.Balance, "allowance", f.State.Allowance, "notional", f.Notional)
	}
	if state := rep.State(); state != "" {
		attrs = append(attrs, "state", state)
	}
	if tx := rep.TxHash(); tx != "" {
		attrs = append(attrs, "tx", tx)
	}
	logger.Info("run report", attrs...)
}

func exitCode(err error) int {
	if errors.Is(err, types.ErrOutcomeUnknown) {
		fmt.Fprintln(os.Stderr, "settlement outcome unknown: verify the transaction on-chain before retrying")
		return exitUnknown
	}
	return exitFailed
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
