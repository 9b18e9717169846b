// Package config defines all configuration for the execution engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables. A .env file
// in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Selector  SelectorConfig  `mapstructure:"selector"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WalletConfig holds the Ethereum wallet that owns the funding asset, is
// named as the order's wallet, and signs settlement transactions.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	ChainID    int64  `mapstructure:"chain_id"`
}

// APIConfig holds exchange endpoints and optional L2 credentials. When
// ApiKey/Secret/Passphrase are all set, signing and submission requests carry
// HMAC auth headers.
type APIConfig struct {
	CLOBBaseURL   string        `mapstructure:"clob_base_url"`
	GammaBaseURL  string        `mapstructure:"gamma_base_url"`
	BookPath      string        `mapstructure:"book_path"`      // query-parameter shape, e.g. /book
	BookAltPath   string        `mapstructure:"book_alt_path"`  // path-segment shape, e.g. /book/{token_id}
	SignaturePath string        `mapstructure:"signature_path"` // e.g. /orders/signature
	OrderPath     string        `mapstructure:"order_path"`     // e.g. /orders
	Timeout       time.Duration `mapstructure:"timeout"`        // per HTTP request
	ReadRetries   int           `mapstructure:"read_retries"`   // bounded retries for read-only endpoints
	ApiKey        string        `mapstructure:"api_key"`
	Secret        string        `mapstructure:"secret"`
	Passphrase    string        `mapstructure:"passphrase"`
}

// ChainConfig points at the settlement chain and its two contracts.
//
//   - FundingToken: ERC-20 funding asset (USDC on Polygon).
//   - Exchange:     settlement contract that spends the funding asset.
//   - TokenDecimals: smallest-unit exponent of the funding asset.
type ChainConfig struct {
	RPCURL        string        `mapstructure:"rpc_url"`
	FundingToken  string        `mapstructure:"funding_token"`
	Exchange      string        `mapstructure:"exchange"`
	TokenDecimals int32         `mapstructure:"token_decimals"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ReadRetries   int           `mapstructure:"read_retries"`
}

// QueryStrategy is one way of asking the market-data provider for the
// active-market list. Strategies are tried in order until one yields at least
// one live market.
type QueryStrategy struct {
	Name       string `mapstructure:"name"`
	Order      string `mapstructure:"order"`
	Ascending  bool   `mapstructure:"ascending"`
	ActiveOnly bool   `mapstructure:"active_only"`
	Limit      int    `mapstructure:"limit"`
}

// CatalogConfig controls market discovery and the two-tier topic filter.
//
//   - Keywords:        a market must mention at least one of these...
//   - EventTerms:      ...and at least one of these contest verbs.
//   - ExcludeKeywords: markets mentioning any of these are dropped.
//   - Categories:      ordered labelling rules; first match wins.
type CatalogConfig struct {
	Keywords        []string        `mapstructure:"keywords"`
	EventTerms      []string        `mapstructure:"event_terms"`
	ExcludeKeywords []string        `mapstructure:"exclude_keywords"`
	Categories      []CategoryRule  `mapstructure:"categories"`
	Strategies      []QueryStrategy `mapstructure:"strategies"`
}

// CategoryRule labels a market Name when its text mentions any of Terms.
// A list rather than a map so labels keep their case and order.
type CategoryRule struct {
	Name  string   `mapstructure:"name"`
	Terms []string `mapstructure:"terms"`
}

// SelectorConfig tunes liquidity scoring.
type SelectorConfig struct {
	DepthLevels int `mapstructure:"depth_levels"` // top-N levels per side summed into depth
	Concurrency int `mapstructure:"concurrency"`  // parallel book fetches
}

// ExecutionConfig drives the order state machine and settlement.
//
//   - OrderSize:        shares per order.
//   - MinNotional:      funding-asset floor both balance and allowance must reach.
//   - GasLimit/GasPriceGwei: fixed settlement transaction gas parameters.
//   - ReceiptTimeout:   confirmation deadline; exceeded means "outcome unknown".
//   - PollInterval/MaxPollInterval: receipt polling backoff bounds.
type ExecutionConfig struct {
	Side            string        `mapstructure:"side"`
	OrderSize       float64       `mapstructure:"order_size"`
	MinNotional     float64       `mapstructure:"min_notional"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	GasPriceGwei    float64       `mapstructure:"gas_price_gwei"`
	ApproveGasLimit uint64        `mapstructure:"approve_gas_limit"`
	ReceiptTimeout  time.Duration `mapstructure:"receipt_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval"`
}

// LoggingConfig selects the slog handler and an optional rotating log file.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultStrategies mirrors the provider quirks observed in production: the
// volume-ordered active list is usually right, the end-date ordering catches
// freshly listed markets, and the unfiltered list is the last resort when the
// "active" flag returns only expired markets.
func DefaultStrategies() []QueryStrategy {
	return []QueryStrategy{
		{Name: "volume", Order: "volume24hr", Ascending: false, ActiveOnly: true, Limit: 100},
		{Name: "recent", Order: "endDate", Ascending: false, ActiveOnly: true, Limit: 100},
		{Name: "unfiltered", Order: "volume24hr", Ascending: false, ActiveOnly: false, Limit: 200},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wallet.chain_id", 137)

	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.book_path", "/book")
	v.SetDefault("api.book_alt_path", "/book/{token_id}")
	v.SetDefault("api.signature_path", "/orders/signature")
	v.SetDefault("api.order_path", "/orders")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("api.read_retries", 2)

	v.SetDefault("chain.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("chain.funding_token", "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	v.SetDefault("chain.exchange", "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	v.SetDefault("chain.token_decimals", 6)
	v.SetDefault("chain.timeout", 10*time.Second)
	v.SetDefault("chain.read_retries", 2)

	v.SetDefault("catalog.keywords", []string{
		"nba", "basketball", "mlb", "baseball", "nfl", "football", "soccer",
		"premier league", "champions league", "world cup", "tennis", "nhl", "hockey",
		"sports", "game", "match", "playoff", "finals", "tournament",
	})
	v.SetDefault("catalog.event_terms", []string{"win", "game", "vs", "score", "defeat", "champion", "match"})
	v.SetDefault("catalog.categories", []map[string]any{
		{"name": "Basketball", "terms": []string{"nba", "basketball"}},
		{"name": "Baseball", "terms": []string{"mlb", "baseball"}},
		{"name": "Football", "terms": []string{"nfl", "football"}},
		{"name": "Soccer", "terms": []string{"soccer", "premier league", "champions league", "world cup"}},
		{"name": "Hockey", "terms": []string{"nhl", "hockey"}},
		{"name": "Tennis", "terms": []string{"tennis"}},
	})

	v.SetDefault("selector.depth_levels", 3)
	v.SetDefault("selector.concurrency", 8)

	v.SetDefault("execution.side", "BUY")
	v.SetDefault("execution.order_size", 1.0)
	v.SetDefault("execution.min_notional", 1.0)
	v.SetDefault("execution.gas_limit", 500000)
	v.SetDefault("execution.gas_price_gwei", 50)
	v.SetDefault("execution.approve_gas_limit", 100000)
	v.SetDefault("execution.receipt_timeout", 2*time.Minute)
	v.SetDefault("execution.poll_interval", 2*time.Second)
	v.SetDefault("execution.max_poll_interval", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Load reads config from a YAML file with env var overrides. An empty path
// skips the file and uses defaults plus environment.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_RPC_URL, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Catalog.Strategies) == 0 {
		cfg.Catalog.Strategies = DefaultStrategies()
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if url := os.Getenv("POLY_RPC_URL"); url != "" {
		cfg.Chain.RPCURL = url
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID <= 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.BookAltPath != "" && !strings.Contains(c.API.BookAltPath, "{token_id}") {
		return fmt.Errorf("api.book_alt_path must contain {token_id}")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set POLY_RPC_URL)")
	}
	if !common.IsHexAddress(c.Chain.FundingToken) {
		return fmt.Errorf("chain.funding_token must be a hex address")
	}
	if !common.IsHexAddress(c.Chain.Exchange) {
		return fmt.Errorf("chain.exchange must be a hex address")
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		return fmt.Errorf("chain.token_decimals must be within [0, 36]")
	}
	if len(c.Catalog.Keywords) == 0 {
		return fmt.Errorf("catalog.keywords must not be empty")
	}
	if len(c.Catalog.EventTerms) == 0 {
		return fmt.Errorf("catalog.event_terms must not be empty")
	}
	for i, r := range c.Catalog.Categories {
		if r.Name == "" || len(r.Terms) == 0 {
			return fmt.Errorf("catalog.categories[%d] needs a name and terms", i)
		}
	}
	for i, s := range c.Catalog.Strategies {
		if s.Limit <= 0 {
			return fmt.Errorf("catalog.strategies[%d].limit must be > 0", i)
		}
	}
	if c.Selector.DepthLevels <= 0 {
		return fmt.Errorf("selector.depth_levels must be > 0")
	}
	if c.Selector.Concurrency <= 0 {
		return fmt.Errorf("selector.concurrency must be > 0")
	}
	switch strings.ToUpper(c.Execution.Side) {
	case "BUY", "SELL":
	default:
		return fmt.Errorf("execution.side must be BUY or SELL")
	}
	if c.Execution.OrderSize <= 0 {
		return fmt.Errorf("execution.order_size must be > 0")
	}
	if c.Execution.MinNotional <= 0 {
		return fmt.Errorf("execution.min_notional must be > 0")
	}
	if c.Execution.GasLimit == 0 {
		return fmt.Errorf("execution.gas_limit must be > 0")
	}
	if c.Execution.GasPriceGwei <= 0 {
		return fmt.Errorf("execution.gas_price_gwei must be > 0")
	}
	if c.Execution.ReceiptTimeout <= 0 {
		return fmt.Errorf("execution.receipt_timeout must be > 0")
	}
	if c.Execution.PollInterval <= 0 || c.Execution.MaxPollInterval < c.Execution.PollInterval {
		return fmt.Errorf("execution.poll_interval must be > 0 and <= max_poll_interval")
	}
	return nil
}
