package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"swapguard/internal/dex"
	"swapguard/internal/gateway"
	"swapguard/internal/mev"
	"swapguard/internal/model"
	"swapguard/internal/route"
	"swapguard/internal/security"
)

// ErrConfiguration wraps every invalid setting.
var ErrConfiguration = errors.New("invalid configuration")

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel   string
	Gateway    GatewayConfig
	Cache      CacheConfig
	Contracts  dex.Contracts
	Discovery  DiscoveryConfig
	Security   SecurityConfig
	Reputation ReputationConfig
	Pricing    PricingConfig
	Sources    SourcesConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
}

type GatewayConfig struct {
	RPCURL      string
	MaxAttempts int
	BaseDelay   time.Duration
}

type CacheConfig struct {
	TTL time.Duration
}

type DiscoveryConfig struct {
	Protocol      model.Protocol
	FeeTiers      []uint32
	Intermediates []common.Address
	MaxHops       int
	Concurrency   int
	Slippage      decimal.Decimal
}

type SecurityConfig struct {
	Settings       model.SecuritySettings
	Denylist       []common.Address
	TransferProbe  bool
	MaxProxyDepth  int
	ActivityBlocks uint64
	MEVLookback    uint64
}

// ReputationConfig configures the token security API. An empty BaseURL disables it.
type ReputationConfig struct {
	BaseURL   string
	APIKey    string
	RateLimit float64
	Timeout   time.Duration
}

// PricingConfig configures the USD price API. An empty BaseURL disables it.
type PricingConfig struct {
	BaseURL   string
	Platform  string
	APIKey    string
	RateLimit float64
	TTL       time.Duration
}

// SourcesConfig configures contract source verification. Etherscan is
// consulted only when a key is set; Sourcify needs none.
type SourcesConfig struct {
	Verify       bool
	EtherscanURL string
	EtherscanKey string
	SourcifyURL  string
	RateLimit    float64
	Timeout      time.Duration
}

type AuditConfig struct {
	JSONLPath   string
	PostgresDSN string
}

type MetricsConfig struct {
	Addr      string
	Namespace string
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"rpc":            "gateway.rpc",
	"log-level":      "log-level",
	"protocol":       "discovery.protocol",
	"fee-tiers":      "discovery.fee-tiers",
	"intermediates":  "discovery.intermediates",
	"max-hops":       "discovery.max-hops",
	"concurrency":    "discovery.concurrency",
	"slippage":       "discovery.slippage",
	"security-level": "security.level",
	"min-liquidity":  "security.min-liquidity",
	"max-impact":     "security.max-price-impact",
	"no-simulate":    "security.no-simulate",
	"skip-verify":    "security.skip-verify",
	"verify-source":  "sources.verify",
	"audit-jsonl":    "audit.jsonl",
	"pg-dsn":         "audit.pg-dsn",
	"metrics-addr":   "metrics.addr",
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SWAPGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	contracts := dex.DefaultContracts()
	discovery := route.DefaultConfig()
	settings := model.DefaultSecuritySettings()
	checker := security.DefaultConfig()

	v.SetDefault("log-level", "info")

	v.SetDefault("gateway.max-attempts", gateway.DefaultRetryPolicy().MaxAttempts)
	v.SetDefault("gateway.base-delay", gateway.DefaultRetryPolicy().BaseDelay)
	v.SetDefault("cache.ttl", 5*time.Minute)

	v.SetDefault("contracts.v3-factory", contracts.V3Factory.Hex())
	v.SetDefault("contracts.quoter-v2", contracts.QuoterV2.Hex())
	v.SetDefault("contracts.v3-router", contracts.V3Router.Hex())
	v.SetDefault("contracts.v2-factory", contracts.V2Factory.Hex())
	v.SetDefault("contracts.v2-router", contracts.V2Router.Hex())

	v.SetDefault("discovery.protocol", string(discovery.Protocol))
	v.SetDefault("discovery.fee-tiers", joinUints(discovery.FeeTiers))
	v.SetDefault("discovery.intermediates", joinAddresses(discovery.Intermediates))
	v.SetDefault("discovery.max-hops", discovery.MaxHops)
	v.SetDefault("discovery.concurrency", discovery.Concurrency)
	v.SetDefault("discovery.slippage", discovery.Slippage.String())

	v.SetDefault("security.level", string(settings.Level))
	v.SetDefault("security.min-liquidity", settings.MinLiquidityUSD.String())
	v.SetDefault("security.max-price-impact", settings.MaxPriceImpact.String())
	v.SetDefault("security.no-simulate", !settings.SimulateTransaction)
	v.SetDefault("security.skip-verify", !settings.CheckVerifiedTokens)
	v.SetDefault("security.transfer-probe", checker.TransferProbe)
	v.SetDefault("security.max-proxy-depth", checker.MaxProxyDepth)
	v.SetDefault("security.activity-blocks", security.DefaultActivityBlocks)
	v.SetDefault("security.mev-lookback", mev.DefaultConfig().Lookback)

	v.SetDefault("reputation.base-url", "https://api.gopluslabs.io/api/v1")
	v.SetDefault("reputation.rate-limit", 5.0)
	v.SetDefault("reputation.timeout", 10*time.Second)

	v.SetDefault("pricing.base-url", "https://api.coingecko.com/api/v3")
	v.SetDefault("pricing.platform", "ethereum")
	v.SetDefault("pricing.rate-limit", 0.5)
	v.SetDefault("pricing.ttl", 5*time.Minute)

	v.SetDefault("sources.verify", true)
	v.SetDefault("sources.etherscan-url", "https://api.etherscan.io/v2/api")
	v.SetDefault("sources.sourcify-url", "https://sourcify.dev/server")
	v.SetDefault("sources.rate-limit", 5.0)
	v.SetDefault("sources.timeout", 10*time.Second)

	v.SetDefault("metrics.namespace", "swapguard")
}

func decode(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel: v.GetString("log-level"),
		Gateway: GatewayConfig{
			RPCURL:      v.GetString("gateway.rpc"),
			MaxAttempts: v.GetInt("gateway.max-attempts"),
			BaseDelay:   v.GetDuration("gateway.base-delay"),
		},
		Cache: CacheConfig{TTL: v.GetDuration("cache.ttl")},
		Discovery: DiscoveryConfig{
			Protocol:    model.Protocol(strings.ToLower(v.GetString("discovery.protocol"))),
			MaxHops:     v.GetInt("discovery.max-hops"),
			Concurrency: v.GetInt("discovery.concurrency"),
		},
		Security: SecurityConfig{
			TransferProbe:  v.GetBool("security.transfer-probe"),
			MaxProxyDepth:  v.GetInt("security.max-proxy-depth"),
			ActivityBlocks: v.GetUint64("security.activity-blocks"),
			MEVLookback:    v.GetUint64("security.mev-lookback"),
		},
		Reputation: ReputationConfig{
			BaseURL:   v.GetString("reputation.base-url"),
			APIKey:    v.GetString("reputation.api-key"),
			RateLimit: v.GetFloat64("reputation.rate-limit"),
			Timeout:   v.GetDuration("reputation.timeout"),
		},
		Pricing: PricingConfig{
			BaseURL:   v.GetString("pricing.base-url"),
			Platform:  v.GetString("pricing.platform"),
			APIKey:    v.GetString("pricing.api-key"),
			RateLimit: v.GetFloat64("pricing.rate-limit"),
			TTL:       v.GetDuration("pricing.ttl"),
		},
		Sources: SourcesConfig{
			Verify:       v.GetBool("sources.verify"),
			EtherscanURL: v.GetString("sources.etherscan-url"),
			EtherscanKey: v.GetString("sources.etherscan-key"),
			SourcifyURL:  v.GetString("sources.sourcify-url"),
			RateLimit:    v.GetFloat64("sources.rate-limit"),
			Timeout:      v.GetDuration("sources.timeout"),
		},
		Audit: AuditConfig{
			JSONLPath:   v.GetString("audit.jsonl"),
			PostgresDSN: v.GetString("audit.pg-dsn"),
		},
		Metrics: MetricsConfig{
			Addr:      v.GetString("metrics.addr"),
			Namespace: v.GetString("metrics.namespace"),
		},
	}

	var err error
	contractKeys := []struct {
		key  string
		dest *common.Address
	}{
		{"contracts.v3-factory", &cfg.Contracts.V3Factory},
		{"contracts.quoter-v2", &cfg.Contracts.QuoterV2},
		{"contracts.v3-router", &cfg.Contracts.V3Router},
		{"contracts.v2-factory", &cfg.Contracts.V2Factory},
		{"contracts.v2-router", &cfg.Contracts.V2Router},
	}
	for _, item := range contractKeys {
		if *item.dest, err = parseAddress(v.GetString(item.key)); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrConfiguration, item.key, err)
		}
	}

	if cfg.Discovery.FeeTiers, err = parseFeeTiers(getStringSlice(v, "discovery.fee-tiers")); err != nil {
		return Config{}, fmt.Errorf("%w: discovery.fee-tiers: %v", ErrConfiguration, err)
	}
	if cfg.Discovery.Intermediates, err = ParseAddresses(getStringSlice(v, "discovery.intermediates")); err != nil {
		return Config{}, fmt.Errorf("%w: discovery.intermediates: %v", ErrConfiguration, err)
	}
	if cfg.Security.Denylist, err = ParseAddresses(getStringSlice(v, "security.denylist")); err != nil {
		return Config{}, fmt.Errorf("%w: security.denylist: %v", ErrConfiguration, err)
	}
	if cfg.Discovery.Slippage, err = parseDecimal(v, "discovery.slippage"); err != nil {
		return Config{}, err
	}

	settings := model.SecuritySettings{
		SimulateTransaction: !v.GetBool("security.no-simulate"),
		CheckVerifiedTokens: !v.GetBool("security.skip-verify"),
	}
	if settings.MinLiquidityUSD, err = parseDecimal(v, "security.min-liquidity"); err != nil {
		return Config{}, err
	}
	if settings.MaxPriceImpact, err = parseDecimal(v, "security.max-price-impact"); err != nil {
		return Config{}, err
	}
	if settings.Level, err = model.ParseSecurityLevel(v.GetString("security.level")); err != nil {
		return Config{}, fmt.Errorf("%w: security.level: %v", ErrConfiguration, err)
	}
	cfg.Security.Settings = settings
	return cfg, nil
}

// Validate checks thresholds and required settings.
func (c Config) Validate() error {
	if c.Gateway.RPCURL == "" {
		return fmt.Errorf("%w: gateway.rpc is required", ErrConfiguration)
	}
	if c.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("%w: gateway.max-attempts must be at least 1", ErrConfiguration)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("%w: cache.ttl must be positive", ErrConfiguration)
	}
	if err := c.Contracts.Validate(); err != nil {
		return fmt.Errorf("%w: contracts: %v", ErrConfiguration, err)
	}

	switch c.Discovery.Protocol {
	case model.ProtocolV2, model.ProtocolV3:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrConfiguration, c.Discovery.Protocol)
	}
	if len(c.Discovery.FeeTiers) == 0 {
		return fmt.Errorf("%w: at least one fee tier is required", ErrConfiguration)
	}
	if c.Discovery.MaxHops < 1 || c.Discovery.MaxHops > model.MaxRouteHops {
		return fmt.Errorf("%w: discovery.max-hops must be in [1, %d]", ErrConfiguration, model.MaxRouteHops)
	}
	if c.Discovery.Concurrency < 1 {
		return fmt.Errorf("%w: discovery.concurrency must be at least 1", ErrConfiguration)
	}
	if !c.Discovery.Slippage.IsPositive() || c.Discovery.Slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: slippage must be in (0,1)", ErrConfiguration)
	}

	if err := c.Security.Settings.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if c.Security.MaxProxyDepth < 1 {
		return fmt.Errorf("%w: security.max-proxy-depth must be at least 1", ErrConfiguration)
	}
	if c.Reputation.BaseURL != "" && c.Reputation.Timeout <= 0 {
		return fmt.Errorf("%w: reputation.timeout must be positive", ErrConfiguration)
	}
	if c.Pricing.BaseURL != "" && (c.Pricing.Platform == "" || c.Pricing.TTL <= 0) {
		return fmt.Errorf("%w: pricing needs a platform and a positive ttl", ErrConfiguration)
	}
	if c.Sources.Verify {
		if c.Sources.SourcifyURL == "" && (c.Sources.EtherscanURL == "" || c.Sources.EtherscanKey == "") {
			return fmt.Errorf("%w: sources.verify needs a sourcify url or an etherscan url and key", ErrConfiguration)
		}
		if c.Sources.Timeout <= 0 {
			return fmt.Errorf("%w: sources.timeout must be positive", ErrConfiguration)
		}
	}
	return nil
}

// RetryPolicy returns the gateway retry policy.
func (c Config) RetryPolicy() gateway.RetryPolicy {
	return gateway.RetryPolicy{MaxAttempts: c.Gateway.MaxAttempts, BaseDelay: c.Gateway.BaseDelay}
}

// Route returns the discovery settings.
func (c Config) Route() route.Config {
	return route.Config{
		Protocol:      c.Discovery.Protocol,
		FeeTiers:      c.Discovery.FeeTiers,
		Intermediates: c.Discovery.Intermediates,
		MaxHops:       c.Discovery.MaxHops,
		Concurrency:   c.Discovery.Concurrency,
		Slippage:      c.Discovery.Slippage,
	}
}

// Checker returns the token checker settings.
func (c Config) Checker() security.Config {
	cfg := security.DefaultConfig()
	cfg.Denylist = c.Security.Denylist
	cfg.TransferProbe = c.Security.TransferProbe
	cfg.MaxProxyDepth = c.Security.MaxProxyDepth
	return cfg
}

// MEV returns the detector settings.
func (c Config) MEV() mev.Config {
	cfg := mev.DefaultConfig()
	cfg.Lookback = c.Security.MEVLookback
	return cfg
}

func parseDecimal(v *viper.Viper, key string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(v.GetString(key))
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: invalid decimal %q", ErrConfiguration, key, raw)
	}
	return value, nil
}

func parseFeeTiers(items []string) ([]uint32, error) {
	tiers := make([]uint32, 0, len(items))
	for _, item := range items {
		fee, err := strconv.ParseUint(item, 10, 32)
		if err != nil || fee == 0 || fee >= 1_000_000 {
			return nil, fmt.Errorf("invalid fee tier: %s", item)
		}
		tiers = append(tiers, uint32(fee))
	}
	return tiers, nil
}

func parseAddress(input string) (common.Address, error) {
	addrs, err := ParseAddresses([]string{input})
	if err != nil {
		return common.Address{}, err
	}
	if len(addrs) == 0 {
		return common.Address{}, fmt.Errorf("address required")
	}
	return addrs[0], nil
}

func joinUints(values []uint32) string {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = strconv.FormatUint(uint64(value), 10)
	}
	return strings.Join(parts, ",")
}

func joinAddresses(values []common.Address) string {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = value.Hex()
	}
	return strings.Join(parts, ",")
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
