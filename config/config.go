// Package config loads service configuration from an optional TOML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"midswap/escrow"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Chain   ChainConfig   `toml:"chain"`
	Custody CustodyConfig `toml:"custody"`
	Policy  PolicyConfig  `toml:"policy"`
	Limits  LimitsConfig  `toml:"ratelimit"`
	Cleanup CleanupConfig `toml:"cleanup"`
}

type ServerConfig struct {
	Listen          string `toml:"listen"`
	Env             string `toml:"env"`
	AdminSecret     string `toml:"admin_secret"`
	CleanupSecret   string `toml:"cleanup_secret"`
	ShutdownSeconds int    `toml:"shutdown_seconds"`
}

type StoreConfig struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	// InMemory switches persistence to an in-process store. Development
	// only: state does not survive a restart.
	InMemory bool `toml:"in_memory"`
}

type ChainConfig struct {
	RPCURL   string `toml:"rpc_url"`
	ParseURL string `toml:"parse_url"`
}

type CustodyConfig struct {
	URL       string `toml:"url"`
	AuthToken string `toml:"auth_token"`
}

// PolicyConfig mirrors escrow.Policy with file-friendly units.
type PolicyConfig struct {
	EscrowWallet        string   `toml:"escrow_wallet"`
	FeeWallet           string   `toml:"fee_wallet"`
	AllowedCollections  []string `toml:"allowed_collections"`
	FeeExemptCollection string   `toml:"fee_exempt_collection"`
	PlatformFee         float64  `toml:"platform_fee"`
	MaxNFTsPerSide      int      `toml:"max_nfts_per_side"`
	MaxSolPerSide       float64  `toml:"max_sol_per_side"`
	MaxPendingPerWallet int      `toml:"max_pending_per_wallet"`
	OfferLifetimeHours  int      `toml:"offer_lifetime_hours"`
	LockTTLSeconds      int      `toml:"lock_ttl_seconds"`
	MaxRetries          int      `toml:"max_retries"`
}

type LimitsConfig struct {
	CreatePerMinute int `toml:"create_per_minute"`
	AcceptPerMinute int `toml:"accept_per_minute"`
	CancelPerMinute int `toml:"cancel_per_minute"`
	RetryPerMinute  int `toml:"retry_per_minute"`
	AdminPerMinute  int `toml:"admin_per_minute"`
}

type CleanupConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// Default returns the baseline configuration before file and environment
// overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":8090",
			Env:             "development",
			ShutdownSeconds: 15,
		},
		Store: StoreConfig{
			RedisAddr: "127.0.0.1:6379",
		},
		Policy: PolicyConfig{
			PlatformFee:         0.02,
			MaxNFTsPerSide:      5,
			MaxSolPerSide:       10,
			MaxPendingPerWallet: 10,
			OfferLifetimeHours:  24,
			LockTTLSeconds:      900,
			MaxRetries:          10,
		},
		Limits: LimitsConfig{
			CreatePerMinute: 10,
			AcceptPerMinute: 10,
			CancelPerMinute: 10,
			RetryPerMinute:  5,
			AdminPerMinute:  5,
		},
		Cleanup: CleanupConfig{
			IntervalSeconds: 300,
		},
	}
}

// Load reads the configuration: defaults, then the TOML file at path when
// non-empty, then SWAPD_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Listen, "SWAPD_LISTEN")
	setString(&c.Server.Env, "SWAPD_ENV")
	setString(&c.Server.AdminSecret, "SWAPD_ADMIN_SECRET")
	setString(&c.Server.CleanupSecret, "SWAPD_CLEANUP_SECRET")
	setString(&c.Store.RedisAddr, "SWAPD_REDIS_ADDR")
	setString(&c.Store.RedisPassword, "SWAPD_REDIS_PASSWORD")
	setInt(&c.Store.RedisDB, "SWAPD_REDIS_DB")
	setBool(&c.Store.InMemory, "SWAPD_STORE_IN_MEMORY")
	setString(&c.Chain.RPCURL, "SWAPD_RPC_URL")
	setString(&c.Chain.ParseURL, "SWAPD_PARSE_URL")
	setString(&c.Custody.URL, "SWAPD_CUSTODY_URL")
	setString(&c.Custody.AuthToken, "SWAPD_CUSTODY_TOKEN")
	setString(&c.Policy.EscrowWallet, "SWAPD_ESCROW_WALLET")
	setString(&c.Policy.FeeWallet, "SWAPD_FEE_WALLET")
	setString(&c.Policy.FeeExemptCollection, "SWAPD_FEE_EXEMPT_COLLECTION")
	setInt(&c.Cleanup.IntervalSeconds, "SWAPD_CLEANUP_INTERVAL_SECONDS")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

// Validate checks the settings a running service cannot do without.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("config: server.listen is required")
	}
	if c.Server.AdminSecret == "" {
		return errors.New("config: server.admin_secret is required")
	}
	if c.Server.CleanupSecret == "" {
		return errors.New("config: server.cleanup_secret is required")
	}
	if !c.Store.InMemory && c.Store.RedisAddr == "" {
		return errors.New("config: store.redis_addr is required")
	}
	if c.Chain.RPCURL == "" {
		return errors.New("config: chain.rpc_url is required")
	}
	if c.Chain.ParseURL == "" {
		return errors.New("config: chain.parse_url is required")
	}
	if c.Custody.URL == "" {
		return errors.New("config: custody.url is required")
	}
	if c.Policy.EscrowWallet == "" {
		return errors.New("config: policy.escrow_wallet is required")
	}
	if c.Policy.FeeWallet == "" {
		return errors.New("config: policy.fee_wallet is required")
	}
	return nil
}

// EnginePolicy converts the file representation into the engine policy.
func (c Config) EnginePolicy() escrow.Policy {
	policy := escrow.DefaultPolicy()
	policy.EscrowWallet = c.Policy.EscrowWallet
	policy.FeeWallet = c.Policy.FeeWallet
	policy.AllowedCollections = c.Policy.AllowedCollections
	policy.FeeExemptCollection = c.Policy.FeeExemptCollection
	policy.PlatformFee = c.Policy.PlatformFee
	if c.Policy.MaxNFTsPerSide > 0 {
		policy.MaxNFTsPerSide = c.Policy.MaxNFTsPerSide
	}
	if c.Policy.MaxSolPerSide > 0 {
		policy.MaxSolPerSide = c.Policy.MaxSolPerSide
	}
	if c.Policy.MaxPendingPerWallet > 0 {
		policy.MaxPendingPerWallet = c.Policy.MaxPendingPerWallet
	}
	if c.Policy.OfferLifetimeHours > 0 {
		policy.OfferLifetime = time.Duration(c.Policy.OfferLifetimeHours) * time.Hour
	}
	if c.Policy.LockTTLSeconds > 0 {
		policy.LockTTL = time.Duration(c.Policy.LockTTLSeconds) * time.Second
	}
	if c.Policy.MaxRetries > 0 {
		policy.MaxRetries = c.Policy.MaxRetries
	}
	return policy
}
