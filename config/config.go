package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	Engine   EngineConfig   `mapstructure:"engine"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// TokenConfig identifies a supported settlement token contract.
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

type ChainConfig struct {
	Network               string                 `mapstructure:"network"`
	ChainID               int64                  `mapstructure:"chain_id"`
	RPCEndpoints          []string               `mapstructure:"rpc_endpoints"`
	RPCTimeout            time.Duration          `mapstructure:"rpc_timeout"`
	PollInterval          time.Duration          `mapstructure:"poll_interval"`
	MaxBackoff            time.Duration          `mapstructure:"max_backoff"`
	MaxBlockRange         uint64                 `mapstructure:"max_block_range"`
	RequiredConfirmations uint64                 `mapstructure:"required_confirmations"`
	Tokens                map[string]TokenConfig `mapstructure:"tokens"` // currency symbol -> contract
}

type WalletConfig struct {
	// Mnemonic is the BIP-39 master seed phrase for deposit address
	// derivation. Never logged.
	Mnemonic string `mapstructure:"mnemonic"`
	// OperationalKey is the hex-encoded private key of the gas-funding wallet.
	OperationalKey string `mapstructure:"operational_key"`
	// FeeCollectionAddress receives the platform fee on settlement.
	FeeCollectionAddress string `mapstructure:"fee_collection_address"`
}

type EngineConfig struct {
	DefaultFeePercent     string        `mapstructure:"default_fee_percent"` // e.g. "1.5"
	OrderExpiry           time.Duration `mapstructure:"order_expiry"`
	SettlementInterval    time.Duration `mapstructure:"settlement_interval"`
	MaxSettlementAttempts int           `mapstructure:"max_settlement_attempts"`
	SettlementBackoff     time.Duration `mapstructure:"settlement_backoff"`
	GasFundWei            string        `mapstructure:"gas_fund_wei"`
	GasLimitNative        uint64        `mapstructure:"gas_limit_native"`
	GasLimitToken         uint64        `mapstructure:"gas_limit_token"`
	ReceiptPollInterval   time.Duration `mapstructure:"receipt_poll_interval"`
	ReceiptTimeout        time.Duration `mapstructure:"receipt_timeout"`
	ClaimStaleAfter       time.Duration `mapstructure:"claim_stale_after"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: CPG_ (Crypto Payment Gateway).
// Nested keys use underscore: CPG_DATABASE_HOST, CPG_WALLET_MNEMONIC, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "payment_engine")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("chain.network", "ethereum")
	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.rpc_endpoints", []string{})
	v.SetDefault("chain.rpc_timeout", "10s")
	v.SetDefault("chain.poll_interval", "15s")
	v.SetDefault("chain.max_backoff", "5m")
	v.SetDefault("chain.max_block_range", 1000)
	v.SetDefault("chain.required_confirmations", 12)
	v.SetDefault("wallet.mnemonic", "")
	v.SetDefault("wallet.operational_key", "")
	v.SetDefault("wallet.fee_collection_address", "")
	v.SetDefault("engine.default_fee_percent", "1.0")
	v.SetDefault("engine.order_expiry", "30m")
	v.SetDefault("engine.settlement_interval", "30s")
	v.SetDefault("engine.max_settlement_attempts", 5)
	v.SetDefault("engine.settlement_backoff", "1m")
	v.SetDefault("engine.gas_fund_wei", "3000000000000000") // 0.003 native token
	v.SetDefault("engine.gas_limit_native", 21000)
	v.SetDefault("engine.gas_limit_token", 80000)
	v.SetDefault("engine.receipt_poll_interval", "5s")
	v.SetDefault("engine.receipt_timeout", "5m")
	v.SetDefault("engine.claim_stale_after", "10m")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "12h")
	v.SetDefault("jwt.issuer", "crypto-payment-engine")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: CPG_CHAIN_POLL_INTERVAL -> chain.poll_interval
	v.SetEnvPrefix("CPG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional, env vars can suffice.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate enforces the fatal startup requirements. A misconfigured engine
// must refuse to start rather than run partially broken.
func (c *Config) Validate() error {
	if c.Wallet.Mnemonic == "" {
		return fmt.Errorf("wallet.mnemonic is required")
	}
	if c.Wallet.OperationalKey == "" {
		return fmt.Errorf("wallet.operational_key is required")
	}
	if c.Wallet.FeeCollectionAddress == "" {
		return fmt.Errorf("wallet.fee_collection_address is required")
	}
	if len(c.Chain.RPCEndpoints) == 0 {
		return fmt.Errorf("chain.rpc_endpoints must list at least one endpoint")
	}
	if c.Chain.RequiredConfirmations < 1 {
		return fmt.Errorf("chain.required_confirmations must be >= 1")
	}
	if len(c.Chain.Tokens) == 0 {
		return fmt.Errorf("chain.tokens must define at least one settlement token")
	}
	fee, err := decimal.NewFromString(c.Engine.DefaultFeePercent)
	if err != nil {
		return fmt.Errorf("engine.default_fee_percent is not a valid decimal: %w", err)
	}
	if fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("engine.default_fee_percent must be between 0 and 100")
	}
	if c.Engine.MaxSettlementAttempts < 1 {
		return fmt.Errorf("engine.max_settlement_attempts must be >= 1")
	}
	return nil
}

// DefaultFee returns the parsed platform fee percentage. Call after Validate.
func (c *Config) DefaultFee() decimal.Decimal {
	fee, _ := decimal.NewFromString(c.Engine.DefaultFeePercent)
	return fee
}
