package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment   string              `mapstructure:"environment" validate:"required,oneof=development test staging production"`
	LogLevel      string              `mapstructure:"log_level"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Chain         ChainConfig         `mapstructure:"chain"`
	RPC           RPCConfig           `mapstructure:"rpc"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Scanner       ScannerConfig       `mapstructure:"scanner"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Confirmation  ConfirmationConfig  `mapstructure:"confirmation"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Fees          FeeConfig           `mapstructure:"fees"`
	Withdrawal    WithdrawalConfig    `mapstructure:"withdrawal"`
	Wallet        WalletConfig        `mapstructure:"wallet"`
	Events        EventsConfig        `mapstructure:"events"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Limits        LimitsConfig        `mapstructure:"limits"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port" validate:"gt=0"`
	Host           string        `mapstructure:"host"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RateLimit      int           `mapstructure:"rate_limit" validate:"gt=0"`
	APIKey         string        `mapstructure:"api_key"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host" validate:"required"`
	Port       int    `mapstructure:"port" validate:"gt=0"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `mapstructure:"insecure"`
}

// ChainConfig describes the target network and the stablecoin watched on it.
type ChainConfig struct {
	Name           string `mapstructure:"name"`
	RPCURL         string `mapstructure:"rpc_url" validate:"required,url"`
	ChainID        int64  `mapstructure:"chain_id" validate:"gt=0"`
	NativeDecimals int32  `mapstructure:"native_decimals" validate:"gte=0,lte=36"`
	TokenContract  string `mapstructure:"token_contract" validate:"required,eth_addr"`
	TokenSymbol    string `mapstructure:"token_symbol"`
	TokenDecimals  int32  `mapstructure:"token_decimals" validate:"gte=0,lte=36"`
	NativeGasLimit uint64 `mapstructure:"native_gas_limit" validate:"gt=0"`
	TokenGasLimit  uint64 `mapstructure:"token_gas_limit" validate:"gt=0"`
}

// RPCConfig tunes the gateway dispatcher.
type RPCConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	CallTimeout       time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	QueueSize         int           `mapstructure:"queue_size" validate:"gt=0"`
}

type CacheConfig struct {
	BalanceTTL time.Duration `mapstructure:"balance_ttl" validate:"gt=0"`
}

type ScannerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval" validate:"gt=0"`
	ConfirmationLag  uint64        `mapstructure:"confirmation_lag"`
	MaxBlocksPerScan uint64        `mapstructure:"max_blocks_per_scan" validate:"gt=0"`
	TickTimeout      time.Duration `mapstructure:"tick_timeout" validate:"gt=0"`
	WatermarkKey     string        `mapstructure:"watermark_key" validate:"required"`
	MaxCheckRange    uint64        `mapstructure:"max_check_range" validate:"gt=0"`
}

type LedgerConfig struct {
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl" validate:"gt=0"`
	IdempotencyPrefix string        `mapstructure:"idempotency_prefix" validate:"required"`
}

// ConfirmationConfig governs outgoing transactions only; the scanner's lag is
// configured separately.
type ConfirmationConfig struct {
	RequiredConfirmations uint64        `mapstructure:"required_confirmations" validate:"gte=1"`
	PollInterval          time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	Timeout               time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxTimeout            time.Duration `mapstructure:"max_timeout" validate:"gt=0"`
	NotFoundGrace         int           `mapstructure:"not_found_grace" validate:"gte=1"`
}

type ConsolidationConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Schedule   string        `mapstructure:"schedule" validate:"required"`
	Asset      string        `mapstructure:"asset" validate:"oneof=native token"`
	MinAmount  float64       `mapstructure:"min_amount" validate:"gt=0"`
	FeeReserve float64       `mapstructure:"fee_reserve" validate:"gte=0"`
	LockKey    string        `mapstructure:"lock_key" validate:"required"`
	LockTTL    time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	PacingMin  time.Duration `mapstructure:"pacing_min"`
	PacingMax  time.Duration `mapstructure:"pacing_max"`
	RunTimeout time.Duration `mapstructure:"run_timeout" validate:"gt=0"`
	BatchLimit int           `mapstructure:"batch_limit" validate:"gt=0"`
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gt=0"`
}

type FeeConfig struct {
	FixedFee          float64       `mapstructure:"fixed_fee" validate:"gte=0"`
	MinRate           float64       `mapstructure:"min_rate" validate:"gte=0,lt=1"`
	MidRate           float64       `mapstructure:"mid_rate" validate:"gte=0,lt=1"`
	MaxRate           float64       `mapstructure:"max_rate" validate:"gte=0,lt=1"`
	MidTierThreshold  float64       `mapstructure:"mid_tier_threshold" validate:"gt=0"`
	HighTierThreshold float64       `mapstructure:"high_tier_threshold" validate:"gt=0"`
	ProviderFee       float64       `mapstructure:"provider_fee" validate:"gte=0"`
	ProfitAddress     string        `mapstructure:"profit_address" validate:"omitempty,eth_addr"`
	RetrySchedule     string        `mapstructure:"retry_schedule" validate:"required"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1"`
	TransferTimeout   time.Duration `mapstructure:"transfer_timeout" validate:"gt=0"`
}

type WithdrawalConfig struct {
	MinAmount         float64       `mapstructure:"min_amount" validate:"gt=0"`
	MaxAmount         float64       `mapstructure:"max_amount" validate:"gtfield=MinAmount"`
	DailyLimit        float64       `mapstructure:"daily_limit" validate:"gt=0"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" validate:"gt=0"`
	ReconcileAfter    time.Duration `mapstructure:"reconcile_after" validate:"gt=0"`
	ReconcileBatch    int           `mapstructure:"reconcile_batch" validate:"gt=0"`
	RecheckTimeout    time.Duration `mapstructure:"recheck_timeout" validate:"gt=0"`
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl" validate:"gt=0"`
}

// WalletConfig holds signing material. Secrets are AES-GCM ciphertexts
// encrypted with EncryptionKey. When SecretID is set they are read from AWS
// Secrets Manager at startup instead.
type WalletConfig struct {
	EncryptionKey      string `mapstructure:"encryption_key" validate:"omitempty,min=16"`
	EncryptedSeed      string `mapstructure:"encrypted_seed" validate:"omitempty,hexadecimal"`
	HDAccount          uint32 `mapstructure:"hd_account"`
	MasterAddress      string `mapstructure:"master_address" validate:"required,eth_addr"`
	EncryptedMasterKey string `mapstructure:"encrypted_master_key" validate:"omitempty,hexadecimal"`
	SecretID           string `mapstructure:"secret_id"`
	SecretsRegion      string `mapstructure:"secrets_region"`
}

type EventsConfig struct {
	BufferSize  int    `mapstructure:"buffer_size" validate:"gt=0"`
	SNSEnabled  bool   `mapstructure:"sns_enabled"`
	SNSRegion   string `mapstructure:"sns_region"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

// LimitsConfig sets the Redis-backed per-user request limits on /api/v1.
// A zero limit disables that tier.
type LimitsConfig struct {
	UserRequests      int64         `mapstructure:"user_requests" validate:"gte=0"`
	UserWindow        time.Duration `mapstructure:"user_window" validate:"gt=0"`
	WithdrawalsPerDay int64         `mapstructure:"withdrawals_per_day" validate:"gte=0"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.allowed_origins", []string{"*"})
	viper.SetDefault("server.rate_limit", 20)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "custody_service")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 50)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", 3600)
	viper.SetDefault("database.migrations_path", "migrations")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.collector_url", "localhost:4317")
	viper.SetDefault("tracing.sample_rate", 0.1)

	viper.SetDefault("chain.name", "ethereum")
	viper.SetDefault("chain.rpc_url", "http://localhost:8545")
	viper.SetDefault("chain.chain_id", 1)
	viper.SetDefault("chain.native_decimals", 18)
	viper.SetDefault("chain.token_symbol", "USDT")
	viper.SetDefault("chain.token_decimals", 6)
	viper.SetDefault("chain.native_gas_limit", 21000)
	viper.SetDefault("chain.token_gas_limit", 100000)

	viper.SetDefault("rpc.requests_per_second", 3.0)
	viper.SetDefault("rpc.max_attempts", 3)
	viper.SetDefault("rpc.retry_delay", time.Second)
	viper.SetDefault("rpc.call_timeout", 30*time.Second)
	viper.SetDefault("rpc.queue_size", 1024)

	viper.SetDefault("cache.balance_ttl", 30*time.Second)

	viper.SetDefault("scanner.enabled", true)
	viper.SetDefault("scanner.interval", 15*time.Second)
	viper.SetDefault("scanner.confirmation_lag", 1)
	viper.SetDefault("scanner.max_blocks_per_scan", 10)
	viper.SetDefault("scanner.tick_timeout", 2*time.Minute)
	viper.SetDefault("scanner.watermark_key", "deposit_monitor:last_block")
	viper.SetDefault("scanner.max_check_range", 1000)

	viper.SetDefault("ledger.idempotency_ttl", 24*time.Hour)
	viper.SetDefault("ledger.idempotency_prefix", "processed_tx")

	viper.SetDefault("confirmation.required_confirmations", 1)
	viper.SetDefault("confirmation.poll_interval", 5*time.Second)
	viper.SetDefault("confirmation.timeout", 5*time.Minute)
	viper.SetDefault("confirmation.max_timeout", 10*time.Minute)
	viper.SetDefault("confirmation.not_found_grace", 3)

	viper.SetDefault("consolidation.enabled", true)
	viper.SetDefault("consolidation.schedule", "@every 30m")
	viper.SetDefault("consolidation.asset", "token")
	viper.SetDefault("consolidation.min_amount", 10.0)
	viper.SetDefault("consolidation.fee_reserve", 0.1)
	viper.SetDefault("consolidation.lock_key", "fund_consolidation_lock")
	viper.SetDefault("consolidation.lock_ttl", 30*time.Second)
	viper.SetDefault("consolidation.pacing_min", time.Second)
	viper.SetDefault("consolidation.pacing_max", 2*time.Second)
	viper.SetDefault("consolidation.run_timeout", 30*time.Minute)
	viper.SetDefault("consolidation.batch_limit", 500)
	viper.SetDefault("consolidation.stale_after", 10*time.Minute)

	viper.SetDefault("fees.fixed_fee", 2.0)
	viper.SetDefault("fees.min_rate", 0.01)
	viper.SetDefault("fees.mid_rate", 0.03)
	viper.SetDefault("fees.max_rate", 0.05)
	viper.SetDefault("fees.mid_tier_threshold", 500.0)
	viper.SetDefault("fees.high_tier_threshold", 1000.0)
	viper.SetDefault("fees.provider_fee", 1.0)
	viper.SetDefault("fees.retry_schedule", "@every 5m")
	viper.SetDefault("fees.max_attempts", 5)
	viper.SetDefault("fees.transfer_timeout", 2*time.Minute)

	viper.SetDefault("withdrawal.min_amount", 10.0)
	viper.SetDefault("withdrawal.max_amount", 10000.0)
	viper.SetDefault("withdrawal.daily_limit", 50000.0)
	viper.SetDefault("withdrawal.timeout", 10*time.Minute)
	viper.SetDefault("withdrawal.reconcile_interval", 5*time.Minute)
	viper.SetDefault("withdrawal.reconcile_after", 15*time.Minute)
	viper.SetDefault("withdrawal.reconcile_batch", 50)
	viper.SetDefault("withdrawal.recheck_timeout", 30*time.Second)
	viper.SetDefault("withdrawal.idempotency_ttl", 24*time.Hour)

	viper.SetDefault("wallet.secrets_region", "us-east-1")

	viper.SetDefault("limits.user_requests", 120)
	viper.SetDefault("limits.user_window", time.Minute)
	viper.SetDefault("limits.withdrawals_per_day", 20)

	viper.SetDefault("events.buffer_size", 256)
	viper.SetDefault("events.sns_region", "us-east-1")
}

func overrideFromEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("server.port", p)
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	if rpcURL := os.Getenv("CHAIN_RPC_URL"); rpcURL != "" {
		viper.Set("chain.rpc_url", rpcURL)
	}

	if encKey := os.Getenv("WALLET_ENCRYPTION_KEY"); encKey != "" {
		viper.Set("wallet.encryption_key", encKey)
	}
	if seed := os.Getenv("WALLET_ENCRYPTED_SEED"); seed != "" {
		viper.Set("wallet.encrypted_seed", seed)
	}
	if masterKey := os.Getenv("WALLET_ENCRYPTED_MASTER_KEY"); masterKey != "" {
		viper.Set("wallet.encrypted_master_key", masterKey)
	}

	if secretID := os.Getenv("WALLET_SECRET_ID"); secretID != "" {
		viper.Set("wallet.secret_id", secretID)
	}

	if apiKey := os.Getenv("OPS_API_KEY"); apiKey != "" {
		viper.Set("server.api_key", apiKey)
	}

	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		viper.Set("webhook.secret", secret)
	}

	if topic := os.Getenv("EVENTS_SNS_TOPIC_ARN"); topic != "" {
		viper.Set("events.sns_topic_arn", topic)
		viper.Set("events.sns_enabled", true)
	}
}

var structValidator = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(config *Config) error {
	if err := structValidator.Struct(config); err != nil {
		return err
	}

	if config.Database.URL == "" && (config.Database.Host == "" || config.Database.Name == "") {
		return fmt.Errorf("database configuration is incomplete")
	}

	if config.Consolidation.PacingMax < config.Consolidation.PacingMin {
		return fmt.Errorf("consolidation pacing_max must be >= pacing_min")
	}

	if config.Consolidation.LockTTL < 3*time.Second {
		return fmt.Errorf("consolidation lock_ttl must be at least 3s")
	}

	if config.Fees.HighTierThreshold <= config.Fees.MidTierThreshold {
		return fmt.Errorf("fees high_tier_threshold must exceed mid_tier_threshold")
	}

	if config.Confirmation.Timeout > config.Confirmation.MaxTimeout {
		return fmt.Errorf("confirmation timeout exceeds max_timeout")
	}

	if config.IsProduction() && config.Server.APIKey == "" {
		return fmt.Errorf("server api_key is required in %s", config.Environment)
	}

	if config.Wallet.SecretID == "" &&
		(config.Wallet.EncryptionKey == "" || config.Wallet.EncryptedSeed == "" || config.Wallet.EncryptedMasterKey == "") {
		return fmt.Errorf("wallet secrets are required unless wallet secret_id is set")
	}

	if config.Events.SNSEnabled && config.Events.SNSTopicARN == "" {
		return fmt.Errorf("events sns_topic_arn is required when sns is enabled")
	}

	return nil
}

// IsProduction reports whether the service runs in a production-like environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}
