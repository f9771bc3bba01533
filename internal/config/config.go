// Package config loads the service configuration from YAML, an optional
// .env file and LOTTERY_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

// Config is the root configuration.
type Config struct {
	Service    ServiceConfig        `yaml:"service"`
	Logging    logger.LoggingConfig `yaml:"logging"`
	Lottery    LotteryConfig        `yaml:"lottery"`
	Oracle     OracleConfig         `yaml:"oracle"`
	VRF        VRFConfig            `yaml:"vrf"`
	Automation AutomationConfig     `yaml:"automation"`
	Storage    StorageConfig        `yaml:"storage"`
}

// MinJWTSecretLen is the shortest accepted HS256 signing key.
const MinJWTSecretLen = 32

// ServiceConfig configures the HTTP surface.
type ServiceConfig struct {
	ListenAddr     string  `yaml:"listen_addr" env:"LOTTERY_LISTEN_ADDR"`
	JWTSecret      string  `yaml:"jwt_secret" env:"LOTTERY_JWT_SECRET"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"LOTTERY_RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"LOTTERY_RATE_LIMIT_BURST"`
}

// LotteryConfig configures the lottery engine.
type LotteryConfig struct {
	// Authority is the Neo address allowed to open and close rounds.
	Authority      string        `yaml:"authority" env:"LOTTERY_AUTHORITY"`
	EntryFeeCents  uint64        `yaml:"entry_fee_cents" env:"LOTTERY_ENTRY_FEE_CENTS"`
	NativeDecimals uint8         `yaml:"native_decimals" env:"LOTTERY_NATIVE_DECIMALS"`
	MaxPriceAge    time.Duration `yaml:"max_price_age" env:"LOTTERY_MAX_PRICE_AGE"`
}

// OracleConfig configures the price aggregator and its refresher.
type OracleConfig struct {
	BaseAsset       string        `yaml:"base_asset" env:"LOTTERY_ORACLE_BASE"`
	QuoteAsset      string        `yaml:"quote_asset" env:"LOTTERY_ORACLE_QUOTE"`
	Decimals        uint8         `yaml:"decimals" env:"LOTTERY_ORACLE_DECIMALS"`
	InitialAnswer   string        `yaml:"initial_answer" env:"LOTTERY_ORACLE_INITIAL_ANSWER"`
	FetchURL        string        `yaml:"fetch_url" env:"LOTTERY_ORACLE_FETCH_URL"`
	JSONPath        string        `yaml:"json_path" env:"LOTTERY_ORACLE_JSON_PATH"`
	Token           string        `yaml:"token" env:"LOTTERY_ORACLE_TOKEN"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"LOTTERY_ORACLE_REFRESH_INTERVAL"`
}

// VRFConfig configures the randomness coordinator.
type VRFConfig struct {
	// PrivateKey is a WIF or hex encoded key. Empty generates an ephemeral key.
	PrivateKey string `yaml:"private_key" env:"LOTTERY_VRF_KEY"`
	// Fee is the per-request fee in fee-token base units.
	Fee string `yaml:"fee" env:"LOTTERY_VRF_FEE"`
}

// AutomationConfig drives rounds on a cron schedule.
type AutomationConfig struct {
	Enabled       bool   `yaml:"enabled" env:"LOTTERY_AUTOMATION_ENABLED"`
	OpenSchedule  string `yaml:"open_schedule" env:"LOTTERY_AUTOMATION_OPEN"`
	CloseSchedule string `yaml:"close_schedule" env:"LOTTERY_AUTOMATION_CLOSE"`
}

// StorageConfig selects optional backends. Empty values disable them.
type StorageConfig struct {
	PostgresDSN  string `yaml:"postgres_dsn" env:"LOTTERY_POSTGRES_DSN"`
	RedisAddr    string `yaml:"redis_addr" env:"LOTTERY_REDIS_ADDR"`
	RedisChannel string `yaml:"redis_channel" env:"LOTTERY_REDIS_CHANNEL"`
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			ListenAddr:     ":8080",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text"},
		Lottery: LotteryConfig{
			EntryFeeCents:  5000,
			NativeDecimals: 18,
		},
		Oracle: OracleConfig{
			BaseAsset:       "NEO",
			QuoteAsset:      "USD",
			Decimals:        8,
			InitialAnswer:   "200000000000",
			JSONPath:        "price",
			RefreshInterval: time.Minute,
		},
		VRF: VRFConfig{
			Fee: "100000000000000000",
		},
		Automation: AutomationConfig{
			OpenSchedule:  "0 0 * * *",
			CloseSchedule: "0 23 * * *",
		},
		Storage: StorageConfig{
			RedisChannel: "lottery:events",
		},
	}
}

// Load reads path (optional), then envFile (optional), then the environment.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start a service.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Service.ListenAddr) == "" {
		errs = append(errs, errors.New("service.listen_addr is required"))
	}
	if c.Service.RateLimitRPS < 0 || c.Service.RateLimitBurst < 0 {
		errs = append(errs, errors.New("service rate limits must not be negative"))
	}
	// An unset secret is allowed for tools that never serve HTTP.
	if c.Service.JWTSecret != "" {
		if _, err := c.Service.SigningKey(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.Lottery.AuthorityAddress(); err != nil {
		errs = append(errs, err)
	}
	if c.Lottery.EntryFeeCents == 0 {
		errs = append(errs, errors.New("lottery.entry_fee_cents must be positive"))
	}
	if c.Lottery.NativeDecimals == 0 || c.Lottery.NativeDecimals > 36 {
		errs = append(errs, errors.New("lottery.native_decimals must be between 1 and 36"))
	}
	if c.Oracle.Decimals > 36 {
		errs = append(errs, errors.New("oracle.decimals must be at most 36"))
	}
	if _, err := c.Oracle.Answer(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.VRF.FeeAmount(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.VRF.Key(); err != nil {
		errs = append(errs, err)
	}
	if c.Automation.Enabled && (c.Automation.OpenSchedule == "" || c.Automation.CloseSchedule == "") {
		errs = append(errs, errors.New("automation requires open and close schedules"))
	}
	return errors.Join(errs...)
}

// SigningKey returns the JWT signing key. Serving the API requires one of at
// least MinJWTSecretLen bytes.
func (c ServiceConfig) SigningKey() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, errors.New("service.jwt_secret is required")
	}
	if len(c.JWTSecret) < MinJWTSecretLen {
		return nil, fmt.Errorf("service.jwt_secret must be at least %d bytes", MinJWTSecretLen)
	}
	return []byte(c.JWTSecret), nil
}

// AuthorityAddress decodes the authority Neo address.
func (c LotteryConfig) AuthorityAddress() (util.Uint160, error) {
	if strings.TrimSpace(c.Authority) == "" {
		return util.Uint160{}, errors.New("lottery.authority is required")
	}
	u, err := address.StringToUint160(strings.TrimSpace(c.Authority))
	if err != nil {
		return util.Uint160{}, fmt.Errorf("lottery.authority: %w", err)
	}
	return u, nil
}

// Pair returns the feed pair name, e.g. NEO/USD.
func (c OracleConfig) Pair() string {
	return c.BaseAsset + "/" + c.QuoteAsset
}

// Answer parses the initial oracle answer. Empty means no initial round.
func (c OracleConfig) Answer() (*big.Int, error) {
	if strings.TrimSpace(c.InitialAnswer) == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(c.InitialAnswer), 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("oracle.initial_answer must be a positive integer, got %q", c.InitialAnswer)
	}
	return v, nil
}

// FeeAmount parses the per-request randomness fee.
func (c VRFConfig) FeeAmount() (*uint256.Int, error) {
	if strings.TrimSpace(c.Fee) == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(strings.TrimSpace(c.Fee))
	if err != nil {
		return nil, fmt.Errorf("vrf.fee: %w", err)
	}
	return v, nil
}

// Key decodes the coordinator key. It returns nil when none is configured.
func (c VRFConfig) Key() (*keys.PrivateKey, error) {
	raw := strings.TrimSpace(c.PrivateKey)
	if raw == "" {
		return nil, nil
	}
	if k, err := keys.NewPrivateKeyFromWIF(raw); err == nil {
		return k, nil
	}
	k, err := keys.NewPrivateKeyFromHex(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, errors.New("vrf.private_key must be WIF or hex encoded")
	}
	return k, nil
}
