// Package config loads the service configuration from an optional YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/record"
	"github.com/layer-3/ageverify/rpcpool"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// PathEnv names the optional YAML file
const PathEnv = "AGEVERIFY_CONFIG"

// Store backends for retry state
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config is the full service configuration
type Config struct {
	Listen  string `yaml:"listen"`
	Network string `yaml:"network"`
	Debug   bool   `yaml:"debug"`

	Endpoints      []rpcpool.Endpoint `yaml:"endpoints"`
	HealthInterval time.Duration      `yaml:"health_interval"`
	Commitment     string             `yaml:"commitment"`

	Store         string        `yaml:"store"`
	RedisURL      string        `yaml:"redis_url"`
	DatabaseURL   string        `yaml:"database_url"`
	Retention     time.Duration `yaml:"retention"`
	PublishEvents bool          `yaml:"publish_events"`

	// GatekeeperKey is a base58 secret key; GatekeeperKeyFile a JSON byte array keypair file
	GatekeeperKey     string `yaml:"gatekeeper_key"`
	GatekeeperKeyFile string `yaml:"gatekeeper_key_file"`
	// IssuerKeyFile is a PEM encoded P-256 key signing credentials
	IssuerKeyFile string `yaml:"issuer_key_file"`
	Issuer        string `yaml:"issuer"`

	ProtocolTreasury string `yaml:"protocol_treasury"`
	AppTreasury      string `yaml:"app_treasury"`

	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	Verify VerifyFile `yaml:"verify"`
}

// VerifyFile is the YAML form of core.VerifyConfig; fees are decimal strings in SOL
type VerifyFile struct {
	MinAgeThreshold  float64              `yaml:"min_age_threshold"`
	MinLivenessScore float64              `yaml:"min_liveness_score"`
	MinAgeConfidence float64              `yaml:"min_age_confidence"`
	MinSurfaceScore  float64              `yaml:"min_surface_score"`
	Timeout          time.Duration        `yaml:"timeout"`
	MaxRetries       int                  `yaml:"max_retries"`
	CooldownMinutes  int                  `yaml:"cooldown_minutes"`
	ProtocolFee      string               `yaml:"protocol_fee"`
	AppFee           string               `yaml:"app_fee"`
	GasBuffer        string               `yaml:"gas_buffer"`
	Challenges       []core.ChallengeKind `yaml:"challenges"`
	ModelPath        string               `yaml:"model_path"`
	ModelLoadTimeout time.Duration        `yaml:"model_load_timeout"`
	ModelRetryDelay  time.Duration        `yaml:"model_retry_delay"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	v := core.DefaultVerifyConfig()
	return &Config{
		Listen:         ":9000",
		Network:        "devnet",
		Endpoints:      []rpcpool.Endpoint{{URL: "https://api.devnet.solana.com", Weight: 1}},
		HealthInterval: rpcpool.DefaultInterval,
		Commitment:     "confirmed",
		Store:          StoreMemory,
		Retention:      7 * 24 * time.Hour,
		Issuer:         "ageverify",
		RateLimit:      5,
		RateBurst:      10,
		Verify: VerifyFile{
			MinAgeThreshold:  v.MinAgeThreshold,
			MinLivenessScore: v.MinLivenessScore,
			MinAgeConfidence: v.MinAgeConfidence,
			MinSurfaceScore:  v.MinSurfaceScore,
			Timeout:          v.Timeout,
			MaxRetries:       v.MaxRetries,
			CooldownMinutes:  v.CooldownMinutes,
			ProtocolFee:      v.ProtocolFee.String(),
			AppFee:           v.AppFee.String(),
			GasBuffer:        v.GasBuffer.String(),
			ModelPath:        v.ModelPath,
			ModelLoadTimeout: v.ModelLoadTimeout,
			ModelRetryDelay:  v.ModelRetryDelay,
		},
	}
}

// Load reads the file named by AGEVERIFY_CONFIG, if any, then applies the environment
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(PathEnv))
}

// LoadFrom reads path, if not empty, then applies the environment
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the environment
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.readFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Listen = getEnv("AGEVERIFY_LISTEN", c.Listen)
	c.Network = getEnv("AGEVERIFY_NETWORK", c.Network)
	c.Commitment = getEnv("AGEVERIFY_COMMITMENT", c.Commitment)
	c.Store = getEnv("AGEVERIFY_STORE", c.Store)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.GatekeeperKey = getEnv("AGEVERIFY_GATEKEEPER_KEY", c.GatekeeperKey)
	c.GatekeeperKeyFile = getEnv("AGEVERIFY_GATEKEEPER_KEY_FILE", c.GatekeeperKeyFile)
	c.IssuerKeyFile = getEnv("AGEVERIFY_ISSUER_KEY_FILE", c.IssuerKeyFile)
	c.ProtocolTreasury = getEnv("AGEVERIFY_PROTOCOL_TREASURY", c.ProtocolTreasury)
	c.AppTreasury = getEnv("AGEVERIFY_APP_TREASURY", c.AppTreasury)
	c.Verify.ProtocolFee = getEnv("AGEVERIFY_PROTOCOL_FEE", c.Verify.ProtocolFee)
	c.Verify.AppFee = getEnv("AGEVERIFY_APP_FEE", c.Verify.AppFee)
	c.Verify.ModelPath = getEnv("AGEVERIFY_MODEL_PATH", c.Verify.ModelPath)

	if urls := os.Getenv("AGEVERIFY_RPC_URLS"); urls != "" {
		c.Endpoints = parseEndpoints(urls)
	}

	var err error
	if c.Debug, err = getEnvBool("AGEVERIFY_DEBUG", c.Debug); err != nil {
		return err
	}
	if c.PublishEvents, err = getEnvBool("AGEVERIFY_PUBLISH_EVENTS", c.PublishEvents); err != nil {
		return err
	}
	if c.RateLimit, err = getEnvFloat("AGEVERIFY_RATE_LIMIT", c.RateLimit); err != nil {
		return err
	}
	return nil
}

// parseEndpoints reads "url[|tag+tag]" entries separated by commas or
// whitespace; earlier entries get the higher weight
func parseEndpoints(s string) []rpcpool.Endpoint {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' })
	endpoints := make([]rpcpool.Endpoint, 0, len(fields))
	for i, f := range fields {
		url, tags, _ := strings.Cut(f, "|")
		e := rpcpool.Endpoint{URL: url, Weight: len(fields) - i}
		for _, t := range strings.Split(tags, "+") {
			if t != "" {
				e.Tags = append(e.Tags, rpcpool.Tag(t))
			}
		}
		endpoints = append(endpoints, e)
	}
	return endpoints
}

// Validate performs basic validation of the config
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one rpc endpoint is required")
	}
	for _, e := range c.Endpoints {
		if e.URL == "" {
			return fmt.Errorf("rpc endpoint without url")
		}
	}
	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis store requires REDIS_URL")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("postgres store requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.PublishEvents && c.RedisURL == "" {
		return fmt.Errorf("publishing events requires REDIS_URL")
	}
	if _, err := c.ProtocolTreasuryKey(); err != nil {
		return err
	}
	if _, err := c.AppTreasuryKey(); err != nil {
		return err
	}
	v, err := c.VerifyConfig()
	if err != nil {
		return err
	}
	return v.Validate()
}

// VerifyConfig converts the verify section, parsing fees as decimals
func (c *Config) VerifyConfig() (core.VerifyConfig, error) {
	protocolFee, err := parseSOL("protocol_fee", c.Verify.ProtocolFee)
	if err != nil {
		return core.VerifyConfig{}, err
	}
	appFee, err := parseSOL("app_fee", c.Verify.AppFee)
	if err != nil {
		return core.VerifyConfig{}, err
	}
	gasBuffer, err := parseSOL("gas_buffer", c.Verify.GasBuffer)
	if err != nil {
		return core.VerifyConfig{}, err
	}
	return core.VerifyConfig{
		MinAgeThreshold:  c.Verify.MinAgeThreshold,
		MinLivenessScore: c.Verify.MinLivenessScore,
		MinAgeConfidence: c.Verify.MinAgeConfidence,
		MinSurfaceScore:  c.Verify.MinSurfaceScore,
		Timeout:          c.Verify.Timeout,
		MaxRetries:       c.Verify.MaxRetries,
		CooldownMinutes:  c.Verify.CooldownMinutes,
		ProtocolFee:      protocolFee,
		AppFee:           appFee,
		GasBuffer:        gasBuffer,
		Challenges:       c.Verify.Challenges,
		ModelPath:        c.Verify.ModelPath,
		ModelLoadTimeout: c.Verify.ModelLoadTimeout,
		ModelRetryDelay:  c.Verify.ModelRetryDelay,
	}, nil
}

// ProtocolTreasuryKey returns the protocol treasury, defaulting to the deployed one
func (c *Config) ProtocolTreasuryKey() (chain.PublicKey, error) {
	if c.ProtocolTreasury == "" {
		return record.DefaultProtocolTreasury, nil
	}
	key, err := chain.PublicKeyFromBase58(c.ProtocolTreasury)
	if err != nil {
		return chain.PublicKey{}, fmt.Errorf("invalid protocol treasury: %w", err)
	}
	return key, nil
}

// AppTreasuryKey returns the app treasury, defaulting to the protocol treasury
func (c *Config) AppTreasuryKey() (chain.PublicKey, error) {
	if c.AppTreasury == "" {
		return c.ProtocolTreasuryKey()
	}
	key, err := chain.PublicKeyFromBase58(c.AppTreasury)
	if err != nil {
		return chain.PublicKey{}, fmt.Errorf("invalid app treasury: %w", err)
	}
	return key, nil
}

// GatekeeperKeypair loads the co-signing key; it returns nil when none is configured
func (c *Config) GatekeeperKeypair() (*chain.Keypair, error) {
	switch {
	case c.GatekeeperKey != "":
		return chain.KeypairFromBase58(c.GatekeeperKey)
	case c.GatekeeperKeyFile != "":
		return chain.LoadKeypairFile(c.GatekeeperKeyFile)
	}
	return nil, nil
}

func parseSOL(name, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
