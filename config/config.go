// config/config.go
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"time"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"oneshot.link/internal/crypto"
	"oneshot.link/internal/models"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	Partitions PartitionsConfig `yaml:"partitions" envPrefix:"PARTITIONS_"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Passphrase PassphraseConfig `yaml:"passphrase" envPrefix:"PASSPHRASE_"`
	Receipts   ReceiptsConfig   `yaml:"receipts" envPrefix:"RECEIPT_"`
	Sweeper    SweeperConfig    `yaml:"sweeper" envPrefix:"SWEEPER_"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Auth       AuthConfig       `yaml:"auth" envPrefix:"AUTH_"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Host           string        `yaml:"host" env:"HOST"`
	Port           int           `yaml:"port" env:"PORT"`
	GRPCPort       int           `yaml:"grpc_port" env:"GRPC_PORT"` // 0 disables gRPC
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

type StoreConfig struct {
	Type            string        `yaml:"type" env:"TYPE"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	Redis           RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
	Badger          BadgerConfig  `yaml:"badger" envPrefix:"BADGER_"`
	SQL             SQLConfig     `yaml:"sql" envPrefix:"SQL_"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type BadgerConfig struct {
	Path string `yaml:"path" env:"PATH"` // empty runs in memory
}

type SQLConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

// PartitionsConfig describes the data-residency partitions. Every partition
// gets its own store; Stores entries override fields of the base store.
type PartitionsConfig struct {
	Default string                 `yaml:"default" env:"DEFAULT"`
	Stores  map[string]StoreConfig `yaml:"stores"`
	Domains map[string]string      `yaml:"domains" env:"DOMAINS"`
}

type SecretsConfig struct {
	DefaultTTL       time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	MinTTL           time.Duration `yaml:"min_ttl" env:"MIN_TTL"`
	MaxTTL           time.Duration `yaml:"max_ttl" env:"MAX_TTL"`
	MaxContentSize   int           `yaml:"max_content_size" env:"MAX_CONTENT_SIZE"`
	OperationTimeout time.Duration `yaml:"operation_timeout" env:"OPERATION_TIMEOUT"`
	GeneratedLength  int           `yaml:"generated_length" env:"GENERATED_LENGTH"`
}

type PassphraseConfig struct {
	MaxAttempts int                 `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	Window      time.Duration       `yaml:"window" env:"WINDOW"`
	Argon2      crypto.Argon2Params `yaml:"argon2" envPrefix:"ARGON2_"`
}

type ReceiptsConfig struct {
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"` // 0 disables the cache
}

type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" env:"ENABLED"`
	RequestsPerMin int  `yaml:"requests_per_min" env:"REQUESTS"`
	RevealPerMin   int  `yaml:"reveal_per_min" env:"REVEAL"`
}

type AuthConfig struct {
	TokenSignKey string `yaml:"token_sign_key" env:"TOKEN_SIGN_KEY"`
	TokenIssuer  string `yaml:"token_issuer" env:"TOKEN_ISSUER"`
}

type CryptoConfig struct {
	MasterKey string `yaml:"master_key" env:"MASTER_KEY"` // base64, 32 bytes
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

var storeTypes = map[string]bool{
	"memory":   true,
	"redis":    true,
	"badger":   true,
	"postgres": true,
	"sqlite":   true,
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			GRPCPort:       0,
			BaseURL:        "http://localhost:8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			AllowedOrigins: []string{"http://localhost:8080"},
		},
		Store: StoreConfig{
			Type:            "memory",
			CleanupInterval: 30 * time.Second,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				Password: "",
				DB:       0,
			},
		},
		Partitions: PartitionsConfig{
			Default: string(models.DefaultScope),
		},
		Secrets: SecretsConfig{
			DefaultTTL:       1 * time.Hour,
			MinTTL:           1 * time.Minute,
			MaxTTL:           14 * 24 * time.Hour,
			MaxContentSize:   64 * 1024,
			OperationTimeout: 3 * time.Second,
			GeneratedLength:  16,
		},
		Passphrase: PassphraseConfig{
			MaxAttempts: 5,
			Window:      15 * time.Minute,
			Argon2:      crypto.DefaultArgon2Params(),
		},
		Receipts: ReceiptsConfig{
			Retention: 30 * 24 * time.Hour,
			CacheTTL:  5 * time.Second,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 100,
			RevealPerMin:   20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads defaults, then the YAML file at path (if any), then the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// loadFromEnv overrides fields whose environment variable is set.
func (c *Config) loadFromEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("error getting env configs: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 || (c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port) {
		return fmt.Errorf("invalid grpc port: %d", c.Server.GRPCPort)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("read_timeout and write_timeout must be positive")
	}

	if !models.ValidScope(c.Partitions.Default) {
		return fmt.Errorf("invalid default partition name %q", c.Partitions.Default)
	}

	for _, name := range c.PartitionNames() {
		if !models.ValidScope(name) {
			return fmt.Errorf("invalid partition name %q (lowercase letters and digits only)", name)
		}
		storeCfg, err := c.StoreFor(name)
		if err != nil {
			return err
		}
		if err := storeCfg.validate(); err != nil {
			return fmt.Errorf("partition %s: %w", name, err)
		}
	}

	for host, partition := range c.Partitions.Domains {
		if !c.HasPartition(partition) {
			return fmt.Errorf("domain %s maps to unknown partition %q", host, partition)
		}
	}

	if err := c.Secrets.validate(); err != nil {
		return err
	}

	if c.Passphrase.MaxAttempts < 1 {
		return fmt.Errorf("passphrase max_attempts must be at least 1")
	}

	if c.Passphrase.Window <= 0 {
		return fmt.Errorf("passphrase window must be positive")
	}

	if a := c.Passphrase.Argon2; a.Time == 0 || a.Memory == 0 || a.Threads == 0 || a.KeyLen < 16 || a.SaltLen < 8 {
		return fmt.Errorf("invalid argon2 parameters")
	}

	if c.Receipts.Retention < c.Secrets.MaxTTL {
		return fmt.Errorf("receipt retention must be >= max_ttl")
	}

	if c.Receipts.CacheTTL < 0 {
		return fmt.Errorf("receipt cache_ttl must not be negative")
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper interval must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMin < 1 || c.RateLimit.RevealPerMin < 1) {
		return fmt.Errorf("rate limits must be at least 1 per minute")
	}

	if _, err := c.MasterKey(); err != nil {
		return err
	}

	return nil
}

func (s StoreConfig) validate() error {
	if !storeTypes[s.Type] {
		return fmt.Errorf("invalid store type: %s (must be memory, redis, badger, postgres or sqlite)", s.Type)
	}

	if s.Type == "redis" && s.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when store type is 'redis'")
	}

	if (s.Type == "postgres" || s.Type == "sqlite") && s.SQL.DSN == "" {
		return fmt.Errorf("sql dsn is required when store type is '%s'", s.Type)
	}

	return nil
}

func (s SecretsConfig) validate() error {
	if s.MinTTL <= 0 {
		return fmt.Errorf("min_ttl must be positive")
	}

	if s.DefaultTTL < s.MinTTL || s.DefaultTTL > s.MaxTTL {
		return fmt.Errorf("default_ttl must be within [min_ttl, max_ttl]")
	}

	if s.MaxContentSize < 1 {
		return fmt.Errorf("max_content_size must be positive")
	}

	if s.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be positive")
	}

	if s.GeneratedLength < 8 {
		return fmt.Errorf("generated_length must be at least 8")
	}

	return nil
}

// PartitionNames returns the default partition plus every configured one,
// sorted and without duplicates.
func (c *Config) PartitionNames() []string {
	seen := map[string]bool{c.Partitions.Default: true}
	names := []string{c.Partitions.Default}
	for name := range c.Partitions.Stores {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Config) HasPartition(name string) bool {
	if name == c.Partitions.Default {
		return true
	}
	_, ok := c.Partitions.Stores[name]
	return ok
}

// StoreFor returns the store configuration of a partition: its override
// merged over the base store section.
func (c *Config) StoreFor(partition string) (StoreConfig, error) {
	override, ok := c.Partitions.Stores[partition]
	if !ok {
		return c.Store, nil
	}

	if err := mergo.Merge(&override, c.Store); err != nil {
		return StoreConfig{}, fmt.Errorf("merging store config for partition %s: %w", partition, err)
	}
	return override, nil
}

// MasterKey decodes the configured encryption key. A nil key means none is
// configured and the server generates an ephemeral one.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Crypto.MasterKey == "" {
		return nil, nil
	}

	key, err := base64.StdEncoding.DecodeString(c.Crypto.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master_key must be base64: %w", err)
	}
	if len(key) != crypto.MasterKeySize {
		return nil, fmt.Errorf("master_key must decode to %d bytes, got %d", crypto.MasterKeySize, len(key))
	}
	return key, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}
