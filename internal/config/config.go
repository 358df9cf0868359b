// Package config loads service configuration from YAML with VOTEPAY_ environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/vote-payments/internal/adapter/orange"
	"github.com/yourorg/vote-payments/internal/policy"
)

// EnvPrefix prefixes every environment override, e.g. VOTEPAY_DATABASE_DSN.
const EnvPrefix = "VOTEPAY"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Voting    VotingConfig    `yaml:"voting" mapstructure:"voting"`
	Providers ProvidersConfig `yaml:"providers" mapstructure:"providers"`
	Admin     AdminConfig     `yaml:"admin" mapstructure:"admin"`
	Tracing   TracingConfig   `yaml:"tracing" mapstructure:"tracing"`
}

// ServerConfig configures the HTTP listener and the URLs handed to providers.
type ServerConfig struct {
	Addr          string   `yaml:"addr" mapstructure:"addr"`
	PublicBaseURL string   `yaml:"public_base_url" mapstructure:"public_base_url"`
	ReturnURL     string   `yaml:"return_url" mapstructure:"return_url"`
	CORSOrigins   []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// DatabaseConfig selects the gorm dialect.
type DatabaseConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // sqlite or mysql
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// RedisConfig enables the shared token cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// VotingConfig sets the vote price and acceptance rules.
type VotingConfig struct {
	DefaultAmount int64        `yaml:"default_amount" mapstructure:"default_amount"`
	Currency      string       `yaml:"currency" mapstructure:"currency"`
	Rules         []RuleConfig `yaml:"rules" mapstructure:"rules"`
	// ProductName labels the vote on card checkout pages. Empty keeps the provider default.
	ProductName string `yaml:"product_name" mapstructure:"product_name"`
}

// RuleConfig is one govaluate acceptance expression.
type RuleConfig struct {
	Name       string `yaml:"name" mapstructure:"name"`
	Expression string `yaml:"expression" mapstructure:"expression"`
	Message    string `yaml:"message" mapstructure:"message"`
}

// ProvidersConfig holds shared outbound settings and per-provider credentials.
type ProvidersConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
	MTN     MTNConfig     `yaml:"mtn" mapstructure:"mtn"`
	Orange  OrangeConfig  `yaml:"orange" mapstructure:"orange"`
	Stripe  StripeConfig  `yaml:"stripe" mapstructure:"stripe"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures" mapstructure:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout" mapstructure:"open_timeout"`
}

// MTNConfig configures MTN MoMo Collection. Disabled when BaseURL is empty.
type MTNConfig struct {
	BaseURL         string        `yaml:"base_url" mapstructure:"base_url"`
	APIUser         string        `yaml:"api_user" mapstructure:"api_user"`
	APIKey          string        `yaml:"api_key" mapstructure:"api_key"`
	SubscriptionKey string        `yaml:"subscription_key" mapstructure:"subscription_key"`
	Environment     string        `yaml:"environment" mapstructure:"environment"`
	TokenMargin     time.Duration `yaml:"token_margin" mapstructure:"token_margin"`
}

// OrangeConfig configures Orange Money Web Payment. Disabled when BaseURL is empty.
type OrangeConfig struct {
	BaseURL         string        `yaml:"base_url" mapstructure:"base_url"`
	TokenURL        string        `yaml:"token_url" mapstructure:"token_url"`
	ClientID        string        `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret    string        `yaml:"client_secret" mapstructure:"client_secret"`
	MerchantKey     string        `yaml:"merchant_key" mapstructure:"merchant_key"`
	SignatureHeader string        `yaml:"signature_header" mapstructure:"signature_header"`
	TokenMargin     time.Duration `yaml:"token_margin" mapstructure:"token_margin"`
}

// StripeConfig configures Stripe Checkout. Disabled when SecretKey is empty.
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key" mapstructure:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	APIURL        string `yaml:"api_url" mapstructure:"api_url"`
}

// AdminConfig guards the read-only admin endpoints with a static bearer key.
type AdminConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "votepay.db",
		},
		Voting: VotingConfig{
			DefaultAmount: 100,
			Currency:      "XOF",
			Rules: []RuleConfig{
				{Name: "minimum_amount", Expression: "amount >= 100", Message: "amount must be at least 100"},
			},
		},
		Providers: ProvidersConfig{
			Timeout: 30 * time.Second,
			Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
			MTN: MTNConfig{
				Environment: "sandbox",
				TokenMargin: 5 * time.Minute,
			},
			Orange: OrangeConfig{
				TokenURL:        orange.DefaultTokenURL,
				SignatureHeader: orange.DefaultSignatureHeader,
				TokenMargin:     5 * time.Minute,
			},
		},
	}
}

// Load reads path (optional) over the defaults, then applies VOTEPAY_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Seeding viper with the defaults makes every key known, so environment
	// overrides apply even when no file sets the key.
	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("config: encoding defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Providers.Timeout <= 0 {
		errs = append(errs, errors.New("providers.timeout must be positive"))
	}
	if c.Voting.DefaultAmount <= 0 {
		errs = append(errs, errors.New("voting.default_amount must be positive"))
	}
	if len(c.Voting.Currency) != 3 {
		errs = append(errs, fmt.Errorf("voting.currency %q must be an ISO 4217 code", c.Voting.Currency))
	}
	if c.Providers.Orange.BaseURL != "" && c.Providers.Orange.MerchantKey == "" {
		errs = append(errs, errors.New("providers.orange.merchant_key is required to verify notifications"))
	}
	if c.Providers.Stripe.SecretKey != "" && c.Providers.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("providers.stripe.webhook_secret is required to verify events"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// PolicyRules converts the configured rules for the policy enforcer, falling
// back to policy.DefaultRules when none are set. Rules keep their file order.
func (v VotingConfig) PolicyRules() []policy.PolicyRule {
	if len(v.Rules) == 0 {
		return policy.DefaultRules()
	}
	rules := make([]policy.PolicyRule, 0, len(v.Rules))
	for i, r := range v.Rules {
		id := r.Name
		if id == "" {
			id = fmt.Sprintf("rule_%d", i+1)
		}
		rules = append(rules, policy.PolicyRule{ID: id, Expression: r.Expression, Priority: i, Message: r.Message})
	}
	return rules
}
