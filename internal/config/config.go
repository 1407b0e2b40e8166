// Package config loads gateway configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ppiankov/proofvault/internal/audit"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/orchestrator"
	"github.com/ppiankov/proofvault/internal/planner"
	"github.com/ppiankov/proofvault/internal/sandbox"
	"github.com/ppiankov/proofvault/internal/sqlguard"
)

// EnvPrefix prefixes every environment override, e.g.
// PROOFVAULT_EXECUTION_MODE=isolated.
const EnvPrefix = "PROOFVAULT"

// Legacy DSN variables honoured alongside the prefixed keys.
const (
	EnvUserDSN  = "DATA_DB_USER_URL"
	EnvAdminDSN = "DATA_DB_ADMIN_URL"
)

// Config holds the gateway configuration.
type Config struct {
	Policy         PolicyConfig    `mapstructure:"policy"`
	Guard          sqlguard.Config `mapstructure:"guard"`
	Execution      ExecutionConfig `mapstructure:"execution"`
	Audit          AuditConfig     `mapstructure:"audit"`
	Planner        PlannerConfig   `mapstructure:"planner"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	AuditTimeout   time.Duration   `mapstructure:"audit_timeout"`
	Logging        LoggingConfig   `mapstructure:"logging"`
	Metrics        MetricsConfig   `mapstructure:"metrics"`
}

// Policy sources.
const (
	PolicySourceFile  = "file"
	PolicySourceRedis = "redis"
)

// PolicyConfig selects where authorized schemas come from.
type PolicyConfig struct {
	Source   string        `mapstructure:"source"`
	Path     string        `mapstructure:"path"`
	Watch    bool          `mapstructure:"watch"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Redis    RedisConfig   `mapstructure:"redis"`
}

// RedisConfig locates per-role policy documents in Redis.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// Execution modes.
const (
	ExecModePooled   = "pooled"
	ExecModeIsolated = "isolated"
)

// ExecutionConfig configures the sandbox executor.
type ExecutionConfig struct {
	Mode           string                 `mapstructure:"mode"`
	Limits         sandbox.Limits         `mapstructure:"limits"`
	AcquireTimeout time.Duration          `mapstructure:"acquire_timeout"`
	Pools          PoolsConfig            `mapstructure:"pools"`
	Runner         sandbox.IsolatedConfig `mapstructure:"runner"`
}

// PoolsConfig holds one pool per session role.
type PoolsConfig struct {
	User  sandbox.PoolConfig `mapstructure:"user"`
	Admin sandbox.PoolConfig `mapstructure:"admin"`
}

// ByRole returns the pools keyed by role.
func (p PoolsConfig) ByRole() map[model.Role]sandbox.PoolConfig {
	return map[model.Role]sandbox.PoolConfig{
		model.RoleUser:  p.User,
		model.RoleAdmin: p.Admin,
	}
}

// DSNs returns the per-role connection strings.
func (p PoolsConfig) DSNs() map[model.Role]string {
	return map[model.Role]string{
		model.RoleUser:  p.User.DSN,
		model.RoleAdmin: p.Admin.DSN,
	}
}

// Audit store kinds.
const (
	AuditStoreMemory   = "memory"
	AuditStoreFile     = "file"
	AuditStorePostgres = string(audit.DialectPostgres)
	AuditStoreSQLite   = string(audit.DialectSQLite)
)

// AuditConfig selects the receipt store.
type AuditConfig struct {
	Store string `mapstructure:"store"`
	Path  string `mapstructure:"path"`
	DSN   string `mapstructure:"dsn"`
}

// PlannerConfig selects the planner.
type PlannerConfig struct {
	Kind    string                `mapstructure:"kind"`
	Bedrock planner.BedrockConfig `mapstructure:"bedrock"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// Orchestrator returns the orchestrator timeouts.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{RequestTimeout: c.RequestTimeout, AuditTimeout: c.AuditTimeout}
}

// Load reads configPath (or ./proofvault.yaml, ~/.proofvault/config.yaml
// when empty) and applies environment overrides. A missing default file is
// not an error; a missing explicit file is.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".proofvault"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("proofvault")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindLegacyEnv lets DATA_DB_*_URL populate the pool DSNs. The prefixed
// variable wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	if err := v.BindEnv("execution.pools.user.dsn", EnvPrefix+"_EXECUTION_POOLS_USER_DSN", EnvUserDSN); err != nil {
		return fmt.Errorf("config: bind env: %w", err)
	}
	if err := v.BindEnv("execution.pools.admin.dsn", EnvPrefix+"_EXECUTION_POOLS_ADMIN_DSN", EnvAdminDSN); err != nil {
		return fmt.Errorf("config: bind env: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	limits := sandbox.DefaultLimits()

	v.SetDefault("policy.source", PolicySourceFile)
	v.SetDefault("policy.path", "policy.yaml")
	v.SetDefault("policy.watch", false)
	v.SetDefault("policy.cache_ttl", 30*time.Second)
	v.SetDefault("policy.redis.url", "")
	v.SetDefault("policy.redis.prefix", "proofvault:policy")

	v.SetDefault("guard.default_limit", sqlguard.DefaultLimit)
	v.SetDefault("guard.sensitive_schemas", sqlguard.DefaultSensitiveSchemas)

	v.SetDefault("execution.mode", ExecModePooled)
	v.SetDefault("execution.limits.statement_timeout", limits.StatementTimeout)
	v.SetDefault("execution.limits.lock_timeout", limits.LockTimeout)
	v.SetDefault("execution.limits.idle_in_transaction_timeout", limits.IdleInTxTimeout)
	v.SetDefault("execution.acquire_timeout", sandbox.DefaultAcquireTimeout)
	for _, role := range []string{"user", "admin"} {
		v.SetDefault("execution.pools."+role+".dsn", "")
		v.SetDefault("execution.pools."+role+".max_open", 4)
		v.SetDefault("execution.pools."+role+".max_idle", 2)
		v.SetDefault("execution.pools."+role+".conn_max_lifetime", 30*time.Minute)
	}
	v.SetDefault("execution.runner.mode", string(sandbox.RunnerLocal))
	v.SetDefault("execution.runner.command", "")
	v.SetDefault("execution.runner.args", []string{})
	v.SetDefault("execution.runner.image", "")
	v.SetDefault("execution.runner.network", "")
	v.SetDefault("execution.runner.timeout", sandbox.DefaultRunnerTimeout)

	v.SetDefault("audit.store", AuditStoreMemory)
	v.SetDefault("audit.path", "proofvault-audit.jsonl")
	v.SetDefault("audit.dsn", "")

	v.SetDefault("planner.kind", string(planner.KindStub))
	v.SetDefault("planner.bedrock.region", "us-east-1")
	v.SetDefault("planner.bedrock.model_id", "")
	v.SetDefault("planner.bedrock.max_tokens", planner.DefaultMaxTokens)

	v.SetDefault("request_timeout", orchestrator.DefaultRequestTimeout)
	v.SetDefault("audit_timeout", orchestrator.DefaultAuditTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")
	v.SetDefault("metrics.namespace", "proofvault")
}

// Validate rejects unknown enum values. DSNs are checked when the executor
// is built, since offline commands never open a pool.
func (c *Config) Validate() error {
	var errs []error
	switch c.Policy.Source {
	case PolicySourceFile:
		if c.Policy.Path == "" {
			errs = append(errs, errors.New("policy.path is required for the file source"))
		}
	case PolicySourceRedis:
		if c.Policy.Redis.URL == "" {
			errs = append(errs, errors.New("policy.redis.url is required for the redis source"))
		}
	default:
		errs = append(errs, fmt.Errorf("policy.source %q: expected file or redis", c.Policy.Source))
	}
	switch c.Execution.Mode {
	case ExecModePooled, ExecModeIsolated:
	default:
		errs = append(errs, fmt.Errorf("execution.mode %q: expected pooled or isolated", c.Execution.Mode))
	}
	switch c.Execution.Runner.Mode {
	case sandbox.RunnerLocal, sandbox.RunnerDocker:
	default:
		errs = append(errs, fmt.Errorf("execution.runner.mode %q: expected local or docker", c.Execution.Runner.Mode))
	}
	switch c.Audit.Store {
	case AuditStoreMemory:
	case AuditStoreFile:
		if c.Audit.Path == "" {
			errs = append(errs, errors.New("audit.path is required for the file store"))
		}
	case AuditStorePostgres, AuditStoreSQLite:
		if c.Audit.DSN == "" {
			errs = append(errs, fmt.Errorf("audit.dsn is required for the %s store", c.Audit.Store))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.store %q: expected memory, file, postgres or sqlite", c.Audit.Store))
	}
	if _, err := planner.ParseKind(c.Planner.Kind); err != nil {
		errs = append(errs, err)
	}
	if c.Guard.DefaultLimit < 1 {
		errs = append(errs, fmt.Errorf("guard.default_limit %d: must be positive", c.Guard.DefaultLimit))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: expected text or json", c.Logging.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
