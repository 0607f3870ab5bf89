package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
)

// DeploymentConfig represents deployments.json. Every field may be
// overridden from the environment.
type DeploymentConfig struct {
	ChainID int64  `json:"chainId" env:"CHAIN_ID"`
	Admin   string `json:"admin" env:"ESCROW_ADMIN"`
	Custody string `json:"custody" env:"ESCROW_CUSTODY"`
	Token   struct {
		Address  string `json:"address" env:"TOKEN_ADDRESS"`
		Name     string `json:"name" env:"TOKEN_NAME"`
		Symbol   string `json:"symbol" env:"TOKEN_SYMBOL"`
		Decimals int32  `json:"decimals" env:"TOKEN_DECIMALS"`
	} `json:"token"`
	Escrow struct {
		LockPeriodSeconds int64 `json:"lockPeriodSeconds" env:"ESCROW_LOCK_PERIOD_SECONDS"`
	} `json:"escrow"`
}

// AppConfig ties together deployment info and runtime settings.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Storage    StorageConfig
	Notify     NotifyConfig
	Retry      RetryConfig
}

type ServiceConfig struct {
	HTTPPort             int           `env:"API_HTTP_PORT" envDefault:"3000"`
	AuthClockSkew        time.Duration `env:"AUTH_CLOCK_SKEW" envDefault:"60s"`
	IdempotencyWindow    time.Duration `env:"IDEMPOTENCY_WINDOW" envDefault:"24h"`
	IdempotencyStorePath string        `env:"IDEMPOTENCY_STORE_PATH"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel             string        `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv               string        `env:"APP_ENV" envDefault:"production"`
}

type ChainConfig struct {
	RPCURL         string        `env:"CHAIN_RPC_URL"`
	PrivateKey     string        `env:"CHAIN_PRIVATE_KEY"`
	ReceiptTimeout time.Duration `env:"CHAIN_RECEIPT_TIMEOUT" envDefault:"2m"`
	// ReconcileInterval is how often unconfirmed transfers are rechecked.
	ReconcileInterval time.Duration `env:"CHAIN_RECONCILE_INTERVAL" envDefault:"30s"`
}

type StorageConfig struct {
	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresMaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	RedisURL         string `env:"REDIS_URL"`
}

type NotifyConfig struct {
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"remittance.escrow"`
	BufferSize   int      `env:"NOTIFY_BUFFER_SIZE" envDefault:"1024"`
	DLQPath      string   `env:"NOTIFY_DLQ_PATH"`
}

type RetryConfig struct {
	MaxAttempts       int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff    time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"500ms"`
	MaxBackoff        time.Duration `env:"RETRY_MAX_BACKOFF" envDefault:"5s"`
	BackoffMultiplier int           `env:"RETRY_BACKOFF_MULTIPLIER" envDefault:"2"`
}

const defaultDeploymentsPath = "deployments.json"

// Load reads deployments.json (if present) and layers the environment on top.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{Deployment: defaultDeployment()}

	path := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)
	if err := loadDeployments(path, &cfg.Deployment); err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDeployment() DeploymentConfig {
	var d DeploymentConfig
	d.Token.Name = "Mock USD Coin"
	d.Token.Symbol = "MUSDC"
	d.Token.Decimals = 6
	d.Escrow.LockPeriodSeconds = int64((30 * 24 * time.Hour).Seconds())
	return d
}

func loadDeployments(path string, into *DeploymentConfig) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}

func (c *AppConfig) Validate() error {
	for name, addr := range map[string]string{
		"admin":         c.Deployment.Admin,
		"custody":       c.Deployment.Custody,
		"token address": c.Deployment.Token.Address,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("config: invalid %s %q", name, addr)
		}
	}
	if c.Deployment.Token.Decimals < 0 || c.Deployment.Token.Decimals > 36 {
		return fmt.Errorf("config: token decimals %d out of range", c.Deployment.Token.Decimals)
	}
	if c.Deployment.Escrow.LockPeriodSeconds <= 0 {
		return fmt.Errorf("config: lock period must be positive")
	}
	if c.Chain.PrivateKey != "" {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("config: CHAIN_RPC_URL is required with CHAIN_PRIVATE_KEY")
		}
		if c.Deployment.Token.Address == "" {
			return fmt.Errorf("config: token address is required with CHAIN_PRIVATE_KEY")
		}
	}
	return nil
}

// LockPeriod returns the configured reclaim delay.
func (d DeploymentConfig) LockPeriod() time.Duration {
	return time.Duration(d.Escrow.LockPeriodSeconds) * time.Second
}

func (d DeploymentConfig) AdminAddress() common.Address {
	return common.HexToAddress(d.Admin)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
