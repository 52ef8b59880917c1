// Package config loads node configuration: defaults, optional YAML file,
// explicit environment bindings, validation at startup. The loaded value
// is immutable after boot.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	P2P       P2PConfig
	Chain     ChainConfig
	Executor  ExecutorConfig
	Validator ValidatorConfig
	Client    ClientConfig
	LLM       LLMConfig
	Server    ServerConfig
}

type P2PConfig struct {
	ListenAddr         string   `mapstructure:"listen_addr"`
	BootstrapPeers     []string `mapstructure:"bootstrap_peers"`
	RequestTimeoutSecs int64    `mapstructure:"request_timeout_secs"`
}

type ChainConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`
	VerifyingContract string `mapstructure:"verifying_contract"`
	ChainID           int64  `mapstructure:"chain_id"`
	MaxFeePerGas      string `mapstructure:"max_fee_per_gas"` // wei; empty lets the node estimate
	MaxTipPerGas      string `mapstructure:"max_tip_per_gas"`
}

// ModelConfig declares one model an executor serves, file-configured.
type ModelConfig struct {
	ID            string   `mapstructure:"id"`
	Name          string   `mapstructure:"name"`
	ContextWindow uint32   `mapstructure:"context_window"`
	Capabilities  []string `mapstructure:"capabilities"`
	InboundPrice  string   `mapstructure:"inbound_price"`  // wei per token
	OutboundPrice string   `mapstructure:"outbound_price"` // wei per token
	MaxConcurrent uint32   `mapstructure:"max_concurrent"`
}

type ExecutorConfig struct {
	Models                      []ModelConfig `mapstructure:"models"`
	HeartbeatIntervalSecs       int64         `mapstructure:"heartbeat_interval_secs"`
	BatchSize                   int64         `mapstructure:"batch_size"`
	BatchIntervalSecs           int64         `mapstructure:"batch_interval_secs"`
	MaxRetries                  int64         `mapstructure:"max_retries"`
	MaxConcurrentRequests       int64         `mapstructure:"max_concurrent_requests"`
	MaxQueueSize                int64         `mapstructure:"max_queue_size"`
	RateLimitPerClientPerMinute int64         `mapstructure:"rate_limit_per_client_per_minute"`
	PriceToleranceSecs          int64         `mapstructure:"price_tolerance_seconds"` // 0 means one heartbeat interval
}

type ValidatorConfig struct {
	StalenessThresholdSecs int64 `mapstructure:"staleness_threshold_secs"`
	SweepIntervalSecs      int64 `mapstructure:"sweep_interval_secs"`
}

type ClientConfig struct {
	Validators        []string `mapstructure:"validators"` // validator peer multiaddrs or ids
	CollectWindowSecs int64    `mapstructure:"collect_window_secs"`
	MaxAttempts       int64    `mapstructure:"max_attempts"`
	Strategy          string   `mapstructure:"strategy"`
	MaxPrice          string   `mapstructure:"max_price"` // wei per outbound token; empty = uncapped
}

type LLMConfig struct {
	BackendURL  string `mapstructure:"backend_url"`
	APIKey      string `mapstructure:"api_key"`
	TimeoutSecs int64  `mapstructure:"timeout_secs"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads the configuration for one node role. role gates which
// required fields are enforced.
func Load(role string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("data_dir", "./data")
	v.SetDefault("p2p.listen_addr", "/ip4/0.0.0.0/tcp/9000")
	v.SetDefault("p2p.request_timeout_secs", 120)
	v.SetDefault("executor.heartbeat_interval_secs", 10)
	v.SetDefault("executor.batch_size", 10)
	v.SetDefault("executor.batch_interval_secs", 300)
	v.SetDefault("executor.max_retries", 5)
	v.SetDefault("executor.max_concurrent_requests", 10)
	v.SetDefault("executor.max_queue_size", 100)
	v.SetDefault("executor.rate_limit_per_client_per_minute", 60)
	v.SetDefault("executor.price_tolerance_seconds", 0)
	v.SetDefault("validator.staleness_threshold_secs", 60)
	v.SetDefault("validator.sweep_interval_secs", 30)
	v.SetDefault("client.collect_window_secs", 5)
	v.SetDefault("client.max_attempts", 3)
	v.SetDefault("client.strategy", "best-price")
	v.SetDefault("llm.timeout_secs", 300)
	v.SetDefault("server.port", 8080)

	// Config file (optional)
	v.SetConfigName("lloom")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/lloom")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"data_dir":                   "LLOOM_DATA_DIR",
		"p2p.listen_addr":            "LLOOM_LISTEN_ADDR",
		"p2p.bootstrap_peers":        "LLOOM_BOOTSTRAP_PEERS",
		"p2p.request_timeout_secs":   "LLOOM_REQUEST_TIMEOUT_SECS",
		"chain.rpc_url":              "LLOOM_RPC_URL",
		"chain.verifying_contract":   "LLOOM_VERIFYING_CONTRACT",
		"chain.chain_id":             "LLOOM_CHAIN_ID",
		"chain.max_fee_per_gas":      "LLOOM_MAX_FEE_PER_GAS",
		"chain.max_tip_per_gas":      "LLOOM_MAX_TIP_PER_GAS",
		"llm.backend_url":            "LLOOM_LLM_BACKEND_URL",
		"llm.api_key":                "LLOOM_LLM_API_KEY",
		"llm.timeout_secs":           "LLOOM_LLM_TIMEOUT_SECS",
		"client.validators":          "LLOOM_VALIDATORS",
		"client.max_price":           "LLOOM_MAX_PRICE",
		"client.strategy":            "LLOOM_STRATEGY",
		"server.port":                "LLOOM_API_PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, cfg.validate(role)
}

func (c *Config) validate(role string) error {
	if c.DataDir == "" {
		return fmt.Errorf("required config missing: LLOOM_DATA_DIR")
	}
	if c.P2P.ListenAddr == "" {
		return fmt.Errorf("required config missing: LLOOM_LISTEN_ADDR")
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: LLOOM_CHAIN_ID")
	}
	if c.Chain.VerifyingContract == "" {
		return fmt.Errorf("required config missing: LLOOM_VERIFYING_CONTRACT")
	}
	switch role {
	case "executor":
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("required config missing: LLOOM_RPC_URL")
		}
		if c.LLM.BackendURL == "" {
			return fmt.Errorf("required config missing: LLOOM_LLM_BACKEND_URL")
		}
		if len(c.Executor.Models) == 0 {
			return fmt.Errorf("executor config declares no models")
		}
	case "client", "validator":
		// chain RPC is optional: clients only need it for nonce
		// reconciliation, validators not at all
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	return nil
}

// IdentityPath is the node secret file inside the data dir.
func (c *Config) IdentityPath() string { return filepath.Join(c.DataDir, "identity") }

// NonceBookPath is the client nonce log inside the data dir.
func (c *Config) NonceBookPath() string { return filepath.Join(c.DataDir, "nonce_book") }

// UsageQueuePath is the executor usage queue inside the data dir.
func (c *Config) UsageQueuePath() string { return filepath.Join(c.DataDir, "usage_queue") }

// DeadLetterPath is the submitter dead-letter file inside the data dir.
func (c *Config) DeadLetterPath() string { return filepath.Join(c.DataDir, "deadletter") }
