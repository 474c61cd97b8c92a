package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v2"
)

const (
	defaultEthConfirmations = 12
	defaultMetricsAddr      = ":8080"
)

type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level"`
	DBPath   string `yaml:"db_path" json:"db_path"`

	EthPrivKeyFile         string  `yaml:"eth_priv_key_file" json:"eth_priv_key_file"`
	EthRPCUrl              string  `yaml:"eth_rpc_url" json:"eth_rpc_url"`
	EthArchiveRPCUrl       string  `yaml:"eth_archive_rpc_url" json:"eth_archive_rpc_url"`
	EthCustodianAddr       string  `yaml:"eth_custodian_addr" json:"eth_custodian_addr"`
	EthNearBridgeAddr      string  `yaml:"eth_near_bridge_addr" json:"eth_near_bridge_addr"`
	// EthRequiredConfs defaults to 12 when unset; 0 is a valid threshold.
	EthRequiredConfs       *uint64 `yaml:"eth_required_confirmations" json:"eth_required_confirmations"`
	// EthWatchStartBlock is the first block the relayer scans for deposits. When
	// unset it starts EthRequiredConfs blocks below the head.
	EthWatchStartBlock     *uint64 `yaml:"eth_watch_start_block" json:"eth_watch_start_block"`
	EthReceiptsConcurrency int     `yaml:"eth_receipts_concurrency" json:"eth_receipts_concurrency"`

	NearRPCUrl           string `yaml:"near_rpc_url" json:"near_rpc_url"`
	NearArchiveRPCUrl    string `yaml:"near_archive_rpc_url" json:"near_archive_rpc_url"`
	NearCredentialsFile  string `yaml:"near_credentials_file" json:"near_credentials_file"`
	NearConnectorAccount string `yaml:"near_connector_account" json:"near_connector_account"`
	NearEthClientAccount string `yaml:"near_eth_client_account" json:"near_eth_client_account"`
	// NearEVMAccount prefixes recipients of deposits into the NEAR EVM.
	NearEVMAccount    string `yaml:"near_evm_account" json:"near_evm_account"`
	NearRequiredConfs uint64 `yaml:"near_required_confirmations" json:"near_required_confirmations"`

	PollInterval         time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxRetries           uint64        `yaml:"max_retries" json:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval" json:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval" json:"retry_max_interval"`

	ResumeInterval    time.Duration `yaml:"resume_interval" json:"resume_interval"`
	ResumeConcurrency int           `yaml:"resume_concurrency" json:"resume_concurrency"`
	MetricsAddr       string        `yaml:"metrics_addr" json:"metrics_addr"`
	DatadogAPIKey     string        `yaml:"datadog_api_key" json:"datadog_api_key"`
	DatadogAppKey     string        `yaml:"datadog_app_key" json:"datadog_app_key"`
}

// LoadFromEnv reads the relayer configuration from environment variables.
func LoadFromEnv() Config {
	return Config{
		LogLevel:             os.Getenv("LOG_LEVEL"),
		DBPath:               os.Getenv("DB_PATH"),
		EthPrivKeyFile:       os.Getenv("ETH_PRIVATE_KEY_FILE_PATH"),
		EthRPCUrl:            os.Getenv("ETH_RPC_URL"),
		EthArchiveRPCUrl:     os.Getenv("ETH_ARCHIVE_RPC_URL"),
		EthCustodianAddr:     os.Getenv("ETH_CUSTODIAN_ADDR"),
		EthNearBridgeAddr:    os.Getenv("ETH_NEAR_BRIDGE_ADDR"),
		EthRequiredConfs:     envOptionalUint("ETH_REQUIRED_CONFIRMATIONS"),
		EthWatchStartBlock:   envOptionalUint("ETH_WATCH_START_BLOCK"),
		NearRPCUrl:           os.Getenv("NEAR_RPC_URL"),
		NearArchiveRPCUrl:    os.Getenv("NEAR_ARCHIVE_RPC_URL"),
		NearCredentialsFile:  os.Getenv("NEAR_CREDENTIALS_FILE_PATH"),
		NearConnectorAccount: os.Getenv("NEAR_CONNECTOR_ACCOUNT"),
		NearEthClientAccount: os.Getenv("NEAR_ETH_CLIENT_ACCOUNT"),
		NearEVMAccount:       os.Getenv("NEAR_EVM_ACCOUNT"),
		NearRequiredConfs:    envUint("NEAR_REQUIRED_CONFIRMATIONS"),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
		DatadogAPIKey:        os.Getenv("DD_API_KEY"),
		DatadogAppKey:        os.Getenv("DD_APP_KEY"),
	}
}

func envUint(name string) uint64 {
	v, err := strconv.ParseUint(os.Getenv(name), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// envOptionalUint returns nil when name is unset or not a number.
func envOptionalUint(name string) *uint64 {
	v, err := strconv.ParseUint(os.Getenv(name), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// EthConfirmations is the configured Ethereum confirmation threshold.
func (c Config) EthConfirmations() uint64 {
	if c.EthRequiredConfs == nil {
		return defaultEthConfirmations
	}
	return *c.EthRequiredConfs
}

// LoadFile overrides cfg with the values set in the YAML file at filePath.
func LoadFile(cfg *Config, filePath string) error {
	buf, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file at: %s, %w", filePath, err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config file at: %s, %w", filePath, err)
	}
	return nil
}

// Check fills defaults and validates cfg.
func Check(cfg *Config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "~/.eth-connector/transfers.db"
	}
	if cfg.EthRequiredConfs == nil {
		confs := uint64(defaultEthConfirmations)
		cfg.EthRequiredConfs = &confs
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = defaultMetricsAddr
	}
	if cfg.NearEVMAccount == "" {
		cfg.NearEVMAccount = cfg.NearConnectorAccount
	}
	if cfg.ResumeInterval == 0 {
		cfg.ResumeInterval = time.Minute
	}
	if cfg.ResumeConcurrency <= 0 {
		cfg.ResumeConcurrency = 4
	}

	var errs []error
	required := func(value, name string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	required(cfg.EthPrivKeyFile, "eth_priv_key_file")
	required(cfg.EthRPCUrl, "eth_rpc_url")
	required(cfg.NearRPCUrl, "near_rpc_url")
	required(cfg.NearCredentialsFile, "near_credentials_file")
	required(cfg.NearConnectorAccount, "near_connector_account")
	required(cfg.NearEthClientAccount, "near_eth_client_account")

	if !common.IsHexAddress(cfg.EthCustodianAddr) {
		errs = append(errs, errors.New("eth_custodian_addr must be a valid hex address"))
	}
	if !common.IsHexAddress(cfg.EthNearBridgeAddr) {
		errs = append(errs, errors.New("eth_near_bridge_addr must be a valid hex address"))
	}
	if (cfg.DatadogAPIKey == "") != (cfg.DatadogAppKey == "") {
		errs = append(errs, errors.New("datadog_api_key and datadog_app_key must be set together"))
	}
	return errors.Join(errs...)
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home dir: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

func LoadEthKey(path string) (*ecdsa.PrivateKey, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	return key, nil
}
