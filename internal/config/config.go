package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	JWT         JWTConfig         `yaml:"jwt"`
	Wallet      WalletConfig      `yaml:"wallet"`
	Blockchain  BlockchainConfig  `yaml:"blockchain"`
	Sponsorship SponsorshipConfig `yaml:"sponsorship"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	CORS        CORSConfig        `yaml:"cors"`
	Admin       AdminConfig       `yaml:"admin"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// NATSConfig message server configuration
type NATSConfig struct {
	URL             string `yaml:"url"`
	Timeout         int    `yaml:"timeout"`
	ReconnectWait   int    `yaml:"reconnect_wait"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	EnableJetStream bool   `yaml:"enable_jetstream"`
	SubjectPrefix   string `yaml:"subject_prefix"`
}

// JWTConfig bearer token configuration
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// WalletConfig controls where the master seed comes from. Exactly one of
// Mnemonic / SeedHex is expected; both are normally injected through the
// environment, never written into the yaml file.
type WalletConfig struct {
	Mnemonic   string `yaml:"mnemonic"`
	SeedHex    string `yaml:"seedHex"`
	Passphrase string `yaml:"passphrase"`
}

// BlockchainConfig per-chain network configuration
type BlockchainConfig struct {
	Networks map[string]NetworkConfig `yaml:"networks"`
}

// NetworkConfig describes one EVM network the service operates on.
type NetworkConfig struct {
	ChainID            int64    `yaml:"chainId"`
	Name               string   `yaml:"name"`
	RPCEndpoints       []string `yaml:"rpcEndpoints"`
	EntryPoint         string   `yaml:"entryPoint"`
	DelegationContract string   `yaml:"delegationContract"`
	BundlerURL         string   `yaml:"bundlerUrl"`
	PaymasterURL       string   `yaml:"paymasterUrl"`
	ConfirmationBlocks uint64   `yaml:"confirmationBlocks"`
	ExplorerURL        string   `yaml:"explorerUrl"`
	GaslessEnabled     bool     `yaml:"gaslessEnabled"`
	TokenAllowlist     []string `yaml:"tokenAllowlist"`
	Enabled            bool     `yaml:"enabled"`
}

// SponsorshipConfig per-user gas sponsorship limits. Wei amounts are decimal
// strings so yaml never has to carry numbers beyond float64 precision.
type SponsorshipConfig struct {
	DailyLimitWei   string `yaml:"dailyLimitWei"`
	MonthlyLimitWei string `yaml:"monthlyLimitWei"`
	DailyTxLimit    int    `yaml:"dailyTxLimit"`
}

// CircuitConfig paymaster circuit breaker configuration
type CircuitConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	CooldownSeconds  int `yaml:"cooldownSeconds"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// AdminConfig admin API access control configuration
type AdminConfig struct {
	AllowedIPs []string `yaml:"allowedIPs"`
	TOTPSecret string   `yaml:"totpSecret"`
}

var AppConfig *Config

// LoadConfig reads the yaml configuration file and applies environment
// variable overrides on top of it.
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(&config)

	if err := validate(&config); err != nil {
		return err
	}

	AppConfig = &config
	return nil
}

// overrideFromEnv applies environment variable overrides. Network-specific
// variables use the uppercased network name as prefix (e.g. BASE_RPC_ENDPOINTS).
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.JWT.Secret = secret
	}

	// Seed material is environment-first: yaml values are a development
	// convenience only.
	if mnemonic := os.Getenv("WALLET_MNEMONIC"); mnemonic != "" {
		config.Wallet.Mnemonic = mnemonic
	}
	if seed := os.Getenv("WALLET_SEED_HEX"); seed != "" {
		config.Wallet.SeedHex = seed
	}
	if passphrase := os.Getenv("WALLET_PASSPHRASE"); passphrase != "" {
		config.Wallet.Passphrase = passphrase
	}

	if totpSecret := os.Getenv("ADMIN_TOTP_SECRET"); totpSecret != "" {
		config.Admin.TOTPSecret = totpSecret
	}

	for networkName, networkConfig := range config.Blockchain.Networks {
		prefix := strings.ToUpper(networkName)

		if rpcEndpoints := os.Getenv(prefix + "_RPC_ENDPOINTS"); rpcEndpoints != "" {
			parts := strings.Split(rpcEndpoints, ",")
			networkConfig.RPCEndpoints = make([]string, 0, len(parts))
			for _, p := range parts {
				if trimmed := strings.TrimSpace(p); trimmed != "" {
					networkConfig.RPCEndpoints = append(networkConfig.RPCEndpoints, trimmed)
				}
			}
		}
		if bundlerURL := os.Getenv(prefix + "_BUNDLER_URL"); bundlerURL != "" {
			networkConfig.BundlerURL = bundlerURL
		}
		if paymasterURL := os.Getenv(prefix + "_PAYMASTER_URL"); paymasterURL != "" {
			networkConfig.PaymasterURL = paymasterURL
		}
		if entryPoint := os.Getenv(prefix + "_ENTRY_POINT"); entryPoint != "" {
			networkConfig.EntryPoint = entryPoint
		}
		if delegation := os.Getenv(prefix + "_DELEGATION_CONTRACT"); delegation != "" {
			networkConfig.DelegationContract = delegation
		}

		config.Blockchain.Networks[networkName] = networkConfig
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		origins := strings.Split(corsOrigins, ",")
		config.CORS.AllowedOrigins = make([]string, 0, len(origins))
		for _, origin := range origins {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				config.CORS.AllowedOrigins = append(config.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}

func validate(config *Config) error {
	for name, network := range config.Blockchain.Networks {
		if !network.Enabled {
			continue
		}
		if network.ChainID == 0 {
			return fmt.Errorf("network %s: chainId must be non-zero", name)
		}
		if len(network.RPCEndpoints) == 0 {
			return fmt.Errorf("network %s: at least one RPC endpoint required", name)
		}
		if network.GaslessEnabled {
			if network.EntryPoint == "" || network.DelegationContract == "" || network.BundlerURL == "" {
				return fmt.Errorf("network %s: gasless requires entryPoint, delegationContract and bundlerUrl", name)
			}
		}
	}
	return nil
}

// GetNetworkConfig looks up a network by configured name.
func GetNetworkConfig(networkName string) (*NetworkConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	network, exists := AppConfig.Blockchain.Networks[networkName]
	if !exists {
		return nil, fmt.Errorf("network %s not found in config", networkName)
	}
	if !network.Enabled {
		return nil, fmt.Errorf("network %s is disabled", networkName)
	}
	return &network, nil
}

// GetNetworkConfigByChainID looks up an enabled network by chain id.
func GetNetworkConfigByChainID(chainID int64) (*NetworkConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	for _, network := range AppConfig.Blockchain.Networks {
		if network.ChainID == chainID && network.Enabled {
			return &network, nil
		}
	}
	return nil, fmt.Errorf("network with chainID %d not found or disabled", chainID)
}

// EnabledChainIDs returns the chain ids of all enabled networks.
func EnabledChainIDs() []int64 {
	if AppConfig == nil {
		return nil
	}
	ids := make([]int64, 0, len(AppConfig.Blockchain.Networks))
	for _, network := range AppConfig.Blockchain.Networks {
		if network.Enabled {
			ids = append(ids, network.ChainID)
		}
	}
	return ids
}
