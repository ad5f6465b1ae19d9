package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testYAML = `
server:
  host: "127.0.0.1"
  port: 9090
database:
  driver: "postgres"
  dsn: "host=localhost dbname=test"
jwt:
  secret: "from-yaml"
blockchain:
  networks:
    testnet:
      chainId: 1337
      name: "Testnet"
      rpcEndpoints:
        - "http://localhost:8545"
      entryPoint: "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
      delegationContract: "0xe6Cae83BdE06E4c305530e199D7217f42808555B"
      bundlerUrl: "http://localhost:4337"
      gaslessEnabled: true
      enabled: true
    disabled-net:
      chainId: 5
      enabled: false
sponsorship:
  dailyLimitWei: "1000000000000000"
  dailyTxLimit: 10
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, testYAML)
	if err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if AppConfig.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", AppConfig.Server.Port)
	}
	if AppConfig.Sponsorship.DailyLimitWei != "1000000000000000" {
		t.Errorf("dailyLimitWei = %q", AppConfig.Sponsorship.DailyLimitWei)
	}

	network, err := GetNetworkConfig("testnet")
	if err != nil {
		t.Fatalf("GetNetworkConfig: %v", err)
	}
	if network.ChainID != 1337 || !network.GaslessEnabled {
		t.Errorf("unexpected network config: %+v", network)
	}
}

func TestGetNetworkConfigByChainID(t *testing.T) {
	if err := LoadConfig(writeConfig(t, testYAML)); err != nil {
		t.Fatal(err)
	}

	network, err := GetNetworkConfigByChainID(1337)
	if err != nil {
		t.Fatalf("GetNetworkConfigByChainID: %v", err)
	}
	if network.Name != "Testnet" {
		t.Errorf("name = %q", network.Name)
	}

	if _, err := GetNetworkConfigByChainID(5); err == nil {
		t.Error("disabled network should not resolve")
	}
	if _, err := GetNetworkConfigByChainID(424242); err == nil {
		t.Error("unknown chain should not resolve")
	}

	ids := EnabledChainIDs()
	if len(ids) != 1 || ids[0] != 1337 {
		t.Errorf("enabled chain ids = %v", ids)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("SERVER_PORT", "8123")
	t.Setenv("TESTNET_BUNDLER_URL", "http://bundler.example:4337")
	t.Setenv("TESTNET_RPC_ENDPOINTS", "http://a:8545, http://b:8545")

	if err := LoadConfig(writeConfig(t, testYAML)); err != nil {
		t.Fatal(err)
	}

	if AppConfig.JWT.Secret != "from-env" {
		t.Errorf("jwt secret = %q, env should win over yaml", AppConfig.JWT.Secret)
	}
	if AppConfig.Server.Port != 8123 {
		t.Errorf("port = %d", AppConfig.Server.Port)
	}

	network, _ := GetNetworkConfig("testnet")
	if network.BundlerURL != "http://bundler.example:4337" {
		t.Errorf("bundler url = %q", network.BundlerURL)
	}
	if len(network.RPCEndpoints) != 2 || network.RPCEndpoints[1] != "http://b:8545" {
		t.Errorf("rpc endpoints = %v", network.RPCEndpoints)
	}
}

func TestValidateGaslessRequirements(t *testing.T) {
	bad := `
blockchain:
  networks:
    broken:
      chainId: 1
      rpcEndpoints: ["http://localhost:8545"]
      gaslessEnabled: true
      enabled: true
`
	if err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Error("gasless network without entryPoint/bundler should fail validation")
	}

	noChain := `
blockchain:
  networks:
    broken:
      name: "no chain id"
      rpcEndpoints: ["http://localhost:8545"]
      enabled: true
`
	if err := LoadConfig(writeConfig(t, noChain)); err == nil {
		t.Error("enabled network without chainId should fail validation")
	}
}
