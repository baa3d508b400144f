package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"strongbox/crypto"
)

// OracleConfig selects the collateral price source.
type OracleConfig struct {
	Mode               string `toml:"Mode"`
	StaticRate         string `toml:"StaticRate"`
	Feeder             string `toml:"Feeder"`
	MaxQuoteAgeSeconds int64  `toml:"MaxQuoteAgeSeconds"`
}

// GenesisBalance seeds an account balance when the data directory is empty.
type GenesisBalance struct {
	Address string `toml:"Address"`
	Token   string `toml:"Token"`
	Amount  string `toml:"Amount"`
}

type Config struct {
	RPCAddress             string           `toml:"RPCAddress"`
	MetricsAddress         string           `toml:"MetricsAddress"`
	DataDir                string           `toml:"DataDir"`
	Environment            string           `toml:"Environment"`
	Owner                  string           `toml:"Owner"`
	SafeAddress            string           `toml:"SafeAddress"`
	SpendCounterparty      string           `toml:"SpendCounterparty"`
	DebtCounterparty       string           `toml:"DebtCounterparty"`
	SwapExecutor           string           `toml:"SwapExecutor"`
	WithdrawalDelaySeconds int64            `toml:"WithdrawalDelaySeconds"`
	Oracle                 OracleConfig     `toml:"Oracle"`
	Genesis                []GenesisBalance `toml:"Genesis"`
}

const defaultTemplate = `RPCAddress = ":8645"
MetricsAddress = ":9464"
DataDir = "./strongbox-data"
Environment = "dev"

# bech32 (sbx) addresses; all five are required.
Owner = ""
SafeAddress = ""
SpendCounterparty = ""
DebtCounterparty = ""
SwapExecutor = ""

WithdrawalDelaySeconds = 86400

[Oracle]
Mode = "static"
# Stable smallest units per 1e18 collateral units.
StaticRate = "1000000"
Feeder = ""
MaxQuoteAgeSeconds = 300
`

// Load loads the configuration from the given path, creating a commented
// template when the file does not exist yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if _, err := toml.Decode(defaultTemplate, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9464"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./strongbox-data"
	}
	if cfg.WithdrawalDelaySeconds <= 0 {
		cfg.WithdrawalDelaySeconds = 86_400
	}
	if strings.TrimSpace(cfg.Oracle.Mode) == "" {
		cfg.Oracle.Mode = "static"
	}
	if cfg.Oracle.MaxQuoteAgeSeconds <= 0 {
		cfg.Oracle.MaxQuoteAgeSeconds = 300
	}
}

// Validate checks the configuration for completeness before the daemon boots.
func (c *Config) Validate() error {
	required := map[string]string{
		"Owner":             c.Owner,
		"SafeAddress":       c.SafeAddress,
		"SpendCounterparty": c.SpendCounterparty,
		"DebtCounterparty":  c.DebtCounterparty,
		"SwapExecutor":      c.SwapExecutor,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("config: %s is required", field)
		}
		if _, err := crypto.DecodeAddress(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
	}
	switch strings.TrimSpace(c.Oracle.Mode) {
	case "static":
		rate, ok := new(big.Int).SetString(strings.TrimSpace(c.Oracle.StaticRate), 10)
		if !ok || rate.Sign() <= 0 {
			return fmt.Errorf("config: Oracle.StaticRate must be a positive integer")
		}
	case "quote":
		if strings.TrimSpace(c.Oracle.Feeder) == "" {
			return fmt.Errorf("config: Oracle.Feeder is required in quote mode")
		}
		if _, err := crypto.DecodeAddress(strings.TrimSpace(c.Oracle.Feeder)); err != nil {
			return fmt.Errorf("config: Oracle.Feeder: %w", err)
		}
	default:
		return fmt.Errorf("config: unknown Oracle.Mode %q", c.Oracle.Mode)
	}
	for i, balance := range c.Genesis {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(balance.Address)); err != nil {
			return fmt.Errorf("config: Genesis[%d].Address: %w", i, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(balance.Amount), 10)
		if !ok || amount.Sign() < 0 {
			return fmt.Errorf("config: Genesis[%d].Amount must be a non-negative integer", i)
		}
	}
	return nil
}

// MustAddress decodes a validated bech32 address into its 20-byte form.
func MustAddress(value string) [20]byte {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		panic(err)
	}
	var out [20]byte
	copy(out[:], addr.Bytes())
	return out
}
