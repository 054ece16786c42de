package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"marketcore/crypto"
)

// Config is the marketcored service configuration.
type Config struct {
	RPCAddress        string `toml:"RPCAddress"`
	MetricsAddress    string `toml:"MetricsAddress"`
	DataDir           string `toml:"DataDir"`
	Env               string `toml:"Env"`
	RPCAuthToken      string `toml:"RPCAuthToken"`
	ScheduleAuthority string `toml:"ScheduleAuthority"`
	FeeReceiver       string `toml:"FeeReceiver"`
	LoyaltyCollection string `toml:"LoyaltyCollection"`
}

// Defaults applied when the file omits a value.
const (
	DefaultRPCAddress     = "127.0.0.1:8645"
	DefaultMetricsAddress = "127.0.0.1:9464"
	DefaultDataDir        = "./marketdata"
)

// Load reads the configuration from the given path and validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown key %s", path, undecoded[0])
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = DefaultRPCAddress
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = DefaultMetricsAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
}

// Validate checks that the configured identities parse.
func (c *Config) Validate() error {
	if _, err := c.ScheduleAuthorityAddress(); err != nil {
		return fmt.Errorf("ScheduleAuthority: %w", err)
	}
	if _, err := c.FeeReceiverAddress(); err != nil {
		return fmt.Errorf("FeeReceiver: %w", err)
	}
	if _, err := c.LoyaltyCollectionID(); err != nil {
		return fmt.Errorf("LoyaltyCollection: %w", err)
	}
	return nil
}

// ScheduleAuthorityAddress parses the configured fee schedule authority.
func (c *Config) ScheduleAuthorityAddress() ([20]byte, error) {
	return crypto.DecodeMarketAddress(strings.TrimSpace(c.ScheduleAuthority))
}

// FeeReceiverAddress parses the configured fee receiver.
func (c *Config) FeeReceiverAddress() ([20]byte, error) {
	return crypto.DecodeMarketAddress(strings.TrimSpace(c.FeeReceiver))
}

// LoyaltyCollectionID parses the hex-encoded loyalty collection identifier.
func (c *Config) LoyaltyCollectionID() ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimSpace(c.LoyaltyCollection)
	raw, err := hex.DecodeString(strings.TrimPrefix(trimmed, "0x"))
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("collection id must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}
