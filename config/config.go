package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dposnode/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the node's full configuration surface, per spec.md §6. Durations
// are expressed in milliseconds on disk (matching the spec's "(ms)"
// annotations) and converted by callers that need a time.Duration.
type Config struct {
	ListenAddress         string   `toml:"ListenAddress"`
	RPCAddress            string   `toml:"RPCAddress"`
	DataDir               string   `toml:"DataDir"`
	NetworkName           string   `toml:"NetworkName"`
	IdentityKeystorePath  string   `toml:"IdentityKeystorePath"`
	Bootnodes             []string `toml:"Bootnodes"`
	PersistentPeers       []string `toml:"PersistentPeers"`

	// Finality manager (spec.md §4.2 / §6).
	ActiveDelegates  int    `toml:"ActiveDelegates"`
	FinalizedHeight  uint64 `toml:"FinalizedHeight"`

	// Peer address book / pool (spec.md §4.3-4.5 / §6).
	Secret                         string  `toml:"Secret"`
	MaxOutboundConnections         int     `toml:"MaxOutboundConnections"`
	MaxInboundConnections          int     `toml:"MaxInboundConnections"`
	PeerBanTimeMS                  int64   `toml:"PeerBanTimeMS"`
	PopulatorIntervalMS            int64   `toml:"PopulatorIntervalMS"`
	OutboundShuffleIntervalMS      int64   `toml:"OutboundShuffleIntervalMS"`
	WSMaxPayload                   int     `toml:"WSMaxPayload"`
	WSMaxMessageRate               float64 `toml:"WSMaxMessageRate"`
	WSMaxMessageRatePenalty        int     `toml:"WSMaxMessageRatePenalty"`
	RateCalculationIntervalMS      int64   `toml:"RateCalculationIntervalMS"`
	NetgroupProtectionRatio        float64 `toml:"NetgroupProtectionRatio"`
	LatencyProtectionRatio         float64 `toml:"LatencyProtectionRatio"`
	ProductivityProtectionRatio    float64 `toml:"ProductivityProtectionRatio"`
	LongevityProtectionRatio       float64 `toml:"LongevityProtectionRatio"`
	SendPeerLimit                  int     `toml:"SendPeerLimit"`
	MaxPeerDiscoveryResponseLength int     `toml:"MaxPeerDiscoveryResponseLength"`
	MaxPeerInfoSize                int     `toml:"MaxPeerInfoSize"`
	MinimumPeerDiscoveryThreshold  int     `toml:"MinimumPeerDiscoveryThreshold"`
}

// Load loads the configuration from the given path, auto-creating a
// default file and identity keystore on first run, per the teacher's
// `config.Load` idiom.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.ActiveDelegates <= 0 {
		return nil, fmt.Errorf("config %s: ActiveDelegates must be a positive integer", path)
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "dposnode-local"
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
	if cfg.PersistentPeers == nil {
		cfg.PersistentPeers = []string{}
	}

	applyDefaults(cfg)

	if strings.TrimSpace(cfg.Secret) == "" {
		if err := ensureSecret(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero-valued fields with spec.md §6's defaults.
func applyDefaults(cfg *Config) {
	if cfg.MaxOutboundConnections <= 0 {
		cfg.MaxOutboundConnections = 20
	}
	if cfg.MaxInboundConnections <= 0 {
		cfg.MaxInboundConnections = 100
	}
	if cfg.PopulatorIntervalMS <= 0 {
		cfg.PopulatorIntervalMS = 10000
	}
	if cfg.WSMaxPayload <= 0 {
		cfg.WSMaxPayload = 1 << 20
	}
	if cfg.WSMaxMessageRate <= 0 {
		cfg.WSMaxMessageRate = 100
	}
	if cfg.WSMaxMessageRatePenalty <= 0 {
		cfg.WSMaxMessageRatePenalty = 10
	}
	if cfg.RateCalculationIntervalMS <= 0 {
		cfg.RateCalculationIntervalMS = 1000
	}
	if cfg.SendPeerLimit <= 0 {
		cfg.SendPeerLimit = 25
	}
	if cfg.MaxPeerDiscoveryResponseLength <= 0 {
		cfg.MaxPeerDiscoveryResponseLength = 1000
	}
	if cfg.MaxPeerInfoSize <= 0 {
		cfg.MaxPeerInfoSize = 20 * 1024
	}
	if cfg.MinimumPeerDiscoveryThreshold <= 0 {
		cfg.MinimumPeerDiscoveryThreshold = 100
	}
}

func ensureSecret(configPath string, cfg *Config) error {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate address book secret: %w", err)
	}
	cfg.Secret = hex.EncodeToString(buf)
	return persist(configPath, cfg)
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.IdentityKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.IdentityKeystorePath != keystorePath {
		cfg.IdentityKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file along with
// the node's identity keystore and address-book secret.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate address book secret: %w", err)
	}

	cfg := &Config{
		ListenAddress:        ":6001",
		RPCAddress:           ":8080",
		DataDir:              "./dposnode-data",
		NetworkName:          "dposnode-local",
		IdentityKeystorePath: keystorePath,
		Bootnodes:            []string{},
		PersistentPeers:      []string{},
		ActiveDelegates:      101,
		FinalizedHeight:      0,
		Secret:               hex.EncodeToString(secret),
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "identity.keystore")
}

// SecretBytes decodes the hex-encoded address-book secret.
func (c *Config) SecretBytes() ([]byte, error) {
	return hex.DecodeString(c.Secret)
}

// Ratios returns the four protection-ratio fields in the order the p2p
// package's ProtectionRatios struct expects them.
func (c *Config) Ratios() (netgroup, latency, productivity, longevity float64) {
	return c.NetgroupProtectionRatio, c.LatencyProtectionRatio, c.ProductivityProtectionRatio, c.LongevityProtectionRatio
}
