package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"dposnode/crypto"
)

func TestLoadParsesConfiguredFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "identity.keystore")
	contents := fmt.Sprintf(`ListenAddress = "0.0.0.0:7000"
RPCAddress = "0.0.0.0:9000"
DataDir = "./data"
IdentityKeystorePath = "%s"
NetworkName = "testnet"
Bootnodes = ["1.1.1.1:6001"]
PersistentPeers = ["2.2.2.2:6001"]
ActiveDelegates = 101
FinalizedHeight = 500
Secret = "%s"
MaxOutboundConnections = 15
MaxInboundConnections = 80
PeerBanTimeMS = 60000
PopulatorIntervalMS = 5000
WSMaxPayload = 2097152
WSMaxMessageRate = 50
WSMaxMessageRatePenalty = 20
NetgroupProtectionRatio = 0.1
LatencyProtectionRatio = 0.2
ProductivityProtectionRatio = 0.1
LongevityProtectionRatio = 0.1
SendPeerLimit = 10
MaxPeerDiscoveryResponseLength = 500
MaxPeerInfoSize = 4096
MinimumPeerDiscoveryThreshold = 50
`, keystorePath, repeatHex("ab", 32))
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ActiveDelegates != 101 || cfg.FinalizedHeight != 500 {
		t.Fatalf("unexpected finality settings: %+v", cfg)
	}
	if cfg.MaxOutboundConnections != 15 || cfg.MaxInboundConnections != 80 {
		t.Fatalf("unexpected connection limits: %+v", cfg)
	}
	if cfg.WSMaxPayload != 2097152 {
		t.Fatalf("unexpected WSMaxPayload: %d", cfg.WSMaxPayload)
	}
	if cfg.WSMaxMessageRate != 50 || cfg.WSMaxMessageRatePenalty != 20 {
		t.Fatalf("unexpected rate settings: %+v", cfg)
	}
	if len(cfg.Bootnodes) != 1 || cfg.Bootnodes[0] != "1.1.1.1:6001" {
		t.Fatalf("bootnodes not parsed: %v", cfg.Bootnodes)
	}
	if len(cfg.PersistentPeers) != 1 || cfg.PersistentPeers[0] != "2.2.2.2:6001" {
		t.Fatalf("persistent peers not parsed: %v", cfg.PersistentPeers)
	}
	netgroup, latency, productivity, longevity := cfg.Ratios()
	if netgroup != 0.1 || latency != 0.2 || productivity != 0.1 || longevity != 0.1 {
		t.Fatalf("unexpected protection ratios: %f %f %f %f", netgroup, latency, productivity, longevity)
	}
	secret, err := cfg.SecretBytes()
	if err != nil || len(secret) != 32 {
		t.Fatalf("unexpected secret decode: %v (len=%d)", err, len(secret))
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "identity.keystore")
	contents := fmt.Sprintf(`ListenAddress = ":6001"
RPCAddress = ":8080"
DataDir = "%s"
IdentityKeystorePath = "%s"
ActiveDelegates = 21
Secret = "%s"
`, dir, keystorePath, repeatHex("cd", 32))
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.MaxOutboundConnections != 20 {
		t.Fatalf("expected default MaxOutboundConnections=20, got %d", cfg.MaxOutboundConnections)
	}
	if cfg.MaxInboundConnections != 100 {
		t.Fatalf("expected default MaxInboundConnections=100, got %d", cfg.MaxInboundConnections)
	}
	if cfg.PopulatorIntervalMS != 10000 {
		t.Fatalf("expected default PopulatorIntervalMS=10000, got %d", cfg.PopulatorIntervalMS)
	}
	if cfg.WSMaxPayload != 1<<20 {
		t.Fatalf("expected default WSMaxPayload=1MiB, got %d", cfg.WSMaxPayload)
	}
	if cfg.WSMaxMessageRate != 100 {
		t.Fatalf("expected default WSMaxMessageRate=100, got %f", cfg.WSMaxMessageRate)
	}
	if cfg.WSMaxMessageRatePenalty != 10 {
		t.Fatalf("expected default WSMaxMessageRatePenalty=10, got %d", cfg.WSMaxMessageRatePenalty)
	}
	if cfg.RateCalculationIntervalMS != 1000 {
		t.Fatalf("expected default RateCalculationIntervalMS=1000, got %d", cfg.RateCalculationIntervalMS)
	}
	if cfg.SendPeerLimit != 25 {
		t.Fatalf("expected default SendPeerLimit=25, got %d", cfg.SendPeerLimit)
	}
	if cfg.MaxPeerDiscoveryResponseLength != 1000 {
		t.Fatalf("expected default MaxPeerDiscoveryResponseLength=1000, got %d", cfg.MaxPeerDiscoveryResponseLength)
	}
	if cfg.MaxPeerInfoSize != 20*1024 {
		t.Fatalf("expected default MaxPeerInfoSize=20KiB, got %d", cfg.MaxPeerInfoSize)
	}
	if cfg.MinimumPeerDiscoveryThreshold != 100 {
		t.Fatalf("expected default MinimumPeerDiscoveryThreshold=100, got %d", cfg.MinimumPeerDiscoveryThreshold)
	}
}

func TestLoadRejectsMissingActiveDelegates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = ":6001"
Secret = "` + repeatHex("11", 32) + `"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when ActiveDelegates is missing")
	}
}

func TestCreateDefaultGeneratesKeystoreAndSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.IdentityKeystorePath == "" {
		t.Fatalf("expected identity keystore path to be set")
	}
	if _, err := os.Stat(cfg.IdentityKeystorePath); err != nil {
		t.Fatalf("expected keystore file to exist: %v", err)
	}
	key, err := crypto.LoadFromKeystore(cfg.IdentityKeystorePath, "")
	if err != nil {
		t.Fatalf("failed to decrypt keystore: %v", err)
	}
	if key == nil {
		t.Fatalf("expected decrypted key")
	}
	if secret, err := cfg.SecretBytes(); err != nil || len(secret) != 32 {
		t.Fatalf("expected a generated 32-byte secret: %v (len=%d)", err, len(secret))
	}
	if cfg.ActiveDelegates != 101 {
		t.Fatalf("expected default ActiveDelegates=101, got %d", cfg.ActiveDelegates)
	}
}

func repeatHex(pair string, n int) string {
	out := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, pair...)
	}
	return string(out)
}
