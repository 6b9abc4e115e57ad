package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dposnode/config"
	"dposnode/consensus/bft"
	"dposnode/crypto"
	"dposnode/observability/logging"
	telemetry "dposnode/observability/otel"
	"dposnode/p2p"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("DPOSNODE_ENV"))
	logger := logging.Setup("dposd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "dposd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialise telemetry: %v", err))
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("failed to prepare data directory: %v", err))
	}

	finalityStorePath := filepath.Join(cfg.DataDir, "finality")
	finalityStore, err := bft.NewLevelDBFinalityStore(finalityStorePath)
	if err != nil {
		panic(fmt.Sprintf("failed to open finality store: %v", err))
	}
	defer finalityStore.Close()

	finalizedHeight, err := finalityStore.LoadFinalizedHeight()
	if err != nil {
		panic(fmt.Sprintf("failed to load finalized height: %v", err))
	}
	if finalizedHeight < cfg.FinalizedHeight {
		finalizedHeight = cfg.FinalizedHeight
	}

	finalityLogger := logger.With(slog.String("component", "finality_manager"))
	finalityManager := bft.NewFinalityManager(cfg.ActiveDelegates, finalizedHeight,
		bft.WithChainStateStore(finalityStore),
		bft.WithLogger(finalityLogger),
		bft.WithFinalityChanged(func(newFinalizedHeight uint64) {
			finalityLogger.Info("finalized height advanced", slog.Uint64("height", newFinalizedHeight))
		}),
		bft.WithShrinkSignal(func(remaining, wantAtLeast int) {
			finalityLogger.Warn("header window shrank below two rounds",
				slog.Int("remaining", remaining), slog.Int("want_at_least", wantAtLeast))
		}),
	)

	p2pDir := filepath.Join(cfg.DataDir, "p2p")
	if err := os.MkdirAll(p2pDir, 0o755); err != nil {
		panic(fmt.Sprintf("failed to prepare p2p directory: %v", err))
	}

	peerstore, err := p2p.NewPeerstore(filepath.Join(p2pDir, "peerstore"), 0, 0)
	if err != nil {
		panic(fmt.Sprintf("failed to open peerstore: %v", err))
	}
	defer peerstore.Close()

	identityKey, err := crypto.LoadFromKeystore(cfg.IdentityKeystorePath, "")
	if err != nil {
		panic(fmt.Sprintf("failed to load node identity keystore: %v", err))
	}
	identity := p2p.NewIdentity(identityKey)
	logger.Info("node identity loaded", logging.MaskField("node_id", identity.NodeID))

	secret, err := cfg.SecretBytes()
	if err != nil {
		panic(fmt.Sprintf("failed to decode address book secret: %v", err))
	}
	netgroupRatio, latencyRatio, productivityRatio, longevityRatio := cfg.Ratios()
	ratios := p2p.ProtectionRatios{
		Netgroup:     netgroupRatio,
		Latency:      latencyRatio,
		Productivity: productivityRatio,
		Longevity:    longevityRatio,
	}

	scorer := p2p.NewReputationManager(p2p.ReputationConfig{})
	book := p2p.NewPeerAddressBook(secret, scorer, ratios, logger.With(slog.String("component", "address_book")))

	pool := p2p.NewPeerPool(p2p.PoolConfig{
		MaxInboundConnections:   cfg.MaxInboundConnections,
		MaxOutboundConnections:  cfg.MaxOutboundConnections,
		SendPeerLimit:           cfg.SendPeerLimit,
		WSMaxMessageRate:        cfg.WSMaxMessageRate,
		WSMaxMessageRatePenalty: cfg.WSMaxMessageRatePenalty,
		Ratios:                  ratios,
	}, book, scorer, logger.With(slog.String("component", "peer_pool")))

	coordinator := p2p.NewP2PCoordinator(p2p.CoordinatorConfig{
		PeerBanTime:                    time.Duration(cfg.PeerBanTimeMS) * time.Millisecond,
		WSMaxPayload:                   cfg.WSMaxPayload,
		MaxPeerInfoSize:                cfg.MaxPeerInfoSize,
		MaxPeerDiscoveryResponseLength: cfg.MaxPeerDiscoveryResponseLength,
		MinimumPeerDiscoveryThreshold:  cfg.MinimumPeerDiscoveryThreshold,
	}, book, pool, logger.With(slog.String("component", "coordinator")))

	coordinator.OnEvent("log", p2p.EventHandlerFunc(func(e p2p.Event) {
		switch e.Signal {
		case p2p.BanPeer, p2p.UnbanPeer, p2p.FailedToAddInboundPeer:
			logger.Warn("coordinator event", slog.String("signal", e.Signal.String()), logging.MaskField("peer_id", e.PeerID))
		}
	}))
	pool.OnEvent("log", p2p.EventHandlerFunc(func(e p2p.Event) {
		switch e.Signal {
		case p2p.InboundSocketError, p2p.OutboundSocketError, p2p.FailedToSendMessage:
			logger.Warn("pool event", slog.String("signal", e.Signal.String()), logging.MaskField("peer_id", e.PeerID), slog.Any("error", e.Err))
		}
	}))

	previous := make([]p2p.PreviousPeer, 0)
	for _, rec := range peerstore.All() {
		ip, port, err := splitHostPort(rec.Addr)
		if err != nil {
			continue
		}
		previous = append(previous, p2p.PreviousPeer{Info: &p2p.PeerInfo{
			PeerID:        p2p.BuildPeerID(ip, port),
			IPAddress:     ip,
			WSPort:        port,
			SharedState:   map[string]string{},
			InternalState: p2p.InternalState{Kind: p2p.KindPrevious, AdvertiseAddress: true},
		}})
	}

	whitelist := make([]*p2p.PeerInfo, 0, len(cfg.PersistentPeers))
	for _, addr := range cfg.PersistentPeers {
		ip, port, err := splitHostPort(addr)
		if err != nil {
			logger.Warn("ignoring malformed persistent peer", logging.MaskField("peer_address", addr), slog.Any("error", err))
			continue
		}
		coordinator.Whitelist(ip)
		whitelist = append(whitelist, &p2p.PeerInfo{
			PeerID:        p2p.BuildPeerID(ip, port),
			IPAddress:     ip,
			WSPort:        port,
			SharedState:   map[string]string{},
			InternalState: p2p.InternalState{Kind: p2p.KindWhitelist, AdvertiseAddress: true},
		})
	}

	fixed := make([]*p2p.PeerInfo, 0, len(cfg.Bootnodes))
	for _, addr := range cfg.Bootnodes {
		ip, port, err := splitHostPort(addr)
		if err != nil {
			logger.Warn("ignoring malformed bootnode", logging.MaskField("peer_address", addr), slog.Any("error", err))
			continue
		}
		fixed = append(fixed, &p2p.PeerInfo{
			PeerID:        p2p.BuildPeerID(ip, port),
			IPAddress:     ip,
			WSPort:        port,
			SharedState:   map[string]string{},
			InternalState: p2p.InternalState{Kind: p2p.KindFixed, AdvertiseAddress: true},
		})
	}

	coordinator.Bootstrap(previous, whitelist, fixed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Dialing a live transport is out of scope here (see SPEC_FULL.md §1);
	// the populator tick still runs so a wire-transport collaborator can be
	// dropped in behind this closure without touching the pool.
	dial := func(info *p2p.PeerInfo) (p2p.Transport, error) {
		return nil, fmt.Errorf("dposd: no transport collaborator wired for %s", info.PeerID)
	}

	go runTicker(ctx, time.Duration(cfg.PopulatorIntervalMS)*time.Millisecond, func() {
		pool.Populate(dial)
	})
	shuffleInterval := time.Duration(cfg.OutboundShuffleIntervalMS) * time.Millisecond
	if shuffleInterval > 0 {
		go runTicker(ctx, shuffleInterval, pool.Shuffle)
	}
	go runTicker(ctx, time.Duration(cfg.RateCalculationIntervalMS)*time.Millisecond, func() {
		pool.RateCalculation(time.Now())
	})

	logger.Info("dposd initialised and running",
		slog.String("listen_address", cfg.ListenAddress),
		slog.Int("active_delegates", cfg.ActiveDelegates),
		slog.Uint64("finalized_height", finalityManager.FinalizedHeight()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	pool.Stop()
	coordinator.Stop()
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := splitAddr(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

func splitAddr(addr string) (string, string, error) {
	trimmed := strings.TrimSpace(addr)
	idx := strings.LastIndex(trimmed, ":")
	if idx < 0 || idx == len(trimmed)-1 {
		return "", "", fmt.Errorf("address %q missing port", addr)
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}
