package p2p

import (
	"log/slog"
	"sync"
	"time"
)

// CoordinatorConfig carries the startup/ban tunables of spec.md §4.5/§6.
type CoordinatorConfig struct {
	PeerBanTime                time.Duration
	WSMaxPayload               int
	MaxPeerInfoSize            int
	MaxPeerDiscoveryResponseLength int
	MinimumPeerDiscoveryThreshold  int
}

// PreviousPeer is a peer seen on a prior run, reloaded at startup.
type PreviousPeer struct {
	Info *PeerInfo
}

// P2PCoordinator is glue only, per spec.md §4.5: it owns the banned-IP
// set, wires the address book to the live pool, and answers the
// peer-discovery RPC.
type P2PCoordinator struct {
	mu sync.Mutex

	cfg    CoordinatorConfig
	book   *PeerAddressBook
	pool   *PeerPool
	events *eventBus
	logger *slog.Logger

	bannedIPs   map[string]time.Time
	whitelisted map[string]bool
}

// NewP2PCoordinator wires book and pool together under the given config.
func NewP2PCoordinator(cfg CoordinatorConfig, book *PeerAddressBook, pool *PeerPool, logger *slog.Logger) *P2PCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &P2PCoordinator{
		cfg:         cfg,
		book:        book,
		pool:        pool,
		events:      newEventBus(),
		logger:      logger,
		bannedIPs:   make(map[string]time.Time),
		whitelisted: make(map[string]bool),
	}
}

// OnEvent registers a handler for coordinator-level signals (ban/unban).
func (c *P2PCoordinator) OnEvent(id string, h EventHandler) {
	c.events.Register(id, h)
}

// Whitelist marks an IP address as exempt from banning.
func (c *P2PCoordinator) Whitelist(ipAddress string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.whitelisted[ipAddress] = true
}

// BanPeer adds peerID's IP to the banned set and removes it from the
// address book, unless whitelisted, per spec.md §4.5.
func (c *P2PCoordinator) BanPeer(peerID string, now time.Time) {
	info, ok := c.book.Lookup(peerID)
	if !ok {
		return
	}
	c.mu.Lock()
	whitelisted := c.whitelisted[info.IPAddress]
	if !whitelisted {
		until := now
		if c.cfg.PeerBanTime > 0 {
			until = now.Add(c.cfg.PeerBanTime)
		}
		c.bannedIPs[info.IPAddress] = until
	}
	c.mu.Unlock()

	if !whitelisted {
		c.book.RemovePeer(peerID)
	}
	c.events.Emit(Event{Signal: BanPeer, PeerID: peerID, Info: info})
}

// UnbanPeer clears a previously banned IP address.
func (c *P2PCoordinator) UnbanPeer(ipAddress string) {
	c.mu.Lock()
	delete(c.bannedIPs, ipAddress)
	c.mu.Unlock()
	c.events.Emit(Event{Signal: UnbanPeer})
}

// IsBanned reports whether ipAddress is currently banned.
func (c *P2PCoordinator) IsBanned(ipAddress string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.bannedIPs[ipAddress]
	if !ok {
		return false
	}
	if !until.IsZero() && now.After(until) {
		delete(c.bannedIPs, ipAddress)
		return false
	}
	return true
}

// BannedIPsSnapshot returns a copy of the currently banned IP set, for
// PeerPool.AdmitInbound's handshake check.
func (c *P2PCoordinator) BannedIPsSnapshot(now time.Time) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.bannedIPs))
	for ip, until := range c.bannedIPs {
		if !until.IsZero() && now.After(until) {
			continue
		}
		out[ip] = true
	}
	return out
}

// GetPeersList answers the discovery RPC: a randomized, size-capped peer
// list, per spec.md §4.5/§4.3.3 and the S5 scenario.
func (c *P2PCoordinator) GetPeersList() DiscoveryResponsePayload {
	max := c.cfg.MaxPeerDiscoveryResponseLength
	if max <= 0 {
		max = 1000
	}
	sample := c.book.GetRandomizedPeerList(0, max)
	public := make([]PeerInfoPublic, 0, len(sample))
	for _, info := range sample {
		if view, ok := info.PublicView(); ok {
			public = append(public, view)
		}
	}
	wsMaxPayload := c.cfg.WSMaxPayload
	if wsMaxPayload <= 0 {
		wsMaxPayload = 1 << 20
	}
	maxPeerInfoSize := c.cfg.MaxPeerInfoSize
	if maxPeerInfoSize <= 0 {
		maxPeerInfoSize = 20 * 1024
	}
	return BuildDiscoveryResponse(public, wsMaxPayload, maxPeerInfoSize)
}

// Bootstrap loads previous, whitelisted, and fixed peers into the address
// book and immediately upgrades them to tried, per spec.md §4.5's startup
// sequence.
func (c *P2PCoordinator) Bootstrap(previous []PreviousPeer, whitelist, fixed []*PeerInfo) {
	for _, p := range previous {
		c.addAndUpgrade(p.Info)
	}
	for _, info := range whitelist {
		info.InternalState.Kind = KindWhitelist
		c.Whitelist(info.IPAddress)
		c.addAndUpgrade(info)
	}
	for _, info := range fixed {
		info.InternalState.Kind = KindFixed
		c.addAndUpgrade(info)
	}
}

func (c *P2PCoordinator) addAndUpgrade(info *PeerInfo) {
	if info == nil {
		return
	}
	if err := c.book.AddPeer(info, PeerGroup(info.IPAddress)); err != nil {
		if existing, ok := AsExistingPeer(err); ok {
			_ = c.book.UpgradePeer(existing.Existing.PeerID)
		}
		return
	}
	_ = c.book.UpgradePeer(info.PeerID)
}

// Stop tears down the live connection pool, per spec.md §5's cancellation
// semantics.
func (c *P2PCoordinator) Stop() {
	c.pool.Stop()
}
