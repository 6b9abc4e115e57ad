package p2p

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"dposnode/observability/logging"
)

// PoolConfig holds the tunables PeerPool reads at construction time. All
// fields mirror spec.md §6's configuration surface for the live-connection
// side of the network stack.
type PoolConfig struct {
	MaxInboundConnections   int
	MaxOutboundConnections  int
	SendPeerLimit           int
	WSMaxMessageRate        float64
	WSMaxMessageRatePenalty int
	Ratios                  ProtectionRatios
	TriedBias               float64 // fraction of connection candidates drawn from tried, default 0.8
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxInboundConnections <= 0 {
		c.MaxInboundConnections = 100
	}
	if c.MaxOutboundConnections <= 0 {
		c.MaxOutboundConnections = 20
	}
	if c.SendPeerLimit <= 0 {
		c.SendPeerLimit = 25
	}
	if c.WSMaxMessageRate <= 0 {
		c.WSMaxMessageRate = 100
	}
	if c.WSMaxMessageRatePenalty <= 0 {
		c.WSMaxMessageRatePenalty = 10
	}
	if c.TriedBias <= 0 {
		c.TriedBias = 0.8
	}
	return c
}

// ConnectionSelector picks candidate peers for the pool's periodic and
// on-demand actions. Implementations are pluggable per spec.md §4.4.
type ConnectionSelector interface {
	SelectForConnection(newPeers, triedPeers []*PeerInfo, want int) []*PeerInfo
	SelectForRequest(connected []*Peer) *Peer
	SelectForSend(connected []*Peer, limit int) []*Peer
}

// defaultSelector implements spec.md §4.4's default strategies: an
// 80/20 tried/new bias for connection candidates, uniform choice for
// requests, and a uniform sample for fan-out sends.
type defaultSelector struct {
	triedBias float64
	rng       *rand.Rand
	mu        sync.Mutex
}

func newDefaultSelector(triedBias float64) *defaultSelector {
	return &defaultSelector{triedBias: triedBias, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *defaultSelector) shuffled(list []*PeerInfo) []*PeerInfo {
	out := append([]*PeerInfo(nil), list...)
	s.mu.Lock()
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.mu.Unlock()
	return out
}

func (s *defaultSelector) SelectForConnection(newPeers, triedPeers []*PeerInfo, want int) []*PeerInfo {
	if want <= 0 {
		return nil
	}
	triedWant := int(float64(want) * s.triedBias)
	newWant := want - triedWant

	tried := s.shuffled(triedPeers)
	fresh := s.shuffled(newPeers)

	out := make([]*PeerInfo, 0, want)
	if triedWant > len(tried) {
		triedWant = len(tried)
	}
	out = append(out, tried[:triedWant]...)
	if newWant > len(fresh) {
		newWant = len(fresh)
	}
	out = append(out, fresh[:newWant]...)

	// Backfill from whichever pool has spare candidates if the other
	// underflowed its share.
	for _, extra := range [][]*PeerInfo{tried[triedWant:], fresh[newWant:]} {
		for _, p := range extra {
			if len(out) >= want {
				break
			}
			out = append(out, p)
		}
	}
	return out
}

func (s *defaultSelector) SelectForRequest(connected []*Peer) *Peer {
	if len(connected) == 0 {
		return nil
	}
	s.mu.Lock()
	idx := s.rng.Intn(len(connected))
	s.mu.Unlock()
	return connected[idx]
}

func (s *defaultSelector) SelectForSend(connected []*Peer, limit int) []*Peer {
	if limit <= 0 || len(connected) == 0 {
		return nil
	}
	shuffled := append([]*Peer(nil), connected...)
	s.mu.Lock()
	s.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	s.mu.Unlock()
	if limit > len(shuffled) {
		limit = len(shuffled)
	}
	return shuffled[:limit]
}

// PeerPool holds the live connection sets and applies protection-ratio
// eviction, per spec.md §4.4.
type PeerPool struct {
	mu sync.Mutex

	cfg      PoolConfig
	book     *PeerAddressBook
	scorer   *ReputationManager
	selector ConnectionSelector
	events   *eventBus
	logger   *slog.Logger
	metrics  *networkMetrics

	inbound  map[string]*Peer
	outbound map[string]*Peer
}

// NewPeerPool constructs a pool bound to book for candidate selection and
// scorer for connection-set eviction decisions. Transports are supplied
// per-peer at admission time (AdmitInbound, AddOutbound) since dialing
// and socket acceptance are out of scope.
func NewPeerPool(cfg PoolConfig, book *PeerAddressBook, scorer *ReputationManager, logger *slog.Logger) *PeerPool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerPool{
		cfg:      cfg,
		book:     book,
		scorer:   scorer,
		selector: newDefaultSelector(cfg.TriedBias),
		events:   newEventBus(),
		logger:   logger,
		metrics:  newNetworkMetrics(),
		inbound:  make(map[string]*Peer),
		outbound: make(map[string]*Peer),
	}
}

// SetSelector overrides the connection/request/send selection strategy.
func (pool *PeerPool) SetSelector(s ConnectionSelector) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.selector = s
}

// OnEvent registers a handler for pool lifecycle signals.
func (pool *PeerPool) OnEvent(id string, h EventHandler) {
	pool.events.Register(id, h)
}

// AdmitInbound implements spec.md §4.4.1's handshake sequence. transport is
// the already-established inbound connection handle for info.
func (pool *PeerPool) AdmitInbound(info *PeerInfo, transport Transport, bannedIPs map[string]bool, whitelisted bool) (*Peer, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if _, exists := pool.inbound[info.PeerID]; exists {
		return nil, ErrPeerInboundHandshake
	}
	if bannedIPs[info.IPAddress] && !whitelisted {
		return nil, ErrPeerInboundHandshake
	}

	if len(pool.inbound) >= pool.cfg.MaxInboundConnections {
		if !pool.evictForInboundLocked() {
			pool.events.Emit(Event{Signal: FailedToAddInboundPeer, PeerID: info.PeerID})
			return nil, ErrNodeNotReady
		}
	}

	peer := newPeer(info.PeerID, info, transport, true, pool.cfg.WSMaxMessageRate, pool.cfg.WSMaxMessageRate*2, pool.removeInbound)
	pool.inbound[info.PeerID] = peer
	peer.start()

	if err := pool.book.AddPeer(info, PeerGroup(info.IPAddress)); err != nil {
		if _, ok := AsExistingPeer(err); !ok {
			pool.logger.Warn("address book add during inbound admit", logging.MaskField("peer_id", info.PeerID), slog.Any("error", err))
		}
	}
	pool.scorer.MarkConnected(info.PeerID, PeerGroup(info.IPAddress), time.Now())
	pool.events.Emit(Event{Signal: NewInboundPeer, PeerID: info.PeerID, Info: info})
	return peer, nil
}

// evictForInboundLocked removes one non-protected inbound peer, chosen as
// the residual after the four protection tiers of spec.md §4.4. Reports
// false if every current peer is protected.
func (pool *PeerPool) evictForInboundLocked() bool {
	ids := make([]string, 0, len(pool.inbound))
	protectedByKind := make(map[string]bool)
	for id, p := range pool.inbound {
		if p.info != nil && p.info.InternalState.Kind.Protected() {
			protectedByKind[id] = true
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return false
	}
	protected := pool.scorer.ProtectedSet(ids, pool.cfg.Ratios, time.Now())

	var victim string
	var oldest time.Time
	for _, id := range ids {
		if protected[id] {
			continue
		}
		p := pool.inbound[id]
		if victim == "" || p.connectedAt.Before(oldest) {
			victim = id
			oldest = p.connectedAt
		}
	}
	if victim == "" {
		return false
	}
	pool.metrics.recordEviction("inbound_full")
	victimPeer := pool.inbound[victim]
	delete(pool.inbound, victim)
	// Terminate re-enters removeInbound, which takes pool.mu; the caller
	// still holds it, so termination runs once the lock is released.
	go victimPeer.Terminate(ErrNodeNotReady)
	return true
}

// AddOutbound registers a peer dialled by the caller (dialing itself is
// out of scope; the caller supplies an already-established transport).
func (pool *PeerPool) AddOutbound(info *PeerInfo, transport Transport) *Peer {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	peer := newPeer(info.PeerID, info, transport, false, pool.cfg.WSMaxMessageRate, pool.cfg.WSMaxMessageRate*2, pool.removeOutbound)
	pool.outbound[info.PeerID] = peer
	peer.start()
	pool.scorer.MarkConnected(info.PeerID, PeerGroup(info.IPAddress), time.Now())
	pool.events.Emit(Event{Signal: OutboundConnect, PeerID: info.PeerID, Info: info})
	return peer
}

func (pool *PeerPool) removeInbound(p *Peer, reason error) {
	pool.mu.Lock()
	delete(pool.inbound, p.id)
	pool.mu.Unlock()
	pool.metrics.removePeer(p.id)
	pool.events.Emit(Event{Signal: CloseInbound, PeerID: p.id, Err: reason})
}

func (pool *PeerPool) removeOutbound(p *Peer, reason error) {
	pool.mu.Lock()
	delete(pool.outbound, p.id)
	pool.mu.Unlock()
	pool.metrics.removePeer(p.id)
	pool.book.DowngradePeer(p.id)
	pool.events.Emit(Event{Signal: CloseOutbound, PeerID: p.id, Err: reason})
}

// Populate opens outbound connections up to MaxOutboundConnections,
// choosing candidates via the pool's ConnectionSelector, per the
// populator tick of spec.md §4.4. dial is invoked once per candidate and
// is responsible for producing a live Transport for the chosen peer.
func (pool *PeerPool) Populate(dial func(*PeerInfo) (Transport, error)) {
	pool.mu.Lock()
	want := pool.cfg.MaxOutboundConnections - len(pool.outbound)
	selector := pool.selector
	pool.mu.Unlock()
	if want <= 0 {
		return
	}

	candidates := selector.SelectForConnection(pool.newCandidates(), pool.triedCandidates(), want)
	for _, info := range candidates {
		transport, err := dial(info)
		if err != nil {
			pool.events.Emit(Event{Signal: OutboundConnectAbort, PeerID: info.PeerID, Err: err})
			pool.book.DowngradePeer(info.PeerID)
			continue
		}
		pool.AddOutbound(info, transport)
		_ = pool.book.UpgradePeer(info.PeerID)
	}
}

func (pool *PeerPool) newCandidates() []*PeerInfo {
	list := pool.book.GetRandomizedPeerList(0, NewTableBuckets*NewBucketSize)
	fresh := make([]*PeerInfo, 0, len(list))
	for _, info := range list {
		if !pool.book.IsTried(info.PeerID) {
			fresh = append(fresh, info)
		}
	}
	return fresh
}

func (pool *PeerPool) triedCandidates() []*PeerInfo {
	list := pool.book.GetRandomizedPeerList(0, TriedTableBuckets*TriedBucketSize)
	tried := make([]*PeerInfo, 0, len(list))
	for _, info := range list {
		if pool.book.IsTried(info.PeerID) {
			tried = append(tried, info)
		}
	}
	return tried
}

// Shuffle closes the lowest-priority outbound peer, per spec.md §4.4's
// outboundShuffleInterval action, making room for a fresh populator pass.
func (pool *PeerPool) Shuffle() {
	pool.mu.Lock()
	if len(pool.outbound) == 0 {
		pool.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(pool.outbound))
	for id := range pool.outbound {
		ids = append(ids, id)
	}
	protected := pool.scorer.ProtectedSet(ids, pool.cfg.Ratios, time.Now())
	sort.Strings(ids)
	var victim string
	for _, id := range ids {
		if p := pool.outbound[id]; !protected[id] && (p.info == nil || !p.info.InternalState.Kind.Protected()) {
			victim = id
			break
		}
	}
	peer := pool.outbound[victim]
	pool.mu.Unlock()
	if peer != nil {
		pool.metrics.recordEviction("outbound_shuffle")
		peer.Terminate(nil)
	}
}

// RateCalculation resets the message-rate window for every connected peer
// and penalizes those that exceeded WSMaxMessageRate, per spec.md §4.4's
// rate-calculation timer.
func (pool *PeerPool) RateCalculation(now time.Time) {
	pool.mu.Lock()
	all := make([]*Peer, 0, len(pool.inbound)+len(pool.outbound))
	for _, p := range pool.inbound {
		all = append(all, p)
	}
	for _, p := range pool.outbound {
		all = append(all, p)
	}
	pool.mu.Unlock()

	for _, p := range all {
		count := p.resetRatePeriod()
		if float64(count) <= pool.cfg.WSMaxMessageRate {
			continue
		}
		p.penalty += pool.cfg.WSMaxMessageRatePenalty
		if p.penalty >= 100 {
			p.Terminate(ErrQueueFull)
		}
	}
}

// Request forwards packet to a peer chosen by SelectForRequest.
func (pool *PeerPool) Request(packet *Message) (*Peer, error) {
	pool.mu.Lock()
	connected := pool.connectedLocked()
	selector := pool.selector
	pool.mu.Unlock()
	target := selector.SelectForRequest(connected)
	if target == nil {
		return nil, ErrNodeNotReady
	}
	if err := target.Enqueue(packet); err != nil {
		return target, err
	}
	return target, nil
}

// Broadcast fans message out to every outbound peer.
func (pool *PeerPool) Broadcast(msg *Message) {
	pool.mu.Lock()
	targets := make([]*Peer, 0, len(pool.outbound))
	for _, p := range pool.outbound {
		targets = append(targets, p)
	}
	pool.mu.Unlock()
	for _, p := range targets {
		if err := p.Enqueue(msg); err != nil {
			pool.events.Emit(Event{Signal: FailedToSendMessage, PeerID: p.id, Err: err})
		}
	}
}

// Send fans message out to SendPeerLimit peers chosen by SelectForSend.
func (pool *PeerPool) Send(msg *Message) {
	pool.mu.Lock()
	connected := pool.connectedLocked()
	selector := pool.selector
	limit := pool.cfg.SendPeerLimit
	pool.mu.Unlock()
	for _, p := range selector.SelectForSend(connected, limit) {
		if err := p.Enqueue(msg); err != nil {
			pool.events.Emit(Event{Signal: FailedToSendMessage, PeerID: p.id, Err: err})
		}
	}
}

func (pool *PeerPool) connectedLocked() []*Peer {
	connected := make([]*Peer, 0, len(pool.inbound)+len(pool.outbound))
	for _, p := range pool.inbound {
		connected = append(connected, p)
	}
	for _, p := range pool.outbound {
		connected = append(connected, p)
	}
	return connected
}

// Counts returns the current inbound and outbound connection-set sizes.
func (pool *PeerPool) Counts() (inbound, outbound int) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.inbound), len(pool.outbound)
}

// Stop tears down every live connection, per spec.md §5's cancellation
// semantics: every socket is closed and outstanding requests reject with
// NodeNotReady (callers observe this via peer.Enqueue after Stop).
func (pool *PeerPool) Stop() {
	pool.mu.Lock()
	all := pool.connectedLocked()
	pool.mu.Unlock()
	for _, p := range all {
		p.Terminate(ErrNodeNotReady)
	}
}
