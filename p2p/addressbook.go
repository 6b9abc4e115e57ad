package p2p

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

type bookState int

const (
	stateNew bookState = iota
	stateTried
)

type bookEntry struct {
	info     *PeerInfo
	state    bookState
	failures int
	bucket   int
	slot     int
	addedAt  time.Time
	lastSeen time.Time
}

// PeerAddressBook is the bucketed tried/new address table described in
// spec.md §3/§4.3: two two-level bucket arrays with deterministic
// placement, an upgrade/downgrade lifecycle, and randomized sampling for
// the peer-discovery RPC.
type PeerAddressBook struct {
	mu sync.Mutex

	secret     []byte
	newTable   [][]*bookEntry
	triedTable [][]*bookEntry
	byPeerID   map[string]*bookEntry

	scorer  *ReputationManager
	ratios  ProtectionRatios
	logger  *slog.Logger
	rng     *rand.Rand
	metrics *networkMetrics
}

// NewPeerAddressBook builds an address book keyed by secret (used for
// deterministic bucket placement) and backed by scorer for collision
// eviction under the configured protection ratios.
func NewPeerAddressBook(secret []byte, scorer *ReputationManager, ratios ProtectionRatios, logger *slog.Logger) *PeerAddressBook {
	if logger == nil {
		logger = slog.Default()
	}
	newTable := make([][]*bookEntry, NewTableBuckets)
	for i := range newTable {
		newTable[i] = make([]*bookEntry, NewBucketSize)
	}
	triedTable := make([][]*bookEntry, TriedTableBuckets)
	for i := range triedTable {
		triedTable[i] = make([]*bookEntry, TriedBucketSize)
	}
	return &PeerAddressBook{
		secret:     secret,
		newTable:   newTable,
		triedTable: triedTable,
		byPeerID:   make(map[string]*bookEntry),
		scorer:     scorer,
		ratios:     ratios,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics:    newNetworkMetrics(),
	}
}

// reportSizesLocked refreshes the book-size gauges. Called after every
// mutation while b.mu is held.
func (b *PeerAddressBook) reportSizesLocked() {
	var newCount, triedCount int
	for _, e := range b.byPeerID {
		if e.state == stateTried {
			triedCount++
		} else {
			newCount++
		}
	}
	b.metrics.observeBookSizes(newCount, triedCount)
}

// AddPeer places info in the new table, keyed by the group of the peer that
// reported it (sourceGroup) and info's own group. It fails with
// ExistingPeerError if the peerId is already present in either table.
func (b *PeerAddressBook) AddPeer(info *PeerInfo, sourceGroup string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.byPeerID[info.PeerID]; ok {
		return &ExistingPeerError{Existing: existing.info.Clone()}
	}

	peerGroup := PeerGroup(info.IPAddress)
	bucket := newBucketIndex(b.secret, sourceGroup, peerGroup)
	slot := slotIndex(b.secret, info.PeerID, NewBucketSize)

	entry := &bookEntry{info: info.Clone(), state: stateNew, bucket: bucket, slot: slot, addedAt: time.Now(), lastSeen: time.Now()}
	if !b.placeLocked(b.newTable, bucket, slot, entry) {
		return ErrAddressBookSlotProtected
	}
	b.byPeerID[info.PeerID] = entry
	b.reportSizesLocked()
	return nil
}

// UpgradePeer promotes peerID from the new table to the tried table, or
// refreshes its timestamp if it is already tried.
func (b *PeerAddressBook) UpgradePeer(peerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.byPeerID[peerID]
	if !ok {
		return nil
	}
	entry.lastSeen = time.Now()
	if entry.state == stateTried {
		return nil
	}

	bucket := triedBucketIndex(b.secret, peerID)
	slot := slotIndex(b.secret, peerID, TriedBucketSize)
	previousBucket, previousSlot := entry.bucket, entry.slot
	entry.state = stateTried
	entry.bucket = bucket
	entry.slot = slot
	entry.failures = 0
	if !b.placeLocked(b.triedTable, bucket, slot, entry) {
		entry.state = stateNew
		entry.bucket, entry.slot = previousBucket, previousSlot
		return ErrAddressBookSlotProtected
	}
	b.clearSlotLocked(b.newTable, previousBucket, previousSlot, entry)
	b.reportSizesLocked()
	return nil
}

// DowngradePeer records a connection failure for peerID and applies the
// FSM transitions of spec.md §4.3.2. Whitelisted/fixed/seed peers are
// exempt from downgrade-triggered removal.
func (b *PeerAddressBook) DowngradePeer(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.byPeerID[peerID]
	if !ok {
		return
	}
	if entry.info.InternalState.Kind.Protected() {
		return
	}

	switch entry.state {
	case stateTried:
		entry.failures++
		if entry.failures >= 3 {
			previousBucket, previousSlot := entry.bucket, entry.slot
			bucket := newBucketIndex(b.secret, PeerGroup(entry.info.IPAddress), PeerGroup(entry.info.IPAddress))
			slot := slotIndex(b.secret, peerID, NewBucketSize)
			entry.state = stateNew
			entry.bucket = bucket
			entry.slot = slot
			entry.failures = 0
			if b.placeLocked(b.newTable, bucket, slot, entry) {
				b.clearSlotLocked(b.triedTable, previousBucket, previousSlot, entry)
			} else {
				entry.state = stateTried
				entry.bucket, entry.slot = previousBucket, previousSlot
			}
		}
	case stateNew:
		b.clearSlotLocked(b.newTable, entry.bucket, entry.slot, entry)
		delete(b.byPeerID, peerID)
	}
	b.reportSizesLocked()
}

// RemovePeer evicts peerID from whichever table holds it.
func (b *PeerAddressBook) RemovePeer(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(peerID)
	b.reportSizesLocked()
}

func (b *PeerAddressBook) removeLocked(peerID string) {
	entry, ok := b.byPeerID[peerID]
	if !ok {
		return
	}
	if entry.state == stateTried {
		b.clearSlotLocked(b.triedTable, entry.bucket, entry.slot, entry)
	} else {
		b.clearSlotLocked(b.newTable, entry.bucket, entry.slot, entry)
	}
	delete(b.byPeerID, peerID)
}

// UpdatePeer merges shared-state fields into the existing entry without
// changing table membership.
func (b *PeerAddressBook) UpdatePeer(peerID string, shared map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.byPeerID[peerID]
	if !ok {
		return
	}
	if entry.info.SharedState == nil {
		entry.info.SharedState = make(map[string]string, len(shared))
	}
	for k, v := range shared {
		entry.info.SharedState[k] = v
	}
	entry.lastSeen = time.Now()
}

// Lookup returns a copy of the entry for peerID, if present.
func (b *PeerAddressBook) Lookup(peerID string) (*PeerInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.byPeerID[peerID]
	if !ok {
		return nil, false
	}
	return entry.info.Clone(), true
}

// IsTried reports whether peerID currently sits in the tried table.
func (b *PeerAddressBook) IsTried(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.byPeerID[peerID]
	return ok && entry.state == stateTried
}

// Counts returns the current size of the new and tried tables.
func (b *PeerAddressBook) Counts() (newCount, triedCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.byPeerID {
		if e.state == stateTried {
			triedCount++
		} else {
			newCount++
		}
	}
	return
}

// GetRandomizedPeerList returns between min and max peers sampled uniformly
// without replacement from the union of both tables, filtering out peers
// that opted out of advertisement, per spec.md §4.3.3.
func (b *PeerAddressBook) GetRandomizedPeerList(min, max int) []*PeerInfo {
	b.mu.Lock()
	candidates := make([]*PeerInfo, 0, len(b.byPeerID))
	for _, e := range b.byPeerID {
		if e.info.InternalState.AdvertiseAddress {
			candidates = append(candidates, e.info.Clone())
		}
	}
	rng := b.rng
	b.mu.Unlock()

	rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	count := max
	if count > len(candidates) {
		count = len(candidates)
	}
	if count < min {
		count = min
		if count > len(candidates) {
			count = len(candidates)
		}
	}
	return candidates[:count]
}

// placeLocked inserts entry at (bucket, slot), evicting any occupant per
// the protection-ratio rules of spec.md §4.3.1/§4.4. If the occupant is
// protected and cannot be evicted, the new entry is dropped and placeLocked
// reports false.
func (b *PeerAddressBook) placeLocked(table [][]*bookEntry, bucket, slot int, entry *bookEntry) bool {
	occupant := table[bucket][slot]
	if occupant != nil && occupant.info.PeerID != entry.info.PeerID {
		if !b.evictCollisionLocked(table, bucket, slot, occupant) {
			return false
		}
	}
	table[bucket][slot] = entry
	return true
}

func (b *PeerAddressBook) clearSlotLocked(table [][]*bookEntry, bucket, slot int, entry *bookEntry) {
	if table[bucket][slot] == entry {
		table[bucket][slot] = nil
	}
}

// evictCollisionLocked removes occupant to make room for a new placement.
// It reports false, leaving occupant in place, if occupant is protected.
func (b *PeerAddressBook) evictCollisionLocked(table [][]*bookEntry, bucket, slot int, occupant *bookEntry) bool {
	if occupant.info.InternalState.Kind.Protected() {
		return false
	}
	if b.scorer != nil {
		protected := b.scorer.ProtectedSet([]string{occupant.info.PeerID}, b.ratios, time.Now())
		if protected[occupant.info.PeerID] {
			return false
		}
	}
	delete(b.byPeerID, occupant.info.PeerID)
	table[bucket][slot] = nil
	b.metrics.recordEviction("bucket_collision")
	return true
}
