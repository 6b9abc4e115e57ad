package p2p

import (
	"strconv"
	"testing"
	"time"
)

func testSecret() []byte {
	return []byte("test-secret-32-bytes-long-000000")
}

func testPeer(id string) *PeerInfo {
	return &PeerInfo{
		PeerID:        id,
		IPAddress:     "10.0.0.1",
		WSPort:        6001,
		SharedState:   map[string]string{},
		InternalState: InternalState{Kind: KindOutbound, AdvertiseAddress: true},
	}
}

// S4 from spec.md §8: peer book downgrade cycle.
func TestAddressBookDowngradeCycle(t *testing.T) {
	book := NewPeerAddressBook(testSecret(), nil, ProtectionRatios{}, nil)
	p := testPeer("1.2.3.4:6001")

	if err := book.AddPeer(p, "0.0"); err != nil {
		t.Fatalf("unexpected error adding peer: %v", err)
	}
	if err := book.UpgradePeer(p.PeerID); err != nil {
		t.Fatalf("unexpected error upgrading peer: %v", err)
	}
	if !book.IsTried(p.PeerID) {
		t.Fatalf("expected peer to be tried after upgrade")
	}

	book.DowngradePeer(p.PeerID)
	book.DowngradePeer(p.PeerID)
	book.DowngradePeer(p.PeerID)
	if book.IsTried(p.PeerID) {
		t.Fatalf("expected peer to be back in new table after 3 downgrades")
	}
	if _, ok := book.Lookup(p.PeerID); !ok {
		t.Fatalf("expected peer to still be present after 3 downgrades")
	}

	book.DowngradePeer(p.PeerID)
	if _, ok := book.Lookup(p.PeerID); ok {
		t.Fatalf("expected peer to be absent after a 4th downgrade")
	}
}

func TestAddressBookAddPeerRejectsDuplicate(t *testing.T) {
	book := NewPeerAddressBook(testSecret(), nil, ProtectionRatios{}, nil)
	p := testPeer("5.6.7.8:6001")
	if err := book.AddPeer(p, "0.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := book.AddPeer(p, "0.0")
	if _, ok := AsExistingPeer(err); !ok {
		t.Fatalf("expected ExistingPeerError, got %v", err)
	}
}

// Round-trip property from spec.md §8: upgradePeer applied twice is
// equivalent to once.
func TestUpgradePeerIdempotent(t *testing.T) {
	book := NewPeerAddressBook(testSecret(), nil, ProtectionRatios{}, nil)
	p := testPeer("9.9.9.9:6001")
	if err := book.AddPeer(p, "0.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := book.UpgradePeer(p.PeerID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstNew, firstTried := book.Counts()
	if err := book.UpgradePeer(p.PeerID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secondNew, secondTried := book.Counts()
	if firstNew != secondNew || firstTried != secondTried {
		t.Fatalf("expected idempotent upgrade, got (%d,%d) then (%d,%d)", firstNew, firstTried, secondNew, secondTried)
	}
}

// Round-trip property from spec.md §8: addPeer; removePeer; addPeer leaves
// the book in the same state as a single addPeer.
func TestAddRemoveAddLeavesSameState(t *testing.T) {
	book := NewPeerAddressBook(testSecret(), nil, ProtectionRatios{}, nil)
	p := testPeer("8.8.8.8:6001")

	if err := book.AddPeer(p, "0.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	book.RemovePeer(p.PeerID)
	if _, ok := book.Lookup(p.PeerID); ok {
		t.Fatalf("expected peer to be absent after removal")
	}
	if err := book.AddPeer(p, "0.0"); err != nil {
		t.Fatalf("unexpected error re-adding peer: %v", err)
	}
	if _, ok := book.Lookup(p.PeerID); !ok {
		t.Fatalf("expected peer present after re-add")
	}
}

func TestGetRandomizedPeerListFiltersUnadvertised(t *testing.T) {
	book := NewPeerAddressBook(testSecret(), nil, ProtectionRatios{}, nil)
	advertised := testPeer("1.1.1.1:6001")
	hidden := testPeer("2.2.2.2:6001")
	hidden.InternalState.AdvertiseAddress = false

	if err := book.AddPeer(advertised, "0.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := book.AddPeer(hidden, "0.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	list := book.GetRandomizedPeerList(0, 10)
	for _, p := range list {
		if p.PeerID == hidden.PeerID {
			t.Fatalf("expected unadvertised peer to be filtered out")
		}
	}
}

// S6 from spec.md §8: a peer protected under the netgroup tier survives a
// bucket/slot collision instead of being evicted by evictCollisionLocked.
func TestAddressBookNetgroupProtectionAtCollision(t *testing.T) {
	secret := testSecret()
	scorer := NewReputationManager(ReputationConfig{})
	book := NewPeerAddressBook(secret, scorer, ProtectionRatios{Netgroup: 1.0}, nil)

	protectedPeer := testPeer("3.3.3.3:6001")
	if err := book.AddPeer(protectedPeer, "0.0"); err != nil {
		t.Fatalf("unexpected error adding protected peer: %v", err)
	}
	scorer.MarkConnected(protectedPeer.PeerID, PeerGroup(protectedPeer.IPAddress), time.Now())

	protectedBucket := newBucketIndex(secret, "0.0", PeerGroup(protectedPeer.IPAddress))
	protectedSlot := slotIndex(secret, protectedPeer.PeerID, NewBucketSize)

	var collider *PeerInfo
	for port := 6002; port < 65000; port++ {
		candidate := testPeer("3.3.3.3:" + strconv.Itoa(port))
		if newBucketIndex(secret, "0.0", PeerGroup(candidate.IPAddress)) != protectedBucket {
			continue
		}
		if slotIndex(secret, candidate.PeerID, NewBucketSize) == protectedSlot {
			collider = candidate
			break
		}
	}
	if collider == nil {
		t.Fatalf("could not find a peer id colliding with the protected peer's bucket/slot")
	}

	err := book.AddPeer(collider, "0.0")
	if err != ErrAddressBookSlotProtected {
		t.Fatalf("expected colliding peer to be rejected as slot-protected, got %v", err)
	}
	if _, ok := book.Lookup(protectedPeer.PeerID); !ok {
		t.Fatalf("expected netgroup-protected peer to survive the bucket collision")
	}
	if _, ok := book.Lookup(collider.PeerID); ok {
		t.Fatalf("expected colliding peer to be absent after a rejected placement")
	}
}
