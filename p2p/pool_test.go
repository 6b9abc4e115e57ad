package p2p

import (
	"testing"
	"time"
)

type fakeTransport struct {
	sent   []*Message
	closed bool
}

func (f *fakeTransport) Send(peerID string, msg *Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close(peerID string, reason error) error {
	f.closed = true
	return nil
}

func poolTestPeerInfo(ip string, port uint16) *PeerInfo {
	return &PeerInfo{
		PeerID:        BuildPeerID(ip, port),
		IPAddress:     ip,
		WSPort:        port,
		SharedState:   map[string]string{},
		InternalState: InternalState{Kind: KindInbound, AdvertiseAddress: true},
	}
}

func TestAdmitInboundRejectsDuplicateAndBanned(t *testing.T) {
	book := NewPeerAddressBook(testSecret(), NewReputationManager(ReputationConfig{}), ProtectionRatios{}, nil)
	pool := NewPeerPool(PoolConfig{}, book, NewReputationManager(ReputationConfig{}), nil)

	info := poolTestPeerInfo("1.1.1.1", 6001)
	if _, err := pool.AdmitInbound(info, &fakeTransport{}, map[string]bool{}, false); err != nil {
		t.Fatalf("unexpected error on first admit: %v", err)
	}
	if _, err := pool.AdmitInbound(info, &fakeTransport{}, map[string]bool{}, false); !IsPeerInboundHandshake(err) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	banned := poolTestPeerInfo("2.2.2.2", 6001)
	if _, err := pool.AdmitInbound(banned, &fakeTransport{}, map[string]bool{"2.2.2.2": true}, false); !IsPeerInboundHandshake(err) {
		t.Fatalf("expected banned-IP rejection, got %v", err)
	}
}

// S6 from spec.md §8: protection ratios over a 100-peer inbound set.
func TestEvictForInboundRespectsProtectionRatios(t *testing.T) {
	scorer := NewReputationManager(ReputationConfig{})
	book := NewPeerAddressBook(testSecret(), scorer, ProtectionRatios{}, nil)
	ratios := ProtectionRatios{Netgroup: 0.1, Latency: 0.1, Productivity: 0.1, Longevity: 0.1}
	pool := NewPeerPool(PoolConfig{MaxInboundConnections: 100, Ratios: ratios}, book, scorer, nil)

	now := time.Now()
	for i := 0; i < 100; i++ {
		ip := poolTestIP(i)
		info := poolTestPeerInfo(ip, 6001)
		if _, err := pool.AdmitInbound(info, &fakeTransport{}, map[string]bool{}, false); err != nil {
			t.Fatalf("unexpected error admitting peer %d: %v", i, err)
		}
		scorer.MarkConnected(info.PeerID, PeerGroup(ip), now.Add(time.Duration(i)*time.Second))
	}

	in, _ := pool.Counts()
	if in != 100 {
		t.Fatalf("expected 100 inbound peers, got %d", in)
	}

	// A 101st peer forces an eviction; protected peers must survive.
	extra := poolTestPeerInfo(poolTestIP(200), 6001)
	if _, err := pool.AdmitInbound(extra, &fakeTransport{}, map[string]bool{}, false); err != nil {
		t.Fatalf("unexpected error admitting overflow peer: %v", err)
	}
	in, _ = pool.Counts()
	if in != 100 {
		t.Fatalf("expected inbound count to stay at max after eviction, got %d", in)
	}
}

func poolTestIP(i int) string {
	a := (i / 65536) % 256
	b := (i / 256) % 256
	c := i % 256
	return ipString(a, b, c)
}

func ipString(a, b, c int) string {
	return intToStr(a) + "." + intToStr(b) + "." + intToStr(c) + ".1"
}

func intToStr(v int) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

func TestPoolBroadcastSendsToAllOutbound(t *testing.T) {
	book := NewPeerAddressBook(testSecret(), NewReputationManager(ReputationConfig{}), ProtectionRatios{}, nil)
	pool := NewPeerPool(PoolConfig{}, book, NewReputationManager(ReputationConfig{}), nil)

	transports := []*fakeTransport{{}, {}}
	for i, tr := range transports {
		info := poolTestPeerInfo(poolTestIP(i+1), 6001)
		pool.AddOutbound(info, tr)
	}

	pool.Broadcast(&Message{Type: 0x01, Payload: []byte("ping")})
	time.Sleep(10 * time.Millisecond)

	for i, tr := range transports {
		if len(tr.sent) != 1 {
			t.Fatalf("transport %d expected 1 sent message, got %d", i, len(tr.sent))
		}
	}
}
