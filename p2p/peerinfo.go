package p2p

import (
	"fmt"
	"net"
	"strings"
)

// PeerKind classifies why a peer entry exists in the address book, per
// spec.md §3 PeerInfo.internalState.
type PeerKind int

const (
	KindInbound PeerKind = iota
	KindOutbound
	KindSeed
	KindFixed
	KindWhitelist
	KindPrevious
)

func (k PeerKind) String() string {
	switch k {
	case KindInbound:
		return "inbound"
	case KindOutbound:
		return "outbound"
	case KindSeed:
		return "seed"
	case KindFixed:
		return "fixed"
	case KindWhitelist:
		return "whitelist"
	case KindPrevious:
		return "previous"
	default:
		return "unknown"
	}
}

// Protected reports whether peers of this kind are exempt from
// downgradePeer-triggered removal and from pool eviction, per spec.md
// §4.3.2 and §4.4.
func (k PeerKind) Protected() bool {
	switch k {
	case KindSeed, KindFixed, KindWhitelist:
		return true
	default:
		return false
	}
}

// InternalState is the address book's bookkeeping for a peer, distinct from
// the externally-shared attributes in SharedState.
type InternalState struct {
	Kind               PeerKind
	AdvertiseAddress   bool
	ConnectionAttempts int
	Failures           int
}

// PeerInfo is the address book's record for a single peer.
type PeerInfo struct {
	PeerID        string
	IPAddress     string
	WSPort        uint16
	SharedState   map[string]string
	InternalState InternalState
}

// Clone returns a deep copy of info so callers can safely mutate the
// SharedState map without racing the address book.
func (info *PeerInfo) Clone() *PeerInfo {
	if info == nil {
		return nil
	}
	shared := make(map[string]string, len(info.SharedState))
	for k, v := range info.SharedState {
		shared[k] = v
	}
	clone := *info
	clone.SharedState = shared
	return &clone
}

// BuildPeerID constructs the canonical peerId string form, spec.md §3's
// named "peer-id construction" supporting utility.
func BuildPeerID(ipAddress string, wsPort uint16) string {
	return fmt.Sprintf("%s:%d", ipAddress, wsPort)
}

// PeerGroup returns the /16 IPv4 prefix (or the analogous /32 IPv6 prefix)
// used for netgroup diversity, per spec.md's glossary entry.
func PeerGroup(ipAddress string) string {
	ip := net.ParseIP(strings.TrimSpace(ipAddress))
	if ip == nil {
		return ipAddress
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d", v4[0], v4[1])
	}
	v6 := ip.To16()
	if v6 == nil {
		return ipAddress
	}
	return fmt.Sprintf("%x:%x", v6[0:2], v6[2:4])
}

// PublicView projects PeerInfo into the sanitised shape returned by the
// getPeersList discovery RPC (spec.md §6), omitting peers that opted out of
// advertisement.
func (info *PeerInfo) PublicView() (PeerInfoPublic, bool) {
	if info == nil || !info.InternalState.AdvertiseAddress {
		return PeerInfoPublic{}, false
	}
	shared := make(map[string]string, len(info.SharedState))
	for k, v := range info.SharedState {
		shared[k] = v
	}
	return PeerInfoPublic{
		IPAddress:   info.IPAddress,
		WSPort:      info.WSPort,
		SharedState: shared,
	}, true
}
