package p2p

// BuildDiscoveryResponse assembles the getPeersList RPC response from an
// already-sampled peer list, capping the entry count so the serialized
// response stays under wsMaxPayload. If the naive entry count would exceed
// the budget, the response is trimmed to the first
// floor(wsMaxPayload/maxPeerInfoSize) - 1 entries, per spec.md §4.5 and
// scenario S5.
func BuildDiscoveryResponse(peers []PeerInfoPublic, wsMaxPayload, maxPeerInfoSize int) DiscoveryResponsePayload {
	if maxPeerInfoSize <= 0 {
		return DiscoveryResponsePayload{Success: true, Peers: peers}
	}
	budget := wsMaxPayload/maxPeerInfoSize - 1
	if budget < 0 {
		budget = 0
	}
	if len(peers) <= budget {
		return DiscoveryResponsePayload{Success: true, Peers: peers}
	}
	trimmed := make([]PeerInfoPublic, budget)
	copy(trimmed, peers[:budget])
	return DiscoveryResponsePayload{Success: true, Peers: trimmed}
}
