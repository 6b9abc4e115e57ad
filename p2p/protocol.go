package p2p

import (
	"encoding/json"
	"time"
)

// Message type tags for the P2P wire envelope. Block/transaction/consensus
// gossip and handshake framing belong to the wire-transport collaborator
// this repository does not implement (spec.md §1); only the keepalive and
// peer-discovery envelopes are defined here. PeerPool and P2PCoordinator
// do not build or send these messages themselves.
const (
	MsgTypePing         byte = 0x01
	MsgTypePong         byte = 0x02
	MsgTypeGetPeersList byte = 0x03
	MsgTypePeersList    byte = 0x04
)

// PingPayload is exchanged as a lightweight keepalive message.
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// PongPayload acknowledges receipt of a ping message.
type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// NewPingMessage builds a ping keepalive message using the provided nonce and timestamp.
func NewPingMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(PingPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePing, Payload: payload}, nil
}

// NewPongMessage builds a pong response echoing the supplied nonce.
func NewPongMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(PongPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePong, Payload: payload}, nil
}

// NewGetPeersListMessage builds the request for the getPeersList procedure.
func NewGetPeersListMessage() (*Message, error) {
	payload, err := json.Marshal(DiscoveryRequestPayload{})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeGetPeersList, Payload: payload}, nil
}

// NewPeersListMessage builds the getPeersList response envelope.
func NewPeersListMessage(resp DiscoveryResponsePayload) (*Message, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePeersList, Payload: payload}, nil
}
