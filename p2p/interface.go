package p2p

// Message is the generic structure for any data sent between nodes.
type Message struct {
	Type    byte
	Payload []byte
}

// Broadcaster defines any component that can broadcast messages to the network.
type Broadcaster interface {
	Broadcast(msg *Message) error
}

// MessageHandler defines any component that can process a raw message from the network.
type MessageHandler interface {
	HandleMessage(msg *Message) error
}

// Transport is the wire-level collaborator PeerPool depends on instead of a
// concrete socket (spec.md §1 places the WebSocket cluster itself out of
// scope). Send delivers a message to a live peer; Close tears the
// connection down, and PeerPool reports the same reason as the Err of the
// CloseInbound or CloseOutbound event it emits.
type Transport interface {
	Send(peerID string, msg *Message) error
	Close(peerID string, reason error) error
}
