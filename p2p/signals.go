package p2p

// Signal enumerates the P2P lifecycle events emitted by PeerPool and
// P2PCoordinator, per spec.md §6. It replaces the dynamic event-name
// strings of the design this module was distilled from with a compile-time
// sum type, per spec.md §9's design note.
type Signal int

const (
	NewInboundPeer Signal = iota
	OutboundConnect
	OutboundConnectAbort
	CloseInbound
	CloseOutbound
	RemovePeer
	BanPeer
	UnbanPeer
	DiscoveredPeer
	UpdatedPeerInfo
	MessageReceived
	RequestReceived
	NetworkReady
	FailedPeerInfoUpdate
	FailedToFetchPeerInfo
	FailedToFetchPeers
	FailedToPushNodeInfo
	FailedToSendMessage
	FailedToAddInboundPeer
	InboundSocketError
	OutboundSocketError
	FailedToCollectPeerDetailsOnConnect
)

func (s Signal) String() string {
	switch s {
	case NewInboundPeer:
		return "NewInboundPeer"
	case OutboundConnect:
		return "OutboundConnect"
	case OutboundConnectAbort:
		return "OutboundConnectAbort"
	case CloseInbound:
		return "CloseInbound"
	case CloseOutbound:
		return "CloseOutbound"
	case RemovePeer:
		return "RemovePeer"
	case BanPeer:
		return "BanPeer"
	case UnbanPeer:
		return "UnbanPeer"
	case DiscoveredPeer:
		return "DiscoveredPeer"
	case UpdatedPeerInfo:
		return "UpdatedPeerInfo"
	case MessageReceived:
		return "MessageReceived"
	case RequestReceived:
		return "RequestReceived"
	case NetworkReady:
		return "NetworkReady"
	case FailedPeerInfoUpdate:
		return "FailedPeerInfoUpdate"
	case FailedToFetchPeerInfo:
		return "FailedToFetchPeerInfo"
	case FailedToFetchPeers:
		return "FailedToFetchPeers"
	case FailedToPushNodeInfo:
		return "FailedToPushNodeInfo"
	case FailedToSendMessage:
		return "FailedToSendMessage"
	case FailedToAddInboundPeer:
		return "FailedToAddInboundPeer"
	case InboundSocketError:
		return "InboundSocketError"
	case OutboundSocketError:
		return "OutboundSocketError"
	case FailedToCollectPeerDetailsOnConnect:
		return "FailedToCollectPeerDetailsOnConnect"
	default:
		return "Unknown"
	}
}

// Event is a single emitted lifecycle occurrence, delivered synchronously
// to every registered handler.
type Event struct {
	Signal Signal
	PeerID string
	Err    error
	Info   *PeerInfo
}

// EventHandler receives P2PCoordinator/PeerPool lifecycle events. Handlers
// are stored by explicit identifier rather than captured closures, per
// spec.md §9's note on replacing arrow-function-captured handler identity.
type EventHandler interface {
	HandleEvent(Event)
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(Event)

func (f EventHandlerFunc) HandleEvent(e Event) { f(e) }

// eventBus fans a signal out to every registered handler, in registration order.
type eventBus struct {
	handlers map[string]EventHandler
	order    []string
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[string]EventHandler)}
}

// Register adds a handler under an explicit identifier, replacing any
// handler previously registered under the same id.
func (b *eventBus) Register(id string, h EventHandler) {
	if _, exists := b.handlers[id]; !exists {
		b.order = append(b.order, id)
	}
	b.handlers[id] = h
}

// Unregister removes a handler by id.
func (b *eventBus) Unregister(id string) {
	delete(b.handlers, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *eventBus) Emit(e Event) {
	for _, id := range b.order {
		if h, ok := b.handlers[id]; ok {
			h.HandleEvent(e)
		}
	}
}
