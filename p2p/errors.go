package p2p

import "errors"

// ErrInvalidPayload indicates that a peer supplied a syntactically correct message with invalid contents.
var ErrInvalidPayload = errors.New("p2p: invalid payload")

// IsInvalidPayload reports whether the error originated from a malformed or invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

// Sentinel errors for the remaining spec.md §7 taxonomy.
var (
	ErrPeerInboundHandshake = errors.New("p2p: peer inbound handshake rejected")
	ErrNodeNotReady         = errors.New("p2p: coordinator not ready")
	ErrDuplicateInstance    = errors.New("p2p: duplicate coordinator instance")
	ErrQueueFull            = errors.New("p2p: outbound queue full")
	ErrAddressBookSlotProtected = errors.New("p2p: bucket slot occupant is protected from eviction")
)

func IsPeerInboundHandshake(err error) bool { return errors.Is(err, ErrPeerInboundHandshake) }
func IsNodeNotReady(err error) bool         { return errors.Is(err, ErrNodeNotReady) }
func IsDuplicateInstance(err error) bool    { return errors.Is(err, ErrDuplicateInstance) }
func IsQueueFull(err error) bool            { return errors.Is(err, ErrQueueFull) }

// ExistingPeerError is returned by PeerAddressBook.AddPeer when the peerId
// is already present; it carries the existing entry so the caller can
// recover locally by upgrading it instead of adding a new one, per
// spec.md §7's propagation policy.
type ExistingPeerError struct {
	Existing *PeerInfo
}

func (e *ExistingPeerError) Error() string {
	if e.Existing == nil {
		return "p2p: existing peer"
	}
	return "p2p: existing peer " + e.Existing.PeerID
}

// AsExistingPeer reports whether err is an *ExistingPeerError and returns it.
func AsExistingPeer(err error) (*ExistingPeerError, bool) {
	var existing *ExistingPeerError
	if errors.As(err, &existing) {
		return existing, true
	}
	return nil, false
}
